// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ajroetker/go-tma/tma/contrib/workerpool"
)

// Device limits used when no option overrides them.
const (
	DefaultMaxThreadsPerBlock = 1024
	DefaultMaxGridX           = 1<<31 - 1
	DefaultMaxGridY           = 65535
	MaxClusterSize            = 8
)

// DeviceProps describes the limits a Device enforces at launch.
type DeviceProps struct {
	// SharedMemoryPerBlock is the largest scratch size one unit can be granted.
	SharedMemoryPerBlock int
	MaxThreadsPerBlock   int
	MaxGridDim           Dim2
	// SMCount is the number of blocks that can be resident at once.
	SMCount        int
	EngineChannels int
}

// DefaultDeviceProps returns the limits of a device with one SM per GOMAXPROCS.
func DefaultDeviceProps() DeviceProps {
	return DeviceProps{
		SharedMemoryPerBlock: MaxStagingBytes,
		MaxThreadsPerBlock:   DefaultMaxThreadsPerBlock,
		MaxGridDim:           Dim2{X: DefaultMaxGridX, Y: DefaultMaxGridY},
		SMCount:              runtime.GOMAXPROCS(0),
		EngineChannels:       DefaultEngineChannels,
	}
}

// Option configures a Device.
type Option func(*deviceOptions)

type deviceOptions struct {
	props  DeviceProps
	logger *slog.Logger
}

// WithSharedMemoryPerBlock sets the scratch size a unit can be granted.
func WithSharedMemoryPerBlock(bytes int) Option {
	return func(o *deviceOptions) { o.props.SharedMemoryPerBlock = bytes }
}

// WithMaxThreadsPerBlock sets the largest block a launch may request.
func WithMaxThreadsPerBlock(n int) Option {
	return func(o *deviceOptions) { o.props.MaxThreadsPerBlock = n }
}

// WithSMCount sets how many blocks may be resident at once.
func WithSMCount(n int) Option {
	return func(o *deviceOptions) { o.props.SMCount = n }
}

// WithEngineChannels sets the number of concurrent copy-engine transfers.
func WithEngineChannels(n int) Option {
	return func(o *deviceOptions) { o.props.EngineChannels = n }
}

// WithLogger sets the logger device events are written to. By default they
// are discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(o *deviceOptions) { o.logger = logger }
}

// LaunchConfig is the launch surface of a grid.
type LaunchConfig struct {
	Grid           Dim2
	ThreadsPerUnit int
	SharedMemBytes int
	// Cluster groups co-scheduled units. The zero value means 1x1.
	Cluster Dim2
}

// ThreadFunc is the code every thread of a block runs.
type ThreadFunc func(t *Thread) error

// Kernel is called once per block, before its threads start, and returns the
// function its threads run. Per-block state lives in the returned closure.
type Kernel func(b *Block) (ThreadFunc, error)

// Device is a software accelerator: a pool of SM workers that run blocks of
// goroutine threads, and one CopyEngine shared by every block. Like a GPU
// context, a runtime fault is sticky: once reported, every later Launch and
// Synchronize returns it.
type Device struct {
	props  DeviceProps
	pool   *workerpool.Pool
	engine *CopyEngine
	logger *slog.Logger

	mu       sync.Mutex
	inflight []*launch
	fault    error
	closed   bool
}

type launch struct {
	cfg    LaunchConfig
	batch  *workerpool.Batch
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	fault error
}

func (l *launch) recordFault(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fault == nil {
		l.fault = err
	}
}

func (l *launch) firstFault() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fault
}

// NewDevice creates a device and starts its workers and copy engine.
func NewDevice(opts ...Option) *Device {
	o := deviceOptions{props: DefaultDeviceProps()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.props.SMCount <= 0 {
		o.props.SMCount = runtime.GOMAXPROCS(0)
	}
	if o.props.EngineChannels <= 0 {
		o.props.EngineChannels = DefaultEngineChannels
	}
	d := &Device{
		props:  o.props,
		pool:   workerpool.New(o.props.SMCount),
		engine: NewCopyEngine(o.props.EngineChannels, o.logger),
		logger: o.logger,
	}
	d.logger.Debug("device ready",
		"sms", d.props.SMCount,
		"smem_per_block", d.props.SharedMemoryPerBlock,
		"engine_channels", d.props.EngineChannels,
		"dispatch", CurrentLevel().String())
	return d
}

// Props returns the device's limits.
func (d *Device) Props() DeviceProps {
	return d.props
}

// Engine returns the device's copy engine.
func (d *Device) Engine() *CopyEngine {
	return d.engine
}

// Pool returns the device's SM worker pool.
func (d *Device) Pool() *workerpool.Pool {
	return d.pool
}

func (d *Device) validate(cfg LaunchConfig) error {
	switch {
	case cfg.ThreadsPerUnit < 1 || cfg.ThreadsPerUnit > d.props.MaxThreadsPerBlock:
		return launchFaultf("%d threads per unit outside [1,%d]", cfg.ThreadsPerUnit, d.props.MaxThreadsPerBlock)
	case cfg.Grid.X < 1 || cfg.Grid.Y < 1:
		return launchFaultf("empty grid %v", cfg.Grid)
	case cfg.Grid.X > d.props.MaxGridDim.X || cfg.Grid.Y > d.props.MaxGridDim.Y:
		return launchFaultf("grid %v exceeds device limit %v", cfg.Grid, d.props.MaxGridDim)
	case cfg.SharedMemBytes < 0:
		return launchFaultf("negative scratch size %d", cfg.SharedMemBytes)
	case cfg.SharedMemBytes > d.props.SharedMemoryPerBlock:
		return launchFaultf("scratch size %d bytes not grantable, device allows %d", cfg.SharedMemBytes, d.props.SharedMemoryPerBlock)
	}
	cluster := cfg.Cluster
	if cluster == (Dim2{}) {
		cluster = Dim2{X: 1, Y: 1}
	}
	switch {
	case cluster.X < 1 || cluster.Y < 1 || cluster.Count() > MaxClusterSize:
		return launchFaultf("cluster %v outside [1,%d] units", cluster, MaxClusterSize)
	case cfg.Grid.X%cluster.X != 0 || cfg.Grid.Y%cluster.Y != 0:
		return launchFaultf("cluster %v does not divide grid %v", cluster, cfg.Grid)
	}
	return nil
}

// Launch validates cfg and schedules every block of the grid, then returns
// without waiting. A rejected configuration returns a *LaunchFault. Faults
// raised while blocks run are reported by Synchronize. Canceling ctx aborts
// the launch.
func (d *Device) Launch(ctx context.Context, cfg LaunchConfig, kernel Kernel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fault != nil {
		return d.fault
	}
	if d.closed {
		return launchFaultf("device closed")
	}
	if err := d.validate(cfg); err != nil {
		d.logger.Debug("launch rejected", "error", err)
		return err
	}

	lctx, cancel := context.WithCancelCause(ctx)
	l := &launch{cfg: cfg, cancel: cancel}
	l.batch = d.pool.Launch(cfg.Grid.Count(), func(i int) {
		idx := Dim2{X: i / cfg.Grid.Y, Y: i % cfg.Grid.Y}
		if lctx.Err() != nil {
			l.recordFault(&RuntimeFault{Block: TileCoord{Row: idx.X, Col: idx.Y}, Err: context.Cause(lctx)})
			return
		}
		if err := d.runBlock(lctx, cfg, kernel, idx); err != nil {
			l.recordFault(err)
			cancel(err)
		}
	})
	d.inflight = append(d.inflight, l)
	d.logger.Debug("launch",
		"grid", cfg.Grid.String(),
		"threads", cfg.ThreadsPerUnit,
		"smem", cfg.SharedMemBytes)
	return nil
}

// runBlock executes one block: it allocates the block's arena, runs the
// kernel's threads to completion and drains the block's outstanding stores.
func (d *Device) runBlock(ctx context.Context, cfg LaunchConfig, kernel Kernel, idx Dim2) (err error) {
	coord := TileCoord{Row: idx.X, Col: idx.Y}
	bctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, gctx := errgroup.WithContext(bctx)
	blk := &Block{
		idx:      idx,
		threads:  cfg.ThreadsPerUnit,
		arena:    NewStagingArena(cfg.SharedMemBytes),
		engine:   d.engine,
		ctx:      gctx,
		syncBar:  newThreadBarrier(cfg.ThreadsPerUnit),
		storeGrp: &BulkGroup{},
		fault:    cancel,
	}

	fn, err := kernel(blk)
	if err != nil {
		return &RuntimeFault{Block: coord, Err: err}
	}
	for i := range cfg.ThreadsPerUnit {
		t := &Thread{block: blk, idx: i}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("thread %d panicked: %v", t.idx, r)
				}
			}()
			return fn(t)
		})
	}
	err = g.Wait()

	// Bulk stores still in flight complete before the block retires.
	blk.storeGrp.Commit()
	if werr := blk.storeGrp.Wait(bctx, 0); err == nil {
		err = werr
	}
	if err == nil {
		return nil
	}
	if cause := context.Cause(bctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	return &RuntimeFault{Block: coord, Err: err}
}

// Synchronize blocks until every launched grid has finished and returns the
// first runtime fault, if any. If ctx is done first, every in-flight launch
// is aborted and the device is left faulted.
func (d *Device) Synchronize(ctx context.Context) error {
	d.mu.Lock()
	launches := d.inflight
	d.inflight = nil
	d.mu.Unlock()

	var first error
	for i, l := range launches {
		select {
		case <-l.batch.Done():
		case <-ctx.Done():
			abort := &RuntimeFault{Err: errors.Wrap(ctx.Err(), "device synchronize")}
			for _, rest := range launches[i:] {
				rest.cancel(abort)
			}
			for _, rest := range launches[i:] {
				rest.batch.Wait()
			}
			first = abort
		}
		if first != nil {
			break
		}
		if fault := l.firstFault(); fault != nil {
			first = fault
			for _, rest := range launches[i+1:] {
				rest.cancel(fault)
				rest.batch.Wait()
			}
			break
		}
		l.cancel(nil)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if first != nil && d.fault == nil {
		d.fault = first
		d.logger.Error("device faulted", "error", first)
	}
	if d.fault != nil {
		return errors.WithMessage(d.fault, "device synchronize")
	}
	return nil
}

// Close waits for in-flight work, then stops the SM workers and the copy
// engine. Calling Close multiple times is safe.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	launches := d.inflight
	d.inflight = nil
	d.mu.Unlock()

	for _, l := range launches {
		l.batch.Wait()
		l.cancel(nil)
	}
	d.pool.Close()
	d.engine.Close()
}
