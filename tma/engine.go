// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const (
	// DefaultEngineChannels is the number of concurrent transfers the copy
	// engine runs when no option overrides it.
	DefaultEngineChannels = 4

	// descriptorCacheEntries bounds the engine's descriptor cache.
	descriptorCacheEntries = 64

	// opsPerChannel sizes the issue queue; issuing only blocks when every
	// channel already has this many transfers queued.
	opsPerChannel = 256
)

// EngineStats is a snapshot of copy-engine counters.
type EngineStats struct {
	LoadTransfers  int64
	StoreTransfers int64
	LoadBytes      int64 // bytes delivered into staging arenas, including OOB fill
	StoreBytes     int64 // bytes written to global memory
	CacheHits      int64
	CacheMisses    int64
	Prefetches     int64
}

// Transfers returns the total number of transfers in both directions.
func (s EngineStats) Transfers() int64 {
	return s.LoadTransfers + s.StoreTransfers
}

// engineOp is one queued transfer. run performs the copy; fault receives a
// failure raised by run. complete, if set, runs after the transfer has been
// accounted for, with ok reporting whether run succeeded.
type engineOp struct {
	desc     Descriptor
	run      func() (int, error)
	fault    func(error)
	complete func(ok bool)
}

// CopyEngine is the device's bulk-copy facility. Transfers are issued without
// blocking the issuing thread and are executed on the engine's own channels.
// Loads signal a TransactionBarrier as rows land; stores report to a
// BulkGroup.
type CopyEngine struct {
	queue     chan engineOp
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *slog.Logger

	cache *lru.Cache[uint64, struct{}]

	loadTransfers, storeTransfers atomic.Int64
	loadBytes, storeBytes         atomic.Int64
	hits, misses, prefetches      atomic.Int64
}

// NewCopyEngine starts an engine with the given number of channels.
// If channels <= 0, DefaultEngineChannels is used.
func NewCopyEngine(channels int, logger *slog.Logger) *CopyEngine {
	if channels <= 0 {
		channels = DefaultEngineChannels
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cache, err := lru.New[uint64, struct{}](descriptorCacheEntries)
	if err != nil {
		panic(err)
	}
	e := &CopyEngine{
		queue:  make(chan engineOp, channels*opsPerChannel),
		logger: logger,
		cache:  cache,
	}
	e.wg.Add(channels)
	for range channels {
		go e.channel()
	}
	return e
}

func (e *CopyEngine) channel() {
	defer e.wg.Done()
	for op := range e.queue {
		e.execute(op)
	}
}

func (e *CopyEngine) execute(op engineOp) {
	ok := false
	if op.complete != nil {
		defer func() { op.complete(ok) }()
	}
	defer func() {
		if r := recover(); r != nil {
			op.fault(fmt.Errorf("tma: copy engine %s fault on %v: %v", op.desc.Direction(), op.desc, r))
		}
	}()
	bytes, err := op.run()
	if err != nil {
		op.fault(err)
		return
	}
	ok = true
	switch op.desc.Direction() {
	case DirectionLoad:
		e.loadTransfers.Add(1)
		e.loadBytes.Add(int64(bytes))
	case DirectionStore:
		e.storeTransfers.Add(1)
		e.storeBytes.Add(int64(bytes))
	}
}

// Close drains queued transfers and stops the engine. Calling Close multiple
// times is safe.
func (e *CopyEngine) Close() {
	e.closeOnce.Do(func() {
		close(e.queue)
		e.wg.Wait()
		e.logger.Debug("copy engine closed", "stats", e.Stats())
	})
}

// Prefetch loads desc into the engine's descriptor cache. It has no effect on
// correctness.
func (e *CopyEngine) Prefetch(desc Descriptor) {
	e.prefetches.Add(1)
	e.cache.Add(desc.ID(), struct{}{})
}

// lookup records a descriptor fetch, filling the cache on a miss.
func (e *CopyEngine) lookup(desc Descriptor) {
	if _, ok := e.cache.Get(desc.ID()); ok {
		e.hits.Add(1)
		return
	}
	e.misses.Add(1)
	e.cache.Add(desc.ID(), struct{}{})
}

// issue queues op. It returns as soon as the op is queued.
func (e *CopyEngine) issue(op engineOp) {
	e.lookup(op.desc)
	e.queue <- op
}

// Stats returns a snapshot of the engine's counters.
func (e *CopyEngine) Stats() EngineStats {
	return EngineStats{
		LoadTransfers:  e.loadTransfers.Load(),
		StoreTransfers: e.storeTransfers.Load(),
		LoadBytes:      e.loadBytes.Load(),
		StoreBytes:     e.storeBytes.Load(),
		CacheHits:      e.hits.Load(),
		CacheMisses:    e.misses.Load(),
		Prefetches:     e.prefetches.Load(),
	}
}

// IssueLoad queues a copy of the tile at coord from the plan's source view
// into the arena's tile region. Every row of the box, in bounds or not, is
// reported to bar with CompleteTx; out-of-bounds elements are zero-filled.
// bar must already be armed for TransactionBytes of the tile.
//
// The last row is reported only after the transfer has been accounted in
// Stats, so a completed phase implies the statistics include this load.
func IssueLoad[T Element](e *CopyEngine, plan CopyPlan[T], bar *TransactionBarrier, arena *StagingArena, coord TileCoord, fault func(error)) {
	src := plan.src
	tile := plan.tile
	rowBytes := tile.Cols * ElementSize[T]()
	e.issue(engineOp{
		desc:  plan.load,
		fault: fault,
		complete: func(ok bool) {
			if ok {
				bar.CompleteTx(rowBytes)
			}
		},
		run: func() (int, error) {
			smem := TileRegion[T](arena)
			if len(smem) < tile.Size() {
				return 0, fmt.Errorf("tma: staging tile region holds %d elements, box needs %d", len(smem), tile.Size())
			}
			reg := NewVec[T]()
			bounds := tileBounds(src.Shape(), tile, coord)
			for r := range tile.Rows {
				dst := smem[r*tile.Cols : (r+1)*tile.Cols]
				n := 0
				if row := bounds.Row0 + r; row < bounds.Row1 {
					n = bounds.Col1 - bounds.Col0
					copyRow(reg, dst[:n], src.row(row, bounds.Col0, n))
				}
				clear(dst[n:])
				arena.publishAsync()
				if r < tile.Rows-1 {
					bar.CompleteTx(rowBytes)
				}
			}
			return tile.Rows * rowBytes, nil
		},
	})
}

// IssueStore queues a copy of the arena's tile region to the tile at coord of
// the plan's destination view. Only in-bounds elements are written. The
// transfer is tracked by group's open batch; see BulkGroup.
func IssueStore[T Element](e *CopyEngine, plan CopyPlan[T], arena *StagingArena, coord TileCoord, group *BulkGroup, fault func(error)) {
	dst := plan.dst
	tile := plan.tile
	batch := group.add()
	e.issue(engineOp{
		desc:     plan.store,
		fault:    fault,
		complete: func(bool) { batch.finish() },
		run: func() (int, error) {
			smem := TileRegion[T](arena)
			reg := NewVec[T]()
			bounds := tileBounds(dst.Shape(), tile, coord)
			n := bounds.Col1 - bounds.Col0
			written := 0
			for row := bounds.Row0; row < bounds.Row1; row++ {
				r := row - bounds.Row0
				copyRow(reg, dst.row(row, bounds.Col0, n), smem[r*tile.Cols:r*tile.Cols+n])
				written += n
			}
			return written * ElementSize[T](), nil
		},
	})
}

// BulkGroup tracks completion of bulk stores issued by one execution unit.
// Stores join the open batch; Commit closes it; Wait blocks until at most n
// committed batches are still in flight.
type BulkGroup struct {
	mu        sync.Mutex
	open      *bulkBatch
	committed []*bulkBatch
}

type bulkBatch struct {
	mu        sync.Mutex
	pending   int
	committed bool
	done      chan struct{}
}

func newBulkBatch() *bulkBatch {
	return &bulkBatch{done: make(chan struct{})}
}

func (b *bulkBatch) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending--
	if b.pending == 0 && b.committed {
		close(b.done)
	}
}

func (b *bulkBatch) commit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed = true
	if b.pending == 0 {
		close(b.done)
	}
}

func (g *BulkGroup) add() *bulkBatch {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == nil {
		g.open = newBulkBatch()
	}
	g.open.mu.Lock()
	g.open.pending++
	g.open.mu.Unlock()
	return g.open
}

// Commit closes the open batch of stores. Committing with no open batch
// records an empty, already complete batch.
func (g *BulkGroup) Commit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.open
	if b == nil {
		b = newBulkBatch()
	}
	g.open = nil
	b.commit()
	g.committed = append(g.committed, b)
}

// Wait blocks until at most n committed batches are still in flight, or ctx
// is done.
func (g *BulkGroup) Wait(ctx context.Context, n int) error {
	for {
		g.mu.Lock()
		inflight := g.committed[:0]
		for _, b := range g.committed {
			select {
			case <-b.done:
			default:
				inflight = append(inflight, b)
			}
		}
		g.committed = inflight
		if len(inflight) <= n {
			g.mu.Unlock()
			return nil
		}
		oldest := inflight[0]
		g.mu.Unlock()

		select {
		case <-oldest.done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "tma: bulk store wait")
		}
	}
}
