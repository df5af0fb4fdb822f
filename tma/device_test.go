// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopKernel(*Block) (ThreadFunc, error) {
	return func(*Thread) error { return nil }, nil
}

func TestLaunchFaults(t *testing.T) {
	dev := newTestDevice(t, WithSharedMemoryPerBlock(48*1024), WithMaxThreadsPerBlock(256))

	cases := []struct {
		name string
		cfg  LaunchConfig
	}{
		{"ScratchNotGrantable", LaunchConfig{Grid: Dim2{2, 2}, ThreadsPerUnit: 32, SharedMemBytes: 64 * 1024}},
		{"NegativeScratch", LaunchConfig{Grid: Dim2{2, 2}, ThreadsPerUnit: 32, SharedMemBytes: -1}},
		{"ZeroThreads", LaunchConfig{Grid: Dim2{2, 2}, ThreadsPerUnit: 0}},
		{"TooManyThreads", LaunchConfig{Grid: Dim2{2, 2}, ThreadsPerUnit: 512}},
		{"EmptyGrid", LaunchConfig{Grid: Dim2{0, 2}, ThreadsPerUnit: 32}},
		{"GridTooTall", LaunchConfig{Grid: Dim2{1, DefaultMaxGridY + 1}, ThreadsPerUnit: 32}},
		{"ClusterNotDividing", LaunchConfig{Grid: Dim2{3, 2}, ThreadsPerUnit: 32, Cluster: Dim2{2, 1}}},
		{"ClusterTooLarge", LaunchConfig{Grid: Dim2{16, 2}, ThreadsPerUnit: 32, Cluster: Dim2{16, 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := dev.Launch(context.Background(), tc.cfg, noopKernel)
			var launchErr *LaunchFault
			require.ErrorAs(t, err, &launchErr)
			assert.Equal(t, StatusLaunchFault, Status(err))
		})
	}

	// Rejected launches leave the device usable.
	require.NoError(t, dev.Launch(context.Background(), LaunchConfig{Grid: Dim2{2, 2}, ThreadsPerUnit: 32}, noopKernel))
	require.NoError(t, dev.Synchronize(context.Background()))
}

func TestLaunchOnClosedDevice(t *testing.T) {
	dev := NewDevice()
	dev.Close()
	dev.Close()

	err := dev.Launch(context.Background(), LaunchConfig{Grid: Dim2{1, 1}, ThreadsPerUnit: 1}, noopKernel)
	assert.Equal(t, StatusLaunchFault, Status(err))
}

func TestRuntimeFaultIsSticky(t *testing.T) {
	dev := newTestDevice(t)

	kernel := func(b *Block) (ThreadFunc, error) {
		return func(th *Thread) error {
			if b.Idx() == (Dim2{1, 0}) && th.Idx() == 3 {
				panic("bad address")
			}
			return th.SyncThreads()
		}, nil
	}
	cfg := LaunchConfig{Grid: Dim2{2, 2}, ThreadsPerUnit: 8}
	require.NoError(t, dev.Launch(context.Background(), cfg, kernel))

	err := dev.Synchronize(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusRuntimeFault, Status(err))
	var fault *RuntimeFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, TileCoord{1, 0}, fault.Block)
	assert.ErrorContains(t, err, "bad address")

	// Every later launch and synchronize reports the same fault.
	err = dev.Launch(context.Background(), cfg, noopKernel)
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, TileCoord{1, 0}, fault.Block)
	assert.Error(t, dev.Synchronize(context.Background()))
}

func TestKernelSetupErrorIsRuntimeFault(t *testing.T) {
	dev := newTestDevice(t)
	kernel := func(*Block) (ThreadFunc, error) {
		return nil, errors.New("no arena")
	}
	require.NoError(t, dev.Launch(context.Background(), LaunchConfig{Grid: Dim2{1, 1}, ThreadsPerUnit: 4}, kernel))
	err := dev.Synchronize(context.Background())
	assert.Equal(t, StatusRuntimeFault, Status(err))
	assert.ErrorContains(t, err, "no arena")
}

func TestSynchronizeWatchdog(t *testing.T) {
	dev := newTestDevice(t)

	// The barrier is never armed, so every thread waits forever.
	kernel := func(b *Block) (ThreadFunc, error) {
		if err := b.Arena().Carve(ArenaRegion{Name: RegionBarrier, Offset: 0, Size: BarrierBytes}); err != nil {
			return nil, err
		}
		bar := NewTransactionBarrier(b.Arena())
		bar.Init(1)
		return func(th *Thread) error {
			return bar.Wait(b.Context(), 0)
		}, nil
	}
	cfg := LaunchConfig{Grid: Dim2{1, 2}, ThreadsPerUnit: 4, SharedMemBytes: StagingAlignment}
	require.NoError(t, dev.Launch(context.Background(), cfg, kernel))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := dev.Synchronize(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusRuntimeFault, Status(err))
}

func TestDeviceProps(t *testing.T) {
	dev := newTestDevice(t, WithSMCount(3), WithEngineChannels(2))
	props := dev.Props()
	assert.Equal(t, 3, props.SMCount)
	assert.Equal(t, 2, props.EngineChannels)
	assert.Equal(t, MaxStagingBytes, props.SharedMemoryPerBlock)
	assert.Equal(t, 3, dev.Pool().NumWorkers())
}
