// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrierTransactionCounting(t *testing.T) {
	b := newTestBarrier(t)
	b.Init(1)
	assert.Equal(t, 0, b.Phase())

	b.ArriveAndExpectTx(100)
	assert.False(t, b.TryWait(0))
	assert.Equal(t, 100, b.PendingTx())

	b.CompleteTx(60)
	assert.False(t, b.TryWait(0))
	assert.Equal(t, 40, b.PendingTx())

	b.CompleteTx(40)
	assert.True(t, b.TryWait(0))
	assert.Equal(t, 1, b.Phase())
	require.NoError(t, b.Wait(context.Background(), 0))
}

func TestBarrierPhaseAlternates(t *testing.T) {
	b := newTestBarrier(t)
	b.Init(1)

	b.ArriveAndExpectTx(8)
	b.CompleteTx(8)
	require.NoError(t, b.Wait(context.Background(), 0))

	// Second use waits on phase 1.
	b.ArriveAndExpectTx(16)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := b.Wait(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	b.CompleteTx(16)
	require.NoError(t, b.Wait(context.Background(), 1))
	assert.Equal(t, 0, b.Phase())
}

func TestBarrierArrivalsWithoutTransactions(t *testing.T) {
	b := newTestBarrier(t)
	b.Init(3)

	b.Arrive()
	b.Arrive()
	assert.False(t, b.TryWait(0))
	b.Arrive()
	assert.True(t, b.TryWait(0))
}

func TestBarrierManyWaitersChunkedDelivery(t *testing.T) {
	b := newTestBarrier(t)
	b.Init(1)

	const waiters, chunks, chunkBytes = 64, 32, 512
	errs := make(chan error, waiters)
	var wg sync.WaitGroup
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.Wait(context.Background(), 0)
		}()
	}

	b.ArriveAndExpectTx(chunks * chunkBytes)
	var producers sync.WaitGroup
	for range chunks {
		producers.Add(1)
		go func() {
			defer producers.Done()
			b.CompleteTx(chunkBytes)
		}()
	}
	producers.Wait()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, b.Phase())
}

func TestBarrierWaitCanceled(t *testing.T) {
	b := newTestBarrier(t)
	b.Init(1)
	b.ArriveAndExpectTx(4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, b.Wait(ctx, 0), context.Canceled)
}

func TestBarrierMisuse(t *testing.T) {
	t.Run("ArmBeforeInit", func(t *testing.T) {
		b := newTestBarrier(t)
		assert.Panics(t, func() { b.ArriveAndExpectTx(4) })
	})
	t.Run("DoubleInit", func(t *testing.T) {
		b := newTestBarrier(t)
		b.Init(1)
		assert.Panics(t, func() { b.Init(1) })
	})
	t.Run("TooManyArrivals", func(t *testing.T) {
		b := newTestBarrier(t)
		b.Init(1)
		b.ExpectTx(8)
		b.Arrive()
		assert.Panics(t, func() { b.Arrive() })
	})
	t.Run("TxUnderflow", func(t *testing.T) {
		b := newTestBarrier(t)
		b.Init(1)
		b.ArriveAndExpectTx(64)
		assert.Panics(t, func() { b.CompleteTx(128) })
		assert.Equal(t, 0, b.Phase())
	})
	t.Run("TxAheadOfExpect", func(t *testing.T) {
		b := newTestBarrier(t)
		b.Init(1)
		b.CompleteTx(32)
		assert.Equal(t, -32, b.PendingTx())
		b.ArriveAndExpectTx(32)
		assert.True(t, b.TryWait(0))
	})
	t.Run("ArrivalCountRange", func(t *testing.T) {
		b := newTestBarrier(t)
		assert.Panics(t, func() { b.Init(0) })
		assert.Panics(t, func() { b.Init(maxArrivalCount + 1) })
	})
}

func TestBarrierWordLivesInArena(t *testing.T) {
	a := NewStagingArena(StagingAlignment)
	require.NoError(t, a.Carve(ArenaRegion{Name: RegionBarrier, Offset: 0, Size: BarrierBytes}))
	b := NewTransactionBarrier(a)
	b.Init(2)

	s := decodeBarrier(a.barrierWord().Load())
	assert.True(t, s.init)
	assert.Equal(t, 2, s.expected)
	assert.Equal(t, 2, s.pending)
	assert.Equal(t, barrierState{tx: -5, pending: 3, expected: 7, init: true, phase: 1},
		decodeBarrier(barrierState{tx: -5, pending: 3, expected: 7, init: true, phase: 1}.encode()))
}
