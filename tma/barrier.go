// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Barrier word encoding. The word lives in the staging arena's barrier region.
//
//	bits  0..31  pending transaction bytes (int32)
//	bits 32..46  pending arrivals of the current phase
//	bits 47..61  expected arrivals per phase
//	bit  62      initialized
//	bit  63      current phase parity
const (
	txMask          = 1<<32 - 1
	arrivalBits     = 15
	pendingShift    = 32
	expectedShift   = pendingShift + arrivalBits
	arrivalMask     = 1<<arrivalBits - 1
	initializedBit  = 1 << 62
	phaseBit        = 1 << 63
	maxArrivalCount = arrivalMask

	// waitSpins is how many times Wait polls the word before parking.
	waitSpins = 64
)

// TransactionBarrier counts arrivals and transaction bytes for one phase at a
// time. A phase completes when every expected thread has arrived and every
// expected byte has been delivered; the phase parity then flips and the
// barrier is ready for the next use.
//
// The leader must call Init once, then ArriveAndExpectTx before the engine may
// deliver bytes for the phase. Waiters call Wait with the parity of the phase
// they are waiting on, which the caller tracks across uses.
type TransactionBarrier struct {
	word *atomic.Uint64

	mu   sync.Mutex
	done [2]chan struct{}
}

// NewTransactionBarrier binds a barrier to the arena's barrier region.
func NewTransactionBarrier(a *StagingArena) *TransactionBarrier {
	return &TransactionBarrier{
		word: a.barrierWord(),
		done: [2]chan struct{}{make(chan struct{}), make(chan struct{})},
	}
}

type barrierState struct {
	tx       int32
	pending  int
	expected int
	init     bool
	phase    int
}

func decodeBarrier(w uint64) barrierState {
	s := barrierState{
		tx:       int32(uint32(w & txMask)),
		pending:  int(w>>pendingShift) & arrivalMask,
		expected: int(w>>expectedShift) & arrivalMask,
		init:     w&initializedBit != 0,
	}
	if w&phaseBit != 0 {
		s.phase = 1
	}
	return s
}

func (s barrierState) encode() uint64 {
	w := uint64(uint32(s.tx)) |
		uint64(s.pending)<<pendingShift |
		uint64(s.expected)<<expectedShift
	if s.init {
		w |= initializedBit
	}
	if s.phase != 0 {
		w |= phaseBit
	}
	return w
}

// Init sets the number of arrivals each phase expects. It must be called
// exactly once, by one thread, before any other method.
func (b *TransactionBarrier) Init(arrivalCount int) {
	if arrivalCount < 1 || arrivalCount > maxArrivalCount {
		panic(fmt.Sprintf("tma: barrier arrival count %d out of range [1,%d]", arrivalCount, maxArrivalCount))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := decodeBarrier(b.word.Load())
	if s.init {
		panic("tma: barrier initialized twice")
	}
	b.word.Store(barrierState{pending: arrivalCount, expected: arrivalCount, init: true}.encode())
}

// ArriveAndExpectTx adds bytes to the current phase's expected transaction
// count and records one arrival, atomically.
func (b *TransactionBarrier) ArriveAndExpectTx(bytes int) {
	b.update(func(s *barrierState) {
		s.tx += int32(bytes)
		s.pending--
	})
}

// ExpectTx adds bytes to the current phase's expected transaction count
// without arriving.
func (b *TransactionBarrier) ExpectTx(bytes int) {
	b.update(func(s *barrierState) {
		s.tx += int32(bytes)
	})
}

// Arrive records one arrival on the current phase.
func (b *TransactionBarrier) Arrive() {
	b.update(func(s *barrierState) {
		s.pending--
	})
}

// CompleteTx is called by the copy engine as bytes land in the arena.
func (b *TransactionBarrier) CompleteTx(bytes int) {
	b.update(func(s *barrierState) {
		s.tx -= int32(bytes)
	})
}

func (b *TransactionBarrier) update(fn func(s *barrierState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := decodeBarrier(b.word.Load())
	if !s.init {
		panic("tma: barrier used before Init")
	}
	fn(&s)
	if s.pending < 0 {
		panic(fmt.Sprintf("tma: barrier phase %d received more than %d arrivals", s.phase, s.expected))
	}
	// tx may run ahead of the expect only while arrivals are outstanding.
	if s.pending == 0 && s.tx < 0 {
		panic(fmt.Sprintf("tma: barrier phase %d received %d bytes more than expected", s.phase, -s.tx))
	}
	if s.pending == 0 && s.tx == 0 {
		completed := s.phase
		s.phase ^= 1
		s.pending = s.expected
		b.word.Store(s.encode())
		close(b.done[completed])
		b.done[s.phase] = make(chan struct{})
		return
	}
	b.word.Store(s.encode())
}

// Phase returns the parity of the phase currently in progress.
func (b *TransactionBarrier) Phase() int {
	return decodeBarrier(b.word.Load()).phase
}

// PendingTx returns the transaction bytes still expected by the current phase.
func (b *TransactionBarrier) PendingTx() int {
	return int(decodeBarrier(b.word.Load()).tx)
}

// TryWait reports whether the phase of the given parity has completed.
func (b *TransactionBarrier) TryWait(phase int) bool {
	return decodeBarrier(b.word.Load()).phase != phase&1
}

// Wait blocks until the phase of the given parity completes or ctx is done.
// It spins briefly before parking.
func (b *TransactionBarrier) Wait(ctx context.Context, phase int) error {
	phase &= 1
	for range waitSpins {
		if b.TryWait(phase) {
			return nil
		}
		runtime.Gosched()
	}

	b.mu.Lock()
	if b.TryWait(phase) {
		b.mu.Unlock()
		return nil
	}
	done := b.done[phase]
	b.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "tma: barrier wait on phase %d", phase)
	}
}
