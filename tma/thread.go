// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// WarpSize is the number of threads per warp, the granularity of leader
// election.
const WarpSize = 32

// Dim2 is a 2-D launch dimension or index.
type Dim2 struct {
	X, Y int
}

// Count returns X*Y.
func (d Dim2) Count() int {
	return d.X * d.Y
}

func (d Dim2) String() string {
	return fmt.Sprintf("(%d,%d)", d.X, d.Y)
}

// Block is the runtime state of one execution unit: its position in the grid,
// its staging arena and its thread barrier. All threads of a block share it.
type Block struct {
	idx      Dim2
	threads  int
	arena    *StagingArena
	engine   *CopyEngine
	ctx      context.Context
	syncBar  *threadBarrier
	storeGrp *BulkGroup
	fault    context.CancelCauseFunc
}

// Idx returns the block's index in the grid.
func (b *Block) Idx() Dim2 {
	return b.idx
}

// Threads returns the number of threads in the block.
func (b *Block) Threads() int {
	return b.threads
}

// Arena returns the block's staging arena.
func (b *Block) Arena() *StagingArena {
	return b.arena
}

// Engine returns the device's copy engine.
func (b *Block) Engine() *CopyEngine {
	return b.engine
}

// StoreGroup returns the block's bulk-store completion group.
func (b *Block) StoreGroup() *BulkGroup {
	return b.storeGrp
}

// Context is canceled when any thread of the block faults or the launch is
// aborted.
func (b *Block) Context() context.Context {
	return b.ctx
}

// Fault aborts the block with err. Copy-engine transfers issued by the block
// report failures through it; threads blocked in SyncThreads or a barrier
// wait return.
func (b *Block) Fault(err error) {
	b.fault(err)
}

// Thread is one thread of a block.
type Thread struct {
	block *Block
	idx   int
}

// Block returns the thread's block.
func (t *Thread) Block() *Block {
	return t.block
}

// Idx returns the thread's index within its block.
func (t *Thread) Idx() int {
	return t.idx
}

// WarpIdx returns the index of the thread's warp within the block.
func (t *Thread) WarpIdx() int {
	return t.idx / WarpSize
}

// LaneIdx returns the thread's lane within its warp.
func (t *Thread) LaneIdx() int {
	return t.idx % WarpSize
}

// ElectOne returns true for exactly one thread of the calling warp: the lowest
// lane. It is deterministic and does not depend on scheduling order.
func (t *Thread) ElectOne() bool {
	return t.LaneIdx() == 0
}

// SelectLeader returns true for exactly one thread per block: the elected
// lane of warp 0.
func (t *Thread) SelectLeader() bool {
	return t.WarpIdx() == 0 && t.ElectOne()
}

// SyncThreads blocks until every thread of the block has reached it.
func (t *Thread) SyncThreads() error {
	return t.block.syncBar.await(t.block.ctx)
}

// threadBarrier is a reusable all-threads rendezvous.
type threadBarrier struct {
	mu      sync.Mutex
	parties int
	arrived int
	release chan struct{}
}

func newThreadBarrier(parties int) *threadBarrier {
	return &threadBarrier{parties: parties, release: make(chan struct{})}
}

func (b *threadBarrier) await(ctx context.Context) error {
	b.mu.Lock()
	b.arrived++
	release := b.release
	if b.arrived == b.parties {
		b.arrived = 0
		b.release = make(chan struct{})
		b.mu.Unlock()
		close(release)
		return nil
	}
	b.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "tma: syncthreads")
	}
}
