// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

// Package workerpool provides a persistent pool of workers that stands in for
// the device's streaming multiprocessors. A Pool is created once per device
// and every grid launch is scheduled onto it: each worker repeatedly claims
// the next unstarted block index until the grid is exhausted, so at most
// NumWorkers blocks are resident at a time.
//
// Usage:
//
//	pool := workerpool.New(runtime.GOMAXPROCS(0))
//	defer pool.Close()
//
//	batch := pool.Launch(numBlocks, func(i int) {
//	    runBlock(i)
//	})
//	batch.Wait()
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a persistent worker pool. Workers are spawned once at creation and
// reused by every launch.
type Pool struct {
	numWorkers int
	workC      chan workItem
	closeOnce  sync.Once
	closed     atomic.Bool
}

// workItem is one worker's share of a launch.
type workItem struct {
	fn      func()
	barrier *sync.WaitGroup
}

// New creates a pool with numWorkers workers. If numWorkers <= 0, uses
// GOMAXPROCS.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	p := &Pool{
		numWorkers: numWorkers,
		workC:      make(chan workItem, numWorkers*2),
	}
	for range numWorkers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Close shuts down the pool once queued work completes. Launches made after
// Close run on their own goroutines. Close must not race with Launch or
// ParallelFor; calling it multiple times is safe.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// Batch tracks the completion of one launch.
type Batch struct {
	wg   sync.WaitGroup
	done chan struct{}
}

// Wait blocks until every index of the launch has been processed.
func (b *Batch) Wait() {
	<-b.done
}

// Done returns a channel closed when the launch completes.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Launch schedules fn(i) for each i in [0, n) and returns immediately.
// Indices are claimed atomically, in increasing order, by up to NumWorkers
// workers.
func (p *Pool) Launch(n int, fn func(i int)) *Batch {
	b := &Batch{done: make(chan struct{})}
	if n <= 0 {
		close(b.done)
		return b
	}

	var next atomic.Int64
	claim := func() {
		for {
			i := int(next.Add(1)) - 1
			if i >= n {
				return
			}
			fn(i)
		}
	}

	workers := min(p.numWorkers, n)
	b.wg.Add(workers)
	go func() {
		if p.closed.Load() {
			for range workers {
				go func() {
					defer b.wg.Done()
					claim()
				}()
			}
		} else {
			for range workers {
				p.workC <- workItem{fn: claim, barrier: &b.wg}
			}
		}
		b.wg.Wait()
		close(b.done)
	}()
	return b
}

// ParallelFor executes fn over [0, n) split into contiguous chunks, one per
// worker, and blocks until all chunks complete. The host harness uses it to
// initialize and verify global buffers.
func (p *Pool) ParallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if p.closed.Load() {
		fn(0, n)
		return
	}

	workers := min(p.numWorkers, n)
	if workers == 1 {
		fn(0, n)
		return
	}

	chunkSize := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for i := range workers {
		start := i * chunkSize
		if start >= n {
			break
		}
		end := min(start+chunkSize, n)
		wg.Add(1)
		p.workC <- workItem{
			fn:      func() { fn(start, end) },
			barrier: &wg,
		}
	}
	wg.Wait()
}
