// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import "fmt"

// UnitState is a step of the tile execution protocol. Steps run in the order
// declared, once each, with no branching.
type UnitState int

const (
	UnitInit UnitState = iota
	UnitDescriptorPrefetch
	UnitLeaderElection
	UnitArmAndIssueLoad
	UnitBarrier
	UnitFence
	UnitIssueStore
	UnitStoreWait
	UnitDone
)

func (s UnitState) String() string {
	switch s {
	case UnitInit:
		return "init"
	case UnitDescriptorPrefetch:
		return "descriptor-prefetch"
	case UnitLeaderElection:
		return "leader-election"
	case UnitArmAndIssueLoad:
		return "arm-and-issue-load"
	case UnitBarrier:
		return "barrier"
	case UnitFence:
		return "fence"
	case UnitIssueStore:
		return "issue-store"
	case UnitStoreWait:
		return "store-wait"
	case UnitDone:
		return "done"
	default:
		return fmt.Sprintf("UnitState(%d)", int(s))
	}
}

// StateHook observes the leader thread of each unit entering a state.
// It is called concurrently from different units.
type StateHook func(coord TileCoord, state UnitState)

// loadPhase is the barrier phase of the unit's only load.
const loadPhase = 0

type tileUnit[T Element] struct {
	plan  CopyPlan[T]
	block *Block
	coord TileCoord
	bar   *TransactionBarrier
	hook  StateHook
}

// TileCopyKernel returns the kernel that moves one tile of plan per block of
// grid. Each block stages its tile through its arena: the leader arms the
// barrier and issues the load, every thread waits for the barrier and fences,
// then the leader issues the store and waits for it to complete.
//
// hook may be nil.
func TileCopyKernel[T Element](plan CopyPlan[T], grid Grid, hook StateHook) Kernel {
	return func(b *Block) (ThreadFunc, error) {
		tileRegion, barrierRegion, total := stagingRegions[T](plan.tile)
		if b.Arena().Size() < total {
			return nil, fmt.Errorf("staging arena of %d bytes cannot hold tile %v (%d bytes)", b.Arena().Size(), plan.tile, total)
		}
		if err := b.Arena().Carve(tileRegion); err != nil {
			return nil, err
		}
		if err := b.Arena().Carve(barrierRegion); err != nil {
			return nil, err
		}
		u := &tileUnit[T]{
			plan:  plan,
			block: b,
			coord: grid.Coord(b.Idx()),
			bar:   NewTransactionBarrier(b.Arena()),
			hook:  hook,
		}
		return u.run, nil
	}
}

func (u *tileUnit[T]) enter(leader bool, s UnitState) {
	if leader && u.hook != nil {
		u.hook(u.coord, s)
	}
}

func (u *tileUnit[T]) run(t *Thread) error {
	b := u.block
	engine := b.Engine()
	leader := t.SelectLeader()
	u.enter(leader, UnitInit)

	u.enter(leader, UnitDescriptorPrefetch)
	if leader {
		engine.Prefetch(u.plan.load)
		engine.Prefetch(u.plan.store)
	}

	u.enter(leader, UnitLeaderElection)

	// The barrier is armed before the load is issued so no byte can land
	// before the expected count is known.
	if leader {
		u.enter(leader, UnitArmAndIssueLoad)
		u.bar.Init(1)
		u.bar.ArriveAndExpectTx(u.plan.txBytes)
		IssueLoad(engine, u.plan, u.bar, b.Arena(), u.coord, b.Fault)
	}

	u.enter(leader, UnitBarrier)
	if err := t.SyncThreads(); err != nil {
		return err
	}
	if err := u.bar.Wait(b.Context(), loadPhase); err != nil {
		return err
	}

	u.enter(leader, UnitFence)
	FenceViewAsyncShared(b.Arena())

	if !leader {
		return nil
	}
	u.enter(leader, UnitIssueStore)
	group := b.StoreGroup()
	IssueStore(engine, u.plan, b.Arena(), u.coord, group, b.Fault)
	group.Commit()

	u.enter(leader, UnitStoreWait)
	if err := group.Wait(b.Context(), 0); err != nil {
		return err
	}
	u.enter(leader, UnitDone)
	return nil
}
