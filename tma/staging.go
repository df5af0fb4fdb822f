// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// MaxStagingBytes is the architectural limit of on-chip scratch memory one
	// execution unit can be granted (227 KiB).
	MaxStagingBytes = 227 * 1024

	// StagingAlignment is the alignment of the arena and of its tile region.
	StagingAlignment = 128

	// BarrierBytes is the size of one transaction barrier word.
	BarrierBytes = 8

	// Region names of a staging arena.
	RegionTile    = "tile"
	RegionBarrier = "mbarrier"
)

// ArenaRegion is a named sub-region of a StagingArena.
type ArenaRegion struct {
	Name   string
	Offset int
	Size   int
}

// End returns one past the region's last byte.
func (r ArenaRegion) End() int {
	return r.Offset + r.Size
}

// StagingLayout returns the row-major on-chip layout of one tile.
func StagingLayout(tile TileShape) Layout {
	return LayoutRight(Shape2{Rows: tile.Rows, Cols: tile.Cols})
}

// stagingRegions computes the region table for a tile of T: the tile storage
// first, then the barrier word.
func stagingRegions[T Element](tile TileShape) (tileRegion, barrierRegion ArenaRegion, total int) {
	tileBytes := tile.Size() * ElementSize[T]()
	tileRegion = ArenaRegion{Name: RegionTile, Offset: 0, Size: tileBytes}
	barrierRegion = ArenaRegion{Name: RegionBarrier, Offset: AlignUp(tileBytes, BarrierBytes), Size: BarrierBytes}
	total = AlignUp(barrierRegion.End(), StagingAlignment)
	return tileRegion, barrierRegion, total
}

// SharedStorageBytes returns the exact scratch size an execution unit needs to
// stage one tile of T plus its barrier.
func SharedStorageBytes[T Element](tile TileShape) int {
	_, _, total := stagingRegions[T](tile)
	return total
}

// TransactionBytes returns the number of bytes one load of tile delivers into
// the arena. The barrier must be armed with exactly this count.
func TransactionBytes[T Element](tile TileShape) int {
	return tile.Size() * ElementSize[T]()
}

// StagingArena is the on-chip scratch region of one execution unit. It owns a
// single aligned byte buffer described by a region table; nothing is shared
// across units and nothing survives the unit.
type StagingArena struct {
	buf     []byte
	regions map[string]ArenaRegion

	// asyncEpoch is bumped by the copy engine after it writes the arena and
	// read by FenceViewAsyncShared.
	asyncEpoch atomic.Uint64
}

// NewStagingArena allocates an aligned arena of size bytes.
func NewStagingArena(size int) *StagingArena {
	return &StagingArena{
		buf:     alignedBytes(size, StagingAlignment),
		regions: make(map[string]ArenaRegion),
	}
}

// Size returns the arena's size in bytes.
func (a *StagingArena) Size() int {
	return len(a.buf)
}

// Carve registers a named region. Regions must fit the arena and must not
// overlap already carved regions.
func (a *StagingArena) Carve(r ArenaRegion) error {
	if r.Offset < 0 || r.Size < 0 || r.End() > len(a.buf) {
		return fmt.Errorf("tma: region %q [%d,%d) outside arena of %d bytes", r.Name, r.Offset, r.End(), len(a.buf))
	}
	for _, other := range a.regions {
		if r.Offset < other.End() && other.Offset < r.End() {
			return fmt.Errorf("tma: region %q overlaps %q", r.Name, other.Name)
		}
	}
	a.regions[r.Name] = r
	return nil
}

// Region returns the named region.
func (a *StagingArena) Region(name string) (ArenaRegion, bool) {
	r, ok := a.regions[name]
	return r, ok
}

// Bytes returns the bytes of the named region.
func (a *StagingArena) Bytes(name string) []byte {
	r, ok := a.regions[name]
	if !ok {
		panic(fmt.Sprintf("tma: arena has no region %q", name))
	}
	return a.buf[r.Offset:r.End():r.End()]
}

// addr returns the address of the arena's first byte.
func (a *StagingArena) addr() uintptr {
	if len(a.buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.buf[0]))
}

// TileRegion reinterprets the arena's tile region as a slice of T.
func TileRegion[T Element](a *StagingArena) []T {
	b := a.Bytes(RegionTile)
	size := ElementSize[T]()
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/size)
}

// barrierWord returns the arena's barrier word.
func (a *StagingArena) barrierWord() *atomic.Uint64 {
	b := a.Bytes(RegionBarrier)
	return (*atomic.Uint64)(unsafe.Pointer(&b[0]))
}

// publishAsync is called by the copy engine after its last write to the arena.
func (a *StagingArena) publishAsync() {
	a.asyncEpoch.Add(1)
}

// FenceViewAsyncShared makes every copy-engine write to the arena that
// completed before the call visible to ordinary loads by the calling thread.
func FenceViewAsyncShared(a *StagingArena) {
	a.asyncEpoch.Load()
}

// newTileArena allocates and carves an arena for one tile of T.
func newTileArena[T Element](tile TileShape) (*StagingArena, error) {
	tileRegion, barrierRegion, total := stagingRegions[T](tile)
	a := NewStagingArena(total)
	if err := a.Carve(tileRegion); err != nil {
		return nil, err
	}
	if err := a.Carve(barrierRegion); err != nil {
		return nil, err
	}
	return a, nil
}

// alignedBytes allocates size bytes whose first byte is align-aligned.
func alignedBytes(size, align int) []byte {
	if size == 0 {
		return nil
	}
	buf := make([]byte, size+align-1)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if mod := int(ptr % uintptr(align)); mod != 0 {
		offset = align - mod
	}
	return buf[offset : offset+size : offset+size]
}
