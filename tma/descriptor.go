// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"fmt"
	"sync/atomic"
)

// Hardware limits of the tiled descriptor format.
const (
	// MaxBoxDim is the largest box extent along any dimension.
	MaxBoxDim = 256

	// MaxGlobalStrideBytes is the exclusive upper bound of an outer stride.
	MaxGlobalStrideBytes = 1 << 40

	// MaxGlobalDim is the exclusive upper bound of a global dimension.
	MaxGlobalDim = 1 << 32
)

// Direction is the transfer direction of a descriptor.
type Direction int

const (
	// DirectionLoad copies global memory into the staging arena.
	DirectionLoad Direction = iota

	// DirectionStore copies the staging arena into global memory.
	DirectionStore
)

func (d Direction) String() string {
	switch d {
	case DirectionLoad:
		return "load"
	case DirectionStore:
		return "store"
	default:
		return "unknown"
	}
}

var nextDescriptorID atomic.Uint64

// Descriptor is the prebuilt, engine-specific description of how to address a
// box-shaped region of a strided global tensor. Dimension 0 is the innermost
// (column) dimension, matching the engine's encoding.
type Descriptor struct {
	id          uint64
	direction   Direction
	elemBytes   int
	globalDims  [2]uint64
	strideBytes uint64 // outer (row) stride; the inner stride is one element
	boxDims     [2]uint32
	baseAddr    uintptr
}

// ID returns the descriptor's cache key.
func (d Descriptor) ID() uint64 {
	return d.id
}

// Direction returns the descriptor's transfer direction.
func (d Descriptor) Direction() Direction {
	return d.direction
}

// BoxBytes returns the number of bytes one issue of this descriptor moves
// into or out of the staging arena, including out-of-bounds fill.
func (d Descriptor) BoxBytes() int {
	return int(d.boxDims[0]) * int(d.boxDims[1]) * d.elemBytes
}

func (d Descriptor) String() string {
	return fmt.Sprintf("tma.Descriptor{%s id=%d elem=%dB dims=[%d %d] stride=%dB box=[%d %d]}",
		d.direction, d.id, d.elemBytes, d.globalDims[0], d.globalDims[1], d.strideBytes, d.boxDims[0], d.boxDims[1])
}

// encodeTiled builds and validates a tiled descriptor for view with the given
// box (the tile shape laid out row-major in the staging arena).
func encodeTiled[T Element](dir Direction, view TensorView[T], box TileShape) (Descriptor, error) {
	elem := ElementSize[T]()
	switch elem {
	case 1, 2, 4, 8:
	default:
		return Descriptor{}, configErrorf("element", "size %d bytes is not addressable by the copy engine", elem)
	}

	layout := view.Layout()
	if layout.Shape.Rows <= 0 || layout.Shape.Cols <= 0 {
		return Descriptor{}, configErrorf("shape", "dimensions must be positive, got %v", layout.Shape)
	}
	if uint64(layout.Shape.Rows) >= MaxGlobalDim || uint64(layout.Shape.Cols) >= MaxGlobalDim {
		return Descriptor{}, configErrorf("shape", "%v exceeds the descriptor's dimension range", layout.Shape)
	}
	if layout.Strides[1] != 1 {
		return Descriptor{}, configErrorf("strides", "inner stride must be 1 element, got %d", layout.Strides[1])
	}
	if layout.Strides[0] < layout.Shape.Cols && layout.Shape.Rows > 1 {
		return Descriptor{}, configErrorf("strides", "row stride %d overlaps rows of %d columns", layout.Strides[0], layout.Shape.Cols)
	}
	strideBytes := uint64(layout.Strides[0]) * uint64(elem)
	if layout.Shape.Rows > 1 {
		if strideBytes%GlobalAlignment != 0 {
			return Descriptor{}, configErrorf("strides", "row stride of %d bytes is not a multiple of %d", strideBytes, GlobalAlignment)
		}
		if strideBytes >= MaxGlobalStrideBytes {
			return Descriptor{}, configErrorf("strides", "row stride of %d bytes exceeds the descriptor range", strideBytes)
		}
	}
	base := view.baseAddr()
	if base%GlobalAlignment != 0 {
		return Descriptor{}, configErrorf("address", "global base %#x is not %d-byte aligned", base, GlobalAlignment)
	}

	if box.Rows <= 0 || box.Cols <= 0 {
		return Descriptor{}, configErrorf("tile", "dimensions must be positive, got %v", box)
	}
	if box.Rows > MaxBoxDim || box.Cols > MaxBoxDim {
		return Descriptor{}, configErrorf("tile", "%v exceeds the maximum box extent %d", box, MaxBoxDim)
	}
	if (box.Cols*elem)%GlobalAlignment != 0 {
		return Descriptor{}, configErrorf("tile", "inner box extent of %d bytes is not a multiple of %d", box.Cols*elem, GlobalAlignment)
	}

	return Descriptor{
		id:          nextDescriptorID.Add(1),
		direction:   dir,
		elemBytes:   elem,
		globalDims:  [2]uint64{uint64(layout.Shape.Cols), uint64(layout.Shape.Rows)},
		strideBytes: strideBytes,
		boxDims:     [2]uint32{uint32(box.Cols), uint32(box.Rows)},
		baseAddr:    base,
	}, nil
}
