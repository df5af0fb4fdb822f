// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

// CopyPlan is the immutable description of one tile transfer: a load
// descriptor over the source view, a store descriptor over the destination
// view, the global layout, the staging layout and the tile shape. A plan is
// built once and passed by value to every execution unit; it is never
// mutated after BuildCopyPlan returns.
type CopyPlan[T Element] struct {
	load    Descriptor
	store   Descriptor
	src     TensorView[T]
	dst     TensorView[T]
	gmem    Layout
	smem    Layout
	tile    TileShape
	txBytes int
}

// BuildCopyPlan builds the plan that moves tile-shaped regions of src to the
// same regions of dst through the staging arena. src and dst must have the
// same shape; their strides are independent.
//
// It returns a *ConfigurationError if a dimension is non-positive, the shapes
// differ, the element type or a stride cannot be expressed by the descriptor
// format, or one tile plus its barrier does not fit MaxStagingBytes.
func BuildCopyPlan[T Element](src, dst TensorView[T], tile TileShape) (CopyPlan[T], error) {
	shape := src.Shape()
	if shape.Rows <= 0 || shape.Cols <= 0 {
		return CopyPlan[T]{}, configErrorf("shape", "dimensions must be positive, got %v", shape)
	}
	if tile.Rows <= 0 || tile.Cols <= 0 {
		return CopyPlan[T]{}, configErrorf("tile", "dimensions must be positive, got %v", tile)
	}
	if dst.Shape() != shape {
		return CopyPlan[T]{}, configErrorf("shape", "source %v and destination %v differ", shape, dst.Shape())
	}
	if size := SharedStorageBytes[T](tile); size > MaxStagingBytes {
		return CopyPlan[T]{}, configErrorf("tile", "staging %v needs %d bytes, on-chip limit is %d", tile, size, MaxStagingBytes)
	}

	load, err := encodeTiled(DirectionLoad, src, tile)
	if err != nil {
		return CopyPlan[T]{}, err
	}
	store, err := encodeTiled(DirectionStore, dst, tile)
	if err != nil {
		return CopyPlan[T]{}, err
	}

	smem := StagingLayout(tile)
	txBytes := TransactionBytes[T](tile)
	if load.BoxBytes() != txBytes || smem.Cosize()*ElementSize[T]() != txBytes {
		return CopyPlan[T]{}, configErrorf("tile", "box of %d bytes does not match staging layout %v", load.BoxBytes(), smem)
	}

	return CopyPlan[T]{
		load:    load,
		store:   store,
		src:     src,
		dst:     dst,
		gmem:    src.Layout(),
		smem:    smem,
		tile:    tile,
		txBytes: txBytes,
	}, nil
}

// LoadDescriptor returns the source-to-staging descriptor.
func (p CopyPlan[T]) LoadDescriptor() Descriptor {
	return p.load
}

// StoreDescriptor returns the staging-to-destination descriptor.
func (p CopyPlan[T]) StoreDescriptor() Descriptor {
	return p.store
}

// GlobalLayout returns the layout of the source view.
func (p CopyPlan[T]) GlobalLayout() Layout {
	return p.gmem
}

// StagingLayout returns the on-chip layout of one tile.
func (p CopyPlan[T]) StagingLayout() Layout {
	return p.smem
}

// TileShape returns the tile shape.
func (p CopyPlan[T]) TileShape() TileShape {
	return p.tile
}

// TransactionBytes returns the byte count one load delivers.
func (p CopyPlan[T]) TransactionBytes() int {
	return p.txBytes
}

// SharedStorageBytes returns the scratch size each unit needs.
func (p CopyPlan[T]) SharedStorageBytes() int {
	return SharedStorageBytes[T](p.tile)
}

// Shape returns the global shape the plan covers.
func (p CopyPlan[T]) Shape() Shape2 {
	return p.gmem.Shape
}
