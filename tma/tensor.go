// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import "unsafe"

const (
	// GlobalAlignment is the byte alignment the copy engine requires of a
	// global tensor's base address and of every row stride.
	GlobalAlignment = 16
)

// TensorView is a global-memory buffer plus the layout that addresses it.
type TensorView[T Element] struct {
	data   []T
	layout Layout
}

// NewTensorView creates a view of data under layout. Every element the layout
// addresses must lie inside data.
func NewTensorView[T Element](data []T, layout Layout) (TensorView[T], error) {
	if layout.Shape.Rows <= 0 || layout.Shape.Cols <= 0 {
		return TensorView[T]{}, configErrorf("shape", "dimensions must be positive, got %v", layout.Shape)
	}
	if layout.Strides[0] < 0 || layout.Strides[1] < 0 {
		return TensorView[T]{}, configErrorf("strides", "negative stride in %v", layout)
	}
	if need := layout.Cosize(); len(data) < need {
		return TensorView[T]{}, configErrorf("data", "layout %v needs %d elements, len(data)=%d", layout, need, len(data))
	}
	return TensorView[T]{data: data, layout: layout}, nil
}

// Layout returns the view's layout.
func (v TensorView[T]) Layout() Layout {
	return v.layout
}

// Shape returns the view's logical shape.
func (v TensorView[T]) Shape() Shape2 {
	return v.layout.Shape
}

// Data returns the backing slice.
func (v TensorView[T]) Data() []T {
	return v.data
}

// At returns the element at (row, col).
func (v TensorView[T]) At(row, col int) T {
	return v.data[v.layout.Offset(row, col)]
}

// Set writes the element at (row, col).
func (v TensorView[T]) Set(row, col int, x T) {
	v.data[v.layout.Offset(row, col)] = x
}

// row returns the slice of n elements starting at (row, col). It assumes a
// unit inner stride.
func (v TensorView[T]) row(row, col, n int) []T {
	off := v.layout.Offset(row, col)
	return v.data[off : off+n]
}

func (v TensorView[T]) baseAddr() uintptr {
	if len(v.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&v.data[0]))
}

// AllocAligned returns a zeroed slice of n elements whose first element is
// GlobalAlignment-aligned.
func AllocAligned[T Element](n int) []T {
	if n <= 0 {
		return nil
	}
	size := ElementSize[T]()
	extra := (GlobalAlignment + size - 1) / size
	buf := make([]T, n+extra)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if mod := ptr % GlobalAlignment; mod != 0 {
		offset = int(GlobalAlignment-mod) / size
	}
	return buf[offset : offset+n : offset+n]
}

// PitchFor returns the smallest row pitch, in elements, that is at least cols
// and whose byte size is a multiple of GlobalAlignment.
func PitchFor[T Element](cols int) int {
	size := ElementSize[T]()
	bytes := AlignUp(cols*size, GlobalAlignment)
	return CeilDiv(bytes, size)
}

// AllocPitched allocates an aligned buffer for shape with a pitch that the
// copy engine's descriptor format accepts, and returns a view over it.
func AllocPitched[T Element](shape Shape2) (TensorView[T], error) {
	if shape.Rows <= 0 || shape.Cols <= 0 {
		return TensorView[T]{}, configErrorf("shape", "dimensions must be positive, got %v", shape)
	}
	layout := LayoutRightPitched(shape, PitchFor[T](shape.Cols))
	return NewTensorView(AllocAligned[T](layout.Cosize()), layout)
}

// AlignUp rounds n up to a multiple of align, a power of two.
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
