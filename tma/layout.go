// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import "fmt"

// Shape2 is the logical extent of a 2-D array.
type Shape2 struct {
	Rows, Cols int
}

// Size returns Rows*Cols.
func (s Shape2) Size() int {
	return s.Rows * s.Cols
}

func (s Shape2) String() string {
	return fmt.Sprintf("(%d,%d)", s.Rows, s.Cols)
}

// Layout maps a logical (row, col) index to a linear element offset.
// Strides are in elements.
type Layout struct {
	Shape   Shape2
	Strides [2]int
}

// LayoutRight returns the row-major layout of shape: strides (Cols, 1).
func LayoutRight(shape Shape2) Layout {
	return Layout{Shape: shape, Strides: [2]int{shape.Cols, 1}}
}

// LayoutRightPitched returns a row-major layout whose rows are pitch elements
// apart. pitch must be at least shape.Cols.
func LayoutRightPitched(shape Shape2, pitch int) Layout {
	return Layout{Shape: shape, Strides: [2]int{pitch, 1}}
}

// Offset returns the linear element offset of (row, col).
func (l Layout) Offset(row, col int) int {
	return row*l.Strides[0] + col*l.Strides[1]
}

// Cosize returns one past the largest offset the layout addresses, that is the
// minimum number of elements backing storage must hold.
func (l Layout) Cosize() int {
	if l.Shape.Rows <= 0 || l.Shape.Cols <= 0 {
		return 0
	}
	return l.Offset(l.Shape.Rows-1, l.Shape.Cols-1) + 1
}

func (l Layout) String() string {
	return fmt.Sprintf("%v:(%d,%d)", l.Shape, l.Strides[0], l.Strides[1])
}

// TileShape is the extent of one tile. It is fixed for the lifetime of a plan.
type TileShape struct {
	Rows, Cols int
}

// Size returns the number of elements in one tile.
func (t TileShape) Size() int {
	return t.Rows * t.Cols
}

func (t TileShape) String() string {
	return fmt.Sprintf("(%d,%d)", t.Rows, t.Cols)
}

// TileCoord identifies the tile an execution unit is responsible for.
type TileCoord struct {
	Row, Col int
}

func (c TileCoord) String() string {
	return fmt.Sprintf("(%d,%d)", c.Row, c.Col)
}

// Rect is a half-open element rectangle [Row0, Row1) x [Col0, Col1).
type Rect struct {
	Row0, Col0, Row1, Col1 int
}

// Empty reports whether the rectangle covers no element.
func (r Rect) Empty() bool {
	return r.Row0 >= r.Row1 || r.Col0 >= r.Col1
}

// Overlaps reports whether r and o share at least one element.
func (r Rect) Overlaps(o Rect) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.Row0 < o.Row1 && o.Row0 < r.Row1 && r.Col0 < o.Col1 && o.Col0 < r.Col1
}

// CeilDiv returns ceil(a/b) for positive b.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}
