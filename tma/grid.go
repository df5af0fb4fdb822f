// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

// Grid is the 2-D arrangement of execution units covering a global array, one
// unit per tile. Dims.X counts tile rows and Dims.Y tile columns.
type Grid struct {
	Shape Shape2
	Tile  TileShape
	Dims  Dim2
}

// PlanGrid returns the grid of ceil(R/tr) x ceil(C/tc) units for shape and
// tile, including partial boundary tiles. It fails only on non-positive
// dimensions.
func PlanGrid(shape Shape2, tile TileShape) (Grid, error) {
	if shape.Rows <= 0 || shape.Cols <= 0 {
		return Grid{}, configErrorf("shape", "dimensions must be positive, got %v", shape)
	}
	if tile.Rows <= 0 || tile.Cols <= 0 {
		return Grid{}, configErrorf("tile", "dimensions must be positive, got %v", tile)
	}
	return Grid{
		Shape: shape,
		Tile:  tile,
		Dims:  Dim2{X: CeilDiv(shape.Rows, tile.Rows), Y: CeilDiv(shape.Cols, tile.Cols)},
	}, nil
}

// Units returns the number of execution units in the grid.
func (g Grid) Units() int {
	return g.Dims.Count()
}

// Coord returns the tile coordinate of the unit at block index idx.
func (g Grid) Coord(idx Dim2) TileCoord {
	return TileCoord{Row: idx.X, Col: idx.Y}
}

// BlockIdx returns the block index of the i-th unit in row-major order.
func (g Grid) BlockIdx(i int) Dim2 {
	return Dim2{X: i / g.Dims.Y, Y: i % g.Dims.Y}
}

// TileBounds returns the in-bounds element rectangle of the tile at coord.
func (g Grid) TileBounds(coord TileCoord) Rect {
	return tileBounds(g.Shape, g.Tile, coord)
}

// IsPartial reports whether the tile at coord is clipped by the array edge.
func (g Grid) IsPartial(coord TileCoord) bool {
	r := g.TileBounds(coord)
	return r.Row1-r.Row0 < g.Tile.Rows || r.Col1-r.Col0 < g.Tile.Cols
}

func tileBounds(shape Shape2, tile TileShape, coord TileCoord) Rect {
	r0 := coord.Row * tile.Rows
	c0 := coord.Col * tile.Cols
	return Rect{
		Row0: r0,
		Col0: c0,
		Row1: max(r0, min(r0+tile.Rows, shape.Rows)),
		Col1: max(c0, min(c0+tile.Cols, shape.Cols)),
	}
}
