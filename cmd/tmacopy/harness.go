// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/x448/float16"

	"github.com/ajroetker/go-tma/tma"
)

// fromIndex converts a linear index to the element type, the way the source
// buffer is initialized: src[i] = T(i).
func fromIndex[T tma.Element](i int) T {
	var zero T
	if _, ok := any(zero).(tma.Half); ok {
		return any(float16.Fromfloat32(float32(i))).(T)
	}
	return T(i)
}

// runHarness allocates and initializes the two global buffers, runs the copy
// and verifies the destination.
func runHarness[T tma.Element](ctx context.Context, out io.Writer, dev *tma.Device, o options) (int, error) {
	fmt.Fprintln(out, "Copy with TMA load and store -- no swizzling.")

	shape := tma.Shape2{Rows: o.rows, Cols: o.cols}
	src, err := tma.AllocPitched[T](shape)
	if err != nil {
		return int(tma.Status(err)), err
	}
	dst, err := tma.AllocPitched[T](shape)
	if err != nil {
		return int(tma.Status(err)), err
	}
	initialize(dev, src)

	tile := tma.TileShape{Rows: o.tileRows, Cols: o.tileCols}
	fmt.Fprintf(out, "smem size: %d.\n", tma.SharedStorageBytes[T](tile))

	report, err := tma.RunTileCopy(ctx, dev, src, dst, tma.Config{
		TileRows:       o.tileRows,
		TileCols:       o.tileCols,
		ThreadsPerUnit: o.threads,
		Iterations:     o.iterations,
	})
	for i, d := range report.Iterations {
		fmt.Fprintf(out, "Trial %d Completed in %.3fms (%.3f GB/s)\n",
			i, float64(d.Microseconds())/1e3, report.Bandwidth(i))
	}
	if err != nil {
		return int(tma.Status(err)), fmt.Errorf("%s", tma.Diagnostic(err))
	}

	good, bad := verify(dev, src, dst)
	fmt.Fprintf(out, "Success %d, Fail %d\n", good, bad)
	if bad != 0 {
		return exitVerifyFailed, fmt.Errorf("%d of %d elements differ", bad, good+bad)
	}
	return int(tma.StatusSuccess), nil
}

// initialize writes T(i) to the i-th logical element of v, rows in parallel.
func initialize[T tma.Element](dev *tma.Device, v tma.TensorView[T]) {
	shape := v.Shape()
	dev.Pool().ParallelFor(shape.Rows, func(start, end int) {
		for r := start; r < end; r++ {
			for c := range shape.Cols {
				v.Set(r, c, fromIndex[T](r*shape.Cols+c))
			}
		}
	})
}

// verify counts matching and mismatching elements of dst against src.
func verify[T tma.Element](dev *tma.Device, src, dst tma.TensorView[T]) (good, bad int) {
	shape := src.Shape()
	var nGood, nBad atomic.Int64
	dev.Pool().ParallelFor(shape.Rows, func(start, end int) {
		var g, b int64
		for r := start; r < end; r++ {
			for c := range shape.Cols {
				if dst.At(r, c) == src.At(r, c) {
					g++
				} else {
					b++
				}
			}
		}
		nGood.Add(g)
		nBad.Add(b)
	})
	return int(nGood.Load()), int(nBad.Load())
}
