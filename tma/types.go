// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

// Package tma implements a tile-based asynchronous bulk-copy engine for a
// software accelerator device.
//
// A CopyPlan describes how to move one tile of a 2-D global tensor into an
// execution unit's on-chip staging arena and back out to a second tensor.
// Every execution unit of the launch grid elects one leader thread that arms
// a TransactionBarrier, issues the load on the CopyEngine, and, once the
// barrier reports every byte delivered, issues the store.
//
// Basic usage:
//
//	dev := tma.NewDevice()
//	defer dev.Close()
//
//	src, _ := tma.NewTensorView(srcData, tma.LayoutRight(shape))
//	dst, _ := tma.NewTensorView(dstData, tma.LayoutRight(shape))
//
//	report, err := tma.RunTileCopy(ctx, dev, src, dst, tma.Config{
//	    TileRows: 128, TileCols: 128, ThreadsPerUnit: 32, Iterations: 1,
//	})
//	if code := tma.Status(err); code != tma.StatusSuccess {
//	    log.Fatal(tma.Diagnostic(err))
//	}
package tma

import (
	"unsafe"

	"github.com/x448/float16"
)

// Floats is a constraint for floating-point element types.
type Floats interface {
	~float32 | ~float64
}

// SignedInts is a constraint for signed integer element types.
type SignedInts interface {
	~int8 | ~int16 | ~int32 | ~int64
}

// UnsignedInts is a constraint for unsigned integer element types.
// float16.Float16 satisfies it through its uint16 underlying type.
type UnsignedInts interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Element is a constraint for all types the copy engine can move.
type Element interface {
	Floats | SignedInts | UnsignedInts
}

// Half is the IEEE 754 binary16 element type.
type Half = float16.Float16

// ElementSize returns sizeof(T) in bytes.
func ElementSize[T Element]() int {
	var dummy T
	return int(unsafe.Sizeof(dummy))
}
