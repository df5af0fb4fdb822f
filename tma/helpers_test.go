// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func sliceAddr[T any](s []T) unsafe.Pointer {
	return unsafe.Pointer(&s[0])
}

// newTestBarrier returns a barrier backed by its own small arena.
func newTestBarrier(t *testing.T) *TransactionBarrier {
	t.Helper()
	a := NewStagingArena(StagingAlignment)
	require.NoError(t, a.Carve(ArenaRegion{Name: RegionBarrier, Offset: 0, Size: BarrierBytes}))
	return NewTransactionBarrier(a)
}

// newTestDevice returns a device that is closed when the test ends.
func newTestDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	dev := NewDevice(opts...)
	t.Cleanup(dev.Close)
	return dev
}

// fillIndex writes T(i) to the i-th logical element of v.
func fillIndex[T Element](v TensorView[T]) {
	shape := v.Shape()
	for r := range shape.Rows {
		for c := range shape.Cols {
			v.Set(r, c, T(r*shape.Cols+c))
		}
	}
}

// logical returns the logical elements of v in row-major order.
func logical[T Element](v TensorView[T]) []T {
	shape := v.Shape()
	out := make([]T, 0, shape.Size())
	for r := range shape.Rows {
		for c := range shape.Cols {
			out = append(out, v.At(r, c))
		}
	}
	return out
}
