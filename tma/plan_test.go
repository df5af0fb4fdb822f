// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPitched[T Element](t *testing.T, shape Shape2) TensorView[T] {
	t.Helper()
	v, err := AllocPitched[T](shape)
	require.NoError(t, err)
	return v
}

func TestBuildCopyPlan(t *testing.T) {
	shape := Shape2{256, 256}
	src := mustPitched[float32](t, shape)
	dst := mustPitched[float32](t, shape)

	plan, err := BuildCopyPlan(src, dst, TileShape{128, 128})
	require.NoError(t, err)

	assert.Equal(t, 128*128*4, plan.TransactionBytes())
	assert.Equal(t, plan.TransactionBytes(), plan.StagingLayout().Cosize()*4)
	assert.Equal(t, plan.TransactionBytes(), plan.LoadDescriptor().BoxBytes())
	assert.Equal(t, DirectionLoad, plan.LoadDescriptor().Direction())
	assert.Equal(t, DirectionStore, plan.StoreDescriptor().Direction())
	assert.NotEqual(t, plan.LoadDescriptor().ID(), plan.StoreDescriptor().ID())
	assert.Equal(t, shape, plan.Shape())
	assert.Equal(t, src.Layout(), plan.GlobalLayout())
}

func TestBuildCopyPlanIndependentStrides(t *testing.T) {
	shape := Shape2{64, 36}
	src := mustPitched[float32](t, shape)
	dstLayout := LayoutRightPitched(shape, 64)
	dst, err := NewTensorView(AllocAligned[float32](dstLayout.Cosize()), dstLayout)
	require.NoError(t, err)

	_, err = BuildCopyPlan(src, dst, TileShape{16, 16})
	require.NoError(t, err)
}

func TestBuildCopyPlanDoesNotMutateViews(t *testing.T) {
	shape := Shape2{32, 32}
	src := mustPitched[int32](t, shape)
	dst := mustPitched[int32](t, shape)
	for i := range src.Data() {
		src.Data()[i] = int32(i)
	}
	wantData := append([]int32(nil), src.Data()...)
	wantLayout := src.Layout()

	_, err := BuildCopyPlan(src, dst, TileShape{8, 8})
	require.NoError(t, err)

	if diff := cmp.Diff(wantData, src.Data()); diff != "" {
		t.Errorf("source data changed (-want +got):\n%s", diff)
	}
	assert.Equal(t, wantLayout, src.Layout())
	assert.Equal(t, make([]int32, len(dst.Data())), dst.Data())
}

func TestBuildCopyPlanConfigurationErrors(t *testing.T) {
	shape := Shape2{64, 64}
	good := mustPitched[float32](t, shape)

	unaligned := func() TensorView[float32] {
		data := AllocAligned[float32](shape.Size() + 1)
		v, err := NewTensorView(data[1:], LayoutRight(shape))
		require.NoError(t, err)
		return v
	}()
	oddPitch := func() TensorView[float32] {
		layout := LayoutRightPitched(shape, 66)
		v, err := NewTensorView(AllocAligned[float32](layout.Cosize()), layout)
		require.NoError(t, err)
		return v
	}()
	columnMajor := func() TensorView[float32] {
		layout := Layout{Shape: shape, Strides: [2]int{1, 64}}
		v, err := NewTensorView(AllocAligned[float32](layout.Cosize()), layout)
		require.NoError(t, err)
		return v
	}()

	cases := []struct {
		name     string
		src, dst TensorView[float32]
		tile     TileShape
		field    string
	}{
		{"ZeroRows", TensorView[float32]{layout: LayoutRight(Shape2{0, 5})}, TensorView[float32]{layout: LayoutRight(Shape2{0, 5})}, TileShape{128, 128}, "shape"},
		{"ZeroTileRows", good, good, TileShape{0, 128}, "tile"},
		{"ShapeMismatch", good, mustPitched[float32](t, Shape2{64, 32}), TileShape{16, 16}, "shape"},
		{"UnalignedBase", unaligned, good, TileShape{16, 16}, "address"},
		{"StrideNotMultipleOf16", oddPitch, good, TileShape{16, 16}, "strides"},
		{"NonUnitInnerStride", columnMajor, good, TileShape{16, 16}, "strides"},
		{"BoxTooLarge", good, good, TileShape{512, 4}, "tile"},
		{"BoxInnerBytes", good, good, TileShape{16, 3}, "tile"},
		{"StagingTooLarge", good, good, TileShape{256, 256}, "tile"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildCopyPlan(tc.src, tc.dst, tc.tile)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field, "error: %v", err)
			assert.Equal(t, StatusConfigurationError, Status(err))
		})
	}
}

func TestBuildCopyPlanElementSizes(t *testing.T) {
	shape := Shape2{16, 64}
	_, err := BuildCopyPlan(mustPitched[uint8](t, shape), mustPitched[uint8](t, shape), TileShape{8, 16})
	require.NoError(t, err)
	_, err = BuildCopyPlan(mustPitched[Half](t, shape), mustPitched[Half](t, shape), TileShape{8, 8})
	require.NoError(t, err)
	_, err = BuildCopyPlan(mustPitched[float64](t, shape), mustPitched[float64](t, shape), TileShape{8, 2})
	require.NoError(t, err)
}

func TestNewTensorViewTooSmall(t *testing.T) {
	_, err := NewTensorView(make([]float32, 10), LayoutRight(Shape2{4, 4}))
	require.Error(t, err)
	assert.Equal(t, StatusConfigurationError, Status(err))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "data", cfgErr.Field)
}

func TestPitchFor(t *testing.T) {
	assert.Equal(t, 8, PitchFor[float32](5))
	assert.Equal(t, 200, PitchFor[float32](200))
	assert.Equal(t, 16, PitchFor[uint8](1))
	assert.Equal(t, 2, PitchFor[float64](1))
	assert.Equal(t, 8, PitchFor[Half](7))
}
