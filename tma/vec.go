// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

// This file provides the chunked load/store primitives the copy engine uses to
// move one row of a box. A Vec is a staging register of MaxLanes[T]() lanes
// owned by one engine channel and reused across rows.

// Vec is an engine register holding one chunk of a row.
type Vec[T Element] struct {
	data []T
}

// NewVec returns a zeroed register sized for the current dispatch width.
func NewVec[T Element]() Vec[T] {
	return Vec[T]{data: make([]T, MaxLanes[T]())}
}

// NumLanes returns the number of lanes in this register.
func (v Vec[T]) NumLanes() int {
	return len(v.data)
}

// Load fills the register from src. Lanes past len(src) are left untouched.
func (v Vec[T]) Load(src []T) {
	copy(v.data, src)
}

// Store writes the register's lanes to dst.
func (v Vec[T]) Store(dst []T) {
	copy(dst, v.data)
}

// MaskLoad fills the first count lanes from src and zeroes the rest.
func (v Vec[T]) MaskLoad(count int, src []T) {
	n := min(count, len(v.data), len(src))
	copy(v.data[:n], src[:n])
	clear(v.data[n:])
}

// MaskStore writes only the first count lanes to dst.
func (v Vec[T]) MaskStore(count int, dst []T) {
	n := min(count, len(v.data), len(dst))
	copy(dst[:n], v.data[:n])
}

// ProcessWithTail calls fullFn(offset) for each full register in [0, size)
// and tailFn(offset, count) once for the remainder, if any.
func ProcessWithTail[T Element](size int, fullFn func(offset int), tailFn func(offset, count int)) {
	lanes := MaxLanes[T]()
	full := size / lanes
	for i := range full {
		fullFn(i * lanes)
	}
	if rem := size - full*lanes; rem > 0 {
		tailFn(full*lanes, rem)
	}
}

// copyRow copies len(dst) elements of src into dst through reg.
func copyRow[T Element](reg Vec[T], dst, src []T) {
	ProcessWithTail[T](len(dst),
		func(offset int) {
			reg.Load(src[offset:])
			reg.Store(dst[offset:])
		},
		func(offset, count int) {
			reg.MaskLoad(count, src[offset:])
			reg.MaskStore(count, dst[offset:])
		},
	)
}
