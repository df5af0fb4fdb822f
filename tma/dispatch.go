// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"os"
	"strconv"
)

// DispatchLevel identifies the host vector unit the copy engine uses to move
// rows between global memory and the staging arena.
type DispatchLevel int

const (
	// DispatchScalar moves rows with 16-byte chunks and no vector unit.
	DispatchScalar DispatchLevel = iota

	// DispatchAVX2 moves rows in 256-bit chunks.
	DispatchAVX2

	// DispatchAVX512 moves rows in 512-bit chunks.
	DispatchAVX512

	// DispatchNEON moves rows in 128-bit chunks.
	DispatchNEON
)

// String returns a human-readable name for the dispatch level.
func (d DispatchLevel) String() string {
	switch d {
	case DispatchScalar:
		return "scalar"
	case DispatchAVX2:
		return "avx2"
	case DispatchAVX512:
		return "avx512"
	case DispatchNEON:
		return "neon"
	default:
		return "unknown"
	}
}

// currentLevel and currentWidth are set by init() in dispatch_*.go files.
var (
	currentLevel DispatchLevel
	currentWidth int
)

// CurrentLevel returns the vector level the copy engine runs at.
func CurrentLevel() DispatchLevel {
	return currentLevel
}

// CurrentWidth returns the copy engine's chunk width in bytes.
// For example: 16 for scalar/NEON, 32 for AVX2, 64 for AVX-512.
func CurrentWidth() int {
	return currentWidth
}

// NoSimdEnv checks if the TMA_NO_SIMD environment variable is set.
// When set, the copy engine uses 16-byte scalar chunks regardless of CPU
// capabilities.
func NoSimdEnv() bool {
	val := os.Getenv("TMA_NO_SIMD")
	if val == "" {
		return false
	}
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return true
}

// MaxLanes returns how many T fit in one engine chunk.
//
// For example, with AVX2 (32 bytes):
//   - float32: 8 lanes
//   - float64: 4 lanes
//   - Half: 16 lanes
func MaxLanes[T Element]() int {
	size := ElementSize[T]()
	if size == 0 {
		return 0
	}
	return max(currentWidth/size, 1)
}

func setScalarMode() {
	currentLevel = DispatchScalar
	currentWidth = 16
}
