// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

//go:build !amd64 && !arm64

package tma

func init() {
	setScalarMode()
}
