// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

// Command tmacopy copies a 2-D array tile by tile through the staging arena of
// a software accelerator, reports per-trial throughput and verifies the
// destination element by element.
//
// Usage:
//
//	tmacopy --rows 256 --cols 256 --tile-rows 128 --tile-cols 128
//	tmacopy -m 300 -n 200 --iterations 10 --dtype f16
//
// The exit status is the copy's status code: 0 on success, 1 for a
// configuration error, 2 for a launch fault, 3 for a runtime fault, and 4 if
// verification finds a mismatch.
package main

import (
	"fmt"
	"os"
)

func main() {
	code, err := newRootCmd().execute(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}
