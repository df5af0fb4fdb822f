// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Config is the caller-supplied part of a tile copy.
type Config struct {
	TileRows       int
	TileCols       int
	ThreadsPerUnit int
	Iterations     int

	// Hook, if set, observes every unit's protocol steps.
	Hook StateHook
}

// Report describes a completed RunTileCopy.
type Report struct {
	Grid       Grid
	Launch     LaunchConfig
	Iterations []time.Duration
	// BytesPerIteration counts one read and one write of the global array.
	BytesPerIteration int64
}

// Total returns the summed duration of all iterations.
func (r Report) Total() time.Duration {
	return lo.Sum(r.Iterations)
}

// Best returns the fastest iteration.
func (r Report) Best() time.Duration {
	if len(r.Iterations) == 0 {
		return 0
	}
	return lo.Min(r.Iterations)
}

// Bandwidth returns the throughput of iteration i in GB/s.
func (r Report) Bandwidth(i int) float64 {
	d := r.Iterations[i]
	if d <= 0 {
		return 0
	}
	return float64(r.BytesPerIteration) / d.Seconds() / 1e9
}

// LaunchConfigFor returns the launch surface of plan over grid: one unit per
// tile, threads per unit, the exact staging size and a cluster of one unit.
func LaunchConfigFor[T Element](plan CopyPlan[T], grid Grid, threads int) LaunchConfig {
	return LaunchConfig{
		Grid:           grid.Dims,
		ThreadsPerUnit: threads,
		SharedMemBytes: plan.SharedStorageBytes(),
		Cluster:        Dim2{X: 1, Y: 1},
	}
}

// RunTileCopy copies src into dst tile by tile on dev. It builds one plan,
// plans the grid, then for each iteration launches the whole grid and
// synchronizes the device before continuing.
//
// The returned error is a *ConfigurationError, *LaunchFault or *RuntimeFault
// (possibly wrapped); use Status and Diagnostic to report it.
func RunTileCopy[T Element](ctx context.Context, dev *Device, src, dst TensorView[T], cfg Config) (Report, error) {
	tile := TileShape{Rows: cfg.TileRows, Cols: cfg.TileCols}
	grid, err := PlanGrid(src.Shape(), tile)
	if err != nil {
		return Report{}, err
	}
	plan, err := BuildCopyPlan(src, dst, tile)
	if err != nil {
		return Report{}, err
	}
	if cfg.Iterations < 1 {
		return Report{}, configErrorf("iterations", "must be at least 1, got %d", cfg.Iterations)
	}

	launchCfg := LaunchConfigFor(plan, grid, cfg.ThreadsPerUnit)
	report := Report{
		Grid:              grid,
		Launch:            launchCfg,
		BytesPerIteration: 2 * int64(grid.Shape.Size()) * int64(ElementSize[T]()),
	}
	kernel := TileCopyKernel(plan, grid, cfg.Hook)

	for i := range cfg.Iterations {
		start := time.Now()
		if err := dev.Launch(ctx, launchCfg, kernel); err != nil {
			return report, errors.WithMessagef(err, "iteration %d", i)
		}
		if err := dev.Synchronize(ctx); err != nil {
			return report, errors.WithMessagef(err, "iteration %d", i)
		}
		report.Iterations = append(report.Iterations, time.Since(start))
	}
	return report, nil
}
