// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/ajroetker/go-tma/tma"
)

// exitVerifyFailed is returned when the copy succeeds but the destination
// differs from the source.
const exitVerifyFailed = 4

type options struct {
	rows, cols         int
	tileRows, tileCols int
	threads            int
	iterations         int
	dtype              string
	sms                int
	engineChannels     int
	smem               int
	timeout            time.Duration
	verbose            bool
}

type rootCmd struct {
	cmd  *cobra.Command
	opts options
	code int
}

// runners maps a --dtype value to the element-typed harness.
var runners = map[string]func(ctx context.Context, out io.Writer, dev *tma.Device, o options) (int, error){
	"f32": runHarness[float32],
	"f64": runHarness[float64],
	"f16": runHarness[tma.Half],
	"i32": runHarness[int32],
	"u8":  runHarness[uint8],
}

func dtypeNames() []string {
	names := lo.Keys(runners)
	slices.Sort(names)
	return names
}

func newRootCmd() *rootCmd {
	r := &rootCmd{}
	r.cmd = &cobra.Command{
		Use:           "tmacopy",
		Short:         "Copy a 2-D array tile by tile through on-chip staging memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := r.run(cmd.Context(), cmd.OutOrStdout())
			r.code = code
			return err
		},
	}
	f := r.cmd.Flags()
	f.IntVarP(&r.opts.rows, "rows", "m", 256, "global rows (R)")
	f.IntVarP(&r.opts.cols, "cols", "n", 256, "global columns (C)")
	f.IntVar(&r.opts.tileRows, "tile-rows", 128, "tile rows")
	f.IntVar(&r.opts.tileCols, "tile-cols", 128, "tile columns")
	f.IntVar(&r.opts.threads, "threads", 32, "threads per execution unit")
	f.IntVar(&r.opts.iterations, "iterations", 1, "number of timed trials")
	f.StringVar(&r.opts.dtype, "dtype", "f32", "element type ("+strings.Join(dtypeNames(), ",")+")")
	f.IntVar(&r.opts.sms, "sms", 0, "resident execution units (default GOMAXPROCS)")
	f.IntVar(&r.opts.engineChannels, "engine-channels", tma.DefaultEngineChannels, "concurrent copy-engine transfers")
	f.IntVar(&r.opts.smem, "smem", tma.MaxStagingBytes, "scratch bytes grantable per unit")
	f.DurationVar(&r.opts.timeout, "timeout", time.Minute, "abort the copy if it has not finished after this long")
	f.BoolVarP(&r.opts.verbose, "verbose", "v", false, "log device events to stderr")
	return r
}

// execute runs the command with args and returns the process exit code.
func (r *rootCmd) execute(args []string) (int, error) {
	r.cmd.SetArgs(args)
	if err := r.cmd.Execute(); err != nil {
		if r.code == 0 {
			r.code = 1
		}
		return r.code, err
	}
	return r.code, nil
}

func (r *rootCmd) run(ctx context.Context, out io.Writer) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	runner, ok := runners[r.opts.dtype]
	if !ok {
		return int(tma.StatusConfigurationError), fmt.Errorf("unknown dtype %q, want one of %s", r.opts.dtype, strings.Join(dtypeNames(), ","))
	}

	level := slog.LevelWarn
	if r.opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dev := tma.NewDevice(
		tma.WithSMCount(r.opts.sms),
		tma.WithEngineChannels(r.opts.engineChannels),
		tma.WithSharedMemoryPerBlock(r.opts.smem),
		tma.WithLogger(logger),
	)
	defer dev.Close()

	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	return runner(ctx, out, dev, r.opts)
}
