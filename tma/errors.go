// Copyright 2025 The go-tma Authors. SPDX-License-Identifier: Apache-2.0

package tma

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports an invalid shape, a layout the descriptor format
// cannot express, or a staging size above the on-chip limit. It is always
// detected before any unit is launched.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "tma: configuration: " + e.Reason
	}
	return fmt.Sprintf("tma: configuration: %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// LaunchFault reports that the device rejected a launch configuration.
// The caller may shrink the tile or thread count and retry.
type LaunchFault struct {
	Reason string
}

func (e *LaunchFault) Error() string {
	return "tma: launch fault: " + e.Reason
}

func launchFaultf(format string, args ...any) error {
	return &LaunchFault{Reason: fmt.Sprintf(format, args...)}
}

// RuntimeFault reports a fault raised while units were executing. It is
// surfaced at the device-wide synchronization point and is sticky: every later
// launch and synchronize on the same device returns it.
type RuntimeFault struct {
	Block TileCoord
	Err   error
}

func (e *RuntimeFault) Error() string {
	return fmt.Sprintf("tma: runtime fault in block %v: %v", e.Block, e.Err)
}

func (e *RuntimeFault) Unwrap() error {
	return e.Err
}

// StatusCode is the host-facing result of RunTileCopy.
type StatusCode int

const (
	StatusSuccess StatusCode = iota
	StatusConfigurationError
	StatusLaunchFault
	StatusRuntimeFault
)

func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusConfigurationError:
		return "configuration error"
	case StatusLaunchFault:
		return "launch fault"
	case StatusRuntimeFault:
		return "runtime fault"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Status maps an error returned by this package to its status code.
// Unknown errors map to StatusRuntimeFault.
func Status(err error) StatusCode {
	if err == nil {
		return StatusSuccess
	}
	var cfgErr *ConfigurationError
	var launchErr *LaunchFault
	switch {
	case errors.As(err, &cfgErr):
		return StatusConfigurationError
	case errors.As(err, &launchErr):
		return StatusLaunchFault
	default:
		return StatusRuntimeFault
	}
}

// Diagnostic returns the human-readable string the caller should log for err,
// or "" on success.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", Status(err), err)
}
