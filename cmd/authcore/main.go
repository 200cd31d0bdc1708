// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package main is the entry point for the authcore server and its operator
// commands.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/samber/oops"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Exit codes. Unreadable or invalid configuration exits with 2.
const (
	exitFailure       = 1
	exitInvalidConfig = 2
)

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if oopsErr, ok := oops.AsOops(err); ok {
		switch fmt.Sprint(oopsErr.Code()) {
		case "CONFIG_INVALID", "CONFIG_LOAD_FAILED":
			return exitInvalidConfig
		}
	}
	return exitFailure
}
