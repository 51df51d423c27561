// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package main is the tracknet binary entry point.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tracknet-io/tracknet/cmd/tracknet/subcommands/run"
	"github.com/tracknet-io/tracknet/cmd/tracknet/subcommands/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "tracknet",
		Short:        "Tracknet GPS telemetry backend",
		Long:         "Tracknet terminates tracker device connections, normalizes their reports, and serves live data and commands to operators.",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(run.Command())
	rootCmd.AddCommand(version.Command())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
