// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootOptions are flags shared by every command.
type rootOptions struct {
	configPath string
	server     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Adaptive turn routing for multi-agent conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("RELAY_CONFIG"),
		"path to the relay YAML config (env RELAY_CONFIG)")
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("RELAY_SERVER", "http://localhost:8090"),
		"relay admin API base URL for client commands (env RELAY_SERVER)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newResolveCmd(opts),
		newPrecomputeCmd(opts),
		newExperimentCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
