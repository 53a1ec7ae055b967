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
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/services/relay/dispatch"
)

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var req dispatch.Request
	cmd := &cobra.Command{
		Use:   "resolve [text...]",
		Short: "Ask a running relay which hop a turn would take",
		Example: `  relay resolve --from triage "I need a refund"
  relay resolve --from triage --goal billing_agent`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Current == "" {
				return errors.New("--from is required")
			}
			req.Text = strings.Join(args, " ")
			var res dispatch.Resolution
			client := newAdminClient(opts.server)
			if err := client.do(cmd.Context(), http.MethodPost, "/v1/relay/resolve", req, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&req.Current, "from", "", "node the conversation is at")
	cmd.Flags().StringVar(&req.Goal, "goal", "", "optional destination node")
	return cmd
}

func newPrecomputeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "precompute",
		Short: "Warm the shared route cache with every reachable pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Routes int `json:"routes"`
			}
			client := newAdminClient(opts.server)
			if err := client.do(cmd.Context(), http.MethodPost, "/v1/relay/cache/precompute", nil, &out); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "precomputed %d routes\n", out.Routes)
			return err
		},
	}
}
