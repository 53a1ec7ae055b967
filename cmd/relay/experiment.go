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
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/services/relay/api"
	"github.com/AleutianAI/AleutianRelay/services/relay/experiment"
)

func newExperimentCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Manage selector A/B experiments on a running relay",
	}
	cmd.AddCommand(
		newExperimentCreateCmd(opts),
		newExperimentListCmd(opts),
		newExperimentStatsCmd(opts),
		newExperimentStatusCmd(opts),
		newExperimentCompareCmd(opts),
	)
	return cmd
}

// parseSplit turns "name=share" pairs into variants and a traffic split,
// keeping the declared order.
func parseSplit(pairs []string) ([]string, map[string]float64, error) {
	variants := make([]string, 0, len(pairs))
	split := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, nil, fmt.Errorf("variant %q: want name=share", p)
		}
		share, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("variant %q: %w", p, err)
		}
		variants = append(variants, name)
		split[name] = share
	}
	return variants, split, nil
}

func newExperimentCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		id         string
		name       string
		pairs      []string
		metrics    []string
		confidence float64
	)
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create an experiment",
		Example: `  relay experiment create --name shootout --variant hybrid=0.5 --variant ucb1=0.5`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			variants, split, err := parseSplit(pairs)
			if err != nil {
				return err
			}
			exp := experiment.Experiment{
				ID:              id,
				Name:            name,
				Variants:        variants,
				TrafficSplit:    split,
				Metrics:         metrics,
				ConfidenceLevel: confidence,
			}
			var created experiment.Experiment
			client := newAdminClient(opts.server)
			if err := client.do(cmd.Context(), http.MethodPost, "/v1/relay/experiments", exp, &created); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), created)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "experiment ID (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "human-readable name")
	cmd.Flags().StringArrayVar(&pairs, "variant", nil, "variant and traffic share as name=share, repeatable")
	cmd.Flags().StringSliceVar(&metrics, "metric", nil, "metric names to track")
	cmd.Flags().Float64Var(&confidence, "confidence", experiment.DefaultConfidenceLevel, "confidence level: 0.90, 0.95 or 0.99")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("variant")
	return cmd
}

func newExperimentListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List experiment IDs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Experiments []string `json:"experiments"`
			}
			client := newAdminClient(opts.server)
			if err := client.do(cmd.Context(), http.MethodGet, "/v1/relay/experiments", nil, &out); err != nil {
				return err
			}
			for _, id := range out.Experiments {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newExperimentStatsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats <id>",
		Short: "Show per-variant success rates and confidence intervals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st experiment.Stats
			client := newAdminClient(opts.server)
			path := "/v1/relay/experiments/" + url.PathEscape(args[0]) + "/stats"
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &st); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, %.0f%% confidence)\n", st.ExperimentID, st.Status, st.ConfidenceLevel*100)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VARIANT\tCOUNT\tSUCCESS\tCI\tAVG LATENCY")
			for _, v := range st.Variants {
				fmt.Fprintf(tw, "%s\t%d\t%.3f\t[%.3f, %.3f]\t%.1fms\n",
					v.Variant, v.Count, v.SuccessRate, v.CILower, v.CIUpper, v.AvgLatencyMs)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newExperimentStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "status <id> <running|paused|completed>",
		Short:     "Change an experiment's status",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{experiment.StatusRunning, experiment.StatusPaused, experiment.StatusCompleted},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAdminClient(opts.server)
			path := "/v1/relay/experiments/" + url.PathEscape(args[0]) + "/status"
			if err := client.do(cmd.Context(), http.MethodPut, path, api.StatusRequest{Status: args[1]}, nil); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], args[1])
			return err
		},
	}
}

func newExperimentCompareCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compare <id> <variant-a> <variant-b>",
		Short: "Welch t-test on latency between two variants",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cmp experiment.LatencyComparison
			client := newAdminClient(opts.server)
			q := url.Values{"a": {args[1]}, "b": {args[2]}}
			path := "/v1/relay/experiments/" + url.PathEscape(args[0]) + "/latency?" + q.Encode()
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &cmp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cmp)
		},
	}
}
