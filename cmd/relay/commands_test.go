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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/api"
	"github.com/AleutianAI/AleutianRelay/services/relay/experiment"
)

func runCLI(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", server}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseSplit(t *testing.T) {
	variants, split, err := parseSplit([]string{"hybrid=0.7", "ucb1=0.3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hybrid", "ucb1"}, variants)
	assert.Equal(t, map[string]float64{"hybrid": 0.7, "ucb1": 0.3}, split)

	_, _, err = parseSplit([]string{"hybrid"})
	assert.Error(t, err)
	_, _, err = parseSplit([]string{"=0.5"})
	assert.Error(t, err)
	_, _, err = parseSplit([]string{"hybrid=lots"})
	assert.Error(t, err)
}

func TestExperimentCreate_PostsDefinition(t *testing.T) {
	var got experiment.Experiment
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/relay/experiments", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		got.ID = "exp-1"
		got.Status = experiment.StatusRunning
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(got)
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "experiment", "create",
		"--name", "shootout", "--variant", "hybrid=0.5", "--variant", "ucb1=0.5")
	require.NoError(t, err)

	assert.Equal(t, "shootout", got.Name)
	assert.Equal(t, []string{"hybrid", "ucb1"}, got.Variants)
	assert.Equal(t, experiment.DefaultConfidenceLevel, got.ConfidenceLevel)
	assert.Contains(t, out, `"id": "exp-1"`)
}

func TestExperimentList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{"experiments": {"a", "b"}})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "experiment", "list")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", out)
}

func TestExperimentStats_Table(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/relay/experiments/exp-1/stats", r.URL.Path)
		_ = json.NewEncoder(w).Encode(experiment.Stats{
			ExperimentID:    "exp-1",
			Status:          experiment.StatusRunning,
			ConfidenceLevel: 0.95,
			Variants: []experiment.VariantStats{
				{Variant: "hybrid", Count: 10, Successes: 8, SuccessRate: 0.8, CILower: 0.49, CIUpper: 0.94, AvgLatencyMs: 12},
			},
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "experiment", "stats", "exp-1")
	require.NoError(t, err)
	assert.Contains(t, out, "exp-1 (running, 95% confidence)")
	assert.Contains(t, out, "hybrid")
	assert.Contains(t, out, "[0.490, 0.940]")
}

func TestExperimentCompare_SendsVariants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/relay/experiments/exp-1/latency", r.URL.Path)
		assert.Equal(t, "hybrid", r.URL.Query().Get("a"))
		assert.Equal(t, "ucb1", r.URL.Query().Get("b"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := runCLI(t, srv.URL, "exp", "compare", "exp-1", "hybrid", "ucb1")
	require.NoError(t, err)
}

func TestPrecompute_PrintsCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/relay/cache/precompute", r.URL.Path)
		_, _ = w.Write([]byte(`{"routes":6}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "precompute")
	require.NoError(t, err)
	assert.Equal(t, "precomputed 6 routes\n", out)
}

func TestResolve_RequiresFrom(t *testing.T) {
	_, err := runCLI(t, "http://127.0.0.1:1", "resolve", "hello")
	assert.ErrorContains(t, err, "--from")
}

func TestAdminClient_SurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "experiment not found", Code: "NOT_FOUND"})
	}))
	defer srv.Close()

	_, err := runCLI(t, srv.URL, "experiment", "status", "missing", "paused")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "experiment not found")
	assert.Contains(t, err.Error(), "NOT_FOUND")
}
