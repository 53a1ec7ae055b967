// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats maintains per-edge Beta(alpha, beta) success statistics.
//
// Every dispatch edge (source -> target, optionally scoped by a dimension
// such as a capability) carries a Beta posterior over its success rate.
// The posterior is stored as two shared counters:
//
//	stats:<source>|<target>[|<dimension>]:s   successes
//	stats:<source>|<target>[|<dimension>]:f   failures
//
// with alpha = 1 + successes and beta = 1 + failures. The uniform prior
// (1, 1) is therefore implicit and alpha, beta >= 1 holds by construction.
// Updates are single atomic increments, so concurrent relay instances
// never lose an observation and no read-modify-write round trip occurs.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// keyPrefix namespaces statistics counters in the shared store.
const keyPrefix = "stats:"

var updatesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "stats",
		Name:      "updates_total",
		Help:      "Edge statistics updates by outcome",
	},
	[]string{"outcome"},
)

// =============================================================================
// Types
// =============================================================================

// EdgeKey identifies a dispatch edge. Node names must not contain '|'.
type EdgeKey struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Dimension string `json:"dimension,omitempty"`
}

// Edge builds an undimensioned EdgeKey.
func Edge(source, target string) EdgeKey {
	return EdgeKey{Source: source, Target: target}
}

// String renders the key as "source|target[|dimension]".
func (k EdgeKey) String() string {
	if k.Dimension == "" {
		return k.Source + "|" + k.Target
	}
	return k.Source + "|" + k.Target + "|" + k.Dimension
}

func (k EdgeKey) successKey() string { return keyPrefix + k.String() + ":s" }
func (k EdgeKey) failureKey() string { return keyPrefix + k.String() + ":f" }

// EdgeStats is a Beta posterior over an edge's success probability.
type EdgeStats struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// Prior is the uniform Beta(1, 1) prior.
var Prior = EdgeStats{Alpha: 1, Beta: 1}

// FromCounts builds posterior stats from observed counts.
// Negative counts are treated as zero.
func FromCounts(successes, failures int64) EdgeStats {
	return EdgeStats{
		Alpha: 1 + float64(max(successes, 0)),
		Beta:  1 + float64(max(failures, 0)),
	}
}

// Mean is the posterior mean alpha / (alpha + beta).
func (s EdgeStats) Mean() float64 {
	return s.Alpha / (s.Alpha + s.Beta)
}

// Attempts is the number of observations, alpha + beta - 2.
func (s EdgeStats) Attempts() int64 {
	return int64(s.Alpha + s.Beta - 2)
}

// EdgeRecord pairs an edge with its statistics. Returned by Scan.
type EdgeRecord struct {
	Key   EdgeKey   `json:"key"`
	Stats EdgeStats `json:"stats"`
}

// =============================================================================
// Store
// =============================================================================

// Store reads and updates edge statistics in a SharedStore.
//
// Description:
//
//	Reads degrade to the prior when the shared store is unavailable, so
//	selection keeps working (with exploration behavior) during an outage.
//	Failures are reported loudly through a store.Reporter.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	shared   store.SharedStore
	reporter *store.Reporter
	logger   *slog.Logger
}

// New creates a statistics store. A nil logger uses slog.Default().
func New(shared store.SharedStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		shared:   shared,
		reporter: store.NewReporter("stats", logger),
		logger:   logger,
	}
}

// Update records one outcome for the edge.
//
// Description:
//
//	Increments the success counter (alpha) or the failure counter (beta)
//	with a single atomic IncrBy.
//
// Inputs:
//
//	ctx - Context for the store call.
//	key - The edge.
//	success - Outcome of the dispatch.
//
// Outputs:
//
//	error - Non-nil (wrapping store.ErrUnavailable) if the write failed.
//	        The failure is already reported; callers may ignore it.
func (s *Store) Update(ctx context.Context, key EdgeKey, success bool) error {
	counter, outcome := key.failureKey(), "failure"
	if success {
		counter, outcome = key.successKey(), "success"
	}
	if _, err := s.shared.IncrBy(ctx, counter, 1); err != nil {
		s.reporter.Report("update", err, slog.String("edge", key.String()))
		return fmt.Errorf("update stats %s: %w", key, err)
	}
	updatesTotal.WithLabelValues(outcome).Inc()
	return nil
}

// Stats returns the posterior for an edge. Unseen edges and store
// failures return Prior.
func (s *Store) Stats(ctx context.Context, key EdgeKey) EdgeStats {
	succ, err := store.GetInt(ctx, s.shared, key.successKey())
	if err != nil {
		s.reporter.Report("stats", err, slog.String("edge", key.String()))
		return Prior
	}
	fail, err := store.GetInt(ctx, s.shared, key.failureKey())
	if err != nil {
		s.reporter.Report("stats", err, slog.String("edge", key.String()))
		return Prior
	}
	return FromCounts(succ, fail)
}

// Probability returns the posterior mean success rate of source -> target.
// An unseen edge returns 0.5.
func (s *Store) Probability(ctx context.Context, source, target string) float64 {
	return s.Stats(ctx, Edge(source, target)).Mean()
}

// Scan lists every edge with at least one recorded outcome.
//
// Outputs:
//
//	[]EdgeRecord - Edges in key order.
//	error - Non-nil if the store could not be listed.
func (s *Store) Scan(ctx context.Context) ([]EdgeRecord, error) {
	keys, err := s.shared.Keys(ctx, keyPrefix)
	if err != nil {
		s.reporter.Report("scan", err)
		return nil, fmt.Errorf("scan stats: %w", err)
	}

	counts := make(map[EdgeKey]*[2]int64)
	var order []EdgeKey
	for _, raw := range keys {
		edge, idx, ok := parseCounterKey(raw)
		if !ok {
			s.logger.Debug("skipping malformed stats key", slog.String("key", raw))
			continue
		}
		n, err := store.GetInt(ctx, s.shared, raw)
		if err != nil {
			s.reporter.Report("scan", err, slog.String("key", raw))
			continue
		}
		c, seen := counts[edge]
		if !seen {
			c = &[2]int64{}
			counts[edge] = c
			order = append(order, edge)
		}
		c[idx] = n
	}

	records := make([]EdgeRecord, 0, len(order))
	for _, edge := range order {
		c := counts[edge]
		records = append(records, EdgeRecord{Key: edge, Stats: FromCounts(c[0], c[1])})
	}
	return records, nil
}

// parseCounterKey splits "stats:a|b[|d]:s" into the edge and counter
// index (0 = successes, 1 = failures).
func parseCounterKey(raw string) (EdgeKey, int, bool) {
	body, ok := strings.CutPrefix(raw, keyPrefix)
	if !ok || len(body) < 3 {
		return EdgeKey{}, 0, false
	}
	var idx int
	switch body[len(body)-2:] {
	case ":s":
		idx = 0
	case ":f":
		idx = 1
	default:
		return EdgeKey{}, 0, false
	}
	parts := strings.Split(body[:len(body)-2], "|")
	switch len(parts) {
	case 2:
		return EdgeKey{Source: parts[0], Target: parts[1]}, idx, true
	case 3:
		return EdgeKey{Source: parts[0], Target: parts[1], Dimension: parts[2]}, idx, true
	default:
		return EdgeKey{}, 0, false
	}
}
