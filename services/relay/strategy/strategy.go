// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package strategy resolves the next hop for a turn through an ordered
// chain of routing stages.
//
// Stages run in priority order and the first concrete decision wins:
//
//	RuleMatcher      keyword -> target table, authoritative
//	SemanticScorer   query -> capability (sets a goal, no hop)
//	GraphPathfinder  goal -> next hop on the weighted shortest path
//	Fallback         random direct neighbor, else a configured default
//
// A stage that resolves only a capability hands it to later stages as
// the goal instead of ending the chain.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage names.
const (
	StageRule     = "rule"
	StageSemantic = "semantic"
	StagePath     = "path"
	StageFallback = "fallback"
)

var (
	stageDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "strategy",
		Name:      "decisions_total",
		Help:      "Routing stage decisions by stage",
	}, []string{"stage"})

	stackLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "strategy",
		Name:      "resolve_seconds",
		Help:      "Strategy stack resolution latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
)

// =============================================================================
// Types
// =============================================================================

// Query is the routing input for one turn.
type Query struct {
	// Current is the node the turn is at.
	Current string `json:"current"`

	// Text is the user's turn text.
	Text string `json:"text"`

	// Goal is an explicit destination node. Optional.
	Goal string `json:"goal,omitempty"`

	// Metadata carries caller context. Not interpreted by built-in stages.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Decision is a stage result.
type Decision struct {
	// Target is the next hop. Empty when only a capability was resolved.
	Target string `json:"target,omitempty"`

	// Capability is the resolved capability name, if any.
	Capability string `json:"capability,omitempty"`

	// Goal is the node the route is heading for, if known.
	Goal string `json:"goal,omitempty"`

	// Stage names the stage that produced Target.
	Stage string `json:"stage"`

	// Score is the stage's confidence, when it computes one.
	Score float64 `json:"score,omitempty"`

	// Authoritative decisions bypass bandit selection.
	Authoritative bool `json:"authoritative,omitempty"`
}

// Stage resolves a query to a decision, or reports none.
type Stage interface {
	Name() string
	Resolve(ctx context.Context, q Query) (Decision, bool)
}

// =============================================================================
// Stack
// =============================================================================

// Stack chains stages in priority order.
//
// Thread Safety: Safe for concurrent use if every stage is.
type Stack struct {
	stages []Stage
	logger *slog.Logger
}

// NewStack creates a stack. A nil logger uses slog.Default().
func NewStack(logger *slog.Logger, stages ...Stage) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{stages: stages, logger: logger}
}

// Stages returns the configured stage names in order.
func (s *Stack) Stages() []string {
	out := make([]string, len(s.stages))
	for i, st := range s.stages {
		out[i] = st.Name()
	}
	return out
}

// Resolve runs the stages until one yields a target.
//
// Description:
//
//	A decision carrying only a capability records it, sets q.Goal for
//	the remaining stages, and continues. The final decision keeps the
//	capability and goal that were resolved along the way.
//
// Outputs:
//
//	Decision - The winning decision.
//	bool - False if no stage produced a target.
func (s *Stack) Resolve(ctx context.Context, q Query) (Decision, bool) {
	start := time.Now()
	defer func() { stackLatency.Observe(time.Since(start).Seconds()) }()

	var carried Decision
	for _, stage := range s.stages {
		if err := ctx.Err(); err != nil {
			return Decision{}, false
		}
		d, ok := stage.Resolve(ctx, q)
		if !ok {
			continue
		}
		if d.Capability != "" {
			carried.Capability = d.Capability
			carried.Score = d.Score
		}
		if d.Goal != "" {
			carried.Goal = d.Goal
			q.Goal = d.Goal
		}
		if d.Target == "" {
			continue
		}

		if d.Capability == "" {
			d.Capability = carried.Capability
		}
		if d.Goal == "" {
			d.Goal = carried.Goal
		}
		if d.Score == 0 {
			d.Score = carried.Score
		}
		stageDecisions.WithLabelValues(d.Stage).Inc()
		s.logger.Debug("strategy decision",
			slog.String("current", q.Current),
			slog.String("stage", d.Stage),
			slog.String("target", d.Target),
			slog.String("capability", d.Capability))
		return d, true
	}
	return carried, false
}
