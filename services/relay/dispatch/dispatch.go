// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch routes one conversation turn to its next hop.
//
// The Dispatcher is the only writer of edge statistics and topology
// weights. A routed turn goes through:
//
//	StrategyStack -> candidates -> selector -> breaker -> Executor -> feedback
//
// Feedback (statistics, weight, cache invalidation, breaker, experiment
// outcome) is written on a context detached from the caller, so a cancelled
// request still updates everything it touched.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianRelay/services/relay/bandit"
	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/experiment"
	"github.com/AleutianAI/AleutianRelay/services/relay/optimizer"
	"github.com/AleutianAI/AleutianRelay/services/relay/routecache"
	"github.com/AleutianAI/AleutianRelay/services/relay/stats"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/strategy"
	"github.com/AleutianAI/AleutianRelay/services/relay/topology"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNoRouteFound means no stage and no neighbor produced a candidate.
	ErrNoRouteFound = errors.New("no route found")

	// ErrUnsuccessful marks an executor result that reported failure
	// without returning an error.
	ErrUnsuccessful = errors.New("executor reported failure")

	// ErrNotConfigured is returned by accessors whose component was not
	// supplied in Config.
	ErrNotConfigured = errors.New("component not configured")

	// ErrInvalidEdge rejects feedback whose source or target is not a
	// well-formed node ID. Such IDs would alias other statistics keys.
	ErrInvalidEdge = errors.New("invalid edge")
)

// ExecutorError wraps a failed downstream call.
type ExecutorError struct {
	Target string
	Err    error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %s: %v", e.Target, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// =============================================================================
// Metrics
// =============================================================================

var (
	routesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "dispatch",
		Name:      "routes_total",
		Help:      "Routed turns by outcome",
	}, []string{"outcome"})

	executeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "dispatch",
		Name:      "execute_seconds",
		Help:      "Executor latency by target",
		Buckets:   prometheus.DefBuckets,
	}, []string{"target"})

	breakerSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "dispatch",
		Name:      "breaker_skips_total",
		Help:      "Candidates skipped because their circuit was open",
	})
)

// =============================================================================
// Types
// =============================================================================

// Request is one turn to route.
type Request struct {
	// ID identifies the request. Generated when empty.
	ID string `json:"id"`

	// Current is the node the conversation is at.
	Current string `json:"current" validate:"required"`

	// Text is the turn text.
	Text string `json:"text"`

	// Goal optionally names the destination node.
	Goal string `json:"goal,omitempty"`

	// UserID keys experiment assignment. Falls back to ID.
	UserID string `json:"user_id,omitempty"`

	// ExperimentID enrolls the turn in an experiment.
	ExperimentID string `json:"experiment_id,omitempty"`

	// Payload is passed through to the Executor.
	Payload any `json:"payload,omitempty"`

	// Metadata is passed to strategy stages.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExecResult is what an Executor reports for one call.
type ExecResult struct {
	Success bool
	Latency time.Duration
	Payload any
}

// Executor performs the downstream call for a chosen target.
type Executor interface {
	Execute(ctx context.Context, target string, req *Request) (*ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, target string, req *Request) (*ExecResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, target string, req *Request) (*ExecResult, error) {
	return f(ctx, target, req)
}

// Result describes a routed turn.
type Result struct {
	RequestID  string        `json:"request_id"`
	Source     string        `json:"source"`
	Target     string        `json:"target"`
	Stage      string        `json:"stage"`
	Capability string        `json:"capability,omitempty"`
	Selector   string        `json:"selector"`
	Variant    string        `json:"variant,omitempty"`
	Skipped    []string      `json:"skipped,omitempty"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency_ns"`
	Payload    any           `json:"payload,omitempty"`
}

// Resolution is a dry-run routing answer.
type Resolution struct {
	Target        string   `json:"target"`
	Candidates    []string `json:"candidates"`
	Stage         string   `json:"stage"`
	Capability    string   `json:"capability,omitempty"`
	Goal          string   `json:"goal,omitempty"`
	Path          []string `json:"path,omitempty"`
	Authoritative bool     `json:"authoritative,omitempty"`
}

// =============================================================================
// Dispatcher
// =============================================================================

// Config wires a Dispatcher. Graph, Stats, Stack, Selectors and Executor
// are required; the rest are optional.
type Config struct {
	Graph     *topology.Graph
	Stats     *stats.Store
	Stack     *strategy.Stack
	Selectors *bandit.Registry
	Executor  Executor

	Cache       *routecache.Cache
	Breaker     *breaker.Breaker
	Experiments *experiment.Engine
	Optimizer   *optimizer.Optimizer

	// Clock measures latency when the Executor does not report it.
	Clock store.Clock

	// Logger. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Dispatcher routes turns and records their outcomes.
//
// Thread Safety: Safe for concurrent use.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Graph == nil:
		return nil, fmt.Errorf("dispatch: %w: graph", ErrNotConfigured)
	case cfg.Stats == nil:
		return nil, fmt.Errorf("dispatch: %w: stats", ErrNotConfigured)
	case cfg.Stack == nil:
		return nil, fmt.Errorf("dispatch: %w: strategy stack", ErrNotConfigured)
	case cfg.Selectors == nil:
		return nil, fmt.Errorf("dispatch: %w: selectors", ErrNotConfigured)
	case cfg.Executor == nil:
		return nil, fmt.Errorf("dispatch: %w: executor", ErrNotConfigured)
	}
	if cfg.Clock == nil {
		cfg.Clock = store.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "dispatch")),
	}, nil
}

// RouteStats returns experiment statistics for experimentID.
func (d *Dispatcher) RouteStats(ctx context.Context, experimentID string) (*experiment.Stats, error) {
	if d.cfg.Experiments == nil {
		return nil, fmt.Errorf("route stats: %w: experiments", ErrNotConfigured)
	}
	return d.cfg.Experiments.GetStats(ctx, experimentID)
}

// OptimizationHistory returns up to limit recent optimizer records. It is
// empty when no optimizer is configured.
func (d *Dispatcher) OptimizationHistory(limit int) []optimizer.Record {
	if d.cfg.Optimizer == nil {
		return []optimizer.Record{}
	}
	return d.cfg.Optimizer.History(limit)
}
