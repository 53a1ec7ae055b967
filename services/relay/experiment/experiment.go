// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiment runs A/B experiments over routing selectors.
//
// Experiment definitions, raw results and per-variant aggregates all live
// in the SharedStore, so any relay instance can assign users, record
// outcomes and report statistics for any experiment:
//
//	experiment:def:{id}                      JSON definition
//	experiment:status:{id}                   running | paused | completed
//	experiment:result:{id}:{uuid}            JSON Result, TTL = ResultRetention
//	experiment:agg:{id}:{variant}:{field}    counters: count, success, latency_us
//
// Assignment is a pure function of (user, experiment), so it needs no
// coordination and the same user always lands in the same variant.
package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// =============================================================================
// Constants
// =============================================================================

// Experiment statuses.
const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

const (
	// Buckets is the size of the assignment hash space.
	Buckets = 10000

	// SplitTolerance is the allowed deviation of the traffic split sum from 1.0.
	SplitTolerance = 0.01

	// DefaultConfidenceLevel is used when an experiment does not set one.
	DefaultConfidenceLevel = 0.95

	// DefaultResultRetention bounds how long raw results are kept.
	DefaultResultRetention = 7 * 24 * time.Hour

	// DefaultLatencySamples bounds the per-variant local latency window.
	DefaultLatencySamples = 1000
)

const (
	defPrefix    = "experiment:def:"
	statusPrefix = "experiment:status:"
	resultPrefix = "experiment:result:"
	aggPrefix    = "experiment:agg:"

	fieldCount   = "count"
	fieldSuccess = "success"
	fieldLatency = "latency_us"
)

// zScores maps supported confidence levels to two-sided z values.
var zScores = map[float64]float64{
	0.90: 1.645,
	0.95: 1.96,
	0.99: 2.58,
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned for unknown experiment IDs.
	ErrNotFound = errors.New("experiment not found")

	// ErrUnknownVariant is returned when an outcome names a variant the
	// experiment does not have.
	ErrUnknownVariant = errors.New("unknown variant")
)

// =============================================================================
// Metrics
// =============================================================================

var (
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "experiment",
		Name:      "outcomes_total",
		Help:      "Experiment outcomes by result",
	}, []string{"result"})

	assignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "experiment",
		Name:      "assignments_total",
		Help:      "Variant assignments served",
	})
)

// =============================================================================
// Types
// =============================================================================

// Experiment is an A/B experiment definition.
type Experiment struct {
	ID              string             `json:"id"`
	Name            string             `json:"name" validate:"required,max=128"`
	Variants        []string           `json:"variants" validate:"required,min=1,unique,dive,required"`
	TrafficSplit    map[string]float64 `json:"traffic_split" validate:"required,dive,gte=0,lte=1"`
	Metrics         []string           `json:"metrics,omitempty"`
	ConfidenceLevel float64            `json:"confidence_level" validate:"confidence"`
	Status          string             `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
}

// HasVariant reports whether v is one of the experiment's variants.
func (e *Experiment) HasVariant(v string) bool {
	for _, name := range e.Variants {
		if name == v {
			return true
		}
	}
	return false
}

// Outcome is one observed result to record against an experiment.
type Outcome struct {
	UserID  string
	Variant string
	Success bool
	Latency time.Duration
	Metrics map[string]float64
}

// Result is the persisted raw form of an Outcome.
type Result struct {
	ID           string             `json:"id"`
	ExperimentID string             `json:"experiment_id"`
	Variant      string             `json:"variant"`
	UserID       string             `json:"user_id,omitempty"`
	Success      bool               `json:"success"`
	LatencyMs    float64            `json:"latency_ms"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Timestamp    time.Time          `json:"ts"`
}

// VariantStats summarizes one variant.
type VariantStats struct {
	Variant      string  `json:"variant"`
	Count        int64   `json:"count"`
	Successes    int64   `json:"successes"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	CILower      float64 `json:"ci_lower"`
	CIUpper      float64 `json:"ci_upper"`
}

// Stats is the per-variant report for an experiment.
type Stats struct {
	ExperimentID    string         `json:"experiment_id"`
	Status          string         `json:"status"`
	ConfidenceLevel float64        `json:"confidence_level"`
	Variants        []VariantStats `json:"variants"`
}

// ResultSink receives every recorded Result. Implementations should not
// block for long; errors are logged and otherwise ignored.
type ResultSink interface {
	WriteResult(ctx context.Context, r Result) error
}

// =============================================================================
// Engine
// =============================================================================

// Config configures an Engine.
type Config struct {
	// ResultRetention is the raw result TTL. Default: 7 days.
	ResultRetention time.Duration

	// LatencySamples bounds local latency samples per variant. Default: 1000.
	LatencySamples int

	// Clock stamps CreatedAt and results. Default: wall clock.
	Clock store.Clock

	// Sink optionally mirrors results to an external time-series store.
	Sink ResultSink

	// Logger. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Engine creates experiments, assigns users and aggregates outcomes.
//
// Thread Safety: Safe for concurrent use across goroutines and instances.
type Engine struct {
	shared   store.SharedStore
	cfg      Config
	reporter *store.Reporter
	logger   *slog.Logger
	latency  *latencyTracker

	mu   sync.RWMutex
	defs map[string]*Experiment
}

// NewEngine creates an Engine over shared.
func NewEngine(shared store.SharedStore, cfg Config) *Engine {
	if cfg.ResultRetention <= 0 {
		cfg.ResultRetention = DefaultResultRetention
	}
	if cfg.LatencySamples <= 0 {
		cfg.LatencySamples = DefaultLatencySamples
	}
	if cfg.Clock == nil {
		cfg.Clock = store.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		shared:   shared,
		cfg:      cfg,
		reporter: store.NewReporter("experiment", cfg.Logger),
		logger:   cfg.Logger,
		latency:  newLatencyTracker(cfg.LatencySamples),
		defs:     make(map[string]*Experiment),
	}
}

func aggKey(expID, variant, field string) string {
	return aggPrefix + expID + ":" + variant + ":" + field
}

// Create validates exp and persists it with status running.
//
// Description:
//
//	Assigns a new ID when exp.ID is empty and defaults ConfidenceLevel to
//	0.95. The traffic split must sum to 1.0 within SplitTolerance, cover
//	every variant and name no other variant. Invalid definitions are
//	rejected with a *ValidationError and never adjusted.
//
// Outputs:
//
//	*Experiment - The stored definition.
//	error       - *ValidationError, or a store error wrapping ErrUnavailable.
func (e *Engine) Create(ctx context.Context, exp Experiment) (*Experiment, error) {
	if exp.ConfidenceLevel == 0 {
		exp.ConfidenceLevel = DefaultConfidenceLevel
	}
	if err := Validate(&exp); err != nil {
		return nil, err
	}
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	exp.Status = StatusRunning
	exp.CreatedAt = e.cfg.Clock.Now().UTC()
	exp.Variants = append([]string(nil), exp.Variants...)

	raw, err := json.Marshal(&exp)
	if err != nil {
		return nil, fmt.Errorf("encode experiment: %w", err)
	}
	created, err := e.shared.SetNX(ctx, defPrefix+exp.ID, raw, 0)
	if err != nil {
		e.reporter.Report("create", err, slog.String("experiment_id", exp.ID))
		return nil, fmt.Errorf("create experiment %s: %w", exp.ID, err)
	}
	if !created {
		return nil, &ValidationError{Field: "id", Reason: "experiment " + exp.ID + " already exists"}
	}
	if err := e.shared.Set(ctx, statusPrefix+exp.ID, []byte(StatusRunning), 0); err != nil {
		e.reporter.Report("create", err, slog.String("experiment_id", exp.ID))
		return nil, fmt.Errorf("create experiment %s: %w", exp.ID, err)
	}

	e.mu.Lock()
	e.defs[exp.ID] = &exp
	e.mu.Unlock()

	e.logger.Info("experiment created",
		slog.String("experiment_id", exp.ID),
		slog.String("name", exp.Name),
		slog.Any("variants", exp.Variants))
	out := exp
	return &out, nil
}

// definition returns the immutable part of an experiment, cached locally.
func (e *Engine) definition(ctx context.Context, id string) (*Experiment, error) {
	e.mu.RLock()
	exp, ok := e.defs[id]
	e.mu.RUnlock()
	if ok {
		return exp, nil
	}

	raw, err := e.shared.Get(ctx, defPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load experiment %s: %w", id, err)
	}
	exp = &Experiment{}
	if err := json.Unmarshal(raw, exp); err != nil {
		return nil, fmt.Errorf("decode experiment %s: %w", id, err)
	}

	e.mu.Lock()
	e.defs[id] = exp
	e.mu.Unlock()
	return exp, nil
}

// status reads the live status of an experiment.
func (e *Engine) status(ctx context.Context, id string) (string, error) {
	raw, err := e.shared.Get(ctx, statusPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Get returns the experiment with its current status.
func (e *Engine) Get(ctx context.Context, id string) (*Experiment, error) {
	def, err := e.definition(ctx, id)
	if err != nil {
		return nil, err
	}
	status, err := e.status(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("experiment %s status: %w", id, err)
	}
	out := *def
	out.Status = status
	return &out, nil
}

// List returns the IDs of all stored experiments, sorted.
func (e *Engine) List(ctx context.Context) ([]string, error) {
	keys, err := e.shared.Keys(ctx, defPrefix)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, defPrefix))
	}
	return ids, nil
}

// SetStatus moves an experiment to running, paused or completed.
func (e *Engine) SetStatus(ctx context.Context, id, status string) error {
	switch status {
	case StatusRunning, StatusPaused, StatusCompleted:
	default:
		return &ValidationError{Field: "status", Reason: "unknown status " + status}
	}
	if _, err := e.definition(ctx, id); err != nil {
		return err
	}
	if err := e.shared.Set(ctx, statusPrefix+id, []byte(status), 0); err != nil {
		e.reporter.Report("set_status", err, slog.String("experiment_id", id))
		return fmt.Errorf("set status %s: %w", id, err)
	}
	e.logger.Info("experiment status changed",
		slog.String("experiment_id", id),
		slog.String("status", status))
	return nil
}

// Assign returns the variant for userID in exp.
//
// The bucket is xxhash("{user}:{experiment}") mod Buckets; variants own
// consecutive bucket ranges in declared order, sized by their split.
func Assign(exp *Experiment, userID string) string {
	if len(exp.Variants) == 0 {
		return ""
	}
	bucket := float64(xxhash.Sum64String(userID+":"+exp.ID) % Buckets)
	cumulative := 0.0
	for _, v := range exp.Variants {
		cumulative += exp.TrafficSplit[v] * Buckets
		if bucket < cumulative {
			return v
		}
	}
	// Split sums slightly under 1.0 leave a sliver for the last variant.
	return exp.Variants[len(exp.Variants)-1]
}

// AssignVariant returns the variant userID is assigned to in experiment id.
func (e *Engine) AssignVariant(ctx context.Context, userID, id string) (string, error) {
	exp, err := e.definition(ctx, id)
	if err != nil {
		return "", err
	}
	assignmentsTotal.Inc()
	return Assign(exp, userID), nil
}

// RecordOutcome stores one outcome for experiment id.
//
// Description:
//
//	Outcomes for experiments that are not running are dropped. Otherwise
//	the raw result is written with a ResultRetention TTL and the variant
//	aggregates are advanced with atomic increments.
//
// Outputs:
//
//	bool  - True if the outcome was recorded.
//	error - ErrNotFound, ErrUnknownVariant or a store error.
func (e *Engine) RecordOutcome(ctx context.Context, id string, o Outcome) (bool, error) {
	exp, err := e.definition(ctx, id)
	if err != nil {
		return false, err
	}
	if !exp.HasVariant(o.Variant) {
		return false, fmt.Errorf("%w: %s in %s", ErrUnknownVariant, o.Variant, id)
	}
	status, err := e.status(ctx, id)
	if err != nil {
		e.reporter.Report("record_outcome", err, slog.String("experiment_id", id))
		return false, fmt.Errorf("record outcome %s: %w", id, err)
	}
	if status != StatusRunning {
		outcomesTotal.WithLabelValues("ignored").Inc()
		return false, nil
	}

	res := Result{
		ID:           uuid.NewString(),
		ExperimentID: id,
		Variant:      o.Variant,
		UserID:       o.UserID,
		Success:      o.Success,
		LatencyMs:    float64(o.Latency) / float64(time.Millisecond),
		Metrics:      o.Metrics,
		Timestamp:    e.cfg.Clock.Now().UTC(),
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("encode result: %w", err)
	}
	// The result row and its aggregates land together or not at all, so
	// count never runs ahead of successes.
	b := new(store.Batch).
		Set(resultPrefix+id+":"+res.ID, raw, e.cfg.ResultRetention).
		IncrBy(aggKey(id, o.Variant, fieldCount), 1)
	if o.Success {
		b.IncrBy(aggKey(id, o.Variant, fieldSuccess), 1)
	}
	if us := o.Latency.Microseconds(); us != 0 {
		b.IncrBy(aggKey(id, o.Variant, fieldLatency), us)
	}
	if err := e.shared.Commit(ctx, b); err != nil {
		e.reporter.Report("record_outcome", err, slog.String("experiment_id", id))
		return false, fmt.Errorf("record outcome %s: %w", id, err)
	}

	e.latency.add(id, o.Variant, o.Latency)
	outcomesTotal.WithLabelValues("recorded").Inc()

	if e.cfg.Sink != nil {
		if err := e.cfg.Sink.WriteResult(ctx, res); err != nil {
			e.logger.Warn("experiment sink write failed",
				slog.String("experiment_id", id),
				slog.String("error", err.Error()))
		}
	}
	return true, nil
}

// GetStats computes per-variant success rates, mean latency and Wald
// confidence intervals at the experiment's confidence level.
func (e *Engine) GetStats(ctx context.Context, id string) (*Stats, error) {
	exp, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	z := zScores[exp.ConfidenceLevel]

	out := &Stats{
		ExperimentID:    id,
		Status:          exp.Status,
		ConfidenceLevel: exp.ConfidenceLevel,
		Variants:        make([]VariantStats, 0, len(exp.Variants)),
	}
	for _, v := range exp.Variants {
		var counts [3]int64
		for i, field := range []string{fieldCount, fieldSuccess, fieldLatency} {
			n, err := store.GetInt(ctx, e.shared, aggKey(id, v, field))
			if err != nil {
				return nil, fmt.Errorf("stats %s/%s: %w", id, v, err)
			}
			counts[i] = n
		}
		out.Variants = append(out.Variants, variantStats(v, counts[0], counts[1], counts[2], z))
	}
	return out, nil
}

// variantStats derives a VariantStats from raw aggregates.
func variantStats(variant string, count, successes, latencyMicros int64, z float64) VariantStats {
	vs := VariantStats{Variant: variant, Count: count, Successes: successes, CIUpper: 1}
	if count <= 0 {
		return vs
	}
	n := float64(count)
	p := float64(successes) / n
	lo, hi := WaldInterval(p, n, z)
	vs.SuccessRate = p
	vs.AvgLatencyMs = float64(latencyMicros) / n / 1000
	vs.CILower, vs.CIUpper = lo, hi
	return vs
}

// WaldInterval returns p ± z·sqrt(p(1−p)/n), clipped to [0,1].
func WaldInterval(p, n, z float64) (float64, float64) {
	if n <= 0 {
		return 0, 1
	}
	margin := z * math.Sqrt(p*(1-p)/n)
	return math.Max(0, p-margin), math.Min(1, p+margin)
}

// CompareLatency runs Welch's t-test on the locally observed latencies of
// two variants. Only outcomes recorded by this instance are included.
func (e *Engine) CompareLatency(ctx context.Context, id, variantA, variantB string) (*LatencyComparison, error) {
	exp, err := e.definition(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, v := range []string{variantA, variantB} {
		if !exp.HasVariant(v) {
			return nil, fmt.Errorf("%w: %s in %s", ErrUnknownVariant, v, id)
		}
	}
	a := e.latency.samples(id, variantA)
	b := e.latency.samples(id, variantB)
	return welch(a, b, 1-exp.ConfidenceLevel)
}
