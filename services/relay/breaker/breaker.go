// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements a circuit breaker whose state lives in the
// SharedStore, so every relay instance sees the same circuit.
//
// Per provider, two keys are used:
//
//	breaker:{provider}:failures  counter, created with TTL = FailureWindow
//	breaker:{provider}:open      open marker holding open_until, TTL = RecoveryTimeout
//
// CLOSED -> OPEN when the failure counter reaches FailureThreshold. The
// marker is written with SetNX, so concurrent trips agree on a single
// open_until. Once open_until passes the marker is ignored (and expires),
// which is the implicit half-open state: the next call goes through and
// its outcome decides what happens next. All transitions are evaluated
// lazily on access; there are no timers.
//
// If the shared store is unreachable the breaker fails open and never
// blocks traffic.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// =============================================================================
// Errors
// =============================================================================

// ErrOpen is matched by every *OpenError.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError reports an open circuit.
type OpenError struct {
	Provider  string
	OpenUntil time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s until %s", e.Provider, e.OpenUntil.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrOpen) true.
func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// =============================================================================
// Metrics
// =============================================================================

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"provider", "state"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "breaker",
		Name:      "rejections_total",
		Help:      "Calls rejected by an open circuit",
	}, []string{"provider"})
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the failure count that opens the circuit. Default: 5.
	FailureThreshold int64

	// FailureWindow is the lifetime of the failure counter. Default: 60s.
	FailureWindow time.Duration

	// RecoveryTimeout is how long the circuit stays open. Default: 30s.
	RecoveryTimeout time.Duration

	// Clock evaluates open_until. Default: wall clock.
	Clock store.Clock

	// Logger. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		RecoveryTimeout:  30 * time.Second,
	}
}

// State names.
const (
	StateClosed = "closed"
	StateOpen   = "open"
)

// State is a provider's breaker state for introspection.
type State struct {
	Provider  string     `json:"provider"`
	State     string     `json:"state"`
	Failures  int64      `json:"failures"`
	OpenUntil *time.Time `json:"open_until,omitempty"`
}

// =============================================================================
// Breaker
// =============================================================================

// Breaker is a distributed per-provider circuit breaker.
//
// Thread Safety: Safe for concurrent use across goroutines and instances.
type Breaker struct {
	shared   store.SharedStore
	cfg      Config
	reporter *store.Reporter
	logger   *slog.Logger
}

// New creates a Breaker. Zero config fields take DefaultConfig values.
func New(shared store.SharedStore, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = store.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		shared:   shared,
		cfg:      cfg,
		reporter: store.NewReporter("breaker", cfg.Logger),
		logger:   cfg.Logger,
	}
}

func failuresKey(provider string) string { return "breaker:" + provider + ":failures" }
func openKey(provider string) string     { return "breaker:" + provider + ":open" }

// openUntil returns the live open deadline for provider, if any.
func (b *Breaker) openUntil(ctx context.Context, provider string) (time.Time, bool, error) {
	raw, err := b.shared.Get(ctx, openKey(provider))
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ns, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	until := time.Unix(0, ns)
	if !b.cfg.Clock.Now().Before(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Check returns an *OpenError if the circuit for provider is open.
//
// Description:
//
//	Returns nil when the circuit is closed, when open_until has passed
//	(half-open), or when the shared store cannot be read.
func (b *Breaker) Check(ctx context.Context, provider string) error {
	until, open, err := b.openUntil(ctx, provider)
	if err != nil {
		b.reporter.Report("check", err, slog.String("provider", provider))
		return nil
	}
	if !open {
		return nil
	}
	rejectionsTotal.WithLabelValues(provider).Inc()
	return &OpenError{Provider: provider, OpenUntil: until}
}

// RecordFailure counts a failure and opens the circuit at the threshold.
//
// Description:
//
//	Increments the windowed failure counter (the window TTL is set on the
//	first failure). When the count reaches FailureThreshold, writes the
//	open marker with open_until = now + RecoveryTimeout via SetNX and
//	resets the counter.
//
// Outputs:
//
//	bool - True if this call opened the circuit.
func (b *Breaker) RecordFailure(ctx context.Context, provider string) bool {
	// The counter is created with its TTL in one write. IncrBy keeps it,
	// so a failed follow-up call can never leave an immortal counter.
	created, err := b.shared.SetNX(ctx, failuresKey(provider), []byte("0"), b.cfg.FailureWindow)
	if err != nil {
		b.reporter.Report("record_failure", err, slog.String("provider", provider))
		return false
	}
	n, err := b.shared.IncrBy(ctx, failuresKey(provider), 1)
	if err != nil {
		b.reporter.Report("record_failure", err, slog.String("provider", provider))
		return false
	}
	if n == 1 && !created {
		// The window lapsed between SetNX and IncrBy.
		if _, err := b.shared.Expire(ctx, failuresKey(provider), b.cfg.FailureWindow); err != nil {
			b.reporter.Report("record_failure", err, slog.String("provider", provider))
		}
	}
	if n < b.cfg.FailureThreshold {
		return false
	}

	until := b.cfg.Clock.Now().Add(b.cfg.RecoveryTimeout)
	opened, err := b.shared.SetNX(ctx, openKey(provider),
		strconv.AppendInt(nil, until.UnixNano(), 10), b.cfg.RecoveryTimeout)
	if err != nil {
		b.reporter.Report("open", err, slog.String("provider", provider))
		return false
	}
	if err := b.shared.Delete(ctx, failuresKey(provider)); err != nil {
		b.reporter.Report("open", err, slog.String("provider", provider))
	}
	if opened {
		transitionsTotal.WithLabelValues(provider, StateOpen).Inc()
		b.logger.Warn("circuit breaker opened",
			slog.String("provider", provider),
			slog.Int64("failures", n),
			slog.Time("open_until", until))
	}
	return opened
}

// RecordSuccess clears the failure counter for provider.
//
// An existing open marker is left alone; only Reset or expiry clears it.
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) {
	if err := b.shared.Delete(ctx, failuresKey(provider)); err != nil {
		b.reporter.Report("record_success", err, slog.String("provider", provider))
	}
}

// Reset closes the circuit for provider immediately.
func (b *Breaker) Reset(ctx context.Context, provider string) error {
	if err := b.shared.Delete(ctx, openKey(provider), failuresKey(provider)); err != nil {
		b.reporter.Report("reset", err, slog.String("provider", provider))
		return fmt.Errorf("reset breaker %s: %w", provider, err)
	}
	transitionsTotal.WithLabelValues(provider, StateClosed).Inc()
	b.logger.Info("circuit breaker reset", slog.String("provider", provider))
	return nil
}

// State returns the current state of provider's circuit.
func (b *Breaker) State(ctx context.Context, provider string) (State, error) {
	until, open, err := b.openUntil(ctx, provider)
	if err != nil {
		return State{}, fmt.Errorf("breaker state %s: %w", provider, err)
	}
	failures, err := store.GetInt(ctx, b.shared, failuresKey(provider))
	if err != nil {
		return State{}, fmt.Errorf("breaker state %s: %w", provider, err)
	}
	st := State{Provider: provider, State: StateClosed, Failures: failures}
	if open {
		st.State = StateOpen
		st.OpenUntil = &until
	}
	return st, nil
}
