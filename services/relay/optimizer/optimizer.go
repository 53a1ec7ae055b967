// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package optimizer periodically scans edge statistics for edges that keep
// failing and reports them as pruning candidates.
//
// The optimizer only observes. It never changes the topology or the
// statistics; each scan produces a Record that is logged, kept in a bounded
// in-memory history and optionally forwarded to a RecordSink.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianRelay/services/relay/stats"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "optimizer",
		Name:      "scans_total",
		Help:      "Optimizer scans by outcome",
	}, []string{"outcome"})

	candidatesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "optimizer",
		Name:      "pruning_candidates",
		Help:      "Pruning candidates found by the last successful scan",
	})
)

// =============================================================================
// Types
// =============================================================================

// ActionPrune marks an opportunity as a pruning candidate.
const ActionPrune = "prune_candidate"

// ValidationLogOnly is recorded on every Record: no change was applied.
const ValidationLogOnly = "log_only"

// Opportunity is one edge the scan flagged.
type Opportunity struct {
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	Dimension string  `json:"dimension,omitempty"`
	Attempts  int64   `json:"attempts"`
	Mean      float64 `json:"mean"`
	Action    string  `json:"action"`
}

// Record is the outcome of one scan.
type Record struct {
	Timestamp     time.Time     `json:"ts"`
	EdgesScanned  int           `json:"edges_scanned"`
	Opportunities []Opportunity `json:"opportunities"`
	Changes       []string      `json:"changes"`
	Validation    string        `json:"validation"`
	Duration      time.Duration `json:"duration_ns"`
}

// EdgeScanner lists edge statistics. *stats.Store satisfies it.
type EdgeScanner interface {
	Scan(ctx context.Context) ([]stats.EdgeRecord, error)
}

// RecordSink receives every Record. Errors are logged and ignored.
type RecordSink interface {
	WriteOptimization(ctx context.Context, r Record) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures an Optimizer.
type Config struct {
	// Interval between successful scans. Default: 1h.
	Interval time.Duration

	// Backoff after a failed scan. Default: 60s.
	Backoff time.Duration

	// MinAttempts: edges need strictly more attempts than this. Default: 10.
	MinAttempts int64

	// MaxMean: edges need a posterior mean strictly below this. Default: 0.2.
	MaxMean float64

	// HistoryLimit caps the in-memory history. Default: 100.
	HistoryLimit int

	// Sink optionally receives every Record.
	Sink RecordSink

	// Clock stamps records. Default: wall clock.
	Clock store.Clock

	// Logger. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Hour,
		Backoff:      60 * time.Second,
		MinAttempts:  10,
		MaxMean:      0.2,
		HistoryLimit: 100,
	}
}

// =============================================================================
// Optimizer
// =============================================================================

// Optimizer runs periodic scans in a background goroutine.
//
// Thread Safety: Safe for concurrent use. Start/Stop may be called from
// any goroutine.
type Optimizer struct {
	scanner EdgeScanner
	cfg     Config
	logger  *slog.Logger

	histMu  sync.RWMutex
	history []Record

	runMu   sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// New creates an Optimizer. Zero config fields take DefaultConfig values.
func New(scanner EdgeScanner, cfg Config) *Optimizer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MinAttempts <= 0 {
		cfg.MinAttempts = def.MinAttempts
	}
	if cfg.MaxMean <= 0 {
		cfg.MaxMean = def.MaxMean
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = store.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Optimizer{
		scanner: scanner,
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "optimizer")),
	}
}

// RunOnce performs a single scan and appends its Record to the history.
//
// Description:
//
//	Flags every edge with attempts > MinAttempts and mean < MaxMean. A
//	panic inside the scan is recovered and returned as an error. Failed
//	scans leave the history untouched.
func (o *Optimizer) RunOnce(ctx context.Context) (rec Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("optimizer scan panicked: %v", r)
			o.logger.Error("optimizer scan panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		if err != nil {
			scansTotal.WithLabelValues("error").Inc()
		}
	}()

	start := time.Now()
	records, err := o.scanner.Scan(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("optimizer scan: %w", err)
	}

	rec = Record{
		Timestamp:     o.cfg.Clock.Now().UTC(),
		EdgesScanned:  len(records),
		Opportunities: []Opportunity{},
		Changes:       []string{},
		Validation:    ValidationLogOnly,
	}
	for _, r := range records {
		attempts := r.Stats.Attempts()
		mean := r.Stats.Mean()
		if attempts > o.cfg.MinAttempts && mean < o.cfg.MaxMean {
			rec.Opportunities = append(rec.Opportunities, Opportunity{
				Source:    r.Key.Source,
				Target:    r.Key.Target,
				Dimension: r.Key.Dimension,
				Attempts:  attempts,
				Mean:      mean,
				Action:    ActionPrune,
			})
		}
	}
	rec.Duration = time.Since(start)

	o.append(rec)
	scansTotal.WithLabelValues("ok").Inc()
	candidatesGauge.Set(float64(len(rec.Opportunities)))

	for _, op := range rec.Opportunities {
		o.logger.Warn("edge flagged as pruning candidate",
			slog.String("source", op.Source),
			slog.String("target", op.Target),
			slog.Int64("attempts", op.Attempts),
			slog.Float64("mean", op.Mean))
	}
	o.logger.Info("optimizer scan complete",
		slog.Int("edges", rec.EdgesScanned),
		slog.Int("candidates", len(rec.Opportunities)),
		slog.Duration("duration", rec.Duration))

	if o.cfg.Sink != nil {
		if err := o.cfg.Sink.WriteOptimization(ctx, rec); err != nil {
			o.logger.Warn("optimizer sink write failed", slog.String("error", err.Error()))
		}
	}
	return rec, nil
}

func (o *Optimizer) append(rec Record) {
	o.histMu.Lock()
	defer o.histMu.Unlock()
	o.history = append(o.history, rec)
	if over := len(o.history) - o.cfg.HistoryLimit; over > 0 {
		o.history = append(o.history[:0:0], o.history[over:]...)
	}
}

// History returns up to limit of the most recent records, oldest first.
// A limit <= 0 returns the whole history.
func (o *Optimizer) History(limit int) []Record {
	o.histMu.RLock()
	defer o.histMu.RUnlock()
	from := 0
	if limit > 0 && limit < len(o.history) {
		from = len(o.history) - limit
	}
	return append([]Record(nil), o.history[from:]...)
}

// Start launches the scan loop. The first scan runs immediately.
//
// Outputs:
//
//	error - Non-nil if the loop is already running.
func (o *Optimizer) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return fmt.Errorf("optimizer is already running")
	}
	o.running = true
	o.done = make(chan struct{})
	o.stopped = make(chan struct{})

	o.logger.Info("optimizer starting",
		slog.Duration("interval", o.cfg.Interval),
		slog.Duration("backoff", o.cfg.Backoff))
	go o.loop(ctx, o.done, o.stopped)
	return nil
}

// Stop ends the scan loop and waits for it to exit. Safe to call twice.
func (o *Optimizer) Stop() {
	o.runMu.Lock()
	if !o.running {
		o.runMu.Unlock()
		return
	}
	o.running = false
	close(o.done)
	stopped := o.stopped
	o.runMu.Unlock()
	<-stopped
}

func (o *Optimizer) loop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)

	for {
		wait := o.cfg.Interval
		if _, err := o.RunOnce(ctx); err != nil {
			o.logger.Error("optimizer scan failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("backoff", o.cfg.Backoff))
			wait = o.cfg.Backoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			o.logger.Info("optimizer stopped (context cancelled)")
			return
		case <-done:
			timer.Stop()
			o.logger.Info("optimizer stopped")
			return
		case <-timer.C:
		}
	}
}
