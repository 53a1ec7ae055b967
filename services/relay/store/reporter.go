// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var storeFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "store",
		Name:      "failures_total",
		Help:      "Shared store operations that failed and were recovered locally",
	},
	[]string{"component", "op"},
)

// Reporter records shared-store failures for a component.
//
// Description:
//
//	Every failure is counted. Logging is at Error level so an outage is
//	never silent, but rate-limited (one line per second, burst 5) so a
//	dead store does not flood the log on every request.
//
// Thread Safety: Safe for concurrent use.
type Reporter struct {
	component string
	logger    *slog.Logger
	limiter   *rate.Limiter
}

// NewReporter creates a Reporter for the named component.
// A nil logger uses slog.Default().
func NewReporter(component string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		component: component,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Report records a failed operation. ErrNotFound is not a failure and is
// ignored. Returns true if err was reported.
func (r *Reporter) Report(op string, err error, attrs ...any) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	storeFailures.WithLabelValues(r.component, op).Inc()
	if r.limiter.Allow() {
		args := append([]any{
			slog.String("component", r.component),
			slog.String("op", op),
			slog.String("error", err.Error()),
		}, attrs...)
		r.logger.Error("shared store failure, recovering locally", args...)
	}
	return true
}
