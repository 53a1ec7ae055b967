// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lookups counts route lookups by outcome.
	// Labels: result (local, shared, miss)
	lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "routecache",
		Name:      "lookups_total",
		Help:      "Route cache lookups by tier hit or miss",
	}, []string{"result"})

	invalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "routecache",
		Name:      "invalidations_total",
		Help:      "Edge invalidations applied to the route cache",
	})

	// staleFills counts computed routes discarded because an invalidation
	// ran while they were being written.
	staleFills = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "routecache",
		Name:      "stale_fills_total",
		Help:      "Route fills discarded after racing an invalidation",
	})

	precomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "routecache",
		Name:      "precompute_seconds",
		Help:      "All-pairs route precompute duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)
