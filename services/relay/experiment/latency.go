// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"errors"
	"math"
	"sync"
	"time"
)

var (
	// ErrInsufficientSamples means a variant has fewer than two samples.
	ErrInsufficientSamples = errors.New("insufficient latency samples")

	// ErrZeroVariance means both variants have identical constant latency.
	ErrZeroVariance = errors.New("latency samples have zero variance")
)

// =============================================================================
// Local latency samples
// =============================================================================

// sampleRing is a bounded FIFO of latency samples.
type sampleRing struct {
	buf  []time.Duration
	next int
	full bool
}

func (r *sampleRing) add(d time.Duration) {
	r.buf[r.next] = d
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *sampleRing) values() []time.Duration {
	if !r.full {
		return append([]time.Duration(nil), r.buf[:r.next]...)
	}
	out := make([]time.Duration, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// latencyTracker keeps the most recent latencies per experiment variant.
//
// Thread Safety: Safe for concurrent use.
type latencyTracker struct {
	mu    sync.Mutex
	limit int
	rings map[string]*sampleRing
}

func newLatencyTracker(limit int) *latencyTracker {
	return &latencyTracker{limit: limit, rings: make(map[string]*sampleRing)}
}

func (t *latencyTracker) add(expID, variant string, d time.Duration) {
	key := expID + ":" + variant
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rings[key]
	if !ok {
		r = &sampleRing{buf: make([]time.Duration, t.limit)}
		t.rings[key] = r
	}
	r.add(d)
}

func (t *latencyTracker) samples(expID, variant string) []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rings[expID+":"+variant]
	if !ok {
		return nil
	}
	return r.values()
}

// =============================================================================
// Welch's t-test
// =============================================================================

// LatencyComparison is the result of comparing two variants' latencies.
type LatencyComparison struct {
	MeanAMs          float64 `json:"mean_a_ms"`
	MeanBMs          float64 `json:"mean_b_ms"`
	SamplesA         int     `json:"samples_a"`
	SamplesB         int     `json:"samples_b"`
	TStatistic       float64 `json:"t_statistic"`
	DegreesOfFreedom float64 `json:"degrees_of_freedom"`
	PValue           float64 `json:"p_value"`
	Significant      bool    `json:"significant"`
	Alpha            float64 `json:"alpha"`
}

// welch compares two latency samples without assuming equal variances.
func welch(a, b []time.Duration, alpha float64) (*LatencyComparison, error) {
	if len(a) < 2 || len(b) < 2 {
		return nil, ErrInsufficientSamples
	}
	meanA, varA := moments(a)
	meanB, varB := moments(b)
	na, nb := float64(len(a)), float64(len(b))

	qa, qb := varA/na, varB/nb
	se := math.Sqrt(qa + qb)
	if se == 0 {
		return nil, ErrZeroVariance
	}
	t := (meanA - meanB) / se
	df := (qa + qb) * (qa + qb) / (qa*qa/(na-1) + qb*qb/(nb-1))
	p := twoSidedP(math.Abs(t), df)

	ms := float64(time.Millisecond)
	return &LatencyComparison{
		MeanAMs:          meanA / ms,
		MeanBMs:          meanB / ms,
		SamplesA:         len(a),
		SamplesB:         len(b),
		TStatistic:       t,
		DegreesOfFreedom: df,
		PValue:           p,
		Significant:      p < alpha,
		Alpha:            alpha,
	}, nil
}

// moments returns the mean and unbiased sample variance.
func moments(xs []time.Duration) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := float64(x) - mean
		ss += d * d
	}
	return mean, ss / float64(len(xs)-1)
}

// twoSidedP approximates the two-sided p-value of a t statistic by mapping
// it onto the standard normal: z = t(1 - 1/(4df)) / sqrt(1 + t²/(2df)).
func twoSidedP(t, df float64) float64 {
	if df <= 0 || math.IsNaN(t) {
		return 1
	}
	z := t * (1 - 1/(4*df)) / math.Sqrt(1+t*t/(2*df))
	p := math.Erfc(z / math.Sqrt2)
	return math.Min(1, math.Max(0, p))
}
