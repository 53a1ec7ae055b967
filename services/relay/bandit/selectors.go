// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bandit

import (
	"context"
	"math"
	"sync"
)

// =============================================================================
// Epsilon-Greedy (adaptive)
// =============================================================================

const (
	// EpsilonStart is the exploration rate for a fresh principal.
	EpsilonStart = 0.3

	// EpsilonFloor is the minimum exploration rate.
	EpsilonFloor = 0.05

	// EpsilonDecay is the per-selection multiplicative decay.
	EpsilonDecay = 0.99
)

// Epsilon returns the exploration rate after n selections for a principal:
// max(EpsilonFloor, EpsilonStart * EpsilonDecay^n).
func Epsilon(n int64) float64 {
	return math.Max(EpsilonFloor, EpsilonStart*math.Pow(EpsilonDecay, float64(n)))
}

// EpsilonGreedy explores uniformly with a decaying probability, otherwise
// exploits the candidate with the highest posterior mean.
//
// Description:
//
//	The decay counter is per instance and per principal. It is not
//	shared across relay instances; divergence only changes the local
//	exploration rate.
//
// Thread Safety: Safe for concurrent use.
type EpsilonGreedy struct {
	src StatsSource
	rng *Rand

	mu       sync.Mutex
	attempts map[string]int64
}

// NewEpsilonGreedy creates an adaptive epsilon-greedy selector.
func NewEpsilonGreedy(src StatsSource, rng *Rand) *EpsilonGreedy {
	return &EpsilonGreedy{src: src, rng: rng, attempts: make(map[string]int64)}
}

// Name implements Selector.
func (e *EpsilonGreedy) Name() string { return NameEpsilon }

// CurrentEpsilon returns the exploration rate the next selection for
// principal will use.
func (e *EpsilonGreedy) CurrentEpsilon(principal string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Epsilon(e.attempts[principal])
}

// Select implements Selector.
func (e *EpsilonGreedy) Select(ctx context.Context, principal string, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	e.mu.Lock()
	n := e.attempts[principal]
	e.attempts[principal] = n + 1
	e.mu.Unlock()

	selectionsTotal.WithLabelValues(NameEpsilon).Inc()
	if e.rng.Float64() < Epsilon(n) {
		return candidates[e.rng.IntN(len(candidates))], true
	}

	posts := loadStats(ctx, e.src, principal, candidates)
	best := 0
	for i := 1; i < len(posts); i++ {
		if posts[i].Mean() > posts[best].Mean() {
			best = i
		}
	}
	return candidates[best], true
}

// =============================================================================
// Thompson Sampling
// =============================================================================

// Thompson samples each candidate's Beta posterior and picks the highest.
//
// Thread Safety: Safe for concurrent use.
type Thompson struct {
	src StatsSource
	rng *Rand
}

// NewThompson creates a Thompson sampling selector.
func NewThompson(src StatsSource, rng *Rand) *Thompson {
	return &Thompson{src: src, rng: rng}
}

// Name implements Selector.
func (t *Thompson) Name() string { return NameThompson }

// Select implements Selector.
func (t *Thompson) Select(ctx context.Context, principal string, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	selectionsTotal.WithLabelValues(NameThompson).Inc()

	posts := loadStats(ctx, t.src, principal, candidates)
	best, bestSample := 0, -1.0
	for i, p := range posts {
		s := t.rng.Beta(p.Alpha, p.Beta)
		if s > bestSample {
			best, bestSample = i, s
		}
	}
	return candidates[best], true
}

// =============================================================================
// UCB1
// =============================================================================

// UCB1 scores mean + sqrt(2 ln(total) / n) and picks the highest.
//
// Description:
//
//	An unseen candidate (n = 0) scores +Inf, so every arm is tried once
//	before any bonus comparison. Ties keep candidate order. UCB1 is
//	deterministic given the statistics.
//
// Thread Safety: Safe for concurrent use.
type UCB1 struct {
	src StatsSource
}

// NewUCB1 creates a UCB1 selector.
func NewUCB1(src StatsSource) *UCB1 {
	return &UCB1{src: src}
}

// Name implements Selector.
func (u *UCB1) Name() string { return NameUCB1 }

// Scores returns the UCB1 score of each candidate, aligned with candidates.
func (u *UCB1) Scores(ctx context.Context, principal string, candidates []string) []float64 {
	posts := loadStats(ctx, u.src, principal, candidates)
	var total int64
	for _, p := range posts {
		total += p.Attempts()
	}

	scores := make([]float64, len(posts))
	for i, p := range posts {
		n := p.Attempts()
		if n == 0 {
			scores[i] = math.Inf(1)
			continue
		}
		scores[i] = p.Mean() + math.Sqrt(2*math.Log(float64(total))/float64(n))
	}
	return scores
}

// Select implements Selector.
func (u *UCB1) Select(ctx context.Context, principal string, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	selectionsTotal.WithLabelValues(NameUCB1).Inc()

	scores := u.Scores(ctx, principal, candidates)
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return candidates[best], true
}

// =============================================================================
// Hybrid Meta-Selector
// =============================================================================

const (
	// ColdThreshold is the attempt count below which Hybrid uses Thompson.
	ColdThreshold = 10

	// WarmThreshold is the attempt count above which Hybrid uses epsilon-greedy.
	WarmThreshold = 50
)

// Hybrid delegates by experience level of the principal's candidate edges.
//
// Description:
//
//	attempts = sum of observations over the candidate edges.
//
//	attempts < 10        Thompson
//	10 <= attempts <= 50 UCB1
//	attempts > 50        EpsilonGreedy (adaptive)
//
// Thread Safety: Safe for concurrent use.
type Hybrid struct {
	src      StatsSource
	thompson *Thompson
	ucb      *UCB1
	epsilon  *EpsilonGreedy
}

// NewHybrid creates a meta-selector over the given delegates.
func NewHybrid(src StatsSource, thompson *Thompson, ucb *UCB1, epsilon *EpsilonGreedy) *Hybrid {
	return &Hybrid{src: src, thompson: thompson, ucb: ucb, epsilon: epsilon}
}

// Name implements Selector.
func (h *Hybrid) Name() string { return NameHybrid }

// Regime returns the delegate name used for a given attempt count.
func Regime(attempts int64) string {
	switch {
	case attempts < ColdThreshold:
		return NameThompson
	case attempts <= WarmThreshold:
		return NameUCB1
	default:
		return NameEpsilon
	}
}

// Delegate returns the selector Hybrid would use for principal.
func (h *Hybrid) Delegate(ctx context.Context, principal string, candidates []string) Selector {
	var attempts int64
	for _, p := range loadStats(ctx, h.src, principal, candidates) {
		attempts += p.Attempts()
	}
	switch Regime(attempts) {
	case NameThompson:
		return h.thompson
	case NameUCB1:
		return h.ucb
	default:
		return h.epsilon
	}
}

// Select implements Selector.
func (h *Hybrid) Select(ctx context.Context, principal string, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	selectionsTotal.WithLabelValues(NameHybrid).Inc()
	return h.Delegate(ctx, principal, candidates).Select(ctx, principal, candidates)
}
