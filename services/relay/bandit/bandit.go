// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bandit implements multi-armed bandit selectors over edge
// statistics.
//
// A selector picks one target among candidate edges leaving a principal
// (the current node). Selectors are read-only over the statistics: they
// never record outcomes, the Dispatcher does.
//
//	EpsilonGreedy  explore with decaying probability, else exploit the best mean
//	Thompson       sample each Beta posterior, pick the highest sample
//	UCB1           mean + sqrt(2 ln N / n), unseen arms first
//	Hybrid         Thompson when cold, UCB1 while warming, epsilon when warm
//
// An empty candidate set yields ok=false; the caller supplies a fallback.
package bandit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianRelay/services/relay/stats"
)

// Selector names, used to address selectors from experiment variants.
const (
	NameHybrid   = "hybrid"
	NameThompson = "thompson"
	NameUCB1     = "ucb1"
	NameEpsilon  = "epsilon"
)

var selectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "bandit",
		Name:      "selections_total",
		Help:      "Bandit selections by selector and regime",
	},
	[]string{"selector"},
)

// StatsSource provides edge posteriors. *stats.Store satisfies it.
type StatsSource interface {
	Stats(ctx context.Context, key stats.EdgeKey) stats.EdgeStats
}

// Selector picks one candidate target for a principal.
type Selector interface {
	// Name returns the selector's registry name.
	Name() string

	// Select returns the chosen candidate, or ok=false if candidates is empty.
	Select(ctx context.Context, principal string, candidates []string) (target string, ok bool)
}

// =============================================================================
// Random Source
// =============================================================================

// Rand is a mutex-guarded random source shared by selectors.
//
// Thread Safety: Safe for concurrent use.
type Rand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRand creates a random source. A zero seed seeds from the clock.
func NewRand(seed uint64) *Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Rand{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Float64 returns a uniform value in [0, 1).
func (r *Rand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// IntN returns a uniform value in [0, n).
func (r *Rand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(n)
}

// Beta draws from Beta(alpha, beta).
func (r *Rand) Beta(alpha, beta float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	x := gamma(r.rng, alpha)
	y := gamma(r.rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// =============================================================================
// Registry
// =============================================================================

// Config configures the selector set.
type Config struct {
	// Seed seeds the shared random source. Zero seeds from the clock.
	Seed uint64

	// Rand overrides the random source. Takes precedence over Seed.
	Rand *Rand
}

// Registry holds one instance of each selector sharing a random source.
type Registry struct {
	Hybrid   *Hybrid
	Thompson *Thompson
	UCB1     *UCB1
	Epsilon  *EpsilonGreedy
}

// NewRegistry builds every selector over src.
func NewRegistry(src StatsSource, cfg Config) *Registry {
	rng := cfg.Rand
	if rng == nil {
		rng = NewRand(cfg.Seed)
	}
	thompson := NewThompson(src, rng)
	ucb := NewUCB1(src)
	eps := NewEpsilonGreedy(src, rng)
	return &Registry{
		Hybrid:   NewHybrid(src, thompson, ucb, eps),
		Thompson: thompson,
		UCB1:     ucb,
		Epsilon:  eps,
	}
}

// Get returns a selector by name.
func (r *Registry) Get(name string) (Selector, bool) {
	switch name {
	case NameHybrid:
		return r.Hybrid, true
	case NameThompson:
		return r.Thompson, true
	case NameUCB1:
		return r.UCB1, true
	case NameEpsilon:
		return r.Epsilon, true
	default:
		return nil, false
	}
}

// Names returns every registered selector name.
func Names() []string {
	return []string{NameHybrid, NameThompson, NameUCB1, NameEpsilon}
}

// loadStats fetches posteriors for every candidate edge.
func loadStats(ctx context.Context, src StatsSource, principal string, candidates []string) []stats.EdgeStats {
	out := make([]stats.EdgeStats, len(candidates))
	for i, c := range candidates {
		out[i] = src.Stats(ctx, stats.Edge(principal, c))
	}
	return out
}
