// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/bandit"
	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/experiment"
	"github.com/AleutianAI/AleutianRelay/services/relay/optimizer"
	"github.com/AleutianAI/AleutianRelay/services/relay/routecache"
	"github.com/AleutianAI/AleutianRelay/services/relay/stats"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/store/storetest"
	"github.com/AleutianAI/AleutianRelay/services/relay/strategy"
	"github.com/AleutianAI/AleutianRelay/services/relay/topology"
)

// =============================================================================
// Fixture
// =============================================================================

// scriptedExecutor fails the targets in failing and counts calls.
type scriptedExecutor struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   map[string]int
}

func newExecutor(failing ...string) *scriptedExecutor {
	e := &scriptedExecutor{failing: map[string]bool{}, calls: map[string]int{}}
	for _, f := range failing {
		e.failing[f] = true
	}
	return e
}

func (e *scriptedExecutor) Execute(_ context.Context, target string, _ *Request) (*ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[target]++
	if e.failing[target] {
		return nil, errors.New("downstream unavailable")
	}
	return &ExecResult{Success: true, Latency: 3 * time.Millisecond, Payload: "ok:" + target}, nil
}

func (e *scriptedExecutor) count(target string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[target]
}

type fixture struct {
	clock       *store.ManualClock
	shared      store.SharedStore
	graph       *topology.Graph
	stats       *stats.Store
	cache       *routecache.Cache
	breaker     *breaker.Breaker
	experiments *experiment.Engine
	dispatcher  *Dispatcher
}

func newFixture(t *testing.T, edges []topology.Edge, rules map[string]string, exec Executor) *fixture {
	t.Helper()
	clock := store.NewManualClock(time.Unix(1_700_000_000, 0))
	return newFixtureWithStore(t, store.NewMemoryStore(clock), clock, edges, rules, exec)
}

func newFixtureWithStore(t *testing.T, shared store.SharedStore, clock *store.ManualClock,
	edges []topology.Edge, rules map[string]string, exec Executor) *fixture {
	t.Helper()
	graph := topology.FromEdges(edges, nil)
	st := stats.New(shared, nil)
	cache := routecache.New(routecache.Config{Shared: shared, Graph: graph, Clock: clock})
	br := breaker.New(shared, breaker.Config{Clock: clock})
	exps := experiment.NewEngine(shared, experiment.Config{Clock: clock})
	stack := strategy.NewStack(nil,
		strategy.NewRuleMatcher(rules),
		strategy.NewSemanticScorer(strategy.SemanticConfig{}),
		strategy.NewGraphPathfinder(cache),
		strategy.NewFallback(graph, "", 7),
	)
	d, err := New(Config{
		Graph:       graph,
		Stats:       st,
		Stack:       stack,
		Selectors:   bandit.NewRegistry(st, bandit.Config{Seed: 11}),
		Executor:    exec,
		Cache:       cache,
		Breaker:     br,
		Experiments: exps,
		Clock:       clock,
	})
	require.NoError(t, err)
	return &fixture{
		clock:       clock,
		shared:      shared,
		graph:       graph,
		stats:       st,
		cache:       cache,
		breaker:     br,
		experiments: exps,
		dispatcher:  d,
	}
}

var chain = []topology.Edge{
	{Source: "A", Target: "B", Weight: 1},
	{Source: "B", Target: "C", Weight: 1},
}

var chainWithDetour = []topology.Edge{
	{Source: "A", Target: "B", Weight: 1},
	{Source: "B", Target: "C", Weight: 1},
	{Source: "A", Target: "D", Weight: 1.5},
	{Source: "D", Target: "C", Weight: 1.5},
}

// =============================================================================
// Scenarios
// =============================================================================

func TestRoute_RuleAlwaysWins(t *testing.T) {
	exec := newExecutor()
	f := newFixture(t, chain, map[string]string{"calculate": "math_agent"}, exec)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.NoError(t, f.stats.Update(ctx, stats.Edge("A", "B"), true))
	}

	for i := 0; i < 20; i++ {
		res, err := f.dispatcher.Route(ctx, &Request{Current: "A", Text: "please calculate 2+2"})
		require.NoError(t, err)
		assert.Equal(t, "math_agent", res.Target)
		assert.Equal(t, strategy.StageRule, res.Stage)
	}
	assert.Equal(t, 0, exec.count("B"))
}

func TestRoute_ChainPicksOnlyNeighbor(t *testing.T) {
	f := newFixture(t, chain, nil, newExecutor())

	res, err := f.dispatcher.Route(context.Background(), &Request{Current: "A", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Target)
	assert.Equal(t, strategy.StageFallback, res.Stage)
	assert.True(t, res.Success)
	assert.Equal(t, "ok:B", res.Payload)
	assert.NotEmpty(t, res.RequestID)
}

func TestRoute_FailuresShiftPathToDetour(t *testing.T) {
	f := newFixture(t, chainWithDetour, nil, newExecutor("C"))
	ctx := context.Background()

	before, err := f.dispatcher.Resolve(ctx, &Request{Current: "A", Goal: "C"})
	require.NoError(t, err)
	assert.Equal(t, "B", before.Target)
	assert.Equal(t, []string{"A", "B", "C"}, before.Path)

	for i := 0; i < 5; i++ {
		res, err := f.dispatcher.Route(ctx, &Request{Current: "B", Text: "continue"})
		var execErr *ExecutorError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, "C", execErr.Target)
		assert.False(t, res.Success)
	}

	w, ok := f.graph.Weight("B", "C")
	require.True(t, ok)
	assert.Greater(t, w, 2.4)

	after, err := f.dispatcher.Resolve(ctx, &Request{Current: "A", Goal: "C"})
	require.NoError(t, err)
	assert.Equal(t, "D", after.Target)
	assert.Equal(t, strategy.StagePath, after.Stage)
	assert.Equal(t, []string{"A", "D", "C"}, after.Path)

	st := f.stats.Stats(ctx, stats.Edge("B", "C"))
	assert.Equal(t, 6.0, st.Beta)
}

// =============================================================================
// Failure handling
// =============================================================================

func TestRoute_NoRouteFound(t *testing.T) {
	f := newFixture(t, chain, nil, newExecutor())
	_, err := f.dispatcher.Route(context.Background(), &Request{Current: "C", Text: "hello"})
	assert.ErrorIs(t, err, ErrNoRouteFound)
	assert.True(t, IsRetryable(err))

	_, err = f.dispatcher.Resolve(context.Background(), &Request{Current: "C"})
	assert.ErrorIs(t, err, ErrNoRouteFound)
}

func TestRoute_ExecutorPanicRecordedAsFailure(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, string, *Request) (*ExecResult, error) {
		panic("agent crashed")
	})
	f := newFixture(t, chain, nil, exec)
	ctx := context.Background()

	res, err := f.dispatcher.Route(ctx, &Request{Current: "A"})
	var execErr *ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Error(), "agent crashed")
	assert.False(t, res.Success)

	st := f.stats.Stats(ctx, stats.Edge("A", "B"))
	assert.Equal(t, 1.0, st.Alpha)
	assert.Equal(t, 2.0, st.Beta)
}

func TestRoute_UnsuccessfulResult(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, string, *Request) (*ExecResult, error) {
		return &ExecResult{Success: false, Payload: "refused"}, nil
	})
	f := newFixture(t, chain, nil, exec)

	res, err := f.dispatcher.Route(context.Background(), &Request{Current: "A"})
	assert.ErrorIs(t, err, ErrUnsuccessful)
	assert.Equal(t, "refused", res.Payload)
}

func TestRoute_SkipsOpenCircuit(t *testing.T) {
	edges := []topology.Edge{
		{Source: "A", Target: "B", Weight: 1},
		{Source: "A", Target: "D", Weight: 1},
	}
	exec := newExecutor()
	f := newFixture(t, edges, nil, exec)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.breaker.RecordFailure(ctx, "B")
	}
	for i := 0; i < 10; i++ {
		res, err := f.dispatcher.Route(ctx, &Request{Current: "A"})
		require.NoError(t, err)
		assert.Equal(t, "D", res.Target)
	}
	assert.Equal(t, 0, exec.count("B"))

	for i := 0; i < 5; i++ {
		f.breaker.RecordFailure(ctx, "D")
	}
	_, err := f.dispatcher.Route(ctx, &Request{Current: "A"})
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.True(t, IsRetryable(err))

	f.clock.Advance(30 * time.Second)
	_, err = f.dispatcher.Route(ctx, &Request{Current: "A"})
	assert.NoError(t, err, "circuits half-open after recovery timeout")
}

func TestRoute_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	exec := newExecutor("B")
	f := newFixture(t, chain, nil, exec)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.dispatcher.Route(ctx, &Request{Current: "A"})
		var execErr *ExecutorError
		require.ErrorAs(t, err, &execErr)
	}
	_, err := f.dispatcher.Route(ctx, &Request{Current: "A"})
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 5, exec.count("B"))
}

func TestRoute_FeedbackSurvivesCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := ExecutorFunc(func(context.Context, string, *Request) (*ExecResult, error) {
		cancel()
		return &ExecResult{Success: true}, nil
	})
	f := newFixture(t, chain, nil, exec)

	_, err := f.dispatcher.Route(ctx, &Request{Current: "A"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, f.stats.Stats(context.Background(), stats.Edge("A", "B")).Alpha)
}

func TestRoute_SharedStoreDownStillRoutes(t *testing.T) {
	clock := store.NewManualClock(time.Unix(1_700_000_000, 0))
	f := newFixtureWithStore(t, &storetest.Unavailable{}, clock, chain, nil, newExecutor())

	res, err := f.dispatcher.Route(context.Background(), &Request{Current: "A"})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Target)

	w, _ := f.graph.Weight("A", "B")
	assert.InDelta(t, 0.95, w, 1e-9, "local topology still learns")
}

// =============================================================================
// Feedback entry point
// =============================================================================

func TestRoute_RecordsFeedbackExactlyOnce(t *testing.T) {
	f := newFixture(t, chain, nil, newExecutor())
	ctx := context.Background()

	_, err := f.dispatcher.Route(ctx, &Request{Current: "A"})
	require.NoError(t, err)
	st := f.stats.Stats(ctx, stats.Edge("A", "B"))
	assert.Equal(t, int64(1), st.Attempts())
}

func TestRecordFeedback(t *testing.T) {
	f := newFixture(t, chainWithDetour, nil, newExecutor())
	ctx := context.Background()

	p, ok := f.cache.Path(ctx, "A", "C")
	require.True(t, ok)
	require.Equal(t, "B", p.NextHop())

	for i := 0; i < 5; i++ {
		require.NoError(t, f.dispatcher.RecordFeedback(ctx, "B", "C", false, time.Millisecond))
	}
	assert.Equal(t, 6.0, f.stats.Stats(ctx, stats.Edge("B", "C")).Beta)

	p, ok = f.cache.Path(ctx, "A", "C")
	require.True(t, ok)
	assert.Equal(t, "D", p.NextHop(), "cached route was invalidated")

	assert.ErrorIs(t, f.dispatcher.RecordFeedback(ctx, "", "C", true, 0), ErrInvalidEdge)
}

func TestRecordFeedback_RejectsMalformedNodeIDs(t *testing.T) {
	f := newFixture(t, chainWithDetour, nil, newExecutor())
	ctx := context.Background()
	aliased := stats.Edge("A", "B|C")
	before := f.stats.Stats(ctx, aliased)

	for _, edge := range [][2]string{
		{"A|B", "C"},
		{"A", "B|C"},
		{"A", "C:f"},
		{"math agent", "B"},
	} {
		err := f.dispatcher.RecordFeedback(ctx, edge[0], edge[1], false, time.Millisecond)
		assert.ErrorIs(t, err, ErrInvalidEdge, "%s -> %s", edge[0], edge[1])
	}

	assert.Equal(t, before, f.stats.Stats(ctx, aliased))
	p, ok := f.cache.Path(ctx, "A", "C")
	require.True(t, ok)
	assert.Equal(t, "B", p.NextHop())
}

// =============================================================================
// Experiments and history
// =============================================================================

func TestRoute_ExperimentVariantSelectsSelector(t *testing.T) {
	f := newFixture(t, chain, nil, newExecutor())
	ctx := context.Background()

	exp, err := f.experiments.Create(ctx, experiment.Experiment{
		Name:         "ucb-only",
		Variants:     []string{bandit.NameUCB1},
		TrafficSplit: map[string]float64{bandit.NameUCB1: 1},
	})
	require.NoError(t, err)

	res, err := f.dispatcher.Route(ctx, &Request{Current: "A", UserID: "u1", ExperimentID: exp.ID})
	require.NoError(t, err)
	assert.Equal(t, bandit.NameUCB1, res.Selector)
	assert.Equal(t, bandit.NameUCB1, res.Variant)

	st, err := f.dispatcher.RouteStats(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, st.Variants, 1)
	assert.Equal(t, int64(1), st.Variants[0].Count)
	assert.Equal(t, int64(1), st.Variants[0].Successes)
}

func TestRoute_UnknownExperimentFallsBackToHybrid(t *testing.T) {
	f := newFixture(t, chain, nil, newExecutor())
	res, err := f.dispatcher.Route(context.Background(), &Request{Current: "A", ExperimentID: "missing"})
	require.NoError(t, err)
	assert.Equal(t, bandit.NameHybrid, res.Selector)
	assert.Empty(t, res.Variant)
}

func TestOptimizationHistory(t *testing.T) {
	f := newFixture(t, chain, nil, newExecutor())
	assert.Empty(t, f.dispatcher.OptimizationHistory(10))

	opt := optimizer.New(f.stats, optimizer.Config{Clock: f.clock})
	d, err := New(Config{
		Graph:     f.graph,
		Stats:     f.stats,
		Stack:     strategy.NewStack(nil, strategy.NewFallback(f.graph, "", 1)),
		Selectors: bandit.NewRegistry(f.stats, bandit.Config{Seed: 1}),
		Executor:  newExecutor(),
		Optimizer: opt,
	})
	require.NoError(t, err)

	_, err = opt.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, d.OptimizationHistory(10), 1)

	_, err = d.RouteStats(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNew_RequiresCoreComponents(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestResolve_DoesNotRecord(t *testing.T) {
	exec := newExecutor()
	f := newFixture(t, chain, nil, exec)
	ctx := context.Background()

	r, err := f.dispatcher.Resolve(ctx, &Request{Current: "A", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "B", r.Target)
	assert.Equal(t, []string{"B"}, r.Candidates)

	assert.Equal(t, 0, exec.count("B"))
	assert.Equal(t, int64(0), f.stats.Stats(ctx, stats.Edge("A", "B")).Attempts())
}
