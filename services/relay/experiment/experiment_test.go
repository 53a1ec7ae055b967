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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/store/storetest"
)

func newEngine(t *testing.T) (*Engine, *store.ManualClock, *store.MemoryStore) {
	t.Helper()
	clock := store.NewManualClock(time.Unix(1_700_000_000, 0))
	shared := store.NewMemoryStore(clock)
	return NewEngine(shared, Config{Clock: clock}), clock, shared
}

func abExperiment() Experiment {
	return Experiment{
		Name:         "selector-bakeoff",
		Variants:     []string{"thompson", "ucb1"},
		TrafficSplit: map[string]float64{"thompson": 0.5, "ucb1": 0.5},
	}
}

type recordingSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *recordingSink) WriteResult(_ context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		exp   Experiment
		field string
	}{
		{
			name: "split under one",
			exp: Experiment{Name: "x", Variants: []string{"a", "b"},
				TrafficSplit: map[string]float64{"a": 0.3, "b": 0.3}, ConfidenceLevel: 0.95},
			field: "TrafficSplit",
		},
		{
			name: "split over one",
			exp: Experiment{Name: "x", Variants: []string{"a", "b"},
				TrafficSplit: map[string]float64{"a": 0.6, "b": 0.6}, ConfidenceLevel: 0.95},
			field: "TrafficSplit",
		},
		{
			name: "variant without share",
			exp: Experiment{Name: "x", Variants: []string{"a", "b"},
				TrafficSplit: map[string]float64{"a": 1.0}, ConfidenceLevel: 0.95},
			field: "TrafficSplit",
		},
		{
			name: "share for unknown variant",
			exp: Experiment{Name: "x", Variants: []string{"a"},
				TrafficSplit: map[string]float64{"a": 0.5, "z": 0.5}, ConfidenceLevel: 0.95},
			field: "TrafficSplit",
		},
		{
			name: "no variants",
			exp: Experiment{Name: "x",
				TrafficSplit: map[string]float64{"a": 1.0}, ConfidenceLevel: 0.95},
			field: "Variants",
		},
		{
			name: "duplicate variants",
			exp: Experiment{Name: "x", Variants: []string{"a", "a"},
				TrafficSplit: map[string]float64{"a": 1.0}, ConfidenceLevel: 0.95},
			field: "Variants",
		},
		{
			name: "unsupported confidence",
			exp: Experiment{Name: "x", Variants: []string{"a"},
				TrafficSplit: map[string]float64{"a": 1.0}, ConfidenceLevel: 0.8},
			field: "ConfidenceLevel",
		},
		{
			name: "missing name",
			exp: Experiment{Variants: []string{"a"},
				TrafficSplit: map[string]float64{"a": 1.0}, ConfidenceLevel: 0.95},
			field: "Name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.exp)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidate_AcceptsWithinTolerance(t *testing.T) {
	exp := Experiment{
		Name:            "x",
		Variants:        []string{"a", "b", "c"},
		TrafficSplit:    map[string]float64{"a": 0.333, "b": 0.333, "c": 0.333},
		ConfidenceLevel: 0.99,
	}
	assert.NoError(t, Validate(&exp))
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestCreate_PersistsRunning(t *testing.T) {
	e, clock, shared := newEngine(t)
	ctx := context.Background()

	exp, err := e.Create(ctx, abExperiment())
	require.NoError(t, err)
	assert.NotEmpty(t, exp.ID)
	assert.Equal(t, StatusRunning, exp.Status)
	assert.Equal(t, DefaultConfidenceLevel, exp.ConfidenceLevel)
	assert.True(t, clock.Now().Equal(exp.CreatedAt))

	other := NewEngine(shared, Config{Clock: clock})
	got, err := other.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, exp.Variants, got.Variants)
	assert.Equal(t, StatusRunning, got.Status)

	ids, err := other.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{exp.ID}, ids)
}

func TestCreate_RejectsInvalidSplit(t *testing.T) {
	e, _, shared := newEngine(t)
	_, err := e.Create(context.Background(), Experiment{
		Name:         "bad",
		Variants:     []string{"a", "b"},
		TrafficSplit: map[string]float64{"a": 0.3, "b": 0.3},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Zero(t, shared.Len(), "nothing persisted")
}

func TestCreate_DuplicateID(t *testing.T) {
	e, _, _ := newEngine(t)
	exp := abExperiment()
	exp.ID = "exp-1"

	_, err := e.Create(context.Background(), exp)
	require.NoError(t, err)
	_, err = e.Create(context.Background(), exp)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCreate_StoreUnavailable(t *testing.T) {
	e := NewEngine(&storetest.Unavailable{}, Config{})
	_, err := e.Create(context.Background(), abExperiment())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestGet_NotFound(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetStatus(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	exp, err := e.Create(ctx, abExperiment())
	require.NoError(t, err)

	require.NoError(t, e.SetStatus(ctx, exp.ID, StatusPaused))
	got, err := e.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	var verr *ValidationError
	assert.ErrorAs(t, e.SetStatus(ctx, exp.ID, "archived"), &verr)
	assert.ErrorIs(t, e.SetStatus(ctx, "missing", StatusPaused), ErrNotFound)
}

// =============================================================================
// Assignment
// =============================================================================

func TestAssign_Deterministic(t *testing.T) {
	e, _, shared := newEngine(t)
	ctx := context.Background()
	exp, err := e.Create(ctx, abExperiment())
	require.NoError(t, err)

	other := NewEngine(shared, Config{})
	for i := 0; i < 50; i++ {
		user := fmt.Sprintf("user-%d", i)
		first, err := e.AssignVariant(ctx, user, exp.ID)
		require.NoError(t, err)
		again, err := e.AssignVariant(ctx, user, exp.ID)
		require.NoError(t, err)
		remote, err := other.AssignVariant(ctx, user, exp.ID)
		require.NoError(t, err)
		assert.Equal(t, first, again)
		assert.Equal(t, first, remote, "assignment is instance independent")
	}
}

func TestAssign_FollowsSplit(t *testing.T) {
	exp := &Experiment{
		ID:           "split",
		Variants:     []string{"a", "b"},
		TrafficSplit: map[string]float64{"a": 0.8, "b": 0.2},
	}
	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		counts[Assign(exp, fmt.Sprintf("u%d", i))]++
	}
	assert.InDelta(t, 8000, counts["a"], 300)
	assert.InDelta(t, 2000, counts["b"], 300)
}

func TestAssign_SingleVariantAndZeroShare(t *testing.T) {
	only := &Experiment{ID: "one", Variants: []string{"a"}, TrafficSplit: map[string]float64{"a": 1}}
	assert.Equal(t, "a", Assign(only, "anyone"))

	skewed := &Experiment{ID: "skew", Variants: []string{"a", "b"},
		TrafficSplit: map[string]float64{"a": 0, "b": 1}}
	for i := 0; i < 100; i++ {
		assert.Equal(t, "b", Assign(skewed, fmt.Sprintf("u%d", i)))
	}
}

func TestAssignVariant_UnknownExperiment(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.AssignVariant(context.Background(), "u", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Outcomes and statistics
// =============================================================================

func TestRecordOutcome_AggregatesAndStats(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	exp, err := e.Create(ctx, abExperiment())
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		ok, err := e.RecordOutcome(ctx, exp.ID, Outcome{
			UserID:  fmt.Sprintf("u%d", i),
			Variant: "thompson",
			Success: i%5 != 0,
			Latency: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		require.True(t, ok)
	}

	st, err := e.GetStats(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, st.Variants, 2)

	a := st.Variants[0]
	assert.Equal(t, "thompson", a.Variant)
	assert.Equal(t, int64(100), a.Count)
	assert.Equal(t, int64(80), a.Successes)
	assert.InDelta(t, 0.8, a.SuccessRate, 1e-9)
	assert.InDelta(t, 10.0, a.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 0.8-1.96*0.04, a.CILower, 1e-9)
	assert.InDelta(t, 0.8+1.96*0.04, a.CIUpper, 1e-9)

	b := st.Variants[1]
	assert.Equal(t, int64(0), b.Count)
	assert.Equal(t, 0.0, b.CILower)
	assert.Equal(t, 1.0, b.CIUpper)
}

func TestRecordOutcome_IgnoredUnlessRunning(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	exp, err := e.Create(ctx, abExperiment())
	require.NoError(t, err)
	require.NoError(t, e.SetStatus(ctx, exp.ID, StatusCompleted))

	ok, err := e.RecordOutcome(ctx, exp.ID, Outcome{Variant: "ucb1", Success: true})
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := e.GetStats(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Variants[1].Count)
}

func TestRecordOutcome_UnknownVariant(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	exp, err := e.Create(ctx, abExperiment())
	require.NoError(t, err)

	_, err = e.RecordOutcome(ctx, exp.ID, Outcome{Variant: "epsilon"})
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestRecordOutcome_RawResultsExpire(t *testing.T) {
	e, clock, shared := newEngine(t)
	ctx := context.Background()
	exp, err := e.Create(ctx, abExperiment())
	require.NoError(t, err)

	_, err = e.RecordOutcome(ctx, exp.ID, Outcome{Variant: "ucb1", Success: true})
	require.NoError(t, err)

	keys, err := shared.Keys(ctx, resultPrefix+exp.ID+":")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	clock.Advance(DefaultResultRetention + time.Second)
	keys, err = shared.Keys(ctx, resultPrefix+exp.ID+":")
	require.NoError(t, err)
	assert.Empty(t, keys)

	st, err := e.GetStats(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Variants[1].Count, "aggregates outlive raw results")
}

func TestRecordOutcome_ConcurrentAcrossInstances(t *testing.T) {
	e, clock, shared := newEngine(t)
	ctx := context.Background()
	exp, err := e.Create(ctx, abExperiment())
	require.NoError(t, err)
	other := NewEngine(shared, Config{Clock: clock})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			eng := e
			if i%2 == 1 {
				eng = other
			}
			_, err := eng.RecordOutcome(ctx, exp.ID, Outcome{Variant: "thompson", Success: true})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	st, err := e.GetStats(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), st.Variants[0].Count)
	assert.Equal(t, int64(40), st.Variants[0].Successes)
}

func TestRecordOutcome_FailedWriteLeavesAggregatesUntouched(t *testing.T) {
	e, _, shared := newEngine(t)
	ctx := context.Background()
	exp, err := e.Create(ctx, abExperiment())
	require.NoError(t, err)

	// A corrupt success counter makes the batch fail after count and the
	// result row were queued ahead of it.
	successKey := aggKey(exp.ID, "thompson", fieldSuccess)
	require.NoError(t, shared.Set(ctx, successKey, []byte("garbage"), 0))

	ok, err := e.RecordOutcome(ctx, exp.ID, Outcome{
		Variant: "thompson",
		Success: true,
		Latency: 5 * time.Millisecond,
	})
	require.ErrorIs(t, err, store.ErrNotInteger)
	assert.False(t, ok)

	for _, field := range []string{fieldCount, fieldLatency} {
		n, err := store.GetInt(ctx, shared, aggKey(exp.ID, "thompson", field))
		require.NoError(t, err)
		assert.Zero(t, n, field)
	}
	keys, err := shared.Keys(ctx, resultPrefix+exp.ID+":")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, shared.Delete(ctx, successKey))
	_, err = e.RecordOutcome(ctx, exp.ID, Outcome{Variant: "thompson", Success: true})
	require.NoError(t, err)
	st, err := e.GetStats(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Variants[0].Count)
	assert.Equal(t, int64(1), st.Variants[0].Successes)
}

func TestRecordOutcome_StoreDownAfterStatusRead(t *testing.T) {
	clock := store.NewManualClock(time.Unix(1_700_000_000, 0))
	shared := &commitFailingStore{MemoryStore: store.NewMemoryStore(clock)}
	e := NewEngine(shared, Config{Clock: clock})
	ctx := context.Background()
	exp, err := e.Create(ctx, abExperiment())
	require.NoError(t, err)

	_, err = e.RecordOutcome(ctx, exp.ID, Outcome{Variant: "ucb1", Success: true})
	require.ErrorIs(t, err, store.ErrUnavailable)

	st, err := e.GetStats(ctx, exp.ID)
	require.NoError(t, err)
	assert.Zero(t, st.Variants[1].Count)
	assert.Zero(t, st.Variants[1].Successes)
}

// commitFailingStore serves reads and single-key writes but rejects
// every batch.
type commitFailingStore struct {
	*store.MemoryStore
}

func (s *commitFailingStore) Commit(context.Context, *store.Batch) error {
	return store.ErrUnavailable
}

func TestRecordOutcome_Sink(t *testing.T) {
	clock := store.NewManualClock(time.Unix(1_700_000_000, 0))
	sink := &recordingSink{}
	e := NewEngine(store.NewMemoryStore(clock), Config{Clock: clock, Sink: sink})
	ctx := context.Background()
	exp, err := e.Create(ctx, abExperiment())
	require.NoError(t, err)

	_, err = e.RecordOutcome(ctx, exp.ID, Outcome{UserID: "u1", Variant: "ucb1", Latency: 2 * time.Millisecond})
	require.NoError(t, err)

	require.Len(t, sink.results, 1)
	assert.Equal(t, exp.ID, sink.results[0].ExperimentID)
	assert.InDelta(t, 2.0, sink.results[0].LatencyMs, 1e-9)
}

func TestWaldInterval_Clipped(t *testing.T) {
	lo, hi := WaldInterval(0.99, 4, 2.58)
	assert.Less(t, lo, 0.99)
	assert.Equal(t, 1.0, hi)

	lo, hi = WaldInterval(0.01, 4, 1.645)
	assert.Equal(t, 0.0, lo)
	assert.Greater(t, hi, 0.01)

	lo, hi = WaldInterval(1, 50, 1.96)
	assert.Equal(t, 1.0, lo)
	assert.Equal(t, 1.0, hi)
}

func TestGetStats_UsesConfidenceLevel(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	exp := abExperiment()
	exp.ConfidenceLevel = 0.99
	created, err := e.Create(ctx, exp)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := e.RecordOutcome(ctx, created.ID, Outcome{Variant: "ucb1", Success: i%2 == 0})
		require.NoError(t, err)
	}
	st, err := e.GetStats(ctx, created.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5-2.58*0.05, st.Variants[1].CILower, 1e-9)
}

// =============================================================================
// Latency comparison
// =============================================================================

func TestCompareLatency(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	exp, err := e.Create(ctx, abExperiment())
	require.NoError(t, err)

	_, err = e.CompareLatency(ctx, exp.ID, "thompson", "ucb1")
	assert.ErrorIs(t, err, ErrInsufficientSamples)

	for i := 0; i < 40; i++ {
		jitter := time.Duration(i%5) * time.Millisecond
		_, err := e.RecordOutcome(ctx, exp.ID, Outcome{Variant: "thompson", Success: true, Latency: 10*time.Millisecond + jitter})
		require.NoError(t, err)
		_, err = e.RecordOutcome(ctx, exp.ID, Outcome{Variant: "ucb1", Success: true, Latency: 50*time.Millisecond + jitter})
		require.NoError(t, err)
	}

	cmp, err := e.CompareLatency(ctx, exp.ID, "thompson", "ucb1")
	require.NoError(t, err)
	assert.Equal(t, 40, cmp.SamplesA)
	assert.InDelta(t, 12.0, cmp.MeanAMs, 1e-9)
	assert.InDelta(t, 52.0, cmp.MeanBMs, 1e-9)
	assert.Less(t, cmp.TStatistic, 0.0)
	assert.True(t, cmp.Significant)
	assert.Less(t, cmp.PValue, 0.001)

	_, err = e.CompareLatency(ctx, exp.ID, "thompson", "nope")
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestWelch_SimilarSamplesNotSignificant(t *testing.T) {
	a := make([]time.Duration, 0, 30)
	b := make([]time.Duration, 0, 30)
	for i := 0; i < 30; i++ {
		a = append(a, time.Duration(10+i%7)*time.Millisecond)
		b = append(b, time.Duration(10+(i+3)%7)*time.Millisecond)
	}
	cmp, err := welch(a, b, 0.05)
	require.NoError(t, err)
	assert.False(t, cmp.Significant)

	_, err = welch([]time.Duration{1, 1}, []time.Duration{1, 1}, 0.05)
	assert.ErrorIs(t, err, ErrZeroVariance)
}

func TestSampleRing_KeepsNewest(t *testing.T) {
	tr := newLatencyTracker(3)
	for i := 1; i <= 5; i++ {
		tr.add("e", "v", time.Duration(i))
	}
	assert.Equal(t, []time.Duration{3, 4, 5}, tr.samples("e", "v"))
	assert.Nil(t, tr.samples("e", "other"))
}
