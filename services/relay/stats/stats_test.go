// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/store/storetest"
)

func newStore() *Store {
	return New(store.NewMemoryStore(nil), nil)
}

func TestProbability_UnseenEdgeIsPrior(t *testing.T) {
	s := newStore()
	assert.Equal(t, 0.5, s.Probability(context.Background(), "a", "b"))
	assert.Equal(t, Prior, s.Stats(context.Background(), Edge("a", "b")))
}

func TestUpdate_IncrementsAlphaAndBeta(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	key := Edge("a", "b")

	require.NoError(t, s.Update(ctx, key, true))
	require.NoError(t, s.Update(ctx, key, true))
	require.NoError(t, s.Update(ctx, key, false))

	got := s.Stats(ctx, key)
	assert.Equal(t, 3.0, got.Alpha)
	assert.Equal(t, 2.0, got.Beta)
	assert.Equal(t, int64(3), got.Attempts())
	assert.InDelta(t, 0.6, got.Mean(), 1e-9)
}

func TestUpdate_AlphaBetaNeverBelowOne(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 200; i++ {
		key := Edge("src", []string{"x", "y", "z"}[rng.IntN(3)])
		require.NoError(t, s.Update(ctx, key, rng.IntN(2) == 0))
		st := s.Stats(ctx, key)
		assert.GreaterOrEqual(t, st.Alpha, 1.0)
		assert.GreaterOrEqual(t, st.Beta, 1.0)
	}
	assert.GreaterOrEqual(t, FromCounts(-5, -1).Alpha, 1.0)
}

func TestProbability_MonotoneInOutcomes(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	key := Edge("a", "b")

	prev := s.Probability(ctx, "a", "b")
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Update(ctx, key, true))
		p := s.Probability(ctx, "a", "b")
		assert.GreaterOrEqual(t, p, prev, "success must not lower probability")
		prev = p
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Update(ctx, key, false))
		p := s.Probability(ctx, "a", "b")
		assert.LessOrEqual(t, p, prev, "failure must not raise probability")
		prev = p
	}
}

func TestUpdate_ConcurrentIsLossless(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	key := Edge("a", "b")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Update(ctx, key, i%4 != 0)
		}(i)
	}
	wg.Wait()

	st := s.Stats(ctx, key)
	assert.Equal(t, 76.0, st.Alpha)
	assert.Equal(t, 26.0, st.Beta)
}

func TestDimensionalKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	require.NoError(t, s.Update(ctx, EdgeKey{Source: "a", Target: "b", Dimension: "math"}, true))
	assert.Equal(t, Prior, s.Stats(ctx, Edge("a", "b")))
	assert.Equal(t, 2.0, s.Stats(ctx, EdgeKey{Source: "a", Target: "b", Dimension: "math"}).Alpha)
}

func TestStoreUnavailable_FallsBackToPrior(t *testing.T) {
	ctx := context.Background()
	s := New(&storetest.Unavailable{}, nil)

	assert.Equal(t, 0.5, s.Probability(ctx, "a", "b"))
	err := s.Update(ctx, Edge("a", "b"), true)
	assert.ErrorIs(t, err, store.ErrUnavailable)

	_, err = s.Scan(ctx)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	require.NoError(t, s.Update(ctx, Edge("a", "b"), true))
	require.NoError(t, s.Update(ctx, Edge("a", "b"), false))
	require.NoError(t, s.Update(ctx, Edge("a", "c"), false))
	require.NoError(t, s.Update(ctx, EdgeKey{Source: "a", Target: "c", Dimension: "d"}, true))

	records, err := s.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	byKey := make(map[EdgeKey]EdgeStats)
	for _, r := range records {
		byKey[r.Key] = r.Stats
	}
	assert.Equal(t, EdgeStats{Alpha: 2, Beta: 2}, byKey[Edge("a", "b")])
	assert.Equal(t, EdgeStats{Alpha: 1, Beta: 2}, byKey[Edge("a", "c")])
	assert.Equal(t, EdgeStats{Alpha: 2, Beta: 1}, byKey[EdgeKey{Source: "a", Target: "c", Dimension: "d"}])
}

func TestParseCounterKey(t *testing.T) {
	tests := []struct {
		raw  string
		key  EdgeKey
		idx  int
		want bool
	}{
		{"stats:a|b:s", Edge("a", "b"), 0, true},
		{"stats:a|b|dim:f", EdgeKey{Source: "a", Target: "b", Dimension: "dim"}, 1, true},
		{"stats:a:s", EdgeKey{}, 0, false},
		{"stats:a|b:x", EdgeKey{}, 0, false},
		{"other:a|b:s", EdgeKey{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			key, idx, ok := parseCounterKey(tt.raw)
			assert.Equal(t, tt.want, ok)
			if ok {
				assert.Equal(t, tt.key, key)
				assert.Equal(t, tt.idx, idx)
			}
		})
	}
}
