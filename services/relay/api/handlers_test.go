// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/bandit"
	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/dispatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/experiment"
	"github.com/AleutianAI/AleutianRelay/services/relay/routecache"
	"github.com/AleutianAI/AleutianRelay/services/relay/stats"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/store/storetest"
	"github.com/AleutianAI/AleutianRelay/services/relay/strategy"
	"github.com/AleutianAI/AleutianRelay/services/relay/topology"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router  *gin.Engine
	shared  *storetest.Switchable
	stats   *stats.Store
	breaker *breaker.Breaker
}

func newTestServer(t *testing.T, exec dispatch.Executor) *testServer {
	t.Helper()
	clock := store.NewManualClock(time.Unix(1_700_000_000, 0))
	shared := storetest.NewSwitchable(store.NewMemoryStore(clock))
	graph := topology.FromEdges([]topology.Edge{
		{Source: "A", Target: "B", Weight: 1},
		{Source: "B", Target: "C", Weight: 1},
	}, nil)
	st := stats.New(shared, nil)
	cache := routecache.New(routecache.Config{Shared: shared, Graph: graph, Clock: clock})
	br := breaker.New(shared, breaker.Config{Clock: clock})
	exps := experiment.NewEngine(shared, experiment.Config{Clock: clock})
	stack := strategy.NewStack(nil,
		strategy.NewRuleMatcher(map[string]string{"calculate": "math_agent"}),
		strategy.NewGraphPathfinder(cache),
		strategy.NewFallback(graph, "", 1),
	)
	if exec == nil {
		exec = dispatch.ExecutorFunc(func(context.Context, string, *dispatch.Request) (*dispatch.ExecResult, error) {
			return &dispatch.ExecResult{Success: true}, nil
		})
	}
	d, err := dispatch.New(dispatch.Config{
		Graph:       graph,
		Stats:       st,
		Stack:       stack,
		Selectors:   bandit.NewRegistry(st, bandit.Config{Seed: 3}),
		Executor:    exec,
		Cache:       cache,
		Breaker:     br,
		Experiments: exps,
		Clock:       clock,
	})
	require.NoError(t, err)

	h := NewHandlers(Deps{
		Dispatcher:  d,
		Shared:      shared,
		Experiments: exps,
		Breaker:     br,
		Cache:       cache,
	})
	return &testServer{
		router:  NewRouter("relay-test", h),
		shared:  shared,
		stats:   st,
		breaker: br,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/v1/relay/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, w).Status)

	s.shared.SetDown(true)
	w = s.do(t, http.MethodGet, "/v1/relay/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, w).Status)
}

func TestHandleResolve(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/v1/relay/resolve", dispatch.Request{Current: "A", Text: "please calculate"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[dispatch.Resolution](t, w)
	assert.Equal(t, "math_agent", res.Target)
	assert.Equal(t, strategy.StageRule, res.Stage)

	w = s.do(t, http.MethodPost, "/v1/relay/resolve", dispatch.Request{Current: "A", Goal: "C"})
	require.Equal(t, http.StatusOK, w.Code)
	res = decode[dispatch.Resolution](t, w)
	assert.Equal(t, "B", res.Target)
	assert.Equal(t, []string{"A", "B", "C"}, res.Path)
}

func TestHandleResolve_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/v1/relay/resolve", map[string]string{"text": "no current"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/relay/resolve", dispatch.Request{Current: "A", Goal: "B|C"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPost, "/v1/relay/resolve", dispatch.Request{Current: "C"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNoRoute, decode[ErrorResponse](t, w).Code)
}

func TestHandleRoute(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/v1/relay/route", dispatch.Request{Current: "A", Text: "hello"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[RouteResponse](t, w)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "B", resp.Result.Target)
	assert.True(t, resp.Result.Success)

	got := s.stats.Stats(context.Background(), stats.Edge("A", "B"))
	assert.Equal(t, 2.0, got.Alpha)
}

func TestHandleRoute_ExecutorFailureIsBadGateway(t *testing.T) {
	exec := dispatch.ExecutorFunc(func(context.Context, string, *dispatch.Request) (*dispatch.ExecResult, error) {
		return nil, errors.New("connection refused")
	})
	s := newTestServer(t, exec)

	w := s.do(t, http.MethodPost, "/v1/relay/route", dispatch.Request{Current: "A"})
	require.Equal(t, http.StatusBadGateway, w.Code)
	resp := decode[RouteResponse](t, w)
	assert.Contains(t, resp.Error, "connection refused")
	require.NotNil(t, resp.Result)
	assert.False(t, resp.Result.Success)
}

func TestHandleRoute_OpenCircuit(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.breaker.RecordFailure(ctx, "B")
	}

	w := s.do(t, http.MethodPost, "/v1/relay/route", dispatch.Request{Current: "A"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeCircuitOpen, decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodGet, "/v1/relay/breakers/B", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, breaker.StateOpen, decode[breaker.State](t, w).State)

	w = s.do(t, http.MethodPost, "/v1/relay/breakers/B/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/v1/relay/route", dispatch.Request{Current: "A"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleFeedback(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/v1/relay/feedback", FeedbackRequest{Source: "A", Target: "B", Success: false, LatencyMs: 12})
	require.Equal(t, http.StatusOK, w.Code)
	got := s.stats.Stats(context.Background(), stats.Edge("A", "B"))
	assert.Equal(t, 2.0, got.Beta)

	w = s.do(t, http.MethodPost, "/v1/relay/feedback", map[string]any{"source": "A"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleFeedback_RejectsMalformedNodeIDs(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	aliased := stats.Edge("A", "B|C")
	before := s.stats.Stats(ctx, aliased)

	for _, req := range []FeedbackRequest{
		{Source: "A|B", Target: "C"},
		{Source: "A", Target: "B|C"},
		{Source: "A", Target: "B:s"},
		{Source: "math agent", Target: "B"},
	} {
		w := s.do(t, http.MethodPost, "/v1/relay/feedback", req)
		require.Equal(t, http.StatusBadRequest, w.Code, "%s -> %s", req.Source, req.Target)
		assert.Equal(t, CodeInvalidRequest, decode[ErrorResponse](t, w).Code)
	}

	assert.Equal(t, before, s.stats.Stats(ctx, aliased))
	keys, err := s.shared.Keys(ctx, "stats:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBreakerEndpoints_RejectMalformedProvider(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.breaker.RecordFailure(ctx, "B")
	}

	for _, provider := range []string{"A|B", "B:open", "-B"} {
		w := s.do(t, http.MethodGet, "/v1/relay/breakers/"+provider, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, provider)

		w = s.do(t, http.MethodPost, "/v1/relay/breakers/"+provider+"/reset", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, provider)
	}

	st, err := s.breaker.State(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, st.State)
}

func TestExperimentLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/v1/relay/experiments", experiment.Experiment{
		Name:         "selector shootout",
		Variants:     []string{bandit.NameHybrid, bandit.NameUCB1},
		TrafficSplit: map[string]float64{bandit.NameHybrid: 0.5, bandit.NameUCB1: 0.5},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[experiment.Experiment](t, w)
	require.NotEmpty(t, created.ID)

	for i := 0; i < 10; i++ {
		w = s.do(t, http.MethodPost, "/v1/relay/route", dispatch.Request{
			Current: "A", UserID: "user-" + string(rune('a'+i)), ExperimentID: created.ID,
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w = s.do(t, http.MethodGet, "/v1/relay/experiments/"+created.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[experiment.Stats](t, w)
	var total int64
	for _, v := range st.Variants {
		total += v.Count
	}
	assert.Equal(t, int64(10), total)

	w = s.do(t, http.MethodGet, "/v1/relay/experiments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.ID)

	w = s.do(t, http.MethodPut, "/v1/relay/experiments/"+created.ID+"/status", StatusRequest{Status: experiment.StatusPaused})
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/v1/relay/experiments/"+created.ID, nil)
	assert.Equal(t, experiment.StatusPaused, decode[experiment.Experiment](t, w).Status)
}

func TestExperimentErrors(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/v1/relay/experiments", experiment.Experiment{
		Name:         "bad split",
		Variants:     []string{"a", "b"},
		TrafficSplit: map[string]float64{"a": 0.3, "b": 0.3},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "TrafficSplit", decode[ErrorResponse](t, w).Details)

	w = s.do(t, http.MethodGet, "/v1/relay/experiments/missing/stats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/v1/relay/experiments/missing/latency", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleOptimizerHistory(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/v1/relay/optimizer/history?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"history":[]}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/relay/optimizer/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/v1/relay/cache/precompute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"routes":3}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/relay/cache/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
