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
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelay/pkg/validation"
	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/dispatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/experiment"
	"github.com/AleutianAI/AleutianRelay/services/relay/routecache"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNoRoute        = "NO_ROUTE"
	CodeCircuitOpen    = "CIRCUIT_OPEN"
	CodeExecutorFailed = "EXECUTOR_FAILED"
	CodeNotFound       = "NOT_FOUND"
	CodeNotConfigured  = "NOT_CONFIGURED"
	CodeConflict       = "CONFLICT"
	CodeInternal       = "INTERNAL"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// FeedbackRequest is the body of POST /feedback.
type FeedbackRequest struct {
	Source    string  `json:"source" binding:"required"`
	Target    string  `json:"target" binding:"required"`
	Success   bool    `json:"success"`
	LatencyMs float64 `json:"latency_ms" binding:"gte=0"`
}

// StatusRequest is the body of PUT /experiments/:id/status.
type StatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// RouteResponse wraps a routed turn, including failed ones.
type RouteResponse struct {
	Result *dispatch.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Deps are the components the handlers serve. Dispatcher and Shared are
// required; a nil optional component answers 501.
type Deps struct {
	Dispatcher  *dispatch.Dispatcher
	Shared      store.SharedStore
	Experiments *experiment.Engine
	Breaker     *breaker.Breaker
	Cache       *routecache.Cache
	Logger      *slog.Logger
}

// Handlers serves the relay API.
type Handlers struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandlers creates Handlers.
func NewHandlers(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{deps: deps, logger: logger.With(slog.String("component", "api"))}
}

func requestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

func notConfigured(c *gin.Context, what string) {
	c.JSON(http.StatusNotImplemented, ErrorResponse{Error: what + " is not configured", Code: CodeNotConfigured})
}

// validateTurn checks the node IDs a turn names.
func validateTurn(req *dispatch.Request) error {
	if req.Current == "" {
		return errors.New("current is required")
	}
	if err := validation.ValidateNodeID(req.Current); err != nil {
		return err
	}
	if req.Goal != "" {
		return validation.ValidateNodeID(req.Goal)
	}
	return nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Code: CodeInvalidRequest, Details: err.Error()})
}

// HandleHealth reports whether the shared store answers.
func (h *Handlers) HandleHealth(c *gin.Context) {
	if err := h.deps.Shared.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("health check: shared store unreachable", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Store: "unavailable"})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Store: "ok"})
}

// HandleResolve answers which hop a turn would take without executing it.
func (h *Handlers) HandleResolve(c *gin.Context) {
	var req dispatch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validateTurn(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.deps.Dispatcher.Resolve(c.Request.Context(), &req)
	if err != nil {
		h.writeRouteError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleRoute routes and executes one turn.
func (h *Handlers) HandleRoute(c *gin.Context) {
	var req dispatch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validateTurn(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.ID == "" {
		req.ID = requestID(c)
	}
	logger := h.logger.With(slog.String("request_id", req.ID))

	res, err := h.deps.Dispatcher.Route(c.Request.Context(), &req)
	var execErr *dispatch.ExecutorError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, RouteResponse{Result: res})
	case errors.As(err, &execErr):
		logger.Info("turn failed downstream", slog.String("target", execErr.Target), slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, RouteResponse{Result: res, Error: err.Error()})
	default:
		h.writeRouteError(c, err)
	}
}

func (h *Handlers) writeRouteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNoRouteFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeNoRoute})
	case errors.Is(err, breaker.ErrOpen):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: CodeCircuitOpen})
	default:
		h.logger.Error("routing failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeInternal})
	}
}

// HandleFeedback records an outcome observed outside Route.
func (h *Handlers) HandleFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validation.ValidateNodeIDs([]string{req.Source, req.Target}); err != nil {
		badRequest(c, err)
		return
	}
	latency := time.Duration(req.LatencyMs * float64(time.Millisecond))
	if err := h.deps.Dispatcher.RecordFeedback(c.Request.Context(), req.Source, req.Target, req.Success, latency); err != nil {
		if errors.Is(err, dispatch.ErrInvalidEdge) {
			badRequest(c, err)
			return
		}
		// The local weight and breaker were still updated.
		h.logger.Warn("feedback statistics not persisted", slog.String("error", err.Error()))
		c.JSON(http.StatusAccepted, gin.H{"recorded": true, "persisted": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true, "persisted": true})
}

// HandleListExperiments lists experiment IDs.
func (h *Handlers) HandleListExperiments(c *gin.Context) {
	if h.deps.Experiments == nil {
		notConfigured(c, "experiments")
		return
	}
	ids, err := h.deps.Experiments.List(c.Request.Context())
	if err != nil {
		h.writeExperimentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"experiments": ids})
}

// HandleCreateExperiment creates an experiment.
func (h *Handlers) HandleCreateExperiment(c *gin.Context) {
	if h.deps.Experiments == nil {
		notConfigured(c, "experiments")
		return
	}
	var exp experiment.Experiment
	if err := c.ShouldBindJSON(&exp); err != nil {
		badRequest(c, err)
		return
	}
	created, err := h.deps.Experiments.Create(c.Request.Context(), exp)
	if err != nil {
		h.writeExperimentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// HandleGetExperiment returns an experiment definition.
func (h *Handlers) HandleGetExperiment(c *gin.Context) {
	if h.deps.Experiments == nil {
		notConfigured(c, "experiments")
		return
	}
	exp, err := h.deps.Experiments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeExperimentError(c, err)
		return
	}
	c.JSON(http.StatusOK, exp)
}

// HandleSetExperimentStatus changes an experiment's status.
func (h *Handlers) HandleSetExperimentStatus(c *gin.Context) {
	if h.deps.Experiments == nil {
		notConfigured(c, "experiments")
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.deps.Experiments.SetStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
		h.writeExperimentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": req.Status})
}

// HandleExperimentStats returns per-variant statistics.
func (h *Handlers) HandleExperimentStats(c *gin.Context) {
	if h.deps.Experiments == nil {
		notConfigured(c, "experiments")
		return
	}
	st, err := h.deps.Experiments.GetStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeExperimentError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleCompareLatency runs a Welch t-test between variants a and b.
func (h *Handlers) HandleCompareLatency(c *gin.Context) {
	if h.deps.Experiments == nil {
		notConfigured(c, "experiments")
		return
	}
	a, b := c.Query("a"), c.Query("b")
	if a == "" || b == "" {
		badRequest(c, errors.New("query parameters a and b are required"))
		return
	}
	cmp, err := h.deps.Experiments.CompareLatency(c.Request.Context(), c.Param("id"), a, b)
	if err != nil {
		h.writeExperimentError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

func (h *Handlers) writeExperimentError(c *gin.Context, err error) {
	var verr *experiment.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest, Details: verr.Field})
	case errors.Is(err, experiment.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeNotFound})
	case errors.Is(err, experiment.ErrUnknownVariant),
		errors.Is(err, experiment.ErrInsufficientSamples),
		errors.Is(err, experiment.ErrZeroVariance):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
	case errors.Is(err, store.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: CodeInternal})
	default:
		h.logger.Error("experiment request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeInternal})
	}
}

// HandleOptimizerHistory returns recent optimizer scans.
func (h *Handlers) HandleOptimizerHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"history": h.deps.Dispatcher.OptimizationHistory(limit)})
}

// HandleBreakerState returns a provider's breaker state.
func (h *Handlers) HandleBreakerState(c *gin.Context) {
	if h.deps.Breaker == nil {
		notConfigured(c, "breaker")
		return
	}
	provider := c.Param("provider")
	if err := validation.ValidateNodeID(provider); err != nil {
		badRequest(c, err)
		return
	}
	st, err := h.deps.Breaker.State(c.Request.Context(), provider)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: CodeInternal})
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleBreakerReset closes a provider's breaker.
func (h *Handlers) HandleBreakerReset(c *gin.Context) {
	if h.deps.Breaker == nil {
		notConfigured(c, "breaker")
		return
	}
	provider := c.Param("provider")
	if err := validation.ValidateNodeID(provider); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.deps.Breaker.Reset(c.Request.Context(), provider); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: CodeInternal})
		return
	}
	h.logger.Info("breaker reset", slog.String("provider", provider))
	c.JSON(http.StatusOK, gin.H{"provider": provider, "state": breaker.StateClosed})
}

// HandleCacheStats returns route cache counters.
func (h *Handlers) HandleCacheStats(c *gin.Context) {
	if h.deps.Cache == nil {
		notConfigured(c, "route cache")
		return
	}
	st := h.deps.Cache.Stats()
	c.JSON(http.StatusOK, gin.H{"stats": st, "hit_rate": st.HitRate()})
}

// HandlePrecompute warms the cache with every reachable pair.
func (h *Handlers) HandlePrecompute(c *gin.Context) {
	if h.deps.Cache == nil {
		notConfigured(c, "route cache")
		return
	}
	n, err := h.deps.Cache.Precompute(c.Request.Context())
	if errors.Is(err, routecache.ErrTopologyChanged) {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeConflict, Details: strconv.Itoa(n) + " routes written"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeInternal})
		return
	}
	c.JSON(http.StatusOK, gin.H{"routes": n})
}
