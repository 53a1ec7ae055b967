// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the relay over HTTP.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewRouter builds a gin engine with recovery, tracing, any extra
// middleware, /metrics and the relay routes under /v1.
func NewRouter(serviceName string, h *Handlers, middleware ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware...)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, h)
	return router
}

// RegisterRoutes registers relay endpoints.
//
// Endpoints:
//
//	GET  /v1/relay/health                     - Shared store reachability
//	POST /v1/relay/resolve                    - Dry-run routing decision
//	POST /v1/relay/route                      - Route and execute a turn
//	POST /v1/relay/feedback                   - Record an external outcome
//
//	GET  /v1/relay/experiments                - List experiment IDs
//	POST /v1/relay/experiments                - Create an experiment
//	GET  /v1/relay/experiments/:id            - Experiment definition
//	PUT  /v1/relay/experiments/:id/status     - Pause, resume or complete
//	GET  /v1/relay/experiments/:id/stats      - Per-variant statistics
//	GET  /v1/relay/experiments/:id/latency    - Welch t-test, ?a=&b=
//
//	GET  /v1/relay/optimizer/history          - Recent scans, ?limit=
//	GET  /v1/relay/breakers/:provider         - Breaker state
//	POST /v1/relay/breakers/:provider/reset   - Close a breaker
//	GET  /v1/relay/cache/stats                - Route cache counters
//	POST /v1/relay/cache/precompute           - Warm all-pairs routes
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	relay := rg.Group("/relay")
	{
		relay.GET("/health", h.HandleHealth)
		relay.POST("/resolve", h.HandleResolve)
		relay.POST("/route", h.HandleRoute)
		relay.POST("/feedback", h.HandleFeedback)

		experiments := relay.Group("/experiments")
		{
			experiments.GET("", h.HandleListExperiments)
			experiments.POST("", h.HandleCreateExperiment)
			experiments.GET("/:id", h.HandleGetExperiment)
			experiments.PUT("/:id/status", h.HandleSetExperimentStatus)
			experiments.GET("/:id/stats", h.HandleExperimentStats)
			experiments.GET("/:id/latency", h.HandleCompareLatency)
		}

		relay.GET("/optimizer/history", h.HandleOptimizerHistory)
		relay.GET("/breakers/:provider", h.HandleBreakerState)
		relay.POST("/breakers/:provider/reset", h.HandleBreakerReset)
		relay.GET("/cache/stats", h.HandleCacheStats)
		relay.POST("/cache/precompute", h.HandlePrecompute)
	}
}
