// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/api"
	"github.com/AleutianAI/AleutianRelay/services/relay/app"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a relay node with its admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable gin debug mode and request logging")
	return cmd
}

func runServe(parent context.Context, opts *rootOptions, debug bool) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()
	slog.SetDefault(logger.Slog())

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	node, err := app.New(ctx, cfg, logger.Slog(), app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("close relay", slog.String("error", err.Error()))
		}
	}()
	if err := node.Start(ctx); err != nil {
		return err
	}

	var middleware []gin.HandlerFunc
	if debug {
		gin.SetMode(gin.DebugMode)
		middleware = append(middleware, gin.Logger())
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(cfg.Telemetry.ServiceName, node.Handlers(), middleware...)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvLog := logger.Component("server")
	errCh := make(chan error, 1)
	go func() {
		srvLog.Info("relay listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("store", cfg.Store.Backend),
			slog.Int("edges", len(cfg.Topology.Edges)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down relay")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// newLogger builds the process logger from config, with an optional level
// override from the command line.
func newLogger(cfg *config.Config, levelOverride string) (*logging.Logger, error) {
	raw := cfg.Logging.Level
	if levelOverride != "" {
		raw = levelOverride
	}
	level, err := logging.ParseLevel(raw)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Logging.Format),
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
	}), nil
}
