// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app assembles a relay node from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianRelay/services/relay/api"
	"github.com/AleutianAI/AleutianRelay/services/relay/bandit"
	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/dispatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/embedding"
	"github.com/AleutianAI/AleutianRelay/services/relay/experiment"
	"github.com/AleutianAI/AleutianRelay/services/relay/knowledge"
	"github.com/AleutianAI/AleutianRelay/services/relay/optimizer"
	"github.com/AleutianAI/AleutianRelay/services/relay/routecache"
	"github.com/AleutianAI/AleutianRelay/services/relay/sink"
	"github.com/AleutianAI/AleutianRelay/services/relay/stats"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/strategy"
	"github.com/AleutianAI/AleutianRelay/services/relay/topology"
)

// Options override parts of the assembly.
type Options struct {
	// Shared replaces the configured store backend.
	Shared store.SharedStore

	// Executor replaces the HTTP executor built from routing endpoints.
	Executor dispatch.Executor

	// Clock drives every TTL. Default: wall clock.
	Clock store.Clock
}

// App is a fully wired relay node.
type App struct {
	Config      *config.Config
	Shared      store.SharedStore
	Graph       *topology.Graph
	Stats       *stats.Store
	Cache       *routecache.Cache
	Breaker     *breaker.Breaker
	Experiments *experiment.Engine
	Optimizer   *optimizer.Optimizer
	Rules       *strategy.RuleMatcher
	Stack       *strategy.Stack
	Selectors   *bandit.Registry
	Dispatcher  *dispatch.Dispatcher

	influx  *sink.InfluxSink
	watcher *config.RulesWatcher
	logger  *slog.Logger
}

// New builds every component described by cfg. Optional backends that
// fail to initialize are logged and left out; the node still routes.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = store.SystemClock{}
	}
	a := &App{Config: cfg, logger: logger}

	shared := opts.Shared
	if shared == nil {
		var err error
		if shared, err = openStore(cfg.Store, clock, logger); err != nil {
			return nil, err
		}
	}
	a.Shared = shared

	edges := make([]topology.Edge, len(cfg.Topology.Edges))
	for i, e := range cfg.Topology.Edges {
		if e.Weight == 0 {
			e.Weight = topology.DefaultWeight
		}
		edges[i] = e
	}
	a.Graph = topology.FromEdges(edges, logger)
	a.Stats = stats.New(shared, logger)
	a.Cache = routecache.New(routecache.Config{
		Shared:          shared,
		Graph:           a.Graph,
		Clock:           clock,
		LocalTTL:        cfg.Cache.LocalTTL,
		SharedTTL:       cfg.Cache.SharedTTL,
		PrecomputeTTL:   cfg.Cache.PrecomputeTTL,
		MaxLocalEntries: cfg.Cache.MaxLocalEntries,
		Logger:          logger,
	})
	a.Breaker = breaker.New(shared, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		Clock:            clock,
		Logger:           logger,
	})

	if cfg.Influx.Enabled {
		s, err := sink.NewInfluxSink(cfg.Influx.Config)
		if err != nil {
			logger.Warn("influx sink disabled", slog.String("error", err.Error()))
		} else {
			a.influx = s
		}
	}

	expCfg := experiment.Config{Clock: clock, Logger: logger}
	if a.influx != nil {
		expCfg.Sink = a.influx
	}
	a.Experiments = experiment.NewEngine(shared, expCfg)

	rules, err := cfg.RoutingRules()
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("load routing rules: %w", err)
	}
	a.Rules = strategy.NewRuleMatcher(rules)

	a.Stack = strategy.NewStack(logger,
		a.Rules,
		strategy.NewSemanticScorer(a.semanticConfig(ctx, logger)),
		strategy.NewGraphPathfinder(a.Cache),
		strategy.NewFallback(a.Graph, cfg.Routing.DefaultTarget, cfg.Routing.FallbackSeed),
	)
	a.Selectors = bandit.NewRegistry(a.Stats, bandit.Config{Seed: cfg.Routing.BanditSeed})

	if cfg.Optimizer.Enabled {
		optCfg := optimizer.Config{
			Interval:    cfg.Optimizer.Interval,
			MinAttempts: cfg.Optimizer.MinAttempts,
			MaxMean:     cfg.Optimizer.MaxMean,
			Clock:       clock,
			Logger:      logger,
		}
		if a.influx != nil {
			optCfg.Sink = a.influx
		}
		a.Optimizer = optimizer.New(a.Stats, optCfg)
	}

	exec := opts.Executor
	if exec == nil {
		exec = dispatch.NewHTTPExecutor(cfg.Routing.Endpoints, nil)
	}
	a.Dispatcher, err = dispatch.New(dispatch.Config{
		Graph:       a.Graph,
		Stats:       a.Stats,
		Stack:       a.Stack,
		Selectors:   a.Selectors,
		Executor:    exec,
		Cache:       a.Cache,
		Breaker:     a.Breaker,
		Experiments: a.Experiments,
		Optimizer:   a.Optimizer,
		Clock:       clock,
		Logger:      logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func openStore(cfg config.StoreConfig, clock store.Clock, logger *slog.Logger) (store.SharedStore, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		bcfg := store.DefaultBadgerConfig()
		bcfg.Path = cfg.Path
		bcfg.Logger = logger
		s, err := store.OpenBadgerStore(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return s, nil
	case config.BackendMemory, "":
		return store.NewMemoryStore(clock), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// semanticConfig wires the optional embedding and knowledge backends.
func (a *App) semanticConfig(ctx context.Context, logger *slog.Logger) strategy.SemanticConfig {
	cfg := a.Config
	sc := strategy.SemanticConfig{
		Capabilities: cfg.Routing.Capabilities,
		Threshold:    cfg.Routing.SemanticThreshold,
		Logger:       logger,
	}
	if cfg.Embedding.Enabled {
		ecfg := cfg.Embedding.Config
		ecfg.Logger = logger
		p, err := embedding.NewOpenAIProvider(ecfg)
		if err != nil {
			logger.Warn("embedding provider disabled", slog.String("error", err.Error()))
		} else {
			sc.Embedder = p
		}
	}
	if cfg.Knowledge.Enabled {
		kcfg := knowledge.Config{URL: cfg.Knowledge.URL, Logger: logger}
		if sc.Embedder != nil {
			kcfg.Embedder = sc.Embedder
		}
		ks, err := knowledge.New(kcfg)
		if err == nil {
			err = ks.EnsureSchema(ctx)
		}
		if err != nil {
			logger.Warn("knowledge graph disabled", slog.String("error", err.Error()))
		} else {
			sc.Graph = ks
		}
	}
	return sc
}

// Start launches background work: the optimizer loop, the rules file
// watcher and, when configured, a route precompute.
func (a *App) Start(ctx context.Context) error {
	if a.Optimizer != nil {
		if err := a.Optimizer.Start(ctx); err != nil {
			return fmt.Errorf("start optimizer: %w", err)
		}
	}
	if path := a.Config.Routing.RulesFile; path != "" {
		w, err := config.NewRulesWatcher(path, a.Rules, a.logger)
		if err != nil {
			a.logger.Warn("rules hot reload disabled", slog.String("error", err.Error()))
		} else {
			a.watcher = w
			go w.Start(ctx)
		}
	}
	if a.Config.Cache.PrecomputeOnBoot {
		go func() {
			if _, err := a.Cache.Precompute(ctx); err != nil {
				a.logger.Warn("boot precompute failed", slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

// Handlers returns API handlers over the app's components.
func (a *App) Handlers() *api.Handlers {
	return api.NewHandlers(api.Deps{
		Dispatcher:  a.Dispatcher,
		Shared:      a.Shared,
		Experiments: a.Experiments,
		Breaker:     a.Breaker,
		Cache:       a.Cache,
		Logger:      a.logger,
	})
}

// Close stops background work and releases backends.
func (a *App) Close() error {
	if a.Optimizer != nil {
		a.Optimizer.Stop()
	}
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Stop())
	}
	if a.influx != nil {
		a.influx.Close()
	}
	if a.Shared != nil {
		errs = append(errs, a.Shared.Close())
	}
	return errors.Join(errs...)
}
