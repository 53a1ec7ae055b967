// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the relay's YAML configuration.
//
// A file is decoded over DefaultConfig, so any field it omits keeps its
// default. Secrets are never read from the file: OPENAI_API_KEY and
// INFLUXDB_TOKEN are taken from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRelay/pkg/validation"
	"github.com/AleutianAI/AleutianRelay/services/relay/embedding"
	"github.com/AleutianAI/AleutianRelay/services/relay/sink"
	"github.com/AleutianAI/AleutianRelay/services/relay/strategy"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
	"github.com/AleutianAI/AleutianRelay/services/relay/topology"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Config is the full relay configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Store     StoreConfig      `yaml:"store"`
	Topology  TopologyConfig   `yaml:"topology"`
	Routing   RoutingConfig    `yaml:"routing"`
	Cache     CacheConfig      `yaml:"cache"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Optimizer OptimizerConfig  `yaml:"optimizer"`
	Embedding EmbeddingConfig  `yaml:"embedding"`
	Knowledge KnowledgeConfig  `yaml:"knowledge"`
	Influx    InfluxConfig     `yaml:"influx"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the admin HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`
	Dir    string `yaml:"dir"`
}

// StoreConfig selects the SharedStore backend.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=memory badger"`

	// Path is the Badger data directory. Required for the badger backend.
	Path string `yaml:"path" validate:"required_if=Backend badger"`
}

// TopologyConfig seeds the graph.
type TopologyConfig struct {
	Edges []topology.Edge `yaml:"edges" validate:"dive"`
}

// RoutingConfig configures the strategy stack and selectors.
type RoutingConfig struct {
	// RulesFile holds keyword -> target rules and is watched for changes.
	RulesFile string `yaml:"rules_file"`

	// Rules are used when RulesFile is empty.
	Rules map[string]string `yaml:"rules"`

	// Endpoints maps targets to the URLs turns are forwarded to.
	Endpoints map[string]string `yaml:"endpoints" validate:"dive,url"`

	Capabilities      []strategy.Capability `yaml:"capabilities" validate:"dive"`
	SemanticThreshold float64               `yaml:"semantic_threshold" validate:"gte=0,lte=1"`
	DefaultTarget     string                `yaml:"default_target"`
	FallbackSeed      uint64                `yaml:"fallback_seed"`
	BanditSeed        uint64                `yaml:"bandit_seed"`
}

// CacheConfig configures the route cache.
type CacheConfig struct {
	LocalTTL         time.Duration `yaml:"local_ttl" validate:"gt=0"`
	SharedTTL        time.Duration `yaml:"shared_ttl" validate:"gt=0"`
	PrecomputeTTL    time.Duration `yaml:"precompute_ttl" validate:"gt=0"`
	MaxLocalEntries  int           `yaml:"max_local_entries" validate:"gt=0"`
	PrecomputeOnBoot bool          `yaml:"precompute_on_boot"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int64         `yaml:"failure_threshold" validate:"gt=0"`
	FailureWindow    time.Duration `yaml:"failure_window" validate:"gt=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" validate:"gt=0"`
}

// OptimizerConfig configures the background optimizer.
type OptimizerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	MinAttempts int64         `yaml:"min_attempts" validate:"gte=0"`
	MaxMean     float64       `yaml:"max_mean" validate:"gte=0,lte=1"`
}

// EmbeddingConfig enables the OpenAI embedding provider.
type EmbeddingConfig struct {
	Enabled          bool `yaml:"enabled"`
	embedding.Config `yaml:",inline"`
}

// KnowledgeConfig enables the Weaviate concept graph.
type KnowledgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"omitempty,url"`
}

// InfluxConfig enables the InfluxDB sink.
type InfluxConfig struct {
	Enabled     bool `yaml:"enabled"`
	sink.Config `yaml:",inline"`
}

// DefaultConfig returns a configuration that runs a single in-memory node.
func DefaultConfig() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8090"},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
		Store:   StoreConfig{Backend: BackendMemory},
		Routing: RoutingConfig{
			SemanticThreshold: strategy.DefaultSemanticThreshold,
		},
		Cache: CacheConfig{
			LocalTTL:        60 * time.Second,
			SharedTTL:       300 * time.Second,
			PrecomputeTTL:   time.Hour,
			MaxLocalEntries: 10000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    60 * time.Second,
			RecoveryTimeout:  30 * time.Second,
		},
		Optimizer: OptimizerConfig{
			Enabled:     true,
			Interval:    time.Hour,
			MinAttempts: 10,
			MaxMean:     0.2,
		},
		Embedding: EmbeddingConfig{Config: embedding.Config{Model: embedding.DefaultModel}},
		Knowledge: KnowledgeConfig{URL: "http://localhost:8080"},
		Influx:    InfluxConfig{Config: sink.DefaultConfig()},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv copies secrets from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		c.Influx.Token = v
	}
	if v := os.Getenv("RELAY_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for i, e := range c.Topology.Edges {
		if e.Source == "" || e.Target == "" {
			return fmt.Errorf("invalid config: topology edge %d needs source and target", i)
		}
		if e.Weight != 0 && (e.Weight < topology.MinWeight || e.Weight > topology.MaxWeight) {
			return fmt.Errorf("invalid config: topology edge %s->%s weight %.2f outside [%.1f, %.1f]",
				e.Source, e.Target, e.Weight, topology.MinWeight, topology.MaxWeight)
		}
	}
	if err := validation.ValidateNodeIDs(c.nodeIDs()); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Knowledge.Enabled && c.Knowledge.URL == "" {
		return errors.New("invalid config: knowledge enabled without a url")
	}
	if c.Influx.Enabled && c.Influx.Token == "" {
		return errors.New("invalid config: influx enabled but INFLUXDB_TOKEN is not set")
	}
	if err := checkRuleKeywords(c.Routing.Rules); err != nil {
		return fmt.Errorf("invalid config: routing.rules: %w", err)
	}
	return nil
}

// nodeIDs collects every node the config names.
func (c *Config) nodeIDs() []string {
	var ids []string
	for _, e := range c.Topology.Edges {
		ids = append(ids, e.Source, e.Target)
	}
	for _, target := range c.Routing.Rules {
		ids = append(ids, target)
	}
	for target := range c.Routing.Endpoints {
		ids = append(ids, target)
	}
	for _, cp := range c.Routing.Capabilities {
		if cp.Node != "" {
			ids = append(ids, cp.Node)
		}
	}
	if c.Routing.DefaultTarget != "" {
		ids = append(ids, c.Routing.DefaultTarget)
	}
	return ids
}

// RoutingRules returns the rules to start with: the rules file when set,
// otherwise the inline rules.
func (c *Config) RoutingRules() (map[string]string, error) {
	if c.Routing.RulesFile == "" {
		return c.Routing.Rules, nil
	}
	return LoadRules(c.Routing.RulesFile)
}
