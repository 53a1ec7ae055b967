// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink mirrors experiment results and optimizer records into
// InfluxDB for dashboards. It is write-only; the relay never reads back.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianRelay/services/relay/experiment"
	"github.com/AleutianAI/AleutianRelay/services/relay/optimizer"
)

// Measurement names.
const (
	MeasurementExperiment   = "relay_experiment_results"
	MeasurementOptimization = "relay_optimizer_scans"
)

// Config locates the InfluxDB bucket.
type Config struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Token  string `yaml:"-"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// DefaultConfig reads INFLUXDB_URL, INFLUXDB_TOKEN, INFLUXDB_ORG and
// INFLUXDB_BUCKET, falling back to local development values.
func DefaultConfig() Config {
	return Config{
		URL:    envOr("INFLUXDB_URL", "http://localhost:8086"),
		Token:  os.Getenv("INFLUXDB_TOKEN"),
		Org:    envOr("INFLUXDB_ORG", "aleutian"),
		Bucket: envOr("INFLUXDB_BUCKET", "relay"),
	}
}

// PointWriter writes points synchronously. api.WriteAPIBlocking satisfies it.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink implements experiment.ResultSink and optimizer.RecordSink.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	writer PointWriter
	close  func()
	once   sync.Once
}

var (
	_ experiment.ResultSink = (*InfluxSink)(nil)
	_ optimizer.RecordSink  = (*InfluxSink)(nil)
)

// NewInfluxSink connects to InfluxDB with cfg.
func NewInfluxSink(cfg Config) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx sink: url, org and bucket are required")
	}
	if cfg.Token == "" {
		return nil, errors.New("influx sink: INFLUXDB_TOKEN is not set")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		close:  client.Close,
	}, nil
}

// NewWithWriter creates a sink over an existing writer.
func NewWithWriter(w PointWriter) *InfluxSink {
	return &InfluxSink{writer: w}
}

// WriteResult writes one experiment result.
func (s *InfluxSink) WriteResult(ctx context.Context, r experiment.Result) error {
	p := influxdb2.NewPointWithMeasurement(MeasurementExperiment).
		AddTag("experiment_id", r.ExperimentID).
		AddTag("variant", r.Variant).
		AddField("success", r.Success).
		AddField("latency_ms", r.LatencyMs).
		AddField("result_id", r.ID).
		SetTime(r.Timestamp)
	for name, v := range r.Metrics {
		p.AddField("metric_"+name, v)
	}
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write experiment result: %w", err)
	}
	return nil
}

// WriteOptimization writes one optimizer scan summary.
func (s *InfluxSink) WriteOptimization(ctx context.Context, r optimizer.Record) error {
	p := influxdb2.NewPointWithMeasurement(MeasurementOptimization).
		AddTag("validation", r.Validation).
		AddField("edges_scanned", r.EdgesScanned).
		AddField("candidates", len(r.Opportunities)).
		AddField("duration_ms", float64(r.Duration.Microseconds())/1000).
		SetTime(r.Timestamp)
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write optimizer record: %w", err)
	}
	return nil
}

// Close releases the InfluxDB client. Safe to call more than once.
func (s *InfluxSink) Close() {
	s.once.Do(func() {
		if s.close != nil {
			s.close()
		}
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
