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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBytes bounds how much of a downstream response is kept.
const maxResponseBytes = 1 << 20

// HTTPExecutor forwards a turn to the endpoint registered for its target.
//
// The request is POSTed as JSON. A 2xx response is a success and its body
// becomes the result payload; any other status is an unsuccessful result.
// Transport errors are returned as errors.
type HTTPExecutor struct {
	endpoints map[string]string
	client    *http.Client
}

// NewHTTPExecutor creates an executor over target -> URL endpoints.
// A nil client uses one with a 30s timeout and trace propagation.
func NewHTTPExecutor(endpoints map[string]string, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	copied := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		copied[k] = v
	}
	return &HTTPExecutor{endpoints: copied, client: client}
}

type forwardBody struct {
	RequestID string            `json:"request_id"`
	Source    string            `json:"source"`
	Target    string            `json:"target"`
	Text      string            `json:"text"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, target string, req *Request) (*ExecResult, error) {
	url, ok := e.endpoints[target]
	if !ok {
		return nil, fmt.Errorf("no endpoint for target %s", target)
	}
	body, err := json.Marshal(forwardBody{
		RequestID: req.ID,
		Source:    req.Current,
		Target:    target,
		Text:      req.Text,
		Payload:   req.Payload,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.ID)

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", target, err)
	}
	out := &ExecResult{
		Success: resp.StatusCode >= 200 && resp.StatusCode < 300,
		Latency: time.Since(start),
	}
	if len(raw) > 0 {
		var payload any
		if json.Unmarshal(raw, &payload) == nil {
			out.Payload = payload
		} else {
			out.Payload = string(raw)
		}
	}
	return out, nil
}
