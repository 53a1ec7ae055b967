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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRelay/pkg/validation"
	"github.com/AleutianAI/AleutianRelay/services/relay/bandit"
	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/experiment"
	"github.com/AleutianAI/AleutianRelay/services/relay/stats"
	"github.com/AleutianAI/AleutianRelay/services/relay/strategy"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

const tracerName = "relay.dispatch"

// Route resolves, selects, executes and records one turn.
//
// Description:
//
//	 1. The strategy stack proposes a target. Candidates are that target
//	    followed by the current node's neighbors; an authoritative
//	    decision makes the target the only candidate.
//	 2. No candidates: ErrNoRouteFound.
//	 3. The hybrid selector picks a candidate, or the selector named by
//	    the request's experiment variant.
//	 4. A candidate whose circuit is open is skipped and selection is
//	    repeated over the rest. If every candidate is open the last
//	    *breaker.OpenError is returned.
//	 5. The Executor runs. Errors and panics count as failure.
//	 6. Feedback is written, then any executor failure is returned as an
//	    *ExecutorError.
//
// Outputs:
//
//	*Result - Non-nil whenever the Executor was invoked.
//	error   - ErrNoRouteFound, *breaker.OpenError or *ExecutorError.
func (d *Dispatcher) Route(ctx context.Context, req *Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Dispatcher.Route",
		trace.WithAttributes(
			attribute.String("relay.request_id", req.ID),
			attribute.String("relay.current", req.Current),
		))
	defer span.End()

	decision, decided := d.cfg.Stack.Resolve(ctx, d.query(req))
	candidates := d.candidates(req.Current, decision, decided)
	if len(candidates) == 0 {
		routesTotal.WithLabelValues("no_route").Inc()
		telemetry.RecordError(span, ErrNoRouteFound)
		return nil, fmt.Errorf("%w from %s", ErrNoRouteFound, req.Current)
	}

	selector, variant := d.selector(ctx, req)
	span.SetAttributes(
		attribute.String("relay.selector", selector.Name()),
		attribute.Int("relay.candidates", len(candidates)))

	res := &Result{
		RequestID:  req.ID,
		Source:     req.Current,
		Stage:      decision.Stage,
		Capability: decision.Capability,
		Selector:   selector.Name(),
		Variant:    variant,
	}
	if !decided {
		res.Stage = "neighbors"
	}

	var openErr error
	remaining := candidates
	for len(remaining) > 0 {
		target, ok := selector.Select(ctx, req.Current, remaining)
		if !ok {
			break
		}
		if d.cfg.Breaker != nil {
			if err := d.cfg.Breaker.Check(ctx, target); err != nil {
				breakerSkipsTotal.Inc()
				telemetry.AddSpanEvent(span, "breaker_open", attribute.String("relay.target", target))
				openErr = err
				res.Skipped = append(res.Skipped, target)
				remaining = without(remaining, target)
				continue
			}
		}
		return d.execute(ctx, span, req, res, target)
	}

	routesTotal.WithLabelValues("breaker_open").Inc()
	if openErr == nil {
		openErr = fmt.Errorf("%w from %s", ErrNoRouteFound, req.Current)
	}
	telemetry.RecordError(span, openErr)
	d.logger.Warn("every candidate circuit is open",
		slog.String("request_id", req.ID),
		slog.Any("candidates", candidates))
	return res, openErr
}

// execute invokes the Executor for target and writes feedback.
func (d *Dispatcher) execute(ctx context.Context, span trace.Span, req *Request, res *Result, target string) (*Result, error) {
	res.Target = target
	span.SetAttributes(attribute.String("relay.target", target))

	start := d.cfg.Clock.Now()
	out, err := d.invoke(ctx, target, req)
	latency := d.cfg.Clock.Now().Sub(start)
	if out != nil && out.Latency > 0 {
		latency = out.Latency
	}
	success := err == nil && out != nil && out.Success
	if err == nil && !success {
		err = ErrUnsuccessful
	}

	res.Success = success
	res.Latency = latency
	if out != nil {
		res.Payload = out.Payload
	}
	executeSeconds.WithLabelValues(target).Observe(latency.Seconds())

	d.feedback(context.WithoutCancel(ctx), req.Current, target, success, latency)
	if req.ExperimentID != "" && res.Variant != "" {
		d.recordOutcome(context.WithoutCancel(ctx), req, res)
	}

	if err != nil {
		routesTotal.WithLabelValues("failure").Inc()
		execErr := &ExecutorError{Target: target, Err: err}
		telemetry.RecordError(span, execErr)
		return res, execErr
	}
	routesTotal.WithLabelValues("success").Inc()
	telemetry.SetSpanOK(span)
	return res, nil
}

// invoke calls the Executor, converting a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, target string, req *Request) (out *ExecResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("executor panicked",
				slog.String("target", target),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			out, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()
	return d.cfg.Executor.Execute(ctx, target, req)
}

// Resolve answers which hop Route would most likely take, without
// selecting, executing or recording anything.
//
// The reported Target is the first candidate: the strategy decision when
// there is one, otherwise the first neighbor.
func (d *Dispatcher) Resolve(ctx context.Context, req *Request) (*Resolution, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Dispatcher.Resolve",
		trace.WithAttributes(attribute.String("relay.current", req.Current)))
	defer span.End()

	decision, decided := d.cfg.Stack.Resolve(ctx, d.query(req))
	candidates := d.candidates(req.Current, decision, decided)
	if len(candidates) == 0 {
		telemetry.RecordError(span, ErrNoRouteFound)
		return nil, fmt.Errorf("%w from %s", ErrNoRouteFound, req.Current)
	}
	out := &Resolution{
		Target:        candidates[0],
		Candidates:    candidates,
		Stage:         decision.Stage,
		Capability:    decision.Capability,
		Goal:          decision.Goal,
		Authoritative: decision.Authoritative,
	}
	if !decided {
		out.Stage = "neighbors"
	}
	if out.Goal != "" && d.cfg.Cache != nil {
		if p, ok := d.cfg.Cache.Path(ctx, req.Current, out.Goal); ok {
			out.Path = p.Nodes
		}
	}
	telemetry.SetSpanOK(span)
	return out, nil
}

// RecordFeedback records an externally observed outcome for an edge.
//
// Route already records feedback for the turns it executes; this entry
// point is for outcomes observed outside Route and is never called by it.
// Malformed node IDs fail with ErrInvalidEdge before anything is written.
func (d *Dispatcher) RecordFeedback(ctx context.Context, source, target string, success bool, latency time.Duration) error {
	for _, id := range []string{source, target} {
		if err := validation.ValidateNodeID(id); err != nil {
			return fmt.Errorf("record feedback: %w: %v", ErrInvalidEdge, err)
		}
	}
	return d.feedback(context.WithoutCancel(ctx), source, target, success, latency)
}

// feedback updates statistics, topology, cache and breaker for one edge.
// Every step runs even if an earlier one fails; the statistics error is
// returned.
func (d *Dispatcher) feedback(ctx context.Context, source, target string, success bool, latency time.Duration) error {
	err := d.cfg.Stats.Update(ctx, stats.Edge(source, target), success)

	weight := d.cfg.Graph.ApplyFeedback(source, target, success)
	if d.cfg.Cache != nil {
		d.cfg.Cache.Invalidate(ctx, source, target)
	}
	if d.cfg.Breaker != nil {
		if success {
			d.cfg.Breaker.RecordSuccess(ctx, target)
		} else {
			d.cfg.Breaker.RecordFailure(ctx, target)
		}
	}

	d.logger.Debug("feedback recorded",
		slog.String("source", source),
		slog.String("target", target),
		slog.Bool("success", success),
		slog.Duration("latency", latency),
		slog.Float64("weight", weight))
	return err
}

func (d *Dispatcher) recordOutcome(ctx context.Context, req *Request, res *Result) {
	if d.cfg.Experiments == nil {
		return
	}
	_, err := d.cfg.Experiments.RecordOutcome(ctx, req.ExperimentID, experiment.Outcome{
		UserID:  assignmentKey(req),
		Variant: res.Variant,
		Success: res.Success,
		Latency: res.Latency,
	})
	if err != nil {
		d.logger.Warn("experiment outcome not recorded",
			slog.String("experiment_id", req.ExperimentID),
			slog.String("error", err.Error()))
	}
}

// query builds the strategy input for req.
func (d *Dispatcher) query(req *Request) strategy.Query {
	return strategy.Query{
		Current:  req.Current,
		Text:     req.Text,
		Goal:     req.Goal,
		Metadata: req.Metadata,
	}
}

// candidates orders the decision target first, then the current node's
// neighbors, without duplicates.
func (d *Dispatcher) candidates(current string, decision strategy.Decision, decided bool) []string {
	if decided && decision.Authoritative {
		return []string{decision.Target}
	}
	seen := make(map[string]bool)
	var out []string
	if decided && decision.Target != "" {
		out = append(out, decision.Target)
		seen[decision.Target] = true
	}
	for _, n := range d.cfg.Graph.Neighbors(current) {
		if !seen[n] {
			out = append(out, n)
			seen[n] = true
		}
	}
	return out
}

// selector picks the hybrid selector, or the experiment variant's selector
// when the request is enrolled in an experiment.
func (d *Dispatcher) selector(ctx context.Context, req *Request) (bandit.Selector, string) {
	hybrid := d.cfg.Selectors.Hybrid
	if req.ExperimentID == "" || d.cfg.Experiments == nil {
		return hybrid, ""
	}
	variant, err := d.cfg.Experiments.AssignVariant(ctx, assignmentKey(req), req.ExperimentID)
	if err != nil {
		d.logger.Warn("experiment assignment failed",
			slog.String("experiment_id", req.ExperimentID),
			slog.String("error", err.Error()))
		return hybrid, ""
	}
	sel, ok := d.cfg.Selectors.Get(variant)
	if !ok {
		d.logger.Warn("experiment variant names no selector",
			slog.String("experiment_id", req.ExperimentID),
			slog.String("variant", variant))
		return hybrid, variant
	}
	return sel, variant
}

func assignmentKey(req *Request) string {
	if req.UserID != "" {
		return req.UserID
	}
	return req.ID
}

func without(list []string, drop string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

// IsRetryable reports whether err is a signal to try a different strategy
// rather than a terminal failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoRouteFound) || errors.Is(err, breaker.ErrOpen)
}
