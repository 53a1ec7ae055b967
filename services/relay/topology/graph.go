// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package topology owns the directed, weighted graph of dispatch targets.
//
// Edge weights are costs: lower is better. Feedback scales a weight by
// 0.95 on success and 1.2 on failure, always clamped to [0.1, 10.0].
// The Graph is the single owner of this state. Callers receive copied
// Path values, never references into the graph.
package topology

import (
	"log/slog"
	"math"
	"sort"
	"sync"
)

const (
	// MinWeight is the lowest permitted edge weight.
	MinWeight = 0.1

	// MaxWeight is the highest permitted edge weight.
	MaxWeight = 10.0

	// DefaultWeight is assigned to edges created implicitly by feedback.
	DefaultWeight = 1.0

	// SuccessFactor scales an edge weight after a successful dispatch.
	SuccessFactor = 0.95

	// FailureFactor scales an edge weight after a failed dispatch.
	FailureFactor = 1.2
)

// Edge is a weighted directed edge.
type Edge struct {
	Source string  `json:"source" yaml:"source"`
	Target string  `json:"target" yaml:"target"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// Path is a shortest path result. Nodes includes both endpoints.
type Path struct {
	Nodes []string `json:"nodes"`
	Cost  float64  `json:"cost"`
}

// NextHop returns the node after the source, or "" for a trivial path.
func (p Path) NextHop() string {
	if len(p.Nodes) < 2 {
		return ""
	}
	return p.Nodes[1]
}

// Traverses reports whether the path uses the edge source -> target.
func (p Path) Traverses(source, target string) bool {
	for i := 0; i+1 < len(p.Nodes); i++ {
		if p.Nodes[i] == source && p.Nodes[i+1] == target {
			return true
		}
	}
	return false
}

// Clamp bounds w to [MinWeight, MaxWeight]. NaN maps to DefaultWeight.
func Clamp(w float64) float64 {
	if math.IsNaN(w) {
		return DefaultWeight
	}
	return math.Max(MinWeight, math.Min(MaxWeight, w))
}

// Graph is a directed weighted graph.
//
// Thread Safety: Safe for concurrent use. Path searches hold a read lock.
type Graph struct {
	mu     sync.RWMutex
	adj    map[string]map[string]float64
	logger *slog.Logger
}

// New creates an empty graph. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		adj:    make(map[string]map[string]float64),
		logger: logger,
	}
}

// FromEdges builds a graph from an edge list.
func FromEdges(edges []Edge, logger *slog.Logger) *Graph {
	g := New(logger)
	for _, e := range edges {
		g.AddEdge(e.Source, e.Target, e.Weight)
	}
	return g
}

// AddNode registers a node with no edges. Idempotent.
func (g *Graph) AddNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureNode(id)
}

func (g *Graph) ensureNode(id string) map[string]float64 {
	out, ok := g.adj[id]
	if !ok {
		out = make(map[string]float64)
		g.adj[id] = out
	}
	return out
}

// AddEdge inserts or replaces source -> target with a clamped weight.
func (g *Graph) AddEdge(source, target string, weight float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureNode(source)[target] = Clamp(weight)
	g.ensureNode(target)
}

// UpdateWeight sets the weight of source -> target, creating the edge if
// needed. Returns the stored (clamped) weight.
func (g *Graph) UpdateWeight(source, target string, weight float64) float64 {
	w := Clamp(weight)
	g.mu.Lock()
	g.ensureNode(source)[target] = w
	g.ensureNode(target)
	g.mu.Unlock()
	return w
}

// ApplyFeedback scales the weight of source -> target by SuccessFactor or
// FailureFactor and returns the new weight.
//
// Description:
//
//	A missing edge is created lazily at DefaultWeight before scaling.
//	The multiply and store happen under one write lock, so concurrent
//	feedback on the same edge composes.
func (g *Graph) ApplyFeedback(source, target string, success bool) float64 {
	factor := FailureFactor
	if success {
		factor = SuccessFactor
	}

	g.mu.Lock()
	out := g.ensureNode(source)
	old, ok := out[target]
	if !ok {
		old = DefaultWeight
	}
	w := Clamp(old * factor)
	out[target] = w
	g.ensureNode(target)
	g.mu.Unlock()

	g.logger.Debug("edge weight updated",
		slog.String("source", source),
		slog.String("target", target),
		slog.Bool("success", success),
		slog.Float64("old", old),
		slog.Float64("new", w))
	return w
}

// Weight returns the weight of source -> target.
func (g *Graph) Weight(source, target string) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	w, ok := g.adj[source][target]
	return w, ok
}

// HasNode reports whether id is in the graph.
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.adj[id]
	return ok
}

// Neighbors returns the direct successors of source in sorted order.
func (g *Graph) Neighbors(source string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.adj[source]))
	for t := range g.adj[source] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Nodes returns all nodes in sorted order.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.adj))
	for n := range g.adj {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Edges returns a copy of every edge, sorted by source then target.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for s, targets := range g.adj {
		for t, w := range targets {
			out = append(out, Edge{Source: s, Target: t, Weight: w})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}
