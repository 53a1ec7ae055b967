// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package strategy

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/AleutianAI/AleutianRelay/services/relay/topology"
)

// PathSource returns a shortest path between two nodes.
// The route cache and *topology.Graph adapters satisfy it.
type PathSource interface {
	Path(ctx context.Context, source, target string) (topology.Path, bool)
}

// GraphPaths adapts a topology.Graph to PathSource without caching.
type GraphPaths struct {
	Graph *topology.Graph
}

// Path implements PathSource.
func (g GraphPaths) Path(_ context.Context, source, target string) (topology.Path, bool) {
	return g.Graph.ShortestPath(source, target)
}

// GraphPathfinder returns the next hop on the shortest path to the goal.
//
// Description:
//
//	Only the immediate next hop is returned. The rest of the path is
//	re-resolved at the next turn so weight changes in between apply.
//	Without a goal, or when the goal is unreachable, it yields none.
//
// Thread Safety: Safe for concurrent use if the PathSource is.
type GraphPathfinder struct {
	paths PathSource
}

// NewGraphPathfinder creates a pathfinder over paths.
func NewGraphPathfinder(paths PathSource) *GraphPathfinder {
	return &GraphPathfinder{paths: paths}
}

// Name implements Stage.
func (p *GraphPathfinder) Name() string { return StagePath }

// Resolve implements Stage.
func (p *GraphPathfinder) Resolve(ctx context.Context, q Query) (Decision, bool) {
	if q.Goal == "" || q.Goal == q.Current {
		return Decision{}, false
	}
	path, ok := p.paths.Path(ctx, q.Current, q.Goal)
	if !ok {
		return Decision{}, false
	}
	hop := path.NextHop()
	if hop == "" {
		return Decision{}, false
	}
	return Decision{Target: hop, Goal: q.Goal, Stage: StagePath}, true
}

// Fallback picks uniformly among direct neighbors, else a default target.
//
// Thread Safety: Safe for concurrent use.
type Fallback struct {
	graph         *topology.Graph
	defaultTarget string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFallback creates a fallback stage. A zero seed picks a random seed.
func NewFallback(graph *topology.Graph, defaultTarget string, seed uint64) *Fallback {
	var src *rand.PCG
	if seed == 0 {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	} else {
		src = rand.NewPCG(seed, seed)
	}
	return &Fallback{graph: graph, defaultTarget: defaultTarget, rng: rand.New(src)}
}

// Name implements Stage.
func (f *Fallback) Name() string { return StageFallback }

// Resolve implements Stage.
func (f *Fallback) Resolve(_ context.Context, q Query) (Decision, bool) {
	if f.graph != nil {
		if neighbors := f.graph.Neighbors(q.Current); len(neighbors) > 0 {
			f.mu.Lock()
			i := f.rng.IntN(len(neighbors))
			f.mu.Unlock()
			return Decision{Target: neighbors[i], Stage: StageFallback}, true
		}
	}
	if f.defaultTarget != "" {
		return Decision{Target: f.defaultTarget, Stage: StageFallback}, true
	}
	return Decision{}, false
}
