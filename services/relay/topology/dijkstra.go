// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package topology

import (
	"container/heap"
	"math"
	"slices"
)

// =============================================================================
// Priority Queue
// =============================================================================

type queueItem struct {
	node string
	dist float64
}

// distQueue is a min-heap ordered by distance, then node name for
// deterministic tie-breaking.
type distQueue []queueItem

func (q distQueue) Len() int { return len(q) }
func (q distQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].node < q[j].node
}
func (q distQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *distQueue) Push(x any)   { *q = append(*q, x.(queueItem)) }
func (q *distQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// =============================================================================
// Shortest Paths
// =============================================================================

// ShortestPath returns the minimum-cost path from source to target.
//
// Description:
//
//	Dijkstra over the current weights. Among equal-cost paths the one
//	reached through the lexically smaller node wins, so results are
//	stable for identical graphs.
//
// Outputs:
//
//	Path - A copy of the path. Cost is the sum of edge weights.
//	bool - False if target is unreachable or either node is unknown.
func (g *Graph) ShortestPath(source, target string) (Path, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.adj[source]; !ok {
		return Path{}, false
	}
	if _, ok := g.adj[target]; !ok {
		return Path{}, false
	}
	dist, prev := g.dijkstra(source, target)
	return buildPath(source, target, dist, prev)
}

// ShortestPathsFrom returns the shortest path from source to every
// reachable node other than source.
func (g *Graph) ShortestPathsFrom(source string) map[string]Path {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]Path)
	if _, ok := g.adj[source]; !ok {
		return out
	}
	dist, prev := g.dijkstra(source, "")
	for node := range dist {
		if node == source {
			continue
		}
		if p, ok := buildPath(source, node, dist, prev); ok {
			out[node] = p
		}
	}
	return out
}

// dijkstra runs single-source shortest paths. If stop is non-empty the
// search ends once stop is settled. Caller holds the read lock.
func (g *Graph) dijkstra(source, stop string) (map[string]float64, map[string]string) {
	dist := map[string]float64{source: 0}
	prev := make(map[string]string)
	settled := make(map[string]bool)

	q := &distQueue{{node: source, dist: 0}}
	for q.Len() > 0 {
		cur := heap.Pop(q).(queueItem)
		if settled[cur.node] {
			continue
		}
		settled[cur.node] = true
		if cur.node == stop {
			break
		}
		for next, w := range g.adj[cur.node] {
			if settled[next] {
				continue
			}
			nd := cur.dist + w
			old, seen := dist[next]
			if !seen || nd < old || (nd == old && cur.node < prev[next]) {
				dist[next] = nd
				prev[next] = cur.node
				heap.Push(q, queueItem{node: next, dist: nd})
			}
		}
	}
	return dist, prev
}

func buildPath(source, target string, dist map[string]float64, prev map[string]string) (Path, bool) {
	d, ok := dist[target]
	if !ok || math.IsInf(d, 1) {
		return Path{}, false
	}
	nodes := []string{target}
	for cur := target; cur != source; {
		p, ok := prev[cur]
		if !ok {
			return Path{}, false
		}
		nodes = append(nodes, p)
		cur = p
	}
	slices.Reverse(nodes)
	return Path{Nodes: nodes, Cost: d}, true
}
