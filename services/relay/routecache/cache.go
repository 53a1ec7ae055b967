// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routecache caches shortest-path results in two tiers.
//
// Tier 1 is a small per-instance LRU with a short TTL (default 60s).
// Tier 2 lives in the SharedStore with a longer TTL (default 300s, and
// 3600s for precomputed entries) and is visible to every relay instance.
//
// Lookups check tier 1, then tier 2 (backfilling tier 1 on a hit). A
// full miss computes the path from the topology graph; concurrent misses
// for the same route are coalesced.
//
// Every cached path is indexed by the edges it traverses, locally and in
// the shared store, so Invalidate(source, target) evicts all routes that
// used the changed edge from tier 2 and from this instance's tier 1.
// Other instances' tier 1 copies age out within LocalTTL. The shared store
// being down is a permanent miss: routing continues from the graph.
//
// Invalidate bumps a generation counter. Fills computed from the graph
// (Path and Precompute) are only kept if the generation is unchanged after
// they are written, so a path computed before a weight change never
// outlives the invalidation that followed it.
package routecache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/topology"
)

const (
	routePrefix = "route:"
	indexPrefix = "routeidx:"
)

// ErrTopologyChanged is returned by Precompute when an invalidation ran
// while it was writing. Routes already written stay valid; the rest are
// left to on-demand fills.
var ErrTopologyChanged = errors.New("topology changed during precompute")

// Config configures a Cache.
type Config struct {
	// Shared is the tier-2 store. Required.
	Shared store.SharedStore

	// Graph computes paths on a full miss. Required for Path and Precompute.
	Graph *topology.Graph

	// Clock drives tier-1 expiry. Default: wall clock.
	Clock store.Clock

	// LocalTTL is the tier-1 TTL. Default: 60s.
	LocalTTL time.Duration

	// SharedTTL is the tier-2 TTL for on-demand entries. Default: 300s.
	SharedTTL time.Duration

	// PrecomputeTTL is the tier-2 TTL for precomputed entries. Default: 3600s.
	PrecomputeTTL time.Duration

	// MaxLocalEntries bounds tier 1. Default: 10000.
	MaxLocalEntries int

	// PrecomputeWorkers bounds Precompute parallelism. Default: 8.
	PrecomputeWorkers int

	// Logger. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default TTLs and bounds. Shared and Graph
// must still be set.
func DefaultConfig() Config {
	return Config{
		LocalTTL:          60 * time.Second,
		SharedTTL:         300 * time.Second,
		PrecomputeTTL:     3600 * time.Second,
		MaxLocalEntries:   10000,
		PrecomputeWorkers: 8,
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	LocalHits     int64 `json:"local_hits"`
	SharedHits    int64 `json:"shared_hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
	LocalEntries  int   `json:"local_entries"`
}

// HitRate returns hits / lookups, or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.LocalHits + s.SharedHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.LocalHits+s.SharedHits) / float64(total)
}

type localEntry struct {
	key       string
	path      topology.Path
	expiresAt time.Time
}

// Cache is a two-tier route cache.
//
// Thread Safety: Safe for concurrent use.
type Cache struct {
	cfg      Config
	shared   store.SharedStore
	graph    *topology.Graph
	clock    store.Clock
	reporter *store.Reporter
	logger   *slog.Logger
	flight   singleflight.Group

	mu    sync.Mutex
	lru   *list.List
	local map[string]*list.Element
	// edgeIndex maps "source|target" of an edge to route keys using it.
	edgeIndex map[string]map[string]struct{}

	// generation is bumped by every Invalidate.
	generation atomic.Uint64

	localHits     atomic.Int64
	sharedHits    atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
}

// New creates a Cache. Zero config fields take DefaultConfig values.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = def.LocalTTL
	}
	if cfg.SharedTTL <= 0 {
		cfg.SharedTTL = def.SharedTTL
	}
	if cfg.PrecomputeTTL <= 0 {
		cfg.PrecomputeTTL = def.PrecomputeTTL
	}
	if cfg.MaxLocalEntries <= 0 {
		cfg.MaxLocalEntries = def.MaxLocalEntries
	}
	if cfg.PrecomputeWorkers <= 0 {
		cfg.PrecomputeWorkers = def.PrecomputeWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = store.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		cfg:       cfg,
		shared:    cfg.Shared,
		graph:     cfg.Graph,
		clock:     cfg.Clock,
		reporter:  store.NewReporter("routecache", cfg.Logger),
		logger:    cfg.Logger,
		lru:       list.New(),
		local:     make(map[string]*list.Element),
		edgeIndex: make(map[string]map[string]struct{}),
	}
}

// RouteKey returns the cache key for a (source, target) route.
func RouteKey(source, target string) string {
	return routePrefix + source + "|" + target
}

func edgeID(source, target string) string { return source + "|" + target }

func sharedIndexPrefix(source, target string) string {
	return indexPrefix + edgeID(source, target) + "#"
}

// =============================================================================
// Lookup
// =============================================================================

// Get returns a cached path for (source, target).
//
// Description:
//
//	Tier 1 first, then tier 2. A tier-2 hit is copied into tier 1. A
//	tier-2 failure is reported and treated as a miss.
func (c *Cache) Get(ctx context.Context, source, target string) (topology.Path, bool) {
	key := RouteKey(source, target)
	if p, ok := c.getLocal(key); ok {
		c.localHits.Add(1)
		lookups.WithLabelValues("local").Inc()
		return p, true
	}

	raw, err := c.shared.Get(ctx, key)
	if err == nil {
		var p topology.Path
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			c.setLocal(key, p)
			c.sharedHits.Add(1)
			lookups.WithLabelValues("shared").Inc()
			return p, true
		}
		c.logger.Warn("discarding undecodable cached route", slog.String("key", key))
	} else if !errors.Is(err, store.ErrNotFound) {
		c.reporter.Report("get", err, slog.String("key", key))
	}

	c.misses.Add(1)
	lookups.WithLabelValues("miss").Inc()
	return topology.Path{}, false
}

// Set writes a path to both tiers with the on-demand TTL.
func (c *Cache) Set(ctx context.Context, source, target string, p topology.Path) {
	key := RouteKey(source, target)
	c.setLocal(key, p)
	if err := c.setShared(ctx, key, p, c.cfg.SharedTTL); err != nil {
		c.reporter.Report("set", err, slog.String("key", key))
	}
}

// Path returns the shortest path, from cache or computed from the graph.
//
// Description:
//
//	Implements strategy.PathSource. Concurrent misses for one route run
//	a single graph search. Unreachable routes are not cached.
func (c *Cache) Path(ctx context.Context, source, target string) (topology.Path, bool) {
	if p, ok := c.Get(ctx, source, target); ok {
		return p, true
	}
	if c.graph == nil {
		return topology.Path{}, false
	}

	key := RouteKey(source, target)
	v, _, _ := c.flight.Do(key, func() (any, error) {
		gen := c.generation.Load()
		p, ok := c.graph.ShortestPath(source, target)
		if !ok {
			return nil, nil
		}
		if c.fill(ctx, key, p, gen) {
			return p, nil
		}
		// An invalidation raced the fill. Answer from the current graph
		// without caching.
		staleFills.Inc()
		p, ok = c.graph.ShortestPath(source, target)
		if !ok {
			return nil, nil
		}
		return p, nil
	})
	p, ok := v.(topology.Path)
	if !ok {
		return topology.Path{}, false
	}
	return clonePath(p), true
}

// =============================================================================
// Invalidation
// =============================================================================

// Invalidate evicts every route affected by a change to source -> target.
//
// Description:
//
//	Evicts the route keyed (source, target) and every cached route whose
//	path traverses the edge, in both tiers. Affected routes are found
//	through the local edge index and the shared edge index, so entries
//	cached by other instances are evicted too.
//
//	Must be called whenever the weight of source -> target changes.
//
// Outputs:
//
//	int - Number of distinct route keys evicted.
func (c *Cache) Invalidate(ctx context.Context, source, target string) int {
	c.generation.Add(1)
	edge := edgeID(source, target)
	keys := map[string]struct{}{RouteKey(source, target): {}}

	c.mu.Lock()
	for k := range c.edgeIndex[edge] {
		keys[k] = struct{}{}
	}
	delete(c.edgeIndex, edge)
	c.mu.Unlock()

	prefix := sharedIndexPrefix(source, target)
	idxKeys, err := c.shared.Keys(ctx, prefix)
	if err != nil {
		c.reporter.Report("invalidate", err, slog.String("edge", edge))
	}
	for _, ik := range idxKeys {
		keys[strings.TrimPrefix(ik, prefix)] = struct{}{}
	}

	toDelete := make([]string, 0, len(keys)+len(idxKeys))
	c.mu.Lock()
	for k := range keys {
		c.removeLocal(k)
		toDelete = append(toDelete, k)
	}
	c.mu.Unlock()
	toDelete = append(toDelete, idxKeys...)

	if err := c.shared.Delete(ctx, toDelete...); err != nil {
		c.reporter.Report("invalidate", err, slog.String("edge", edge))
	}

	c.invalidations.Add(1)
	invalidationsTotal.Inc()
	return len(keys)
}

// =============================================================================
// Precompute
// =============================================================================

// Precompute seeds tier 2 with every all-pairs shortest path.
//
// Description:
//
//	Runs single-source Dijkstra from every node in parallel (bounded by
//	PrecomputeWorkers) and writes each path with PrecomputeTTL. Tier 1
//	is not touched. If Invalidate runs during the batch, the write in
//	flight is rolled back and the batch stops with ErrTopologyChanged.
//
// Outputs:
//
//	int - Number of routes written.
//	error - Non-nil if the graph is missing, ctx is cancelled, the
//	        topology changed, or the shared store rejected a write.
func (c *Cache) Precompute(ctx context.Context) (int, error) {
	if c.graph == nil {
		return 0, errors.New("precompute: no topology graph configured")
	}
	start := time.Now()
	gen := c.generation.Load()

	var written atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.PrecomputeWorkers)
	for _, src := range c.graph.Nodes() {
		g.Go(func() error {
			for dst, p := range c.graph.ShortestPathsFrom(src) {
				if err := gctx.Err(); err != nil {
					return err
				}
				if c.generation.Load() != gen {
					return ErrTopologyChanged
				}
				key := RouteKey(src, dst)
				if err := c.setShared(gctx, key, p, c.cfg.PrecomputeTTL); err != nil {
					c.reporter.Report("precompute", err)
					return fmt.Errorf("precompute %s -> %s: %w", src, dst, err)
				}
				if c.generation.Load() != gen {
					c.rollback(context.WithoutCancel(gctx), key, p)
					return ErrTopologyChanged
				}
				written.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	precomputeDuration.Observe(time.Since(start).Seconds())
	c.logger.Info("route precompute finished",
		slog.Int64("routes", written.Load()),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("ok", err == nil))
	return int(written.Load()), err
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.local)
	c.mu.Unlock()
	return Stats{
		LocalHits:     c.localHits.Load(),
		SharedHits:    c.sharedHits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
		LocalEntries:  n,
	}
}

// =============================================================================
// Tier internals
// =============================================================================

// fill stores a computed path unless Invalidate ran since gen was read.
// The generation is checked again after the write; a write that lost the
// race is rolled back. Reports whether the path was kept.
func (c *Cache) fill(ctx context.Context, key string, p topology.Path, gen uint64) bool {
	if c.generation.Load() != gen {
		return false
	}
	c.setLocal(key, p)
	if err := c.setShared(ctx, key, p, c.cfg.SharedTTL); err != nil {
		c.reporter.Report("set", err, slog.String("key", key))
	}
	if c.generation.Load() != gen {
		c.rollback(context.WithoutCancel(ctx), key, p)
		return false
	}
	return true
}

// rollback removes a route written by a fill that lost a race with
// Invalidate, from both tiers along with its shared index entries.
func (c *Cache) rollback(ctx context.Context, key string, p topology.Path) {
	c.mu.Lock()
	c.removeLocal(key)
	c.mu.Unlock()

	keys := []string{key}
	for i := 0; i+1 < len(p.Nodes); i++ {
		keys = append(keys, sharedIndexPrefix(p.Nodes[i], p.Nodes[i+1])+key)
	}
	if err := c.shared.Delete(ctx, keys...); err != nil {
		c.reporter.Report("rollback", err, slog.String("key", key))
	}
}

func (c *Cache) setShared(ctx context.Context, key string, p topology.Path, ttl time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	if err := c.shared.Set(ctx, key, raw, ttl); err != nil {
		return err
	}
	for i := 0; i+1 < len(p.Nodes); i++ {
		idx := sharedIndexPrefix(p.Nodes[i], p.Nodes[i+1]) + key
		if err := c.shared.Set(ctx, idx, nil, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) getLocal(key string) (topology.Path, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.local[key]
	if !ok {
		return topology.Path{}, false
	}
	e := el.Value.(*localEntry)
	if !c.clock.Now().Before(e.expiresAt) {
		c.removeLocal(key)
		return topology.Path{}, false
	}
	c.lru.MoveToFront(el)
	return clonePath(e.path), true
}

func (c *Cache) setLocal(key string, p topology.Path) {
	p = clonePath(p)
	c.mu.Lock()
	defer c.mu.Unlock()

	exp := c.clock.Now().Add(c.cfg.LocalTTL)
	if el, ok := c.local[key]; ok {
		c.unindex(key, el.Value.(*localEntry).path)
		el.Value = &localEntry{key: key, path: p, expiresAt: exp}
		c.lru.MoveToFront(el)
	} else {
		c.local[key] = c.lru.PushFront(&localEntry{key: key, path: p, expiresAt: exp})
	}
	for i := 0; i+1 < len(p.Nodes); i++ {
		edge := edgeID(p.Nodes[i], p.Nodes[i+1])
		set, ok := c.edgeIndex[edge]
		if !ok {
			set = make(map[string]struct{})
			c.edgeIndex[edge] = set
		}
		set[key] = struct{}{}
	}

	for c.lru.Len() > c.cfg.MaxLocalEntries {
		oldest := c.lru.Back()
		c.removeLocal(oldest.Value.(*localEntry).key)
	}
}

// removeLocal drops key from tier 1 and the local edge index. Caller holds mu.
func (c *Cache) removeLocal(key string) {
	el, ok := c.local[key]
	if !ok {
		return
	}
	c.unindex(key, el.Value.(*localEntry).path)
	c.lru.Remove(el)
	delete(c.local, key)
}

// unindex removes key from the edge index entries of p. Caller holds mu.
func (c *Cache) unindex(key string, p topology.Path) {
	for i := 0; i+1 < len(p.Nodes); i++ {
		edge := edgeID(p.Nodes[i], p.Nodes[i+1])
		if set, ok := c.edgeIndex[edge]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.edgeIndex, edge)
			}
		}
	}
}

func clonePath(p topology.Path) topology.Path {
	nodes := make([]string, len(p.Nodes))
	copy(nodes, p.Nodes)
	return topology.Path{Nodes: nodes, Cost: p.Cost}
}
