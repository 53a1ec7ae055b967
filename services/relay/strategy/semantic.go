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
	"log/slog"
	"math"
	"strings"
	"sync"
)

// =============================================================================
// Collaborators
// =============================================================================

// EmbeddingProvider turns text into a vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GraphStore returns concepts related to a term in a knowledge graph.
type GraphStore interface {
	RelatedConcepts(ctx context.Context, term string, limit int) ([]string, error)
}

// Capability is a routable skill hosted at a graph node.
type Capability struct {
	// Name identifies the capability.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Node is the graph node serving the capability. Defaults to Name.
	Node string `json:"node,omitempty" yaml:"node"`

	// Keywords are the only terms matched against query terms.
	Keywords []string `json:"keywords" yaml:"keywords"`

	// Description is embedded for similarity scoring and never enters
	// keyword overlap. Defaults to the keywords joined by spaces.
	Description string `json:"description,omitempty" yaml:"description"`
}

func (c Capability) node() string {
	if c.Node != "" {
		return c.Node
	}
	return c.Name
}

func (c Capability) embedText() string {
	if c.Description != "" {
		return c.Description
	}
	return strings.Join(c.Keywords, " ")
}

// =============================================================================
// SemanticScorer
// =============================================================================

const (
	// KeywordWeight weighs keyword overlap when embeddings are available.
	KeywordWeight = 0.3

	// EmbeddingWeight weighs embedding similarity when available.
	EmbeddingWeight = 0.7

	// DefaultSemanticThreshold is the minimum combined score to match.
	DefaultSemanticThreshold = 0.3

	// DefaultRelatedLimit bounds related concepts fetched per query term.
	DefaultRelatedLimit = 3
)

// SemanticConfig configures a SemanticScorer.
type SemanticConfig struct {
	// Capabilities to score against.
	Capabilities []Capability

	// Embedder enables embedding similarity. Optional.
	Embedder EmbeddingProvider

	// Graph enables related-concept expansion of query terms. Optional.
	Graph GraphStore

	// Threshold is the minimum score. Default: 0.3.
	Threshold float64

	// RelatedLimit bounds concepts per term. Default: 3.
	RelatedLimit int

	// Logger. If nil, uses slog.Default().
	Logger *slog.Logger
}

// SemanticScorer maps a query to the best-matching capability.
//
// Description:
//
//	combined = 0.3 * keyword_overlap + 0.7 * embedding_similarity when an
//	embedding backend is configured and answers, else keyword_overlap
//	alone. Embedding failure degrades the call to keyword-only. When a
//	GraphStore is configured, query terms are first expanded with
//	related concepts; a GraphStore failure only skips the expansion.
//
//	The decision carries a capability and goal but no target: the
//	GraphPathfinder turns the goal into a next hop.
//
// Thread Safety: Safe for concurrent use.
type SemanticScorer struct {
	caps         []Capability
	keywords     []map[string]bool
	embedder     EmbeddingProvider
	graph        GraphStore
	threshold    float64
	relatedLimit int
	logger       *slog.Logger

	mu       sync.RWMutex
	capEmbed map[string][]float32
}

// NewSemanticScorer creates a scorer.
func NewSemanticScorer(cfg SemanticConfig) *SemanticScorer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultSemanticThreshold
	}
	if cfg.RelatedLimit <= 0 {
		cfg.RelatedLimit = DefaultRelatedLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	kw := make([]map[string]bool, len(cfg.Capabilities))
	for i, c := range cfg.Capabilities {
		kw[i] = TermSet(strings.Join(c.Keywords, " "))
	}
	return &SemanticScorer{
		caps:         cfg.Capabilities,
		keywords:     kw,
		embedder:     cfg.Embedder,
		graph:        cfg.Graph,
		threshold:    cfg.Threshold,
		relatedLimit: cfg.RelatedLimit,
		logger:       cfg.Logger,
		capEmbed:     make(map[string][]float32),
	}
}

// Name implements Stage.
func (s *SemanticScorer) Name() string { return StageSemantic }

// Score returns the combined score of every capability for text,
// aligned with the configured capabilities.
func (s *SemanticScorer) Score(ctx context.Context, text string) []float64 {
	terms := s.expand(ctx, TermSet(text))

	var queryVec []float32
	if s.embedder != nil && strings.TrimSpace(text) != "" {
		v, err := s.embedder.Embed(ctx, text)
		if err != nil {
			s.logger.Warn("embedding unavailable, using keyword overlap only",
				slog.String("error", err.Error()))
		} else {
			queryVec = v
		}
	}

	scores := make([]float64, len(s.caps))
	for i, c := range s.caps {
		kw := KeywordOverlap(terms, s.keywords[i])
		if queryVec == nil {
			scores[i] = kw
			continue
		}
		capVec, ok := s.capabilityVector(ctx, c)
		if !ok {
			scores[i] = kw
			continue
		}
		sim := math.Max(0, CosineSimilarity(queryVec, capVec))
		scores[i] = KeywordWeight*kw + EmbeddingWeight*sim
	}
	return scores
}

// Resolve implements Stage.
func (s *SemanticScorer) Resolve(ctx context.Context, q Query) (Decision, bool) {
	if len(s.caps) == 0 {
		return Decision{}, false
	}
	scores := s.Score(ctx, q.Text)
	best := -1
	for i, sc := range scores {
		if sc >= s.threshold && (best < 0 || sc > scores[best]) {
			best = i
		}
	}
	if best < 0 {
		return Decision{}, false
	}
	c := s.caps[best]
	return Decision{
		Capability: c.Name,
		Goal:       c.node(),
		Stage:      StageSemantic,
		Score:      scores[best],
	}, true
}

// expand adds related concepts for each term. Failures are logged and
// leave the term set unchanged.
func (s *SemanticScorer) expand(ctx context.Context, terms map[string]bool) map[string]bool {
	if s.graph == nil || len(terms) == 0 {
		return terms
	}
	out := make(map[string]bool, len(terms))
	for t := range terms {
		out[t] = true
	}
	for t := range terms {
		related, err := s.graph.RelatedConcepts(ctx, t, s.relatedLimit)
		if err != nil {
			s.logger.Debug("related concept lookup failed",
				slog.String("term", t), slog.String("error", err.Error()))
			continue
		}
		for _, r := range related {
			for _, tok := range Tokens(r) {
				out[tok] = true
			}
		}
	}
	return out
}

// capabilityVector returns the cached embedding of a capability,
// computing it on first use. Failures are not cached.
func (s *SemanticScorer) capabilityVector(ctx context.Context, c Capability) ([]float32, bool) {
	s.mu.RLock()
	v, ok := s.capEmbed[c.Name]
	s.mu.RUnlock()
	if ok {
		return v, true
	}

	v, err := s.embedder.Embed(ctx, c.embedText())
	if err != nil {
		s.logger.Debug("capability embedding failed",
			slog.String("capability", c.Name), slog.String("error", err.Error()))
		return nil, false
	}
	s.mu.Lock()
	s.capEmbed[c.Name] = v
	s.mu.Unlock()
	return v, true
}
