// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge provides a Weaviate-backed concept graph used by the
// semantic strategy to expand query terms with related concepts.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianRelay/services/relay/strategy"
)

// ConceptClassName is the Weaviate class holding concepts.
const ConceptClassName = "RelayConcept"

// DefaultLimit caps related concepts when the caller passes limit <= 0.
const DefaultLimit = 5

// Config locates the Weaviate instance.
type Config struct {
	// URL of the Weaviate HTTP endpoint, e.g. http://localhost:8080.
	URL string `yaml:"url" validate:"omitempty,url"`

	// Embedder vectorizes terms client-side. When nil the server's
	// vectorizer module is used through nearText.
	Embedder strategy.EmbeddingProvider `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

// Store is a strategy.GraphStore over Weaviate.
//
// Each concept object carries a name and a list of related concept names.
// A lookup finds the concepts nearest to the term and returns their names
// followed by their related names.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	client   *weaviate.Client
	embedder strategy.EmbeddingProvider
	logger   *slog.Logger
}

var _ strategy.GraphStore = (*Store)(nil)

// New creates a Store.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("knowledge: weaviate url is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("knowledge: invalid weaviate url %q", cfg.URL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:   client,
		embedder: cfg.Embedder,
		logger:   logger.With(slog.String("component", "knowledge")),
	}, nil
}

// ConceptSchema returns the class definition for concepts.
func ConceptSchema(vectorizer string) *models.Class {
	if vectorizer == "" {
		vectorizer = "none"
	}
	return &models.Class{
		Class:       ConceptClassName,
		Description: "A routing concept and the concepts related to it.",
		Vectorizer:  vectorizer,
		Properties: []*models.Property{
			{
				Name:         "name",
				DataType:     []string{"text"},
				Description:  "Canonical concept name.",
				Tokenization: "field",
			},
			{
				Name:        "related",
				DataType:    []string{"text[]"},
				Description: "Names of related concepts.",
			},
		},
	}
}

// EnsureSchema creates the concept class if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.client.Schema().ClassGetter().WithClassName(ConceptClassName).Do(ctx); err == nil {
		return nil
	}
	vectorizer := "none"
	if s.embedder == nil {
		vectorizer = "text2vec-transformers"
	}
	if err := s.client.Schema().ClassCreator().WithClass(ConceptSchema(vectorizer)).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", ConceptClassName, err)
	}
	s.logger.Info("created concept class", slog.String("class", ConceptClassName))
	return nil
}

// AddConcept stores a concept and its related names.
func (s *Store) AddConcept(ctx context.Context, name string, related []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("knowledge: concept name is required")
	}
	creator := s.client.Data().Creator().
		WithClassName(ConceptClassName).
		WithProperties(map[string]interface{}{
			"name":    name,
			"related": related,
		})
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, name)
		if err != nil {
			return fmt.Errorf("embed concept %q: %w", name, err)
		}
		creator = creator.WithVector(vec)
	}
	if _, err := creator.Do(ctx); err != nil {
		return fmt.Errorf("store concept %q: %w", name, err)
	}
	return nil
}

// RelatedConcepts returns up to limit concepts related to term.
func (s *Store) RelatedConcepts(ctx context.Context, term string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := s.client.GraphQL().Get().
		WithClassName(ConceptClassName).
		WithFields(graphql.Field{Name: "name"}, graphql.Field{Name: "related"}).
		WithLimit(limit)

	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, term)
		if err != nil {
			return nil, fmt.Errorf("embed term: %w", err)
		}
		query = query.WithNearVector(s.client.GraphQL().NearVectorArgBuilder().WithVector(vec))
	} else {
		query = query.WithNearText(s.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{term}))
	}

	result, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("related concepts: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("related concepts: %s", result.Errors[0].Message)
	}
	return parseConcepts(result, term, limit), nil
}

// parseConcepts flattens a Get response into concept names, skipping the
// term itself and duplicates.
func parseConcepts(result *models.GraphQLResponse, term string, limit int) []string {
	out := []string{}
	if result == nil {
		return out
	}
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return out
	}
	objects, ok := data[ConceptClassName].([]interface{})
	if !ok {
		return out
	}

	seen := map[string]bool{strings.ToLower(term): true}
	add := func(v string) {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" || seen[key] || len(out) >= limit {
			return
		}
		seen[key] = true
		out = append(out, key)
	}

	var related []string
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		if name, ok := m["name"].(string); ok {
			add(name)
		}
		if list, ok := m["related"].([]interface{}); ok {
			for _, r := range list {
				if s, ok := r.(string); ok {
					related = append(related, s)
				}
			}
		}
	}
	for _, r := range related {
		add(r)
	}
	return out
}
