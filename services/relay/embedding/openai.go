// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding implements strategy.EmbeddingProvider over the OpenAI
// embeddings API.
package embedding

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianRelay/services/relay/strategy"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = string(openai.SmallEmbedding3)

// DefaultCacheSize bounds the number of cached vectors.
const DefaultCacheSize = 4096

// ErrNoAPIKey is returned when no key is configured or mounted as a secret.
var ErrNoAPIKey = errors.New("OPENAI_API_KEY not set")

// secretPath is where a container secret holding the key is mounted.
const secretPath = "/run/secrets/openai_api_key"

// Config configures an OpenAIProvider.
type Config struct {
	APIKey string `yaml:"-"`

	// BaseURL overrides the API endpoint. Empty uses api.openai.com.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	Model string `yaml:"model"`

	// CacheSize bounds cached vectors. Zero uses DefaultCacheSize; negative
	// disables the cache.
	CacheSize int `yaml:"cache_size"`

	Logger *slog.Logger `yaml:"-"`
}

// OpenAIProvider embeds text with the OpenAI API and keeps an LRU of
// recent vectors.
//
// Thread Safety: Safe for concurrent use.
type OpenAIProvider struct {
	client *openai.Client
	model  openai.EmbeddingModel
	logger *slog.Logger

	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

type cached struct {
	text string
	vec  []float32
}

var _ strategy.EmbeddingProvider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider. The key falls back to
// OPENAI_API_KEY, then to the mounted secret file.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		if b, err := os.ReadFile(secretPath); err == nil {
			key = strings.TrimSpace(string(b))
		}
	}
	if key == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	cfg.Logger.Info("initializing embedding provider", slog.String("model", cfg.Model))

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  openai.EmbeddingModel(cfg.Model),
		logger: cfg.Logger.With(slog.String("component", "embedding")),
		cap:    cfg.CacheSize,
		order:  list.New(),
		items:  make(map[string]*list.Element),
	}, nil
}

// Embed returns the embedding vector for text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := p.lookup(text); ok {
		return v, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: p.model,
	})
	if err != nil {
		p.logger.Warn("embedding request failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("create embedding: empty response")
	}
	vec := resp.Data[0].Embedding
	p.store(text, vec)
	return vec, nil
}

func (p *OpenAIProvider) lookup(text string) ([]float32, bool) {
	if p.cap < 0 {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.items[text]
	if !ok {
		return nil, false
	}
	p.order.MoveToFront(el)
	return el.Value.(*cached).vec, true
}

func (p *OpenAIProvider) store(text string, vec []float32) {
	if p.cap < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.items[text]; ok {
		el.Value.(*cached).vec = vec
		p.order.MoveToFront(el)
		return
	}
	p.items[text] = p.order.PushFront(&cached{text: text, vec: vec})
	for p.order.Len() > p.cap {
		last := p.order.Back()
		p.order.Remove(last)
		delete(p.items, last.Value.(*cached).text)
	}
}
