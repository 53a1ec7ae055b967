// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRelay/pkg/validation"
	"github.com/AleutianAI/AleutianRelay/services/relay/strategy"
)

// rulesFile is the on-disk rules format:
//
//	rules:
//	  calculate: math_agent
//	  refund: billing_agent
type rulesFile struct {
	Rules map[string]string `yaml:"rules"`
}

// ErrEmptyRules is returned for a zero-length rules file, which is what a
// reader sees between an editor's truncate and write. Use "rules: {}" to
// clear every rule.
var ErrEmptyRules = errors.New("rules file is empty")

// LoadRules reads a keyword -> target rules file. Keywords are lowercased.
func LoadRules(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("read rules %s: %w", path, ErrEmptyRules)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	out := make(map[string]string, len(f.Rules))
	for k, v := range f.Rules {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			return nil, fmt.Errorf("parse rules %s: empty keyword or target", path)
		}
		if err := validation.ValidateNodeID(v); err != nil {
			return nil, fmt.Errorf("parse rules %s: keyword %q: %w", path, k, err)
		}
		out[k] = v
	}
	if err := checkRuleKeywords(out); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return out, nil
}

// checkRuleKeywords rejects keywords the query tokenizer never emits:
// phrases, single characters and noise words.
func checkRuleKeywords(rules map[string]string) error {
	var bad []string
	for k := range rules {
		if _, ok := strategy.RuleKeyword(k); !ok {
			bad = append(bad, k)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("rule keywords must be a single word of two or more characters that is not a stop word: %q", bad)
}

// RuleReplacer swaps the active rule set. strategy.RuleMatcher satisfies it.
type RuleReplacer interface {
	Replace(rules map[string]string)
}

// RulesWatcher reloads a rules file into a RuleReplacer when it changes.
//
// The parent directory is watched so that editors which write a temp file
// and rename it over the original are picked up. A file that fails to
// parse leaves the previous rules in place.
//
// Thread Safety: Start should only be called once.
type RulesWatcher struct {
	path    string
	target  RuleReplacer
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	onLoad  func(n int, err error)
}

// NewRulesWatcher creates a watcher for path.
func NewRulesWatcher(path string, target RuleReplacer, logger *slog.Logger) (*RulesWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("rules path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rules watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RulesWatcher{
		path:    abs,
		target:  target,
		watcher: w,
		logger:  logger.With(slog.String("component", "rules_watcher")),
	}, nil
}

// Start processes file events until ctx is cancelled or Stop is called.
// Run it in a goroutine.
func (w *RulesWatcher) Start(ctx context.Context) {
	w.logger.Debug("watching rules file", slog.String("path", w.path))
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			return
		}
	}
}

func (w *RulesWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	rules, err := LoadRules(w.path)
	if err != nil {
		w.logger.Warn("rules reload failed, keeping previous rules",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
	} else {
		w.target.Replace(rules)
		w.logger.Info("rules reloaded", slog.Int("rules", len(rules)))
	}
	if w.onLoad != nil {
		w.onLoad(len(rules), err)
	}
}

// Stop releases the watcher. Safe to call more than once.
func (w *RulesWatcher) Stop() error {
	return w.watcher.Close()
}
