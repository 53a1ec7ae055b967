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
	"sort"
	"strings"
	"sync/atomic"
)

// RuleMatcher maps keywords to fixed targets.
//
// Description:
//
//	The query is tokenized and each token is looked up in the table
//	(one map access per token). The first token in query order that
//	matches wins. Rule decisions are authoritative: the dispatcher uses
//	the target as-is without bandit selection.
//
//	The table is swapped atomically by Replace, so a rules file can be
//	hot-reloaded while requests are in flight.
//
// Thread Safety: Safe for concurrent use.
type RuleMatcher struct {
	table  atomic.Pointer[map[string]string]
	logger *slog.Logger
}

// NewRuleMatcher creates a matcher over a keyword -> target table.
func NewRuleMatcher(rules map[string]string) *RuleMatcher {
	m := &RuleMatcher{logger: slog.Default().With(slog.String("component", "rules"))}
	m.Replace(rules)
	return m
}

// RuleKeyword normalizes k and reports whether Tokens can ever produce
// it. Phrases, single characters and noise words never match a query.
func RuleKeyword(k string) (string, bool) {
	k = strings.ToLower(strings.TrimSpace(k))
	toks := Tokens(k)
	return k, len(toks) == 1 && toks[0] == k
}

// Replace swaps in a new table. Keywords are matched case-insensitively.
// Keywords that RuleKeyword rejects are dropped and logged.
func (m *RuleMatcher) Replace(rules map[string]string) {
	table := make(map[string]string, len(rules))
	var dropped []string
	for k, v := range rules {
		if v == "" {
			continue
		}
		kw, ok := RuleKeyword(k)
		if !ok {
			dropped = append(dropped, k)
			continue
		}
		table[kw] = v
	}
	m.table.Store(&table)
	if len(dropped) > 0 && m.logger != nil {
		sort.Strings(dropped)
		m.logger.Warn("rule keywords can never match a query, skipped",
			slog.Any("keywords", dropped))
	}
}

// Len returns the number of rules.
func (m *RuleMatcher) Len() int {
	return len(*m.table.Load())
}

// Name implements Stage.
func (m *RuleMatcher) Name() string { return StageRule }

// Resolve implements Stage.
func (m *RuleMatcher) Resolve(_ context.Context, q Query) (Decision, bool) {
	table := *m.table.Load()
	if len(table) == 0 {
		return Decision{}, false
	}
	for _, tok := range Tokens(q.Text) {
		if target, ok := table[tok]; ok {
			return Decision{
				Target:        target,
				Stage:         StageRule,
				Score:         1,
				Authoritative: true,
			}, true
		}
	}
	return Decision{}, false
}
