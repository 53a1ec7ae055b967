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
	"math"
	"strings"
	"unicode"
)

// noiseWords carry no routing signal.
var noiseWords = map[string]bool{
	"the": true, "a": true, "an": true,
	"in": true, "on": true, "at": true,
	"to": true, "for": true, "of": true,
	"is": true, "are": true, "was": true,
	"it": true, "be": true, "me": true,
	"please": true, "can": true, "you": true,
	"what": true, "and": true, "or": true,
}

// Tokens splits text into lowercase word tokens in order, dropping
// punctuation, single characters and noise words. Duplicates are removed.
//
// Example:
//
//	Tokens("Please calculate the SUM of x_values") = ["calculate", "sum", "values"]
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 || noiseWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// TermSet returns Tokens(text) as a set.
func TermSet(text string) map[string]bool {
	toks := Tokens(text)
	set := make(map[string]bool, len(toks))
	for _, t := range toks {
		set[t] = true
	}
	return set
}

// KeywordOverlap is the overlap coefficient |a ∩ b| / min(|a|, |b|).
// Returns 0 if either set is empty.
func KeywordOverlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	n := 0
	for t := range small {
		if large[t] {
			n++
		}
	}
	return float64(n) / float64(len(small))
}

// CosineSimilarity returns the cosine of the angle between a and b.
// Mismatched lengths and zero vectors return 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
