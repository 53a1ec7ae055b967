// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided identifiers before they reach
// shared-store keys.
//
// Node IDs are embedded in keys such as "stats:<src>|<dst>:s" and
// "breaker:<node>:open", so separator characters must never appear in them.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// nodeIDPattern matches valid node IDs.
// Allows: letters, digits, underscore, dot, hyphen. Max 128 characters.
var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

// ValidateNodeID validates a topology node ID.
//
// Valid IDs:
//   - 1-128 characters
//   - Start with a letter or digit
//   - Letters, digits, underscore (_), dot (.) and hyphen (-)
//
// Example:
//
//	if err := validation.ValidateNodeID(req.Current); err != nil {
//	    return fmt.Errorf("invalid current node: %w", err)
//	}
func ValidateNodeID(id string) error {
	if id == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if !nodeIDPattern.MatchString(id) {
		return fmt.Errorf("invalid node id %q (letters, digits, '_', '.', '-'; max 128)", id)
	}
	return nil
}

// ValidateNodeIDs validates several IDs and lists every invalid one.
func ValidateNodeIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if ValidateNodeID(id) != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid node ids: %q", invalid)
	}
	return nil
}

// SanitizeNodeID trims surrounding whitespace and validates the result.
func SanitizeNodeID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateNodeID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
