// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports an invalid experiment definition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid experiment: %s: %s", e.Field, e.Reason)
}

// experimentValidate is the validator instance for experiment definitions.
var experimentValidate *validator.Validate

func init() {
	experimentValidate = validator.New()
	_ = experimentValidate.RegisterValidation("confidence", validateConfidence)
}

// validateConfidence accepts the levels GetStats has z values for.
func validateConfidence(fl validator.FieldLevel) bool {
	_, ok := zScores[fl.Field().Float()]
	return ok
}

// Validate checks an experiment definition.
//
// Description:
//
//	Runs the struct tags first, then the cross-field rules the tags cannot
//	express: every variant has a split entry, no split entry names an
//	unknown variant, and the split sums to 1.0 within SplitTolerance.
//
// Outputs:
//
//	error - *ValidationError describing the first problem found, or nil.
func Validate(exp *Experiment) error {
	if err := experimentValidate.Struct(exp); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: fe.Field(), Reason: "failed " + fe.Tag() + " check"}
		}
		return &ValidationError{Field: "experiment", Reason: err.Error()}
	}

	for _, v := range exp.Variants {
		if _, ok := exp.TrafficSplit[v]; !ok {
			return &ValidationError{Field: "TrafficSplit", Reason: "no share for variant " + v}
		}
	}

	extra := make([]string, 0)
	sum := 0.0
	for v, share := range exp.TrafficSplit {
		if !exp.HasVariant(v) {
			extra = append(extra, v)
		}
		sum += share
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return &ValidationError{Field: "TrafficSplit", Reason: "unknown variant " + extra[0]}
	}
	if math.Abs(sum-1.0) > SplitTolerance {
		return &ValidationError{Field: "TrafficSplit", Reason: fmt.Sprintf("shares sum to %.3f, want 1.0", sum)}
	}
	return nil
}
