// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"github.com/AleutianAI/meridian/services/resolver/datatypes"
	"github.com/AleutianAI/meridian/services/resolver/generate"
)

// =============================================================================
// Context Completeness Checker
// =============================================================================

// Missing-field names reported by CheckCompleteness. Stable strings:
// callers and the fallback loop's perceive phase both key off them.
const (
	MissingTimeWindow = "time_window"
	MissingSchema     = "schema_context"
	MissingDataSource = "data_source_id"
)

// CompletenessResult reports whether a context snapshot is sufficient for
// deterministic generation, and what is absent when it is not.
type CompletenessResult struct {
	// Complete is true when every required field is present.
	Complete bool `json:"complete"`

	// Missing lists the absent required fields, in stable order.
	Missing []string `json:"missing,omitempty"`
}

// CheckCompleteness decides whether deterministic generation can run.
//
// # Description
//
// Requires (1) a resolved absolute time window, or a relative-period
// token the fast path can resolve itself; (2) column detail for at least
// one table; (3) a concrete data-source identifier. The check is total
// and side-effect-free: it never panics, never performs I/O, and never
// mutates the snapshot. Its result only gates which generation path runs
// next.
//
// # Inputs
//
//   - snap: The context snapshot to examine.
//
// # Outputs
//
//   - CompletenessResult: Complete=true, or the missing field names.
//
// # Thread Safety
//
// Pure function. Safe for concurrent use.
func CheckCompleteness(snap datatypes.ContextSnapshot) CompletenessResult {
	var missing []string

	if snap.TimeWindow.IsZero() && !generate.KnownPeriodToken(snap.PeriodToken) {
		missing = append(missing, MissingTimeWindow)
	}

	if !hasSchemaDetail(snap.Schema) {
		missing = append(missing, MissingSchema)
	}

	if snap.Source.ID == "" {
		missing = append(missing, MissingDataSource)
	}

	return CompletenessResult{Complete: len(missing) == 0, Missing: missing}
}

// hasSchemaDetail reports whether at least one table carries column detail.
// A table name with no columns is not enough to generate against.
func hasSchemaDetail(schema []datatypes.TableSchema) bool {
	for _, t := range schema {
		if len(t.Fields) > 0 {
			return true
		}
	}
	return false
}
