// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// =============================================================================
// Candidate Validation
// =============================================================================

// ValidateInstructions checks a generated instruction set against the
// schema and the data-source dialect.
//
// # Description
//
// Every referenced table and column must exist in the schema snapshot,
// the operation/shape combination must be coherent, and the aggregate
// function must be one the dialect supports. Returns a
// SchemaValidationError listing every problem found, not just the first:
// retry prompts work better when the model sees all of them at once.
//
// # Inputs
//
//   - instr: The candidate instruction set.
//   - schema: Schema tables known at validation time.
//
// # Outputs
//
//   - error: Nil when valid; *SchemaValidationError otherwise.
//
// # Thread Safety
//
// Pure function. Safe for concurrent use.
func ValidateInstructions(instr datatypes.ETLInstructions, schema []datatypes.TableSchema) error {
	var problems []string

	table, ok := findTable(schema, instr.Table)
	if !ok {
		problems = append(problems, fmt.Sprintf("table %q does not exist; known tables: %s", instr.Table, tableNames(schema)))
		return &SchemaValidationError{Problems: problems}
	}

	checkColumn := func(role, col string) {
		if col == "" {
			return
		}
		if _, ok := table.Field(col); !ok {
			problems = append(problems, fmt.Sprintf("%s column %q does not exist in table %q", role, col, table.Name))
		}
	}

	switch instr.Operation {
	case datatypes.OpAggregate:
		if instr.Aggregation.Fn == "" {
			problems = append(problems, "aggregate operation requires aggregation.fn")
		} else if !supportedAggregateFn(instr.Aggregation.Fn) {
			problems = append(problems, fmt.Sprintf("unsupported aggregate function %q (supported: sum, count, avg, min, max)", instr.Aggregation.Fn))
		}
		// count(*) needs no column; everything else does.
		if instr.Aggregation.Column == "" && instr.Aggregation.Fn != "count" {
			problems = append(problems, fmt.Sprintf("aggregate function %q requires aggregation.column", instr.Aggregation.Fn))
		}
		checkColumn("aggregation", instr.Aggregation.Column)

	case datatypes.OpSelect, datatypes.OpTransform:
		if len(instr.Columns) == 0 {
			problems = append(problems, fmt.Sprintf("%s operation requires at least one projected column", instr.Operation))
		}
		for _, c := range instr.Columns {
			checkColumn("projected", c)
		}

	default:
		problems = append(problems, fmt.Sprintf("unknown operation %q", instr.Operation))
	}

	for _, g := range instr.Aggregation.GroupBy {
		checkColumn("group_by", g)
	}
	if instr.Filters.Time != nil {
		checkColumn("time filter", instr.Filters.Time.Column)
		if instr.Filters.Time.Window.IsZero() {
			problems = append(problems, "time filter has an unresolved window")
		}
	}
	if instr.Filters.Region != nil {
		checkColumn("region filter", instr.Filters.Region.Column)
	}
	for _, f := range instr.Filters.Other {
		checkColumn("filter", f.Column)
	}
	checkColumn("order_by", instr.OrderBy)

	if err := checkShape(instr); err != "" {
		problems = append(problems, err)
	}
	if instr.Limit < 0 {
		problems = append(problems, "limit must not be negative")
	}

	if len(problems) > 0 {
		return &SchemaValidationError{Problems: problems}
	}
	return nil
}

// checkShape verifies the operation/shape combination is coherent.
func checkShape(instr datatypes.ETLInstructions) string {
	switch instr.Shape {
	case datatypes.ShapeScalar:
		if instr.Operation != datatypes.OpAggregate {
			return "scalar output requires an aggregate operation"
		}
		if len(instr.Aggregation.GroupBy) > 0 {
			return "scalar output is incompatible with group_by"
		}
	case datatypes.ShapeSeries:
		if instr.Operation == datatypes.OpAggregate && len(instr.Aggregation.GroupBy) == 0 {
			return "series output from an aggregate requires group_by"
		}
	case datatypes.ShapeTable:
		// Any operation can produce a table.
	default:
		return fmt.Sprintf("unknown output shape %q", instr.Shape)
	}
	return ""
}

func supportedAggregateFn(fn string) bool {
	switch fn {
	case "sum", "count", "avg", "min", "max":
		return true
	}
	return false
}

func equalFoldTrim(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func findTable(schema []datatypes.TableSchema, name string) (datatypes.TableSchema, bool) {
	for _, t := range schema {
		if equalFoldTrim(t.Name, name) {
			return t, true
		}
	}
	return datatypes.TableSchema{}, false
}

func tableNames(schema []datatypes.TableSchema) string {
	if len(schema) == 0 {
		return "(none)"
	}
	names := ""
	for i, t := range schema {
		if i > 0 {
			names += ", "
		}
		names += t.Name
	}
	return names
}
