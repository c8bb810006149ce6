// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package etl turns validated instruction sets into results. Queryable
// sources get a generated parameterized SELECT; tabular sources get an
// in-process filter, group, aggregate, project pipeline. Both modes
// produce the same outcome shape.
package etl

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// aggregateAlias is the output column every aggregate is projected as,
// in both execution modes.
const aggregateAlias = "value"

// sqlTimeLayout is how window bounds are bound as query parameters.
const sqlTimeLayout = "2006-01-02 15:04:05"

// queryBuilder accumulates WHERE clauses and their bind parameters.
type queryBuilder struct {
	whereClauses []string
	args         []any
}

func (qb *queryBuilder) addClause(clause string, args ...any) {
	qb.whereClauses = append(qb.whereClauses, clause)
	qb.args = append(qb.args, args...)
}

func (qb *queryBuilder) where() string {
	if len(qb.whereClauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(qb.whereClauses, " AND ")
}

// BuildQuery compiles an instruction set into a parameterized SELECT.
//
// # Description
//
// The window filter is inclusive on both ends. Region prefix filters
// compile to LIKE with escaped wildcards. When the instructions group
// without an explicit ordering, the first grouping column orders the
// result so repeated executions return rows in a stable order.
//
// # Inputs
//
//   - instr: A validated instruction set. BuildQuery assumes table and
//     column names already passed schema validation.
//   - maxRows: Hard row cap applied as LIMIT. Zero means uncapped.
//
// # Outputs
//
//   - string: The SQL text with ? placeholders.
//   - []any: Bind parameters in placeholder order.
//   - error: Unsupported operation.
func BuildQuery(instr datatypes.ETLInstructions, maxRows int) (string, []any, error) {
	var qb queryBuilder

	if t := instr.Filters.Time; t != nil {
		qb.addClause(fmt.Sprintf("%s >= ? AND %s <= ?", quoteIdent(t.Column), quoteIdent(t.Column)),
			t.Window.Start.Format(sqlTimeLayout), t.Window.End.Format(sqlTimeLayout))
	}
	if r := instr.Filters.Region; r != nil {
		if r.Prefix {
			qb.addClause(fmt.Sprintf("%s LIKE ? ESCAPE '\\'", quoteIdent(r.Column)),
				escapeLikePattern(r.Value)+"%")
		} else {
			qb.addClause(fmt.Sprintf("%s = ?", quoteIdent(r.Column)), r.Value)
		}
	}
	for _, f := range instr.Filters.Other {
		qb.addClause(fmt.Sprintf("%s = ?", quoteIdent(f.Column)), f.Value)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")

	switch instr.Operation {
	case datatypes.OpAggregate:
		for _, g := range instr.Aggregation.GroupBy {
			sb.WriteString(quoteIdent(g))
			sb.WriteString(", ")
		}
		sb.WriteString(aggregateExpr(instr.Aggregation))
		sb.WriteString(" AS ")
		sb.WriteString(aggregateAlias)

	case datatypes.OpSelect, datatypes.OpTransform:
		cols := make([]string, len(instr.Columns))
		for i, c := range instr.Columns {
			cols[i] = quoteIdent(c)
		}
		sb.WriteString(strings.Join(cols, ", "))

	default:
		return "", nil, fmt.Errorf("unsupported operation %q", instr.Operation)
	}

	sb.WriteString(" FROM ")
	sb.WriteString(quoteIdent(instr.Table))
	sb.WriteString(qb.where())

	if len(instr.Aggregation.GroupBy) > 0 && instr.Operation == datatypes.OpAggregate {
		sb.WriteString(" GROUP BY ")
		groups := make([]string, len(instr.Aggregation.GroupBy))
		for i, g := range instr.Aggregation.GroupBy {
			groups[i] = quoteIdent(g)
		}
		sb.WriteString(strings.Join(groups, ", "))
	}

	if order := orderColumn(instr); order != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(quoteIdent(order))
	}

	if limit := effectiveLimit(instr.Limit, maxRows); limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}

	return sb.String(), qb.args, nil
}

func aggregateExpr(agg datatypes.Aggregation) string {
	fn := strings.ToUpper(strings.TrimSpace(agg.Fn))
	if agg.Column == "" {
		return fn + "(*)"
	}
	return fn + "(" + quoteIdent(agg.Column) + ")"
}

// orderColumn resolves the ordering column: the explicit one, else the
// first grouping column for grouped aggregates.
func orderColumn(instr datatypes.ETLInstructions) string {
	if instr.OrderBy != "" {
		return instr.OrderBy
	}
	if instr.Operation == datatypes.OpAggregate && len(instr.Aggregation.GroupBy) > 0 {
		return instr.Aggregation.GroupBy[0]
	}
	return ""
}

// effectiveLimit returns the tighter of the instruction limit and the
// executor row cap.
func effectiveLimit(instrLimit, maxRows int) int {
	switch {
	case instrLimit <= 0:
		return maxRows
	case maxRows <= 0:
		return instrLimit
	case instrLimit < maxRows:
		return instrLimit
	default:
		return maxRows
	}
}

// quoteIdent double-quotes an identifier, doubling embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// windowContains reports whether a row timestamp falls inside the
// inclusive window. Shared by the pipeline mode's time filter.
func windowContains(w datatypes.TimeWindow, t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}
