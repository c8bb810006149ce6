// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package etl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// RunPipeline applies an instruction set to in-memory rows: filter,
// then group and aggregate (or project), then order and cap. The output
// matches what the compiled SELECT for the same instructions would
// return from a queryable source, including the aggregate alias column.
func RunPipeline(rows []datatypes.Row, instr datatypes.ETLInstructions, maxRows int) ([]datatypes.Row, error) {
	filtered := make([]datatypes.Row, 0, len(rows))
	for _, row := range rows {
		keep, err := rowMatches(row, instr.Filters)
		if err != nil {
			return nil, err
		}
		if keep {
			filtered = append(filtered, row)
		}
	}

	var out []datatypes.Row
	switch instr.Operation {
	case datatypes.OpAggregate:
		var err error
		out, err = aggregateRows(filtered, instr.Aggregation)
		if err != nil {
			return nil, err
		}
	case datatypes.OpSelect, datatypes.OpTransform:
		out = projectRows(filtered, instr.Columns)
	default:
		return nil, fmt.Errorf("unsupported operation %q", instr.Operation)
	}

	if order := orderColumn(instr); order != "" {
		sortRows(out, order)
	}
	if limit := effectiveLimit(instr.Limit, maxRows); limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func rowMatches(row datatypes.Row, filters datatypes.Filters) (bool, error) {
	if t := filters.Time; t != nil {
		cell := row[t.Column]
		if cell == nil {
			// NULL never satisfies a range comparison.
			return false, nil
		}
		ts, err := rowTime(cell)
		if err != nil {
			return false, fmt.Errorf("time filter on %q: %w", t.Column, err)
		}
		if !windowContains(t.Window, ts) {
			return false, nil
		}
	}
	if r := filters.Region; r != nil {
		v := stringValue(row[r.Column])
		if r.Prefix {
			if !strings.HasPrefix(v, r.Value) {
				return false, nil
			}
		} else if v != r.Value {
			return false, nil
		}
	}
	for _, f := range filters.Other {
		if stringValue(row[f.Column]) != f.Value {
			return false, nil
		}
	}
	return true, nil
}

// aggregateRows groups filtered rows and computes one aggregate per
// group. With no grouping columns it emits a single row, mirroring
// SQL's behavior of one row even over empty input for sum/count.
func aggregateRows(rows []datatypes.Row, agg datatypes.Aggregation) ([]datatypes.Row, error) {
	type group struct {
		key     datatypes.Row
		values  []float64
		count   int
		nonNull int
	}
	counting := strings.EqualFold(strings.TrimSpace(agg.Fn), "count")

	groups := make(map[string]*group)
	order := make([]string, 0)

	for _, row := range rows {
		keyParts := make([]string, len(agg.GroupBy))
		key := make(datatypes.Row, len(agg.GroupBy))
		for i, col := range agg.GroupBy {
			keyParts[i] = stringValue(row[col])
			key[col] = row[col]
		}
		id := strings.Join(keyParts, "\x1f")

		g, ok := groups[id]
		if !ok {
			g = &group{key: key}
			groups[id] = g
			order = append(order, id)
		}
		g.count++
		if agg.Column != "" {
			cell := row[agg.Column]
			if counting {
				// count(col) counts non-null cells, no coercion.
				if cell != nil {
					g.nonNull++
				}
				continue
			}
			// Aggregates eliminate NULLs, as they do in SQL.
			if cell == nil {
				continue
			}
			v, err := numericValue(cell)
			if err != nil {
				return nil, fmt.Errorf("aggregate column %q: %w", agg.Column, err)
			}
			g.values = append(g.values, v)
		}
	}

	// Ungrouped count over nothing still answers: zero rows matched.
	// Every other aggregate has no value over empty input, and the
	// executor marks that as an empty result.
	if len(agg.GroupBy) == 0 && len(groups) == 0 {
		if counting {
			return []datatypes.Row{{aggregateAlias: float64(0)}}, nil
		}
		return nil, nil
	}

	out := make([]datatypes.Row, 0, len(groups))
	for _, id := range order {
		g := groups[id]
		row := make(datatypes.Row, len(g.key)+1)
		for col, v := range g.key {
			row[col] = v
		}
		if !counting && agg.Column != "" && len(g.values) == 0 {
			// Every cell in the group was NULL; SQL answers NULL.
			row[aggregateAlias] = nil
			out = append(out, row)
			continue
		}
		count := g.count
		if counting && agg.Column != "" {
			count = g.nonNull
		}
		value, err := applyAggregate(agg.Fn, g.values, count)
		if err != nil {
			return nil, err
		}
		row[aggregateAlias] = value
		out = append(out, row)
	}
	return out, nil
}

func applyAggregate(fn string, values []float64, count int) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(fn)) {
	case "count":
		return float64(count), nil
	case "sum":
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum, nil
	case "avg":
		if len(values) == 0 {
			return 0, nil
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	case "min":
		if len(values) == 0 {
			return 0, nil
		}
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	case "max":
		if len(values) == 0 {
			return 0, nil
		}
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate function %q", fn)
	}
}

func projectRows(rows []datatypes.Row, columns []string) []datatypes.Row {
	out := make([]datatypes.Row, 0, len(rows))
	for _, row := range rows {
		projected := make(datatypes.Row, len(columns))
		for _, col := range columns {
			projected[col] = row[col]
		}
		out = append(out, projected)
	}
	return out
}

func sortRows(rows []datatypes.Row, column string) {
	sort.SliceStable(rows, func(i, j int) bool {
		return lessValue(rows[i][column], rows[j][column])
	})
}

// lessValue compares two cell values: numerically when both coerce,
// chronologically for times, lexically otherwise.
func lessValue(a, b any) bool {
	if na, errA := numericValue(a); errA == nil {
		if nb, errB := numericValue(b); errB == nil {
			return na < nb
		}
	}
	if ta, errA := rowTime(a); errA == nil {
		if tb, errB := rowTime(b); errB == nil {
			return ta.Before(tb)
		}
	}
	return stringValue(a) < stringValue(b)
}

// rowTime coerces a cell into a timestamp. Dates come out of the
// tabular loader as time.Time and out of SQL text columns as strings.
func rowTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range []string{sqlTimeLayout, "2006-01-02", time.RFC3339} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", t)
	case nil:
		return time.Time{}, fmt.Errorf("null timestamp")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func numericValue(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric value %q", n)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("null value")
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case time.Time:
		return s.Format(sqlTimeLayout)
	default:
		return fmt.Sprint(v)
	}
}
