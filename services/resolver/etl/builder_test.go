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
	"reflect"
	"testing"
	"time"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

func aprilWindow() datatypes.TimeWindow {
	return datatypes.TimeWindow{
		Start: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 4, 30, 23, 59, 59, 0, time.UTC),
	}
}

func TestBuildQuery_ScalarAggregate(t *testing.T) {
	instr := datatypes.ETLInstructions{
		Table:     "complaints",
		Operation: datatypes.OpAggregate,
		Aggregation: datatypes.Aggregation{
			Fn:     "sum",
			Column: "complaint_count",
		},
		Filters: datatypes.Filters{
			Time: &datatypes.TimeFilter{Column: "complaint_date", Window: aprilWindow()},
		},
		Shape: datatypes.ShapeScalar,
	}

	query, args, err := BuildQuery(instr, 10000)
	if err != nil {
		t.Fatal(err)
	}
	want := `SELECT SUM("complaint_count") AS value FROM "complaints"` +
		` WHERE "complaint_date" >= ? AND "complaint_date" <= ? LIMIT 10000`
	if query != want {
		t.Errorf("query:\n got %s\nwant %s", query, want)
	}
	wantArgs := []any{"2025-04-01 00:00:00", "2025-04-30 23:59:59"}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Errorf("args = %v, want %v", args, wantArgs)
	}
}

func TestBuildQuery_GroupedSeriesWithRegion(t *testing.T) {
	instr := datatypes.ETLInstructions{
		Table:     "complaints",
		Operation: datatypes.OpAggregate,
		Aggregation: datatypes.Aggregation{
			Fn:      "count",
			GroupBy: []string{"region_code"},
		},
		Filters: datatypes.Filters{
			Region: &datatypes.RegionFilter{Column: "region_code", Value: "NO", Prefix: true},
		},
		Shape: datatypes.ShapeSeries,
	}

	query, args, err := BuildQuery(instr, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := `SELECT "region_code", COUNT(*) AS value FROM "complaints"` +
		` WHERE "region_code" LIKE ? ESCAPE '\' GROUP BY "region_code" ORDER BY "region_code"`
	if query != want {
		t.Errorf("query:\n got %s\nwant %s", query, want)
	}
	if len(args) != 1 || args[0] != "NO%" {
		t.Errorf("args = %v, want [NO%%]", args)
	}
}

func TestBuildQuery_SelectWithEqualityFilters(t *testing.T) {
	instr := datatypes.ETLInstructions{
		Table:     "complaints",
		Operation: datatypes.OpSelect,
		Columns:   []string{"complaint_id", "complaint_date"},
		Filters: datatypes.Filters{
			Other: []datatypes.ColumnFilter{{Column: "resolved", Value: "false"}},
		},
		OrderBy: "complaint_date",
		Limit:   50,
		Shape:   datatypes.ShapeTable,
	}

	query, args, err := BuildQuery(instr, 10000)
	if err != nil {
		t.Fatal(err)
	}
	want := `SELECT "complaint_id", "complaint_date" FROM "complaints"` +
		` WHERE "resolved" = ? ORDER BY "complaint_date" LIMIT 50`
	if query != want {
		t.Errorf("query:\n got %s\nwant %s", query, want)
	}
	if len(args) != 1 || args[0] != "false" {
		t.Errorf("args = %v", args)
	}
}

func TestBuildQuery_RowCapTightensLimit(t *testing.T) {
	instr := datatypes.ETLInstructions{
		Table:     "complaints",
		Operation: datatypes.OpSelect,
		Columns:   []string{"complaint_id"},
		Limit:     500,
		Shape:     datatypes.ShapeTable,
	}
	query, _, err := BuildQuery(instr, 100)
	if err != nil {
		t.Fatal(err)
	}
	if want := `SELECT "complaint_id" FROM "complaints" LIMIT 100`; query != want {
		t.Errorf("query = %s, want %s", query, want)
	}
}

func TestBuildQuery_QuotesHostileIdentifiers(t *testing.T) {
	instr := datatypes.ETLInstructions{
		Table:     `comp"laints`,
		Operation: datatypes.OpSelect,
		Columns:   []string{"id"},
		Shape:     datatypes.ShapeTable,
	}
	query, _, err := BuildQuery(instr, 0)
	if err != nil {
		t.Fatal(err)
	}
	if want := `SELECT "id" FROM "comp""laints"`; query != want {
		t.Errorf("query = %s, want %s", query, want)
	}
}

func TestBuildQuery_RejectsUnknownOperation(t *testing.T) {
	instr := datatypes.ETLInstructions{Table: "t", Operation: "merge", Shape: datatypes.ShapeTable}
	if _, _, err := BuildQuery(instr, 0); err == nil {
		t.Error("unknown operation should fail")
	}
}
