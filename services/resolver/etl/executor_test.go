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
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/AleutianAI/meridian/services/resolver/connector"
	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

func queryRef() datatypes.DataSourceRef {
	return datatypes.DataSourceRef{ID: "warehouse-1", Type: datatypes.SourceQueryable}
}

func tabularRef() datatypes.DataSourceRef {
	return datatypes.DataSourceRef{ID: "sheet-1", Type: datatypes.SourceTabular}
}

func scalarInstructions(source datatypes.DataSourceRef) datatypes.ETLInstructions {
	return datatypes.ETLInstructions{
		Table:       "complaints",
		Source:      source,
		Operation:   datatypes.OpAggregate,
		Aggregation: datatypes.Aggregation{Fn: "sum", Column: "complaint_count"},
		Filters: datatypes.Filters{
			Time: &datatypes.TimeFilter{Column: "complaint_date", Window: aprilWindow()},
		},
		Shape: datatypes.ShapeScalar,
	}
}

func newSQLRegistry(t *testing.T) (*connector.Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	r := connector.NewRegistry()
	r.Register("warehouse-1", connector.WrapDB(db, slog.New(slog.DiscardHandler)))
	return r, mock
}

func TestExecutor_QueryModeScalar(t *testing.T) {
	registry, mock := newSQLRegistry(t)
	instr := scalarInstructions(queryRef())
	query, _, err := BuildQuery(instr, DefaultMaxRows)
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectQuery(query).
		WithArgs("2025-04-01 00:00:00", "2025-04-30 23:59:59").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(17))

	e := NewExecutor(registry, time.Minute, 0, 0, slog.New(slog.DiscardHandler))
	outcome, err := e.Execute(context.Background(), instr)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Empty {
		t.Error("should not be empty")
	}
	if outcome.Value != int64(17) {
		t.Errorf("value = %v (%T), want 17", outcome.Value, outcome.Value)
	}
	if outcome.QueryText == "" {
		t.Error("query mode should report query text")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestExecutor_QueryModeNullScalarIsEmpty(t *testing.T) {
	registry, mock := newSQLRegistry(t)
	instr := scalarInstructions(queryRef())
	query, _, _ := BuildQuery(instr, DefaultMaxRows)
	mock.ExpectQuery(query).
		WithArgs("2025-04-01 00:00:00", "2025-04-30 23:59:59").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(nil))

	e := NewExecutor(registry, time.Minute, 0, 0, slog.New(slog.DiscardHandler))
	outcome, err := e.Execute(context.Background(), instr)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !outcome.Empty {
		t.Error("NULL aggregate should mark the outcome empty")
	}
	if outcome.Value != nil {
		t.Errorf("value = %v, want nil", outcome.Value)
	}
}

func TestExecutor_PipelineMode(t *testing.T) {
	tab := connector.NewTabular()
	tab.AddTable("complaints", complaintRows())
	registry := connector.NewRegistry()
	registry.Register("sheet-1", tab)

	e := NewExecutor(registry, time.Minute, 0, 0, slog.New(slog.DiscardHandler))
	outcome, err := e.Execute(context.Background(), scalarInstructions(tabularRef()))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Value != float64(10) {
		t.Errorf("value = %v, want 10", outcome.Value)
	}
	if outcome.QueryText != "" {
		t.Error("pipeline mode should not report query text")
	}
}

func TestExecutor_PipelineEmptyResultIsNotAnError(t *testing.T) {
	tab := connector.NewTabular()
	tab.AddTable("complaints", nil)
	registry := connector.NewRegistry()
	registry.Register("sheet-1", tab)

	e := NewExecutor(registry, time.Minute, 0, 0, slog.New(slog.DiscardHandler))
	outcome, err := e.Execute(context.Background(), scalarInstructions(tabularRef()))
	if err != nil {
		t.Fatalf("empty result must not be an error: %v", err)
	}
	if !outcome.Empty {
		t.Error("zero matched rows should set the empty marker")
	}
}

func TestExecutor_UnknownSource(t *testing.T) {
	e := NewExecutor(connector.NewRegistry(), time.Minute, 0, 0, slog.New(slog.DiscardHandler))
	if _, err := e.Execute(context.Background(), scalarInstructions(queryRef())); err == nil {
		t.Error("unknown source should fail")
	}
}

func TestExecutor_RejectsInvalidInstructions(t *testing.T) {
	registry, _ := newSQLRegistry(t)
	e := NewExecutor(registry, time.Minute, 0, 0, slog.New(slog.DiscardHandler))

	instr := scalarInstructions(queryRef())
	instr.Operation = "merge"
	if _, err := e.Execute(context.Background(), instr); err == nil {
		t.Error("invalid operation should fail struct validation")
	}
}
