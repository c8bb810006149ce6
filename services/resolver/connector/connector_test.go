// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connector

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

func TestTabular_LoadCSVAndDescribe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "complaints.csv")
	csv := "complaint_id,complaint_count,complaint_date,region_code\n" +
		"1,12,2025-04-03,NORTH\n" +
		"2,7,2025-04-10,SOUTH\n"
	if err := os.WriteFile(path, []byte(csv), 0o600); err != nil {
		t.Fatal(err)
	}

	c := NewTabular()
	if err := c.LoadCSV(path); err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}

	tables, err := c.ListTables(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 1 || tables[0] != "complaints" {
		t.Fatalf("tables = %v", tables)
	}

	schema, err := c.DescribeTable(context.Background(), "Complaints")
	if err != nil {
		t.Fatalf("DescribeTable: %v", err)
	}
	wantTypes := map[string]string{
		"complaint_id":    "INTEGER",
		"complaint_count": "INTEGER",
		"complaint_date":  "DATE",
		"region_code":     "TEXT",
	}
	for _, f := range schema.Fields {
		if wantTypes[f.Name] != f.Type {
			t.Errorf("column %s type = %s, want %s", f.Name, f.Type, wantTypes[f.Name])
		}
	}

	rows, err := c.TableRows(context.Background(), "complaints")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["complaint_count"] != int64(12) {
		t.Errorf("complaint_count = %v (%T), want int64 12", rows[0]["complaint_count"], rows[0]["complaint_count"])
	}
	if _, ok := rows[0]["complaint_date"].(time.Time); !ok {
		t.Errorf("complaint_date should parse as a date, got %T", rows[0]["complaint_date"])
	}
}

func TestTabular_RowsAreCopied(t *testing.T) {
	c := NewTabular()
	c.AddTable("metrics", []datatypes.Row{{"v": int64(1)}, {"v": int64(2)}})

	rows, err := c.TableRows(context.Background(), "metrics")
	if err != nil {
		t.Fatal(err)
	}
	rows[0] = datatypes.Row{"v": int64(99)}

	again, _ := c.TableRows(context.Background(), "metrics")
	if again[0]["v"] != int64(1) {
		t.Error("caller mutation leaked into the shared table")
	}
}

func TestTabular_ClosedConnector(t *testing.T) {
	c := NewTabular()
	c.AddTable("x", nil)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.TableRows(context.Background(), "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("want ErrNotConnected, got %v", err)
	}
	if err := c.TestConnection(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("want ErrNotConnected, got %v", err)
	}
}

func TestTabular_UnknownTable(t *testing.T) {
	c := NewTabular()
	if _, err := c.DescribeTable(context.Background(), "ghost"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("want ErrTableNotFound, got %v", err)
	}
}

func TestSQL_ExecuteScansGenericRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT region_code, SUM").
		WithArgs("2025-04-01").
		WillReturnRows(sqlmock.NewRows([]string{"region_code", "total"}).
			AddRow([]byte("NORTH"), 42).
			AddRow([]byte("SOUTH"), 17))

	c := WrapDB(db, slog.New(slog.DiscardHandler))
	rows, err := c.Execute(context.Background(),
		"SELECT region_code, SUM(complaint_count) AS total FROM complaints WHERE complaint_date >= ? GROUP BY region_code",
		[]any{"2025-04-01"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	// []byte values must come back as strings.
	if rows[0]["region_code"] != "NORTH" {
		t.Errorf("region_code = %v (%T)", rows[0]["region_code"], rows[0]["region_code"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRegistry_LookupAndClose(t *testing.T) {
	r := NewRegistry()
	c := NewTabular()
	r.Register("warehouse-1", c)

	got, err := r.Lookup(datatypes.DataSourceRef{ID: "warehouse-1"})
	if err != nil {
		t.Fatal(err)
	}
	if got != Connector(c) {
		t.Error("lookup returned a different connector")
	}
	if _, err := r.Lookup(datatypes.DataSourceRef{ID: "nope"}); err == nil {
		t.Error("unknown source should fail lookup")
	}
	if err := r.CloseAll(); err != nil {
		t.Fatal(err)
	}
	if err := c.TestConnection(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Error("CloseAll should close registered connectors")
	}
}
