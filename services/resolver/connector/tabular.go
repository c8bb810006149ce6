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
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// TabularConnector is an in-memory Tabular source. Tables are loaded
// once (typically from CSV exports) and served read-only afterwards.
type TabularConnector struct {
	mu     sync.RWMutex
	tables map[string]tabularTable
	closed bool
}

type tabularTable struct {
	schema datatypes.TableSchema
	rows   []datatypes.Row
}

// NewTabular returns an empty in-memory connector.
func NewTabular() *TabularConnector {
	return &TabularConnector{tables: make(map[string]tabularTable)}
}

// AddTable registers rows under a table name, inferring column types
// from the first non-nil value seen per column.
func (c *TabularConnector) AddTable(name string, rows []datatypes.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[strings.ToLower(name)] = tabularTable{
		schema: inferSchema(name, rows),
		rows:   rows,
	}
}

// LoadCSV reads one CSV file into a table named after the file's base
// name. The first record is the header; cell values are parsed as
// integer, float, date (2006-01-02), then fall back to string.
func (c *TabularConnector) LoadCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}

	var rows []datatypes.Row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read csv record: %w", err)
		}
		row := make(datatypes.Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = parseCell(record[i])
			}
		}
		rows = append(rows, row)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	c.AddTable(name, rows)
	return nil
}

func (c *TabularConnector) ListTables(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrNotConnected
	}
	names := make([]string, 0, len(c.tables))
	for _, t := range c.tables {
		names = append(names, t.schema.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *TabularConnector) DescribeTable(ctx context.Context, name string) (datatypes.TableSchema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return datatypes.TableSchema{}, ErrNotConnected
	}
	t, ok := c.tables[strings.ToLower(name)]
	if !ok {
		return datatypes.TableSchema{}, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	return t.schema, nil
}

// TableRows returns a shallow copy of the table's row slice so callers
// can sort and trim without touching the shared data.
func (c *TabularConnector) TableRows(ctx context.Context, table string) ([]datatypes.Row, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrNotConnected
	}
	t, ok := c.tables[strings.ToLower(table)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, table)
	}
	return append([]datatypes.Row(nil), t.rows...), nil
}

func (c *TabularConnector) TestConnection(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrNotConnected
	}
	return nil
}

func (c *TabularConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.tables = nil
	return nil
}

// parseCell converts a CSV cell into a typed value.
func parseCell(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	if t, err := time.Parse("2006-01-02", trimmed); err == nil {
		return t
	}
	return s
}

func inferSchema(name string, rows []datatypes.Row) datatypes.TableSchema {
	types := make(map[string]string)
	cols := make([]string, 0)
	seen := make(map[string]bool)

	for _, row := range rows {
		for col, v := range row {
			if !seen[col] {
				seen[col] = true
				cols = append(cols, col)
			}
			if types[col] == "" && v != nil {
				types[col] = valueType(v)
			}
		}
	}
	sort.Strings(cols)

	table := datatypes.TableSchema{Name: name}
	for _, col := range cols {
		typ := types[col]
		if typ == "" {
			typ = "TEXT"
		}
		table.Fields = append(table.Fields, datatypes.SchemaField{
			Name:  col,
			Table: name,
			Type:  typ,
		})
	}
	return table
}

func valueType(v any) string {
	switch v.(type) {
	case int, int64:
		return "INTEGER"
	case float64:
		return "REAL"
	case time.Time:
		return "DATE"
	case bool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}
