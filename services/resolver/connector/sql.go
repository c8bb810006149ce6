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
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

var (
	sqlQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "connector",
		Name:      "sql_query_duration_seconds",
		Help:      "Latency of SQL executions by outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	sqlRowsReturned = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "connector",
		Name:      "sql_rows_returned",
		Help:      "Row counts returned by SQL executions.",
		Buckets:   []float64{0, 1, 10, 100, 1000, 10000},
	})
)

// SQLConnector is a Queryable backed by database/sql. The shipped driver
// is mattn/go-sqlite3; the introspection queries are SQLite's, so other
// drivers need their own connector type rather than a different driver
// name here.
type SQLConnector struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQL opens a SQLite-backed connector and verifies it is reachable.
//
// # Inputs
//
//   - ctx: Governs the liveness probe.
//   - dsn: SQLite datasource name (file path or ":memory:").
//   - logger: Structured logger.
//
// # Outputs
//
//   - *SQLConnector: Ready for concurrent use.
//   - error: Open or ping failure.
func OpenSQL(ctx context.Context, dsn string, logger *slog.Logger) (*SQLConnector, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite source: %w", err)
	}
	// SQLite serializes writers; a small pool keeps readers concurrent
	// without piling up lock contention.
	db.SetMaxOpenConns(4)

	c := &SQLConnector{db: db, logger: logger}
	if err := c.TestConnection(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// WrapDB adapts an already-open *sql.DB. Used by tests and by callers
// that manage the pool themselves.
func WrapDB(db *sql.DB, logger *slog.Logger) *SQLConnector {
	return &SQLConnector{db: db, logger: logger}
}

func (c *SQLConnector) ListTables(ctx context.Context) ([]string, error) {
	if c.db == nil {
		return nil, ErrNotConnected
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (c *SQLConnector) DescribeTable(ctx context.Context, name string) (datatypes.TableSchema, error) {
	if c.db == nil {
		return datatypes.TableSchema{}, ErrNotConnected
	}
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", name))
	if err != nil {
		return datatypes.TableSchema{}, fmt.Errorf("describe %q: %w", name, err)
	}
	defer rows.Close()

	table := datatypes.TableSchema{Name: name}
	for rows.Next() {
		var (
			cid     int
			colName string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return datatypes.TableSchema{}, fmt.Errorf("scan column of %q: %w", name, err)
		}
		table.Fields = append(table.Fields, datatypes.SchemaField{
			Name:  colName,
			Table: name,
			Type:  colType,
		})
	}
	if err := rows.Err(); err != nil {
		return datatypes.TableSchema{}, err
	}
	if len(table.Fields) == 0 {
		return datatypes.TableSchema{}, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	return table, nil
}

// Execute runs a parameterized query and scans every row into a generic
// column-to-value map. Row caps belong in the query's LIMIT clause; the
// connector returns whatever the query produces.
func (c *SQLConnector) Execute(ctx context.Context, query string, args []any) ([]datatypes.Row, error) {
	if c.db == nil {
		return nil, ErrNotConnected
	}
	start := time.Now()
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		sqlQueryDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []datatypes.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(datatypes.Row, len(cols))
		for i, col := range cols {
			// sqlite hands TEXT back as []byte through the generic
			// scan path; normalize so downstream comparisons work.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		sqlQueryDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, err
	}

	sqlQueryDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	sqlRowsReturned.Observe(float64(len(out)))
	c.logger.Debug("sql execution complete",
		"rows", len(out),
		"duration", time.Since(start))
	return out, nil
}

func (c *SQLConnector) TestConnection(ctx context.Context) error {
	if c.db == nil {
		return ErrNotConnected
	}
	return c.db.PingContext(ctx)
}

func (c *SQLConnector) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
