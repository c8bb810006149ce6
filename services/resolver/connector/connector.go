// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connector abstracts the data sources resolutions execute
// against. A source is either queryable (it accepts parameterized SQL)
// or tabular (it only hands back rows, and filtering happens in
// process). The etl package dispatches on which capability a connector
// exposes.
package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// ErrNotConnected is returned by operations on a closed connector.
var ErrNotConnected = errors.New("connector: not connected")

// ErrTableNotFound is returned when a named table does not exist at the
// source.
var ErrTableNotFound = errors.New("connector: table not found")

// =============================================================================
// Interfaces
// =============================================================================

// Connector is the minimum surface every data source exposes: schema
// introspection and a liveness probe.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the engine resolves
// placeholders in parallel against a shared connector.
type Connector interface {
	// ListTables returns the table (or sheet) names the source exposes.
	ListTables(ctx context.Context) ([]string, error)

	// DescribeTable returns the column detail for one table.
	// Returns an error wrapping ErrTableNotFound for unknown names.
	DescribeTable(ctx context.Context, name string) (datatypes.TableSchema, error)

	// TestConnection verifies the source is reachable.
	TestConnection(ctx context.Context) error

	// Close releases the underlying resources. Subsequent calls on the
	// connector return ErrNotConnected.
	Close() error
}

// Queryable is a connector that executes parameterized SQL.
type Queryable interface {
	Connector

	// Execute runs a parameterized query and returns the result rows.
	Execute(ctx context.Context, query string, args []any) ([]datatypes.Row, error)
}

// Tabular is a connector that can only hand back a table's raw rows;
// filtering and aggregation happen in process.
type Tabular interface {
	Connector

	// TableRows returns every row of the named table.
	TableRows(ctx context.Context, table string) ([]datatypes.Row, error)
}

// =============================================================================
// Registry
// =============================================================================

// Registry maps data-source ids to live connectors. Sources are
// registered once at startup; lookups are read-only afterwards.
type Registry struct {
	sources map[string]Connector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Connector)}
}

// Register binds a connector to a data-source id, replacing any prior
// binding for the same id.
func (r *Registry) Register(id string, c Connector) {
	r.sources[id] = c
}

// Lookup returns the connector for a data-source ref.
func (r *Registry) Lookup(ref datatypes.DataSourceRef) (Connector, error) {
	c, ok := r.sources[ref.ID]
	if !ok {
		return nil, fmt.Errorf("no connector registered for data source %q", ref.ID)
	}
	return c, nil
}

// ProbeAll runs TestConnection against every registered connector,
// returning the first failure.
func (r *Registry) ProbeAll(ctx context.Context) error {
	for id, c := range r.sources {
		if err := c.TestConnection(ctx); err != nil {
			return fmt.Errorf("probe connector %q: %w", id, err)
		}
	}
	return nil
}

// CloseAll closes every registered connector, returning the first error
// encountered.
func (r *Registry) CloseAll() error {
	var first error
	for id, c := range r.sources {
		if err := c.Close(); err != nil && first == nil {
			first = fmt.Errorf("close connector %q: %w", id, err)
		}
	}
	return first
}
