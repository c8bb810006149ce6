// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the artifact types that flow through the
// placeholder resolution pipeline. Every stage consumes one of these types
// and produces a strictly more specific one; none of them is mutated after
// creation.
//
// Thread Safety:
//
//	All types in this package are plain data. They are safe to share across
//	goroutines as long as callers treat them as immutable after construction.
package datatypes

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Placeholder
// =============================================================================

// PlaceholderKind classifies what a template placeholder asks for.
type PlaceholderKind string

const (
	// KindStatistic is a single aggregated value ("total complaints").
	KindStatistic PlaceholderKind = "statistic"

	// KindChart is a series intended for chart rendering.
	KindChart PlaceholderKind = "chart"

	// KindTable is a multi-column tabular extract.
	KindTable PlaceholderKind = "table"

	// KindPeriod is a reporting-period reference ("last quarter").
	KindPeriod PlaceholderKind = "period"

	// KindRegion is a geographic scope reference.
	KindRegion PlaceholderKind = "region"

	// KindComparison is a value compared across two windows or groups.
	KindComparison PlaceholderKind = "comparison"

	// KindUnknown is assigned when the parser cannot classify the marker.
	// Unknown placeholders still flow through the pipeline, at reduced
	// parse confidence.
	KindUnknown PlaceholderKind = "unknown"
)

// Placeholder is a typed, described slot extracted from a report template.
//
// Description:
//
//	Produced by the template parser, one per `{...}` marker. Immutable;
//	downstream stages only read it. Position is the rune offset of the
//	opening brace in the template.
type Placeholder struct {
	// Text is the raw marker text including braces, e.g. "{statistic: total complaints for {period}}".
	Text string `json:"text"`

	// Kind classifies the placeholder.
	Kind PlaceholderKind `json:"kind"`

	// Description is the free-text field reference inside the marker.
	Description string `json:"description"`

	// Position is the rune offset of the marker's opening brace.
	Position int `json:"position"`

	// ContextBefore is the template text immediately preceding the marker.
	ContextBefore string `json:"context_before"`

	// ContextAfter is the template text immediately following the marker.
	ContextAfter string `json:"context_after"`

	// Confidence is the parser's confidence in the kind classification, in [0,1].
	Confidence float64 `json:"confidence"`
}

// Signature returns a stable identity string for cache keying.
//
// Description:
//
//	Combines kind and normalized description. Surrounding context and
//	position are deliberately excluded: the same field reference in two
//	different templates should hit the same cache entry.
func (p Placeholder) Signature() string {
	return string(p.Kind) + ":" + strings.ToLower(strings.TrimSpace(p.Description))
}

// =============================================================================
// Candidate Suggestions and Field Mappings
// =============================================================================

// CandidateFieldSuggestion is an upstream hint that a schema field may match
// a placeholder. Produced by an understanding collaborator or synthesized
// from raw schema enumeration. Input-only to the field matcher.
type CandidateFieldSuggestion struct {
	// FieldName is the suggested schema column name.
	FieldName string `json:"field_name"`

	// SourceConfidence is the upstream confidence in this suggestion, in [0,1].
	SourceConfidence float64 `json:"source_confidence"`

	// Rationale explains why the upstream collaborator suggested this field.
	Rationale string `json:"rationale,omitempty"`
}

// MatchTier identifies which matcher tier produced a FieldMapping.
type MatchTier string

const (
	// TierDirect means the suggested name exists verbatim in the schema.
	TierDirect MatchTier = "direct"

	// TierSemantic means lexical/contextual overlap produced the match.
	TierSemantic MatchTier = "semantic"

	// TierFuzzy means string similarity alone produced the match.
	TierFuzzy MatchTier = "fuzzy"
)

// FieldMapping binds a placeholder to a schema field with a calibrated score.
//
// Invariant: CombinedScore is always in [0,1].
type FieldMapping struct {
	// Placeholder is the placeholder this mapping resolves.
	Placeholder Placeholder `json:"placeholder"`

	// MatchedField is the winning schema field.
	MatchedField SchemaField `json:"matched_field"`

	// CombinedScore is the final match confidence, in [0,1].
	CombinedScore float64 `json:"combined_score"`

	// Tier records which matcher tier produced the score.
	Tier MatchTier `json:"match_tier"`

	// Rationale is a human-readable explanation of the match.
	Rationale string `json:"rationale,omitempty"`
}

// =============================================================================
// Schema
// =============================================================================

// SchemaField describes one column of a data-source table.
type SchemaField struct {
	// Name is the column name as the source reports it.
	Name string `json:"name"`

	// Table is the owning table name. May be empty for tabular sources
	// that expose a single sheet.
	Table string `json:"table,omitempty"`

	// Type is the source-native type name (e.g. "INTEGER", "TEXT", "DATE").
	Type string `json:"type,omitempty"`

	// Description is optional column documentation from the source.
	Description string `json:"description,omitempty"`
}

// Qualified returns the fully-qualified identifier for the field.
func (f SchemaField) Qualified() string {
	if f.Table == "" {
		return f.Name
	}
	return f.Table + "." + f.Name
}

// TableSchema is the column detail for one table.
type TableSchema struct {
	// Name is the table name.
	Name string `json:"name"`

	// Fields are the table's columns, in source order.
	Fields []SchemaField `json:"fields"`
}

// Field returns the named column and whether it exists.
func (t TableSchema) Field(name string) (SchemaField, bool) {
	for _, f := range t.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return SchemaField{}, false
}

// =============================================================================
// ContextSnapshot
// =============================================================================

// SourceType distinguishes queryable sources from tabular ones.
type SourceType string

const (
	// SourceQueryable is a source that accepts SQL (databases).
	SourceQueryable SourceType = "queryable"

	// SourceTabular is a row-oriented source without a query engine
	// (spreadsheets, CSV exports).
	SourceTabular SourceType = "tabular"
)

// DataSourceRef identifies a concrete data source.
//
// Connection is treated as a secret: it is never included in diagnostics
// or logs. See services/llm redaction for the defense-in-depth layer.
type DataSourceRef struct {
	// ID is the stable identifier for the source.
	ID string `json:"id"`

	// Type selects the execution mode (query vs. pipeline).
	Type SourceType `json:"type"`

	// Connection is the driver-specific connection string. Secret.
	Connection string `json:"-"`
}

// TimeWindow is a resolved absolute date range, inclusive on both ends.
type TimeWindow struct {
	// Start is the first instant of the window.
	Start time.Time `json:"start"`

	// End is the last instant of the window.
	End time.Time `json:"end"`

	// Token is the relative-period token the window was resolved from,
	// when applicable (e.g. "last_month"). Empty for explicit ranges.
	Token string `json:"token,omitempty"`
}

// IsZero reports whether the window has not been resolved.
func (w TimeWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// String renders the window for prompts and diagnostics.
func (w TimeWindow) String() string {
	if w.IsZero() {
		return "unresolved"
	}
	return fmt.Sprintf("%s..%s", w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
}

// ContextSnapshot is the read-only bundle of information available at
// resolution time. Assembled by the caller; the engine never mutates it.
type ContextSnapshot struct {
	// TimeWindow is the resolved reporting window. Zero when the caller
	// only has a relative-period token (or nothing).
	TimeWindow TimeWindow `json:"time_window"`

	// PeriodToken is an unresolved relative-period token such as
	// "last_month". The fast path resolves it against Now.
	PeriodToken string `json:"period_token,omitempty"`

	// Region is an optional geographic filter value.
	Region string `json:"region,omitempty"`

	// Schema holds column detail for the tables the resolution may touch.
	Schema []TableSchema `json:"schema"`

	// Source identifies the data source.
	Source DataSourceRef `json:"data_source"`

	// UserID identifies the requesting user, for audit fields only.
	UserID string `json:"user_id,omitempty"`

	// Now is the resolution instant. Captured once per request so that
	// relative-period resolution cannot drift mid-pipeline. Zero means
	// the engine captures time.Now at admission.
	Now time.Time `json:"-"`
}

// Table returns the named table schema and whether it is present.
func (c ContextSnapshot) Table(name string) (TableSchema, bool) {
	for _, t := range c.Schema {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return TableSchema{}, false
}

// =============================================================================
// ETL Instructions
// =============================================================================

// Operation is the top-level shape of an ETL instruction set.
type Operation string

const (
	// OpAggregate computes a single aggregate over a column.
	OpAggregate Operation = "aggregate"

	// OpSelect extracts raw rows.
	OpSelect Operation = "select"

	// OpTransform applies a pipeline of row transforms.
	OpTransform Operation = "transform"
)

// OutputShape declares the shape of the expected result.
type OutputShape string

const (
	// ShapeScalar is a single value.
	ShapeScalar OutputShape = "scalar"

	// ShapeSeries is an ordered (label, value) sequence.
	ShapeSeries OutputShape = "series"

	// ShapeTable is a full row set.
	ShapeTable OutputShape = "table"
)

// TimeFilter is an inclusive date-range filter over a column.
type TimeFilter struct {
	// Column is the date/timestamp column to filter on.
	Column string `json:"column" validate:"required"`

	// Window is the absolute inclusive range.
	Window TimeWindow `json:"window"`
}

// RegionFilter matches a region column exactly or by prefix.
type RegionFilter struct {
	// Column is the region column to filter on.
	Column string `json:"column" validate:"required"`

	// Value is the match value.
	Value string `json:"value" validate:"required"`

	// Prefix selects prefix matching instead of exact matching.
	Prefix bool `json:"prefix,omitempty"`
}

// ColumnFilter is a generic equality filter.
type ColumnFilter struct {
	// Column is the column to filter on.
	Column string `json:"column" validate:"required"`

	// Value is the required value.
	Value string `json:"value" validate:"required"`
}

// Filters groups the filter clauses of an instruction set.
type Filters struct {
	// Time is the optional inclusive date-range filter.
	Time *TimeFilter `json:"time,omitempty"`

	// Region is the optional region filter.
	Region *RegionFilter `json:"region,omitempty"`

	// Other holds additional equality filters.
	Other []ColumnFilter `json:"other,omitempty" validate:"dive"`
}

// Count returns the total number of filter clauses.
func (f Filters) Count() int {
	n := len(f.Other)
	if f.Time != nil {
		n++
	}
	if f.Region != nil {
		n++
	}
	return n
}

// Aggregation describes the aggregate function and grouping.
type Aggregation struct {
	// Fn is the aggregate function: sum, count, avg, min, max.
	Fn string `json:"fn" validate:"omitempty,oneof=sum count avg min max"`

	// Column is the column the function applies to. Empty means count(*).
	Column string `json:"column,omitempty"`

	// GroupBy lists grouping columns, in order.
	GroupBy []string `json:"group_by,omitempty"`
}

// ETLInstructions is the validated, executable description of a query or
// transform pipeline. Produced by either generation path; validated against
// the schema before execution.
type ETLInstructions struct {
	// Table is the source table (or sheet) name.
	Table string `json:"table" validate:"required"`

	// Source identifies the data source the instructions target.
	Source DataSourceRef `json:"source_ref"`

	// Operation is the top-level operation.
	Operation Operation `json:"operation" validate:"required,oneof=aggregate select transform"`

	// Filters are the filter clauses.
	Filters Filters `json:"filters"`

	// Aggregation is required when Operation is aggregate.
	Aggregation Aggregation `json:"aggregation"`

	// Columns lists the projected columns for select/transform operations.
	Columns []string `json:"columns,omitempty"`

	// OrderBy is the optional ordering column.
	OrderBy string `json:"order_by,omitempty"`

	// Limit caps the row count. Zero means no limit.
	Limit int `json:"limit,omitempty" validate:"gte=0"`

	// Shape declares the expected result shape.
	Shape OutputShape `json:"output_shape" validate:"required,oneof=scalar series table"`
}

// Complexity counts filters plus grouping clauses. Used by the confidence
// scorer to discount intricate instruction sets.
func (i ETLInstructions) Complexity() int {
	return i.Filters.Count() + len(i.Aggregation.GroupBy)
}

// =============================================================================
// Execution Results
// =============================================================================

// GenerationStrategy records which path produced the executed instructions.
type GenerationStrategy string

const (
	// StrategyFast is the single-shot deterministic path.
	StrategyFast GenerationStrategy = "fast"

	// StrategyFallback is the iterative agentic path.
	StrategyFallback GenerationStrategy = "fallback"

	// StrategyFallbackEscalation marks a fast-path failure that was
	// escalated into the fallback loop.
	StrategyFallbackEscalation GenerationStrategy = "fallback_escalation"
)

// Row is a single result row, column name to value.
type Row map[string]any

// ExecutionMetadata carries diagnostics about how a result was produced.
type ExecutionMetadata struct {
	// Strategy is the generation path that produced the instructions.
	Strategy GenerationStrategy `json:"generation_strategy"`

	// RoundsUsed is the number of fallback rounds consumed (0 for fast path).
	RoundsUsed int `json:"rounds_used"`

	// QueryText is the executed query, redacted. Empty in pipeline mode.
	QueryText string `json:"query_text,omitempty"`

	// Errors lists non-fatal errors encountered along the way, redacted.
	Errors []string `json:"errors,omitempty"`

	// Duration is the total wall-clock resolution time.
	Duration time.Duration `json:"duration"`
}

// ExecutionResult is the terminal artifact of a placeholder resolution.
// Never mutated after creation.
type ExecutionResult struct {
	// Placeholder is the placeholder that was resolved.
	Placeholder Placeholder `json:"placeholder"`

	// Rows is the raw result data.
	Rows []Row `json:"raw_data,omitempty"`

	// Value is the final formatted value for scalar shapes.
	Value any `json:"final_value,omitempty"`

	// Empty marks a valid zero-row outcome (not a failure).
	Empty bool `json:"empty,omitempty"`

	// Confidence is the overall reliability score, in [0,1].
	Confidence float64 `json:"confidence"`

	// Metadata carries generation diagnostics.
	Metadata ExecutionMetadata `json:"metadata"`
}

// =============================================================================
// Chat Messages
// =============================================================================

// Message is a provider-agnostic chat message.
type Message struct {
	// Role is one of "system", "user", "assistant".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`
}
