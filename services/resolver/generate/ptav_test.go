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
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// stubSchemaReader serves canned table schemas and counts lookups.
type stubSchemaReader struct {
	tables        map[string]datatypes.TableSchema
	describeCalls int
}

func (s *stubSchemaReader) ListTables(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	return names, nil
}

func (s *stubSchemaReader) DescribeTable(ctx context.Context, name string) (datatypes.TableSchema, error) {
	s.describeCalls++
	table, ok := s.tables[name]
	if !ok {
		return datatypes.TableSchema{}, fmt.Errorf("table %q not found", name)
	}
	return table, nil
}

func complaintsReader() *stubSchemaReader {
	return &stubSchemaReader{tables: map[string]datatypes.TableSchema{
		"complaints": complaintsSchema()[0],
	}}
}

func actionStep(a proposedAction) scriptStep { return successStep(a) }

// sparseSnapshot has a data source but no schema detail and no time
// window, forcing the loop to acquire both.
func sparseSnapshot() datatypes.ContextSnapshot {
	return datatypes.ContextSnapshot{
		Source: datatypes.DataSourceRef{ID: "warehouse-1", Type: datatypes.SourceQueryable},
		Now:    fixedNow,
	}
}

func TestFallback_LookupThenEmit(t *testing.T) {
	client := &scriptedClient{script: []scriptStep{
		actionStep(proposedAction{Type: "schema_lookup", Table: "complaints"}),
		actionStep(proposedAction{Type: "emit_query", Instructions: ptr(validAggregate())}),
	}}
	fb := NewFallback(client, complaintsReader(), FallbackConfig{}, testLogger())

	result, err := fb.Run(context.Background(), statisticPlaceholder(), datatypes.FieldMapping{}, sparseSnapshot())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.RoundsUsed != 2 {
		t.Errorf("RoundsUsed = %d, want 2", result.RoundsUsed)
	}
	if result.Instructions.Table != "complaints" {
		t.Errorf("instructions table = %q", result.Instructions.Table)
	}
	// The plan had no window, so the one inside the emitted time filter
	// must be adopted as the result window.
	if result.Window.Start.Month() != time.April {
		t.Errorf("window = %s, want April", result.Window)
	}
	if result.Instructions.Source.ID != "warehouse-1" {
		t.Errorf("source not stamped: %+v", result.Instructions.Source)
	}
}

func TestFallback_DuplicateActionRejected(t *testing.T) {
	lookup := proposedAction{Type: "schema_lookup", Table: "complaints"}
	client := &scriptedClient{script: []scriptStep{
		actionStep(lookup),
		actionStep(lookup), // identical proposal, must not hit the reader again
		actionStep(proposedAction{Type: "emit_query", Instructions: ptr(validAggregate())}),
	}}
	reader := complaintsReader()
	fb := NewFallback(client, reader, FallbackConfig{}, testLogger())

	result, err := fb.Run(context.Background(), statisticPlaceholder(), datatypes.FieldMapping{}, sparseSnapshot())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.RoundsUsed != 3 {
		t.Errorf("RoundsUsed = %d, want 3 (the duplicate still burns a round)", result.RoundsUsed)
	}
	if reader.describeCalls != 1 {
		t.Errorf("describeCalls = %d, want 1", reader.describeCalls)
	}
	found := false
	for _, line := range result.Errors {
		if strings.Contains(line, "duplicate action") {
			found = true
		}
	}
	if !found {
		t.Errorf("duplicate should be recorded in result errors: %v", result.Errors)
	}
}

func TestFallback_RoundCapExhaustion(t *testing.T) {
	// One failing emit, then an endless stream of duplicates of it.
	bad := validAggregate()
	bad.Table = "no_such_table"
	emit := proposedAction{Type: "emit_query", Instructions: &bad}
	var script []scriptStep
	for i := 0; i < 10; i++ {
		script = append(script, actionStep(emit))
	}
	client := &scriptedClient{script: script}
	fb := NewFallback(client, complaintsReader(), FallbackConfig{MaxRounds: 4}, testLogger())

	_, err := fb.Run(context.Background(), statisticPlaceholder(), datatypes.FieldMapping{}, sparseSnapshot())
	if !errors.Is(err, ErrFallbackExhausted) {
		t.Fatalf("want ErrFallbackExhausted, got %v", err)
	}
	if client.calls != 4 {
		t.Errorf("calls = %d, want exactly MaxRounds = 4", client.calls)
	}
	var pe *PathError
	if !errors.As(err, &pe) {
		t.Fatalf("want *PathError, got %T", err)
	}
	if pe.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", pe.Attempts)
	}
}

func TestFallback_ResolvePeriodFillsWindow(t *testing.T) {
	// Instructions without a window; the loop must resolve the period
	// first and stamp the filter from the plan window.
	windowless := validAggregate()
	windowless.Filters.Time.Window = datatypes.TimeWindow{}

	client := &scriptedClient{script: []scriptStep{
		actionStep(proposedAction{Type: "resolve_period", PeriodToken: TokenLastMonth}),
		actionStep(proposedAction{Type: "emit_query", Instructions: &windowless}),
	}}
	fb := NewFallback(client, complaintsReader(), FallbackConfig{}, testLogger())

	snap := sparseSnapshot()
	snap.Schema = complaintsSchema()

	result, err := fb.Run(context.Background(), statisticPlaceholder(), datatypes.FieldMapping{}, snap)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// last_month from fixedNow is April 2025.
	w := result.Instructions.Filters.Time.Window
	if w.Start.Month() != time.April || w.End.Day() != 30 {
		t.Errorf("time filter window = %s, want April 2025", w)
	}
	if result.RoundsUsed != 2 {
		t.Errorf("RoundsUsed = %d, want 2", result.RoundsUsed)
	}
}

func TestFallback_UnknownsSurfaceBeforeFirstAction(t *testing.T) {
	// The first perceive must tell the model what is missing; a
	// snapshot lacking a window and schema detail says so verbatim.
	client := &scriptedClient{script: []scriptStep{
		actionStep(proposedAction{Type: "abort", Reason: "nothing to do"}),
	}}
	fb := NewFallback(client, complaintsReader(), FallbackConfig{}, testLogger())

	_, _ = fb.Run(context.Background(), statisticPlaceholder(), datatypes.FieldMapping{}, sparseSnapshot())
	if len(client.sent) != 1 {
		t.Fatalf("sent = %d conversations, want 1", len(client.sent))
	}
	perceived := client.sent[0][len(client.sent[0])-1].Content
	if !strings.Contains(perceived, "time_window") {
		t.Errorf("perceive should list the missing time window:\n%s", perceived)
	}
	if !strings.Contains(perceived, "schema_context") {
		t.Errorf("perceive should list the missing schema:\n%s", perceived)
	}
}

func TestFallback_AbortIsTerminal(t *testing.T) {
	client := &scriptedClient{script: []scriptStep{
		actionStep(proposedAction{Type: "abort", Reason: "placeholder is unanswerable"}),
		actionStep(proposedAction{Type: "emit_query", Instructions: ptr(validAggregate())}),
	}}
	fb := NewFallback(client, complaintsReader(), FallbackConfig{}, testLogger())

	_, err := fb.Run(context.Background(), statisticPlaceholder(), datatypes.FieldMapping{}, sparseSnapshot())
	if !errors.Is(err, ErrFallbackExhausted) {
		t.Fatalf("want ErrFallbackExhausted, got %v", err)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1 (abort must stop the loop)", client.calls)
	}
	var pe *PathError
	if !errors.As(err, &pe) {
		t.Fatalf("want *PathError, got %T", err)
	}
	joined := strings.Join(pe.History, "\n")
	if !strings.Contains(joined, "placeholder is unanswerable") {
		t.Errorf("abort reason should survive into the history: %v", pe.History)
	}
}

func TestFallback_LookupOfKnownTableRejected(t *testing.T) {
	snap := sparseSnapshot()
	snap.Schema = complaintsSchema() // complaints detail already known

	client := &scriptedClient{script: []scriptStep{
		actionStep(proposedAction{Type: "schema_lookup", Table: "complaints"}),
		actionStep(proposedAction{Type: "emit_query", Instructions: ptr(validAggregate())}),
	}}
	reader := complaintsReader()
	fb := NewFallback(client, reader, FallbackConfig{}, testLogger())

	result, err := fb.Run(context.Background(), statisticPlaceholder(), datatypes.FieldMapping{}, snap)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reader.describeCalls != 0 {
		t.Errorf("describeCalls = %d, want 0 (known table must not be re-fetched)", reader.describeCalls)
	}
	found := false
	for _, line := range result.Errors {
		if strings.Contains(line, "already known") {
			found = true
		}
	}
	if !found {
		t.Errorf("rejection should be recorded: %v", result.Errors)
	}
}

func ptr[T any](v T) *T { return &v }
