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
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/meridian/services/llm"
	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// scriptedClient replays a fixed sequence of completion results and
// records every conversation it was sent.
type scriptedClient struct {
	script []scriptStep
	calls  int
	sent   [][]datatypes.Message
}

type scriptStep struct {
	completion llm.StructuredCompletion
	err        error
}

func (s *scriptedClient) Complete(ctx context.Context, messages []datatypes.Message, schema *llm.ResponseSchema, opts llm.CompletionOptions) (llm.StructuredCompletion, error) {
	if err := ctx.Err(); err != nil {
		return llm.StructuredCompletion{}, err
	}
	s.sent = append(s.sent, messages)
	if s.calls >= len(s.script) {
		return llm.StructuredCompletion{}, errors.New("script exhausted")
	}
	step := s.script[s.calls]
	s.calls++
	return step.completion, step.err
}

func (s *scriptedClient) Model() string { return "scripted" }

func successStep(v any) scriptStep {
	raw, _ := json.Marshal(v)
	return scriptStep{completion: llm.StructuredCompletion{Outcome: llm.OutcomeSuccess, JSON: raw}}
}

func malformedStep(raw string) scriptStep {
	return scriptStep{completion: llm.StructuredCompletion{Outcome: llm.OutcomeMalformed, Raw: raw}}
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func completeSnapshot() datatypes.ContextSnapshot {
	return datatypes.ContextSnapshot{
		PeriodToken: TokenLastMonth,
		Schema:      complaintsSchema(),
		Source:      datatypes.DataSourceRef{ID: "warehouse-1", Type: datatypes.SourceQueryable},
		Now:         fixedNow,
	}
}

func complaintMapping() datatypes.FieldMapping {
	return datatypes.FieldMapping{
		Placeholder:   statisticPlaceholder(),
		MatchedField:  datatypes.SchemaField{Name: "complaint_count", Table: "complaints", Type: "INTEGER"},
		CombinedScore: 0.92,
		Tier:          datatypes.TierDirect,
	}
}

func TestFastPath_SingleShotSuccess(t *testing.T) {
	client := &scriptedClient{script: []scriptStep{successStep(validAggregate())}}
	fp := NewFastPath(client, 2, testLogger())

	instr, window, err := fp.Generate(context.Background(), statisticPlaceholder(), complaintMapping(), completeSnapshot())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1", client.calls)
	}
	if instr.Source.ID != "warehouse-1" {
		t.Errorf("source not stamped: %+v", instr.Source)
	}
	// last_month from fixedNow (2025-05-14) is April 2025.
	if window.Start.Month() != time.April || window.End.Month() != time.April {
		t.Errorf("window = %s, want April 2025", window)
	}
}

func TestFastPath_RetryWithErrorFeedback(t *testing.T) {
	bad := validAggregate()
	bad.Aggregation.Column = "total_complaints" // not in schema
	client := &scriptedClient{script: []scriptStep{
		successStep(bad),
		successStep(validAggregate()),
	}}
	fp := NewFastPath(client, 2, testLogger())

	_, _, err := fp.Generate(context.Background(), statisticPlaceholder(), complaintMapping(), completeSnapshot())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("calls = %d, want 2", client.calls)
	}

	// The retry prompt must carry the rejection back to the model.
	retryUser := client.sent[1][len(client.sent[1])-1].Content
	if !strings.Contains(retryUser, "total_complaints") {
		t.Errorf("retry prompt should name the offending column:\n%s", retryUser)
	}
	if !strings.Contains(retryUser, "Previous Attempt Failed") {
		t.Errorf("retry prompt should carry the failure section:\n%s", retryUser)
	}
}

func TestFastPath_AtMostNPlusOneRequests(t *testing.T) {
	bad := validAggregate()
	bad.Table = "no_such_table"
	client := &scriptedClient{script: []scriptStep{
		successStep(bad), successStep(bad), successStep(bad),
		successStep(bad), successStep(bad), successStep(bad),
	}}
	fp := NewFastPath(client, 2, testLogger())

	_, _, err := fp.Generate(context.Background(), statisticPlaceholder(), complaintMapping(), completeSnapshot())
	if !errors.Is(err, ErrFastPathFailed) {
		t.Fatalf("want ErrFastPathFailed, got %v", err)
	}
	if client.calls != 3 {
		t.Errorf("calls = %d, want retries+1 = 3", client.calls)
	}

	var pe *PathError
	if !errors.As(err, &pe) {
		t.Fatalf("want *PathError, got %T", err)
	}
	if pe.Attempts != 3 || len(pe.History) != 3 {
		t.Errorf("path error accounting: attempts=%d history=%d", pe.Attempts, len(pe.History))
	}
}

func TestFastPath_MalformedThenSuccess(t *testing.T) {
	client := &scriptedClient{script: []scriptStep{
		malformedStep("SELECT * FROM complaints -- not json"),
		successStep(validAggregate()),
	}}
	fp := NewFastPath(client, 2, testLogger())

	_, _, err := fp.Generate(context.Background(), statisticPlaceholder(), complaintMapping(), completeSnapshot())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	retryUser := client.sent[1][len(client.sent[1])-1].Content
	if !strings.Contains(retryUser, "not valid JSON") {
		t.Errorf("malformed retry should explain the decode failure:\n%s", retryUser)
	}
}

func TestFastPath_ExplicitWindowPreferred(t *testing.T) {
	snap := completeSnapshot()
	snap.TimeWindow = datatypes.TimeWindow{
		Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC),
	}
	snap.PeriodToken = TokenLastMonth // must be ignored in favor of the explicit window

	client := &scriptedClient{script: []scriptStep{successStep(validAggregate())}}
	fp := NewFastPath(client, 2, testLogger())

	_, window, err := fp.Generate(context.Background(), statisticPlaceholder(), complaintMapping(), snap)
	if err != nil {
		t.Fatal(err)
	}
	if window.Start.Month() != time.March {
		t.Errorf("explicit window should win over the token: %s", window)
	}
}

func TestFastPath_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedClient{script: []scriptStep{successStep(validAggregate())}}
	fp := NewFastPath(client, 2, testLogger())

	_, _, err := fp.Generate(ctx, statisticPlaceholder(), complaintMapping(), completeSnapshot())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
	if client.calls != 0 {
		t.Errorf("no completion call should be made after cancellation; got %d", client.calls)
	}
}
