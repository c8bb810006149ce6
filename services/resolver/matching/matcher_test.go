// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matching

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

func testSchema() []datatypes.TableSchema {
	return []datatypes.TableSchema{
		{
			Name: "complaints",
			Fields: []datatypes.SchemaField{
				{Name: "complaint_id", Table: "complaints", Type: "INTEGER"},
				{Name: "total_complaints", Table: "complaints", Type: "INTEGER"},
				{Name: "complaint_date", Table: "complaints", Type: "DATE"},
				{Name: "region_code", Table: "complaints", Type: "TEXT", Description: "two-letter region"},
				{Name: "resolved", Table: "complaints", Type: "BOOLEAN"},
			},
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestMatch_DirectTier(t *testing.T) {
	m := NewMatcher(testLogger())
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "total complaints"}
	candidates := []datatypes.CandidateFieldSuggestion{
		{FieldName: "total_complaints", SourceConfidence: 0.92},
	}

	res := m.Match(context.Background(), p, candidates, testSchema())
	if !res.Matched {
		t.Fatal("expected a match")
	}
	if res.Mapping.Tier != datatypes.TierDirect {
		t.Errorf("tier = %s, want direct", res.Mapping.Tier)
	}
	if res.Mapping.MatchedField.Qualified() != "complaints.total_complaints" {
		t.Errorf("matched %s, want complaints.total_complaints", res.Mapping.MatchedField.Qualified())
	}
	if res.Mapping.CombinedScore != 0.92 {
		t.Errorf("direct score = %f, want source confidence 0.92", res.Mapping.CombinedScore)
	}
}

func TestMatch_DirectTierCaseAndQuoting(t *testing.T) {
	m := NewMatcher(testLogger())
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "total complaints"}
	candidates := []datatypes.CandidateFieldSuggestion{
		{FieldName: `"Total_Complaints"`, SourceConfidence: 0.9},
	}

	res := m.Match(context.Background(), p, candidates, testSchema())
	if !res.Matched || res.Mapping.Tier != datatypes.TierDirect {
		t.Fatalf("quoted, mixed-case suggestion should still match directly; got %+v", res)
	}
}

func TestMatch_LowConfidenceDirectFallsThrough(t *testing.T) {
	// An exact name match with weak upstream confidence must not clear
	// the threshold on tier 1 alone.
	m := NewMatcher(testLogger())
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "total complaints"}
	candidates := []datatypes.CandidateFieldSuggestion{
		{FieldName: "total_complaints", SourceConfidence: 0.3},
	}

	res := m.Match(context.Background(), p, candidates, testSchema())
	if res.Matched && res.Mapping.Tier == datatypes.TierDirect {
		t.Errorf("direct tier accepted at score %f despite 0.8 threshold", res.Mapping.CombinedScore)
	}
}

func TestMatch_FuzzyTierWithoutCandidates(t *testing.T) {
	// No suggestions at all: only the fuzzy tier can produce a match.
	m := NewMatcher(testLogger())
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "total complaints"}

	res := m.Match(context.Background(), p, nil, testSchema())
	if !res.Matched {
		t.Fatalf("expected fuzzy match, got rejected best %+v", res.BestRejected)
	}
	if res.Mapping.Tier != datatypes.TierFuzzy {
		t.Errorf("tier = %s, want fuzzy", res.Mapping.Tier)
	}
	if res.Mapping.MatchedField.Name != "total_complaints" {
		t.Errorf("matched %s, want total_complaints", res.Mapping.MatchedField.Name)
	}
}

func TestMatch_EmptySchema(t *testing.T) {
	m := NewMatcher(testLogger())
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "anything"}
	candidates := []datatypes.CandidateFieldSuggestion{{FieldName: "anything", SourceConfidence: 1}}

	res := m.Match(context.Background(), p, candidates, nil)
	if res.Matched {
		t.Error("empty schema must never match")
	}
	if res.BestRejected != nil {
		t.Error("empty schema has no rejected candidate to report")
	}
}

func TestMatch_NoVocabularyOverlap(t *testing.T) {
	m := NewMatcher(testLogger())
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "quarterly revenue forecast"}

	res := m.Match(context.Background(), p, nil, testSchema())
	if res.Matched {
		t.Errorf("unrelated description matched %s at %f",
			res.Mapping.MatchedField.Qualified(), res.Mapping.CombinedScore)
	}
	if res.BestRejected == nil {
		t.Error("expected the best rejected candidate for diagnostics")
	}
}

func TestMatch_DuplicateCandidatesCollapse(t *testing.T) {
	m := NewMatcher(testLogger())
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "total complaints"}
	candidates := []datatypes.CandidateFieldSuggestion{
		{FieldName: "total_complaints", SourceConfidence: 0.85},
		{FieldName: "total_complaints", SourceConfidence: 0.95},
	}

	res := m.Match(context.Background(), p, candidates, testSchema())
	if !res.Matched {
		t.Fatal("expected a match")
	}
	if res.Mapping.CombinedScore != 0.95 {
		t.Errorf("duplicates should collapse to highest score; got %f", res.Mapping.CombinedScore)
	}
}

func TestMatch_Deterministic(t *testing.T) {
	m := NewMatcher(testLogger())
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "total complaints"}

	first := m.Match(context.Background(), p, nil, testSchema())
	for i := 0; i < 10; i++ {
		again := m.Match(context.Background(), p, nil, testSchema())
		if again.Matched != first.Matched ||
			again.Mapping.MatchedField.Qualified() != first.Mapping.MatchedField.Qualified() ||
			again.Mapping.CombinedScore != first.Mapping.CombinedScore {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again.Mapping, first.Mapping)
		}
	}
}

func TestMatch_ThresholdOption(t *testing.T) {
	strict := NewMatcher(testLogger(), WithAcceptThreshold(0.99))
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "total complaints"}
	candidates := []datatypes.CandidateFieldSuggestion{
		{FieldName: "total_complaints", SourceConfidence: 0.92},
	}

	if res := strict.Match(context.Background(), p, candidates, testSchema()); res.Matched {
		t.Errorf("0.92 should not clear a 0.99 threshold; accepted at %f", res.Mapping.CombinedScore)
	}
}

type stubScorer struct {
	score float64
	err   error
	calls int
}

func (s *stubScorer) Score(ctx context.Context, description string, field datatypes.SchemaField) (float64, error) {
	s.calls++
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.score, s.err
}

func TestMatch_SemanticScorerUsed(t *testing.T) {
	scorer := &stubScorer{score: 0.95}
	m := NewMatcher(testLogger(), WithSemanticScorer(scorer))
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "number of complaints filed"}
	candidates := []datatypes.CandidateFieldSuggestion{
		{FieldName: "complaint_total", SourceConfidence: 0.9}, // not in schema: tier 1 misses
	}

	res := m.Match(context.Background(), p, candidates, testSchema())
	if scorer.calls == 0 {
		t.Fatal("semantic scorer was never consulted")
	}
	if !res.Matched || res.Mapping.Tier != datatypes.TierSemantic {
		t.Errorf("expected semantic tier acceptance, got %+v", res)
	}
}

func TestMatch_SemanticScorerSeesCallerContext(t *testing.T) {
	// A cancelled request context must reach the scorer so it can stop
	// work; the scorer's cancellation error then degrades tier 2 to the
	// built-in blend instead of hanging on a dead request.
	scorer := &stubScorer{score: 0.95}
	m := NewMatcher(testLogger(), WithSemanticScorer(scorer))
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "number of complaints filed"}
	candidates := []datatypes.CandidateFieldSuggestion{
		{FieldName: "complaint_total", SourceConfidence: 0.9}, // not in schema: tier 1 misses
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := m.Match(ctx, p, candidates, testSchema())
	if scorer.calls == 0 {
		t.Fatal("semantic scorer was never consulted")
	}
	if res.Matched && res.Mapping.Tier == datatypes.TierSemantic && res.Mapping.CombinedScore >= 0.85 {
		t.Errorf("scorer's 0.95 signal used despite cancelled context: %+v", res.Mapping)
	}
}

func TestMatch_SemanticScorerFailureFallsBack(t *testing.T) {
	scorer := &stubScorer{err: errors.New("embed server down")}
	m := NewMatcher(testLogger(), WithSemanticScorer(scorer))
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "total complaints"}
	candidates := []datatypes.CandidateFieldSuggestion{
		{FieldName: "total_complaints", SourceConfidence: 0.3}, // weak: forces tier 2
	}

	res := m.Match(context.Background(), p, candidates, testSchema())
	// The scorer error must not abort matching; the fuzzy tier still runs.
	if !res.Matched {
		t.Fatalf("scorer failure should degrade, not abort; got %+v", res.BestRejected)
	}
	if res.Mapping.Tier != datatypes.TierFuzzy {
		t.Errorf("tier = %s, want fuzzy after scorer failure", res.Mapping.Tier)
	}
}

func TestSynthesizeCandidates_RanksRelevantFieldFirst(t *testing.T) {
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "total complaints"}
	got := SynthesizeCandidates(p, testSchema(), 3)
	if len(got) == 0 {
		t.Fatal("expected synthesized candidates")
	}
	if got[0].FieldName != "total_complaints" {
		t.Errorf("top candidate = %s, want total_complaints", got[0].FieldName)
	}
	if got[0].SourceConfidence > synthesizedConfidenceCeiling {
		t.Errorf("synthesized confidence %f exceeds ceiling %f",
			got[0].SourceConfidence, synthesizedConfidenceCeiling)
	}
	for i := 1; i < len(got); i++ {
		if got[i].SourceConfidence > got[i-1].SourceConfidence {
			t.Errorf("candidates not sorted by confidence at index %d", i)
		}
	}
}

func TestSynthesizeCandidates_NoOverlap(t *testing.T) {
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "zzz qqq"}
	if got := SynthesizeCandidates(p, testSchema(), 3); len(got) != 0 {
		t.Errorf("expected no candidates, got %d", len(got))
	}
}

func TestSynthesizeCandidates_CapRespected(t *testing.T) {
	p := datatypes.Placeholder{Kind: datatypes.KindStatistic, Description: "complaint"}
	got := SynthesizeCandidates(p, testSchema(), 2)
	if len(got) > 2 {
		t.Errorf("cap 2 exceeded: %d candidates", len(got))
	}
}
