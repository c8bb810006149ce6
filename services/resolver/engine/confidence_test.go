// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"math"
	"testing"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

func simpleInstructions() datatypes.ETLInstructions {
	return datatypes.ETLInstructions{
		Table:       "complaints",
		Operation:   datatypes.OpAggregate,
		Aggregation: datatypes.Aggregation{Fn: "sum", Column: "complaint_count"},
		Shape:       datatypes.ShapeScalar,
	}
}

// complexInstructions carries 6 complexity points: 3 filters plus 3
// grouping columns.
func complexInstructions() datatypes.ETLInstructions {
	instr := simpleInstructions()
	instr.Filters = datatypes.Filters{
		Time:   &datatypes.TimeFilter{Column: "complaint_date"},
		Region: &datatypes.RegionFilter{Column: "region_code", Value: "N"},
		Other:  []datatypes.ColumnFilter{{Column: "resolved", Value: "false"}},
	}
	instr.Aggregation.GroupBy = []string{"region_code", "complaint_date", "resolved"}
	return instr
}

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestScoreConfidence_FastPathIsUndiscounted(t *testing.T) {
	got := ScoreConfidence(0.92, datatypes.StrategyFast, simpleInstructions(), false, 5)
	if !almost(got, 0.92) {
		t.Errorf("got %v, want 0.92", got)
	}
}

func TestScoreConfidence_FallbackPrior(t *testing.T) {
	got := ScoreConfidence(1.0, datatypes.StrategyFallback, simpleInstructions(), false, 5)
	if !almost(got, 0.85) {
		t.Errorf("got %v, want 0.85", got)
	}
}

func TestScoreConfidence_EscalationSharesFallbackPrior(t *testing.T) {
	a := ScoreConfidence(0.9, datatypes.StrategyFallback, simpleInstructions(), false, 5)
	b := ScoreConfidence(0.9, datatypes.StrategyFallbackEscalation, simpleInstructions(), false, 5)
	if !almost(a, b) {
		t.Errorf("escalation prior %v differs from fallback prior %v", b, a)
	}
}

func TestScoreConfidence_EmptyDiscount(t *testing.T) {
	got := ScoreConfidence(1.0, datatypes.StrategyFast, simpleInstructions(), true, 5)
	if !almost(got, 0.1) {
		t.Errorf("got %v, want 0.1", got)
	}
}

func TestScoreConfidence_ComplexityDiscount(t *testing.T) {
	got := ScoreConfidence(1.0, datatypes.StrategyFast, complexInstructions(), false, 5)
	if !almost(got, 0.9) {
		t.Errorf("got %v, want 0.9", got)
	}

	// At or below threshold no discount applies.
	atThreshold := ScoreConfidence(1.0, datatypes.StrategyFast, complexInstructions(), false, 6)
	if !almost(atThreshold, 1.0) {
		t.Errorf("got %v, want 1.0 at threshold", atThreshold)
	}
}

func TestScoreConfidence_DiscountsCompose(t *testing.T) {
	got := ScoreConfidence(0.8, datatypes.StrategyFallback, complexInstructions(), true, 5)
	want := 0.8 * 0.85 * 0.1 * 0.9
	if !almost(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestScoreConfidence_AlwaysClamped(t *testing.T) {
	cases := []struct {
		match    float64
		strategy datatypes.GenerationStrategy
		empty    bool
	}{
		{-0.5, datatypes.StrategyFast, false},
		{1.7, datatypes.StrategyFast, false},
		{2.0, datatypes.StrategyFallback, true},
		{0, datatypes.StrategyFallbackEscalation, true},
	}
	for _, c := range cases {
		got := ScoreConfidence(c.match, c.strategy, simpleInstructions(), c.empty, 5)
		if got < 0 || got > 1 {
			t.Errorf("ScoreConfidence(%v, %s, empty=%v) = %v, out of [0,1]",
				c.match, c.strategy, c.empty, got)
		}
	}
}
