// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package template

import (
	"testing"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

func TestParseTypedMarker(t *testing.T) {
	p := NewParser(0)

	got := p.Parse("Complaints received: {statistic: total complaints last month}.")
	if len(got) != 1 {
		t.Fatalf("expected 1 placeholder, got %d", len(got))
	}
	ph := got[0]
	if ph.Kind != datatypes.KindStatistic {
		t.Errorf("Kind = %q, want statistic", ph.Kind)
	}
	if ph.Description != "total complaints last month" {
		t.Errorf("Description = %q", ph.Description)
	}
	if ph.Confidence != knownKindConfidence {
		t.Errorf("Confidence = %v, want %v", ph.Confidence, knownKindConfidence)
	}
	if ph.ContextBefore == "" || ph.ContextAfter != "." {
		t.Errorf("context capture: before=%q after=%q", ph.ContextBefore, ph.ContextAfter)
	}
}

func TestParseNestedBraces(t *testing.T) {
	p := NewParser(0)

	got := p.Parse("{statistic: total complaints for {period}}")
	if len(got) != 1 {
		t.Fatalf("expected 1 top-level placeholder, got %d", len(got))
	}
	if got[0].Description != "total complaints for {period}" {
		t.Errorf("inner braces must stay in the description, got %q", got[0].Description)
	}
}

func TestParseBareKindToken(t *testing.T) {
	p := NewParser(0)

	got := p.Parse("Report for {period} in {region}")
	if len(got) != 2 {
		t.Fatalf("expected 2 placeholders, got %d", len(got))
	}
	if got[0].Kind != datatypes.KindPeriod || got[1].Kind != datatypes.KindRegion {
		t.Errorf("kinds = %q, %q", got[0].Kind, got[1].Kind)
	}
}

func TestParseUnknownKind(t *testing.T) {
	p := NewParser(0)

	got := p.Parse("{widget: something odd}")
	if len(got) != 1 {
		t.Fatalf("expected 1 placeholder, got %d", len(got))
	}
	if got[0].Kind != datatypes.KindUnknown {
		t.Errorf("Kind = %q, want unknown", got[0].Kind)
	}
	if got[0].Confidence != unknownKindConfidence {
		t.Errorf("Confidence = %v, want reduced", got[0].Confidence)
	}
	if got[0].Description != "widget: something odd" {
		t.Errorf("Description = %q", got[0].Description)
	}
}

func TestParseUnbalancedBraceSkipsFragment(t *testing.T) {
	p := NewParser(0)

	got := p.Parse("ok {statistic: resolved count} then {broken")
	if len(got) != 1 {
		t.Fatalf("expected the balanced marker only, got %d", len(got))
	}
	if got[0].Kind != datatypes.KindStatistic {
		t.Errorf("Kind = %q", got[0].Kind)
	}
}

func TestParseNoMarkers(t *testing.T) {
	p := NewParser(0)

	got := p.Parse("plain text with no markers")
	if got == nil {
		t.Fatal("Parse must return an empty slice, not nil")
	}
	if len(got) != 0 {
		t.Errorf("expected no placeholders, got %d", len(got))
	}
}

func TestParseDeterminism(t *testing.T) {
	p := NewParser(0)
	tpl := "A {statistic: total complaints} B {period} C {chart: monthly trend}"

	first := p.Parse(tpl)
	second := p.Parse(tpl)
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("placeholder %d differs between runs", i)
		}
	}
}

func TestCountMarkers(t *testing.T) {
	if n := CountMarkers("{a} {b} {c: d {e}}"); n != 3 {
		t.Errorf("CountMarkers = %d, want 3", n)
	}
	if n := CountMarkers("no markers"); n != 0 {
		t.Errorf("CountMarkers = %d, want 0", n)
	}
}
