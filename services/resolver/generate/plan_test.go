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
	"strings"
	"testing"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

func statisticPlaceholder() datatypes.Placeholder {
	return datatypes.Placeholder{
		Kind:        datatypes.KindStatistic,
		Description: "total complaints last month",
	}
}

func TestPlan_ValueSemantics(t *testing.T) {
	p := NewPlan(statisticPlaceholder(), datatypes.FieldMapping{}, datatypes.ContextSnapshot{})

	withTable := p.WithTable(datatypes.TableSchema{
		Name:   "complaints",
		Fields: []datatypes.SchemaField{{Name: "complaint_count"}},
	})
	if p.KnowsTable("complaints") {
		t.Error("WithTable mutated the original plan")
	}
	if !withTable.KnowsTable("complaints") {
		t.Error("WithTable copy lacks the table")
	}

	withAction := p.WithAction("abc123")
	if p.SeenAction("abc123") {
		t.Error("WithAction mutated the original plan's seen set")
	}
	if !withAction.SeenAction("abc123") {
		t.Error("WithAction copy lacks the hash")
	}

	withAttempt := p.WithAttempt(QueryAttempt{Failure: "nope"})
	if len(p.Attempts) != 0 || len(withAttempt.Attempts) != 1 {
		t.Error("WithAttempt did not copy-on-write")
	}
}

func TestPlan_WithTableReplaces(t *testing.T) {
	p := NewPlan(statisticPlaceholder(), datatypes.FieldMapping{}, datatypes.ContextSnapshot{
		Schema: []datatypes.TableSchema{{Name: "complaints"}}, // name only, no detail
	})
	if p.KnowsTable("complaints") {
		t.Fatal("a table without columns should not count as known")
	}

	p = p.WithTable(datatypes.TableSchema{
		Name:   "complaints",
		Fields: []datatypes.SchemaField{{Name: "complaint_count"}},
	})
	if !p.KnowsTable("complaints") {
		t.Error("detail lookup should make the table known")
	}
	if len(p.Schema) != 1 {
		t.Errorf("lookup should replace the stub entry, not append: %d tables", len(p.Schema))
	}
}

func TestPlan_UnknownsListsMissingTimeWindow(t *testing.T) {
	// Incomplete context: no window, no schema detail, no mapping.
	p := NewPlan(statisticPlaceholder(), datatypes.FieldMapping{}, datatypes.ContextSnapshot{})

	unknowns := p.Unknowns()
	found := false
	for _, u := range unknowns {
		if u == "time_window" {
			found = true
		}
	}
	if !found {
		t.Errorf("unknowns = %v, must include time_window", unknowns)
	}

	// The perceive rendering must surface it too: the think phase only
	// sees that string.
	if !strings.Contains(p.Perceive(), "time_window") {
		t.Error("perceive output must state time_window as unknown")
	}
}

func TestPlan_PerceiveShowsFailedAttempts(t *testing.T) {
	p := NewPlan(statisticPlaceholder(), datatypes.FieldMapping{}, datatypes.ContextSnapshot{})
	p = p.WithAttempt(QueryAttempt{
		Instructions: datatypes.ETLInstructions{Table: "complaints", Operation: datatypes.OpAggregate},
		Failure:      `aggregation column "total" does not exist`,
	})
	p = p.WithRejection("schema_lookup(complaints) was already proposed")

	out := p.Perceive()
	if !strings.Contains(out, "does not exist") {
		t.Error("perceive must show query attempt failures")
	}
	if !strings.Contains(out, "already proposed") {
		t.Error("perceive must show rejected actions")
	}
}

func TestProposedAction_HashStableAndDistinct(t *testing.T) {
	a := proposedAction{Type: "schema_lookup", Table: "complaints"}
	b := proposedAction{Type: "schema_lookup", Table: "complaints"}
	c := proposedAction{Type: "schema_lookup", Table: "regions"}

	if a.hash() != b.hash() {
		t.Error("identical actions must hash identically")
	}
	if a.hash() == c.hash() {
		t.Error("different actions must hash differently")
	}
}
