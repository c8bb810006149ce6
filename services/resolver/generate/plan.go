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
	"fmt"
	"strings"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// =============================================================================
// Fallback Plan State
// =============================================================================

// QueryAttempt records one emitted candidate and why it was rejected.
type QueryAttempt struct {
	// Instructions is the rejected candidate.
	Instructions datatypes.ETLInstructions

	// Failure describes why validation rejected it.
	Failure string
}

// Plan is the accumulated state of a fallback resolution, passed by value
// between rounds.
//
// # Description
//
// Every mutation returns a new Plan; a round that fails mid-way leaves
// the previous round's Plan untouched. Internal slices and maps are
// copied on write, so two Plans never share mutable backing storage.
// This keeps each round's logic testable in isolation and makes the
// monotonic-information invariant checkable: a round is only accepted if
// its output Plan knows strictly more than its input Plan.
//
// # Thread Safety
//
// Value semantics. A Plan value is safe to read concurrently; mutation
// always goes through the With* copies.
type Plan struct {
	// Placeholder is the placeholder under resolution.
	Placeholder datatypes.Placeholder

	// Mapping is the field match, when one exists.
	Mapping datatypes.FieldMapping

	// Window is the resolved time window. Zero while still unknown.
	Window datatypes.TimeWindow

	// Region is the region filter value, when known.
	Region string

	// Schema is the accumulated table detail, initial snapshot plus
	// everything schema lookups added.
	Schema []datatypes.TableSchema

	// Attempts lists rejected query candidates, oldest first.
	Attempts []QueryAttempt

	// RejectedActions lists duplicate or failed action descriptions fed
	// back to the think phase.
	RejectedActions []string

	// Round is the current round number, 1-based.
	Round int

	// seenActions holds SHA-256 hashes of every proposed action.
	seenActions map[string]struct{}
}

// NewPlan builds the round-zero plan from the request context.
func NewPlan(p datatypes.Placeholder, mapping datatypes.FieldMapping, snap datatypes.ContextSnapshot) Plan {
	return Plan{
		Placeholder: p,
		Mapping:     mapping,
		Window:      snap.TimeWindow,
		Region:      snap.Region,
		Schema:      append([]datatypes.TableSchema(nil), snap.Schema...),
		seenActions: make(map[string]struct{}),
	}
}

// SeenAction reports whether an action hash was already proposed.
func (p Plan) SeenAction(hash string) bool {
	_, ok := p.seenActions[hash]
	return ok
}

// WithAction returns a copy that remembers the action hash.
func (p Plan) WithAction(hash string) Plan {
	seen := make(map[string]struct{}, len(p.seenActions)+1)
	for h := range p.seenActions {
		seen[h] = struct{}{}
	}
	seen[hash] = struct{}{}
	p.seenActions = seen
	return p
}

// WithTable returns a copy with one table's detail added or replaced.
func (p Plan) WithTable(t datatypes.TableSchema) Plan {
	schema := make([]datatypes.TableSchema, 0, len(p.Schema)+1)
	replaced := false
	for _, existing := range p.Schema {
		if equalFoldTrim(existing.Name, t.Name) {
			schema = append(schema, t)
			replaced = true
			continue
		}
		schema = append(schema, existing)
	}
	if !replaced {
		schema = append(schema, t)
	}
	p.Schema = schema
	return p
}

// WithWindow returns a copy with the time window resolved.
func (p Plan) WithWindow(w datatypes.TimeWindow) Plan {
	p.Window = w
	return p
}

// WithAttempt returns a copy recording a rejected query candidate.
func (p Plan) WithAttempt(a QueryAttempt) Plan {
	p.Attempts = append(append([]QueryAttempt(nil), p.Attempts...), a)
	return p
}

// WithRejection returns a copy recording a rejected or failed action.
func (p Plan) WithRejection(desc string) Plan {
	p.RejectedActions = append(append([]string(nil), p.RejectedActions...), desc)
	return p
}

// NextRound returns a copy with the round counter advanced.
func (p Plan) NextRound() Plan {
	p.Round++
	return p
}

// KnowsTable reports whether column detail for a table is present.
func (p Plan) KnowsTable(name string) bool {
	for _, t := range p.Schema {
		if equalFoldTrim(t.Name, name) && len(t.Fields) > 0 {
			return true
		}
	}
	return false
}

// Unknowns lists what is still missing for deterministic emission, in
// stable order. The strings match the completeness checker's vocabulary.
func (p Plan) Unknowns() []string {
	var unknowns []string
	if p.Window.IsZero() {
		unknowns = append(unknowns, "time_window")
	}
	if !p.hasSchemaDetail() {
		unknowns = append(unknowns, "schema_context")
	}
	if p.Mapping.MatchedField.Name == "" {
		unknowns = append(unknowns, "field_mapping")
	}
	return unknowns
}

func (p Plan) hasSchemaDetail() bool {
	for _, t := range p.Schema {
		if len(t.Fields) > 0 {
			return true
		}
	}
	return false
}

// Perceive renders the current state for the think phase.
//
// # Description
//
// Summarizes what is known (placeholder, match, window, schema), what is
// unknown, which query attempts failed and why, and which actions were
// rejected. This string is the entire state the model sees; nothing the
// loop knows may be omitted, or the model will re-propose dead ends.
func (p Plan) Perceive() string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Round %d\n\n", p.Round)
	fmt.Fprintf(&b, "## Goal\nResolve placeholder kind=%s description=%q into an executable instruction set.\n\n",
		p.Placeholder.Kind, p.Placeholder.Description)

	b.WriteString("## Known\n")
	if p.Mapping.MatchedField.Name != "" {
		fmt.Fprintf(&b, "- matched field: %s (confidence %.2f, tier %s)\n",
			p.Mapping.MatchedField.Qualified(), p.Mapping.CombinedScore, p.Mapping.Tier)
	}
	if !p.Window.IsZero() {
		fmt.Fprintf(&b, "- time window: %s\n", p.Window)
	}
	if p.Region != "" {
		fmt.Fprintf(&b, "- region: %s\n", p.Region)
	}
	fmt.Fprintf(&b, "\n## Schema\n%s\n", SummarizeSchema(p.Schema))

	unknowns := p.Unknowns()
	b.WriteString("## Unknown\n")
	if len(unknowns) == 0 {
		b.WriteString("- nothing: emit a query\n")
	}
	for _, u := range unknowns {
		fmt.Fprintf(&b, "- %s\n", u)
	}

	if len(p.Attempts) > 0 {
		b.WriteString("\n## Failed query attempts\n")
		for i, a := range p.Attempts {
			fmt.Fprintf(&b, "%d. table=%s op=%s -> %s\n", i+1, a.Instructions.Table, a.Instructions.Operation, a.Failure)
		}
	}
	if len(p.RejectedActions) > 0 {
		b.WriteString("\n## Rejected or failed actions\n")
		for _, r := range p.RejectedActions {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}
