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
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/AleutianAI/meridian/services/llm"
	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// =============================================================================
// Prompt Builders
// =============================================================================

// fastPathSystemPrompt instructs the model to emit exactly one structured
// instruction set. Retries append prior validation errors to the user
// message, not the system prompt, so the constraint framing stays stable.
const fastPathSystemPrompt = `You are a query planner for a report engine. Given a placeholder from a report template, a matched schema field, and an absolute time window, emit EXACTLY ONE instruction set as JSON conforming to the provided schema.

Rules:
- Reference ONLY tables and columns listed in the schema below. Never invent names.
- Use the provided absolute time window verbatim for any time filter.
- A "statistic" placeholder wants operation "aggregate" with output_shape "scalar".
- A "chart" placeholder wants output_shape "series" with a group_by.
- A "table" placeholder wants operation "select" with output_shape "table".
- Output JSON only. No prose, no markdown.`

// fastPathUserTemplate renders the per-request context for the fast path.
const fastPathUserTemplate = `## Placeholder
kind: {{.Placeholder.Kind}}
description: {{.Placeholder.Description}}
{{- if .Placeholder.ContextBefore}}
surrounding text: ...{{.Placeholder.ContextBefore}} [PLACEHOLDER] {{.Placeholder.ContextAfter}}...
{{- end}}

## Matched Field
{{.MatchedField}} (match confidence {{printf "%.2f" .MatchScore}})

## Time Window
{{.Window}}
{{- if .Region}}

## Region
{{.Region}}
{{- end}}

## Schema
{{.SchemaSummary}}
{{- if .PriorErrors}}

## Previous Attempt Failed
Your last candidate was rejected. Fix ALL of these problems:
{{range .PriorErrors}}- {{.}}
{{end}}
{{- end}}`

var fastPathTmpl = template.Must(template.New("fastpath").Parse(fastPathUserTemplate))

// fastPathPromptData feeds fastPathUserTemplate.
type fastPathPromptData struct {
	Placeholder   datatypes.Placeholder
	MatchedField  string
	MatchScore    float64
	Window        string
	Region        string
	SchemaSummary string
	PriorErrors   []string
}

// BuildFastPathMessages renders the fast-path conversation.
func BuildFastPathMessages(p datatypes.Placeholder, mapping datatypes.FieldMapping, snap datatypes.ContextSnapshot, window datatypes.TimeWindow, priorErrors []string) ([]datatypes.Message, error) {
	data := fastPathPromptData{
		Placeholder:   p,
		MatchedField:  mapping.MatchedField.Qualified(),
		MatchScore:    mapping.CombinedScore,
		Window:        window.String(),
		Region:        snap.Region,
		SchemaSummary: SummarizeSchema(snap.Schema),
		PriorErrors:   priorErrors,
	}
	var buf bytes.Buffer
	if err := fastPathTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("BuildFastPathMessages: rendering template: %w", err)
	}
	return []datatypes.Message{
		{Role: "system", Content: fastPathSystemPrompt},
		{Role: "user", Content: buf.String()},
	}, nil
}

// SummarizeSchema renders schema tables for prompt embedding.
func SummarizeSchema(schema []datatypes.TableSchema) string {
	if len(schema) == 0 {
		return "(no schema detail available)"
	}
	var b strings.Builder
	for _, t := range schema {
		fmt.Fprintf(&b, "table %s:\n", t.Name)
		for _, f := range t.Fields {
			fmt.Fprintf(&b, "  - %s %s", f.Name, f.Type)
			if f.Description != "" {
				fmt.Fprintf(&b, "  // %s", f.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// InstructionsSchema is the response schema both paths constrain query
// emission with. Mirrors datatypes.ETLInstructions' JSON encoding.
func InstructionsSchema() *llm.ResponseSchema {
	return &llm.ResponseSchema{
		Name: "etl_instructions",
		Schema: map[string]any{
			"type":     "object",
			"required": []string{"table", "operation", "output_shape"},
			"properties": map[string]any{
				"table":     map[string]any{"type": "string"},
				"operation": map[string]any{"type": "string", "enum": []string{"aggregate", "select", "transform"}},
				"filters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"time": map[string]any{
							"type":     "object",
							"required": []string{"column", "window"},
							"properties": map[string]any{
								"column": map[string]any{"type": "string"},
								"window": map[string]any{
									"type": "object",
									"properties": map[string]any{
										"start": map[string]any{"type": "string", "format": "date-time"},
										"end":   map[string]any{"type": "string", "format": "date-time"},
									},
								},
							},
						},
						"region": map[string]any{
							"type":     "object",
							"required": []string{"column", "value"},
							"properties": map[string]any{
								"column": map[string]any{"type": "string"},
								"value":  map[string]any{"type": "string"},
								"prefix": map[string]any{"type": "boolean"},
							},
						},
						"other": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type":     "object",
								"required": []string{"column", "value"},
								"properties": map[string]any{
									"column": map[string]any{"type": "string"},
									"value":  map[string]any{"type": "string"},
								},
							},
						},
					},
				},
				"aggregation": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"fn":       map[string]any{"type": "string", "enum": []string{"sum", "count", "avg", "min", "max"}},
						"column":   map[string]any{"type": "string"},
						"group_by": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
				},
				"columns":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"order_by":     map[string]any{"type": "string"},
				"limit":        map[string]any{"type": "integer"},
				"output_shape": map[string]any{"type": "string", "enum": []string{"scalar", "series", "table"}},
			},
		},
	}
}

// =============================================================================
// Fallback (Think Phase) Prompts
// =============================================================================

// thinkSystemPrompt instructs the model to propose exactly one next action.
const thinkSystemPrompt = `You are the planning step of an iterative query builder. You receive the current state of a stalled query-resolution attempt. Propose EXACTLY ONE next action as JSON conforming to the provided schema.

Action types:
- "schema_lookup": request column detail for one table. Use when the schema section lacks the table you need.
- "resolve_period": resolve a relative period token (e.g. "last_month") into an absolute date range. Use when the time window is unknown and the placeholder description implies a period.
- "emit_query": emit a complete instruction set (same format as a query planner would). Use ONLY when you have enough schema detail and a resolved time window (when the placeholder needs one).
- "abort": give up. Use ONLY when the unknowns cannot be resolved with the available actions.

Rules:
- Never repeat an action listed under "rejected or failed actions".
- Prefer schema_lookup over guessing column names.
- Output JSON only. No prose, no markdown.`

// BuildThinkMessages renders the think-phase conversation from the
// perceive summary.
func BuildThinkMessages(perceived string) []datatypes.Message {
	return []datatypes.Message{
		{Role: "system", Content: thinkSystemPrompt},
		{Role: "user", Content: perceived},
	}
}

// ActionSchema is the response schema for the think phase.
func ActionSchema() *llm.ResponseSchema {
	instr := InstructionsSchema()
	return &llm.ResponseSchema{
		Name: "next_action",
		Schema: map[string]any{
			"type":     "object",
			"required": []string{"type"},
			"properties": map[string]any{
				"type":         map[string]any{"type": "string", "enum": []string{"schema_lookup", "resolve_period", "emit_query", "abort"}},
				"table":        map[string]any{"type": "string"},
				"period_token": map[string]any{"type": "string"},
				"instructions": instr.Schema,
				"reason":       map[string]any{"type": "string"},
			},
		},
	}
}
