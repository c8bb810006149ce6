// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides text-completion clients for the resolution engine.
// Clients implement CompletionClient and return a tagged StructuredCompletion
// so callers pattern-match on the outcome instead of probing raw strings.
//
// Thread Safety:
//
//	All clients in this package are safe for concurrent use.
package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// =============================================================================
// CompletionClient Interface
// =============================================================================

// CompletionOptions holds provider-agnostic options for a completion request.
type CompletionOptions struct {
	// Temperature controls randomness (0.0-1.0). The engine always uses
	// low temperatures; query generation wants determinism.
	Temperature float64

	// MaxTokens limits the response length.
	MaxTokens int

	// Model overrides the client's default model for this request.
	// Empty uses the client default.
	Model string

	// Timeout bounds the request. Zero uses the client default.
	Timeout time.Duration
}

// CompletionClient is the minimal interface the resolution engine needs from
// a text-completion collaborator.
//
// Description:
//
//	Complete sends a prompt constrained by a JSON response schema and returns
//	a tagged result. Implementations must honor ctx cancellation and the
//	Timeout option, and must never return a half-parsed success: output that
//	does not decode against the schema comes back as OutcomeMalformed.
//
// Thread Safety: Implementations must be safe for concurrent use.
type CompletionClient interface {
	// Complete sends the messages and decodes the response as JSON.
	//
	// Inputs:
	//   - ctx: Context for cancellation and timeout.
	//   - messages: Conversation messages (system, user, assistant).
	//   - schema: JSON Schema the response must conform to. May be nil for
	//     free-form completions.
	//   - opts: Provider-agnostic options.
	//
	// Outputs:
	//   - StructuredCompletion: Tagged outcome. Never a zero value on nil error.
	//   - error: Non-nil only on transport failure (network, timeout, HTTP).
	Complete(ctx context.Context, messages []datatypes.Message, schema *ResponseSchema, opts CompletionOptions) (StructuredCompletion, error)

	// Model returns the client's default model identifier.
	Model() string
}

// ResponseSchema is a JSON Schema constraint passed to providers that support
// structured output, and embedded in the prompt for providers that do not.
type ResponseSchema struct {
	// Name labels the schema in provider APIs that require one.
	Name string `json:"name"`

	// Schema is the JSON Schema document.
	Schema map[string]any `json:"schema"`
}

// =============================================================================
// Tagged Completion Outcome
// =============================================================================

// CompletionOutcome tags the three possible shapes of a completion response.
type CompletionOutcome string

const (
	// OutcomeSuccess means the response decoded against the schema.
	OutcomeSuccess CompletionOutcome = "success"

	// OutcomeMalformed means the model produced output that does not decode.
	// Raw holds the offending text for retry-with-error prompting.
	OutcomeMalformed CompletionOutcome = "malformed"

	// OutcomeRefusal means the model declined to answer.
	OutcomeRefusal CompletionOutcome = "refusal"
)

// StructuredCompletion is the tagged result of a completion request.
//
// Description:
//
//	Exactly one of JSON/Raw/Reason is meaningful, selected by Outcome.
//	Downstream code switches on Outcome exhaustively rather than probing
//	for keys in loosely-typed maps.
type StructuredCompletion struct {
	// Outcome selects the variant.
	Outcome CompletionOutcome

	// JSON is the decoded response body. Valid only for OutcomeSuccess.
	JSON json.RawMessage

	// Raw is the undecodable model output. Valid only for OutcomeMalformed.
	Raw string

	// Reason is the refusal explanation. Valid only for OutcomeRefusal.
	Reason string
}

// Decode unmarshals a success outcome into v.
//
// Outputs:
//
//	error - Non-nil if the outcome is not OutcomeSuccess or unmarshaling fails.
func (s StructuredCompletion) Decode(v any) error {
	if s.Outcome != OutcomeSuccess {
		return &NotSuccessError{Outcome: s.Outcome}
	}
	return json.Unmarshal(s.JSON, v)
}

// NotSuccessError reports a Decode call on a non-success outcome.
type NotSuccessError struct {
	Outcome CompletionOutcome
}

func (e *NotSuccessError) Error() string {
	return "completion outcome is " + string(e.Outcome) + ", not success"
}

// =============================================================================
// Response Parsing Helpers
// =============================================================================

// refusalPrefixes are response openings that signal a refusal rather than a
// malformed answer. Checked case-insensitively on the trimmed response.
var refusalPrefixes = []string{
	"i can't",
	"i cannot",
	"i'm sorry",
	"i am sorry",
	"i'm unable",
	"i am unable",
	"as an ai",
}

// ClassifyCompletion converts raw model text into a tagged StructuredCompletion.
//
// Description:
//
//	Extracts the first JSON object from the text (models often wrap JSON in
//	prose or markdown fences) and validates it decodes. Text with no
//	decodable JSON is classified as a refusal when it opens with a known
//	refusal phrase, otherwise as malformed.
//
// Inputs:
//
//	text - Raw model output.
//
// Outputs:
//
//	StructuredCompletion - The tagged outcome. Never a zero value.
func ClassifyCompletion(text string) StructuredCompletion {
	raw := ExtractJSONObject(text)
	if raw != "" {
		if json.Valid([]byte(raw)) {
			return StructuredCompletion{Outcome: OutcomeSuccess, JSON: json.RawMessage(raw)}
		}
	}

	trimmed := strings.ToLower(strings.TrimSpace(text))
	for _, prefix := range refusalPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return StructuredCompletion{Outcome: OutcomeRefusal, Reason: strings.TrimSpace(text)}
		}
	}
	return StructuredCompletion{Outcome: OutcomeMalformed, Raw: text}
}

// ExtractJSONObject returns the first balanced top-level JSON object in text.
//
// Description:
//
//	Scans for the first '{' and walks braces while respecting string
//	literals and escapes. Markdown code fences are stripped first. Returns
//	"" when no balanced object exists.
func ExtractJSONObject(text string) string {
	text = stripCodeFences(text)

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

// stripCodeFences removes markdown ```json fences around a response.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
