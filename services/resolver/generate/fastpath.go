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
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/meridian/services/llm"
	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

var generateTracer = otel.Tracer("meridian.resolver.generate")

// =============================================================================
// Metrics
// =============================================================================

var (
	generationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "generate",
		Name:      "total",
		Help:      "Generation attempts by path and outcome.",
	}, []string{"path", "outcome"})

	generationAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "generate",
		Name:      "attempts",
		Help:      "Completion requests consumed per generation, by path.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
	}, []string{"path"})
)

// =============================================================================
// Deterministic Fast Path
// =============================================================================

// DefaultFastPathRetries is how many times a rejected candidate is retried
// before the path reports failure.
const DefaultFastPathRetries = 2

// FastPath is the single-shot deterministic generator.
//
// # Description
//
// Resolves time and schema dependencies up front, then asks the
// completion collaborator for exactly one structured instruction set and
// validates it against the schema. A rejected candidate is retried with
// the validation problems injected into the next prompt, up to the retry
// bound. At most retries+1 completion requests are issued per call, and
// a partial or ambiguous candidate is never returned as success:
// exhaustion surfaces as ErrFastPathFailed, the caller's signal to
// escalate to the fallback loop.
//
// # Thread Safety
//
// Immutable after construction. Safe for concurrent use.
type FastPath struct {
	client  llm.CompletionClient
	retries int
	logger  *slog.Logger
}

// NewFastPath constructs the deterministic generator. retries < 0 selects
// the default.
func NewFastPath(client llm.CompletionClient, retries int, logger *slog.Logger) *FastPath {
	if retries < 0 {
		retries = DefaultFastPathRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FastPath{client: client, retries: retries, logger: logger}
}

// Generate produces one validated instruction set.
//
// # Inputs
//
//   - ctx: Context for cancellation. Propagates to completion calls.
//   - p: The placeholder under resolution.
//   - mapping: The accepted field match.
//   - snap: The read-only context snapshot. Must be complete (the caller
//     gates on the completeness checker).
//
// # Outputs
//
//   - datatypes.ETLInstructions: The validated instruction set.
//   - datatypes.TimeWindow: The absolute window the instructions use.
//   - error: ErrFastPathFailed (wrapped in *PathError) on exhaustion;
//     ctx.Err() on cancellation.
//
// # Thread Safety
//
// Safe for concurrent use.
func (f *FastPath) Generate(ctx context.Context, p datatypes.Placeholder, mapping datatypes.FieldMapping, snap datatypes.ContextSnapshot) (datatypes.ETLInstructions, datatypes.TimeWindow, error) {
	ctx, span := generateTracer.Start(ctx, "generate.FastPath.Generate",
		oteltrace.WithAttributes(
			attribute.String("placeholder.kind", string(p.Kind)),
			attribute.String("matched.field", mapping.MatchedField.Qualified()),
		))
	defer span.End()

	window, err := f.resolveWindow(snap)
	if err != nil {
		generationTotal.WithLabelValues("fast", "window_unresolved").Inc()
		return datatypes.ETLInstructions{}, datatypes.TimeWindow{}, err
	}
	span.SetAttributes(attribute.String("time_window", window.String()))

	var history []string
	var priorErrors []string
	attempts := 0

	for attempts <= f.retries {
		if err := ctx.Err(); err != nil {
			return datatypes.ETLInstructions{}, window, err
		}
		attempts++

		messages, err := BuildFastPathMessages(p, mapping, snap, window, priorErrors)
		if err != nil {
			return datatypes.ETLInstructions{}, window, err
		}

		completion, err := f.client.Complete(ctx, messages, InstructionsSchema(), llm.CompletionOptions{
			Temperature: 0,
			MaxTokens:   2048,
		})
		if err != nil {
			// Transport failures (including timeouts) consume an attempt
			// like a validation failure would.
			history = append(history, fmt.Sprintf("attempt %d: completion transport: %v", attempts, err))
			priorErrors = []string{"the previous request failed in transit; emit the instruction set again"}
			continue
		}

		switch completion.Outcome {
		case llm.OutcomeSuccess:
			var instr datatypes.ETLInstructions
			if err := completion.Decode(&instr); err != nil {
				history = append(history, fmt.Sprintf("attempt %d: %v: %v", attempts, ErrCompletionMalformed, err))
				priorErrors = []string{fmt.Sprintf("your output did not decode as the required schema: %v", err)}
				continue
			}
			normalizeInstructions(&instr, snap, window)

			if err := ValidateInstructions(instr, snap.Schema); err != nil {
				var sve *SchemaValidationError
				if errors.As(err, &sve) {
					priorErrors = sve.Problems
				} else {
					priorErrors = []string{err.Error()}
				}
				history = append(history, fmt.Sprintf("attempt %d: %v", attempts, err))
				f.logger.Debug("fast path candidate rejected",
					"attempt", attempts,
					"problems", priorErrors)
				continue
			}

			generationTotal.WithLabelValues("fast", "success").Inc()
			generationAttempts.WithLabelValues("fast").Observe(float64(attempts))
			span.SetAttributes(attribute.Int("attempts", attempts))
			return instr, window, nil

		case llm.OutcomeMalformed:
			history = append(history, fmt.Sprintf("attempt %d: %v", attempts, ErrCompletionMalformed))
			priorErrors = []string{fmt.Sprintf("your output was not valid JSON. Offending output: %.300s", completion.Raw)}

		case llm.OutcomeRefusal:
			history = append(history, fmt.Sprintf("attempt %d: %v: %s", attempts, ErrCompletionRefused, completion.Reason))
			priorErrors = []string{"the previous request was refused; emit only the JSON instruction set"}
		}
	}

	generationTotal.WithLabelValues("fast", "exhausted").Inc()
	generationAttempts.WithLabelValues("fast").Observe(float64(attempts))
	f.logger.Warn("fast path exhausted",
		"placeholder", p.Description,
		"attempts", attempts)
	return datatypes.ETLInstructions{}, window, &PathError{
		Sentinel: ErrFastPathFailed,
		Attempts: attempts,
		History:  history,
	}
}

// resolveWindow picks the snapshot's absolute window, or resolves its
// relative token against the snapshot's fixed now.
func (f *FastPath) resolveWindow(snap datatypes.ContextSnapshot) (datatypes.TimeWindow, error) {
	if !snap.TimeWindow.IsZero() {
		return snap.TimeWindow, nil
	}
	now := snap.Now
	if now.IsZero() {
		now = time.Now()
	}
	return ResolveTimeWindow(snap.PeriodToken, now)
}

// normalizeInstructions stamps fields the model is not trusted to supply:
// the source ref, and the absolute window when the model echoed an empty
// one inside the time filter.
func normalizeInstructions(instr *datatypes.ETLInstructions, snap datatypes.ContextSnapshot, window datatypes.TimeWindow) {
	instr.Source = snap.Source
	if instr.Filters.Time != nil && instr.Filters.Time.Window.IsZero() {
		instr.Filters.Time.Window = window
	}
}
