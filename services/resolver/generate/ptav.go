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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/meridian/services/llm"
	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	fallbackRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "generate",
		Name:      "fallback_rounds",
		Help:      "Rounds consumed per fallback loop run.",
		Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
	})

	fallbackActionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "generate",
		Name:      "fallback_action_total",
		Help:      "Fallback actions by type and disposition.",
	}, []string{"action", "disposition"})
)

// =============================================================================
// Agentic Fallback Loop
// =============================================================================

// Fallback loop bounds. MaxRounds and the wall clock are independent
// either-first termination conditions.
const (
	DefaultMaxRounds    = 15
	DefaultRoundTimeout = 45 * time.Second
	DefaultWallClock    = 5 * time.Minute
)

// SchemaReader is the subset of a data-source connector the fallback
// loop's act phase needs.
type SchemaReader interface {
	// ListTables returns the table names the source exposes.
	ListTables(ctx context.Context) ([]string, error)

	// DescribeTable returns column detail for one table.
	DescribeTable(ctx context.Context, name string) (datatypes.TableSchema, error)
}

// FallbackConfig bounds a fallback run.
type FallbackConfig struct {
	// MaxRounds caps perceive-think-act-validate rounds.
	MaxRounds int

	// RoundTimeout bounds one round. A round that times out counts as a
	// failed round, not an abort.
	RoundTimeout time.Duration

	// WallClock bounds the whole run regardless of rounds.
	WallClock time.Duration
}

// DefaultFallbackConfig returns the standard bounds.
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		MaxRounds:    DefaultMaxRounds,
		RoundTimeout: DefaultRoundTimeout,
		WallClock:    DefaultWallClock,
	}
}

// FallbackResult is a successful fallback run's output.
type FallbackResult struct {
	// Instructions is the validated instruction set.
	Instructions datatypes.ETLInstructions

	// Window is the resolved time window the instructions use.
	Window datatypes.TimeWindow

	// RoundsUsed is how many rounds the loop consumed.
	RoundsUsed int

	// Errors lists non-fatal failures encountered along the way.
	Errors []string
}

// proposedAction is the think phase's decoded output.
type proposedAction struct {
	Type         string                     `json:"type"`
	Table        string                     `json:"table,omitempty"`
	PeriodToken  string                     `json:"period_token,omitempty"`
	Instructions *datatypes.ETLInstructions `json:"instructions,omitempty"`
	Reason       string                     `json:"reason,omitempty"`
}

// hash returns the SHA-256 identity of an action, used to reject rounds
// that re-propose an already-tried action.
func (a proposedAction) hash() string {
	payload, _ := json.Marshal(a)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// describe renders the action for rejection feedback.
func (a proposedAction) describe() string {
	switch a.Type {
	case "schema_lookup":
		return fmt.Sprintf("schema_lookup(%s)", a.Table)
	case "resolve_period":
		return fmt.Sprintf("resolve_period(%s)", a.PeriodToken)
	case "emit_query":
		if a.Instructions != nil {
			return fmt.Sprintf("emit_query(table=%s, op=%s)", a.Instructions.Table, a.Instructions.Operation)
		}
		return "emit_query(empty)"
	default:
		return a.Type
	}
}

// Fallback is the bounded agentic query builder.
//
// # Description
//
// Runs repeating perceive-think-act-validate rounds over an accumulating
// Plan until a candidate validates, the round budget or wall clock runs
// out, or the model aborts. Each round is independently timeout-bounded;
// a timed-out round counts as one failed round. A round proposing an
// action whose hash was already seen is rejected without execution, so
// the loop can never spin on an identical dead end. Every accepted round
// either adds knowledge (schema detail, a resolved window) or attempts a
// new query.
//
// # Thread Safety
//
// Immutable after construction. Safe for concurrent use; all run state
// lives in the per-call Plan.
type Fallback struct {
	client  llm.CompletionClient
	schemas SchemaReader
	cfg     FallbackConfig
	logger  *slog.Logger
}

// NewFallback constructs the fallback loop. Zero-valued cfg fields take
// defaults.
func NewFallback(client llm.CompletionClient, schemas SchemaReader, cfg FallbackConfig, logger *slog.Logger) *Fallback {
	def := DefaultFallbackConfig()
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = def.RoundTimeout
	}
	if cfg.WallClock <= 0 {
		cfg.WallClock = def.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{client: client, schemas: schemas, cfg: cfg, logger: logger}
}

// Run executes the loop for one placeholder.
//
// # Inputs
//
//   - ctx: Context for cancellation. Propagates to completion and schema
//     calls.
//   - p: The placeholder under resolution.
//   - mapping: The field match, possibly zero-valued when no tier matched.
//   - snap: The read-only context snapshot, possibly incomplete.
//
// # Outputs
//
//   - FallbackResult: The validated instructions with round accounting.
//   - error: ErrFallbackExhausted (wrapped in *PathError) on budget
//     exhaustion or model abort; ctx.Err() on parent cancellation.
//
// # Thread Safety
//
// Safe for concurrent use.
func (f *Fallback) Run(ctx context.Context, p datatypes.Placeholder, mapping datatypes.FieldMapping, snap datatypes.ContextSnapshot) (FallbackResult, error) {
	ctx, span := generateTracer.Start(ctx, "generate.Fallback.Run",
		oteltrace.WithAttributes(
			attribute.String("placeholder.kind", string(p.Kind)),
			attribute.Int("max_rounds", f.cfg.MaxRounds),
		))
	defer span.End()

	wallCtx, cancel := context.WithTimeout(ctx, f.cfg.WallClock)
	defer cancel()

	now := snap.Now
	if now.IsZero() {
		now = time.Now()
	}

	plan := NewPlan(p, mapping, snap)
	var history []string

	for round := 1; round <= f.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return FallbackResult{}, err
		}
		if wallCtx.Err() != nil {
			history = append(history, "wall clock exhausted")
			break
		}

		plan = plan.NextRound()
		var result *FallbackResult
		var terminal error
		plan, result, history, terminal = f.runRound(wallCtx, plan, snap, now, history)
		if terminal != nil {
			generationTotal.WithLabelValues("fallback", "aborted").Inc()
			fallbackRounds.Observe(float64(round))
			return FallbackResult{}, &PathError{
				Sentinel: ErrFallbackExhausted,
				Attempts: round,
				History:  append(history, terminal.Error()),
			}
		}
		if result != nil {
			result.RoundsUsed = round
			result.Errors = history
			fallbackRounds.Observe(float64(round))
			generationTotal.WithLabelValues("fallback", "success").Inc()
			span.SetAttributes(attribute.Int("rounds_used", round))
			return *result, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return FallbackResult{}, err
	}

	fallbackRounds.Observe(float64(plan.Round))
	generationTotal.WithLabelValues("fallback", "exhausted").Inc()
	f.logger.Warn("fallback loop exhausted",
		"placeholder", p.Description,
		"rounds", plan.Round)
	return FallbackResult{}, &PathError{
		Sentinel: ErrFallbackExhausted,
		Attempts: plan.Round,
		History:  history,
	}
}

// runRound executes one perceive-think-act-validate cycle. A non-nil
// result means success; a non-nil terminal error means the model aborted
// and the loop must stop; otherwise the returned plan carries whatever
// the round learned (including rejection notes) into the next round.
func (f *Fallback) runRound(ctx context.Context, plan Plan, snap datatypes.ContextSnapshot, now time.Time, history []string) (Plan, *FallbackResult, []string, error) {
	roundCtx, cancel := context.WithTimeout(ctx, f.cfg.RoundTimeout)
	defer cancel()

	// Perceive.
	perceived := plan.Perceive()

	// Think.
	action, err := f.think(roundCtx, perceived)
	if err != nil {
		history = append(history, fmt.Sprintf("round %d: think: %v", plan.Round, err))
		return plan.WithRejection(fmt.Sprintf("round %d thinking failed: %v", plan.Round, err)), nil, history, nil
	}

	// Reject repeats before acting.
	h := action.hash()
	if plan.SeenAction(h) {
		fallbackActionTotal.WithLabelValues(action.Type, "duplicate").Inc()
		history = append(history, fmt.Sprintf("round %d: duplicate action %s", plan.Round, action.describe()))
		return plan.WithRejection(fmt.Sprintf("%s was already proposed; choose a different action", action.describe())), nil, history, nil
	}
	plan = plan.WithAction(h)

	// Act + Validate.
	switch action.Type {
	case "schema_lookup":
		plan, err = f.actSchemaLookup(roundCtx, plan, action)
		if err != nil {
			fallbackActionTotal.WithLabelValues(action.Type, "failed").Inc()
			history = append(history, fmt.Sprintf("round %d: %v", plan.Round, err))
			return plan.WithRejection(err.Error()), nil, history, nil
		}
		fallbackActionTotal.WithLabelValues(action.Type, "accepted").Inc()
		return plan, nil, history, nil

	case "resolve_period":
		window, err := ResolveTimeWindow(action.PeriodToken, now)
		if err != nil {
			fallbackActionTotal.WithLabelValues(action.Type, "failed").Inc()
			history = append(history, fmt.Sprintf("round %d: %v", plan.Round, err))
			return plan.WithRejection(err.Error()), nil, history, nil
		}
		fallbackActionTotal.WithLabelValues(action.Type, "accepted").Inc()
		return plan.WithWindow(window), nil, history, nil

	case "emit_query":
		plan, result, err := f.actEmitQuery(plan, snap, action)
		if err != nil {
			fallbackActionTotal.WithLabelValues(action.Type, "rejected").Inc()
			history = append(history, fmt.Sprintf("round %d: %v", plan.Round, err))
			return plan, nil, history, nil
		}
		fallbackActionTotal.WithLabelValues(action.Type, "accepted").Inc()
		return plan, result, history, nil

	case "abort":
		fallbackActionTotal.WithLabelValues(action.Type, "accepted").Inc()
		return plan, nil, history, fmt.Errorf("model aborted: %s", action.Reason)

	default:
		fallbackActionTotal.WithLabelValues("unknown", "rejected").Inc()
		history = append(history, fmt.Sprintf("round %d: unknown action type %q", plan.Round, action.Type))
		return plan.WithRejection(fmt.Sprintf("unknown action type %q", action.Type)), nil, history, nil
	}
}

// think asks the completion collaborator for the next action.
func (f *Fallback) think(ctx context.Context, perceived string) (proposedAction, error) {
	completion, err := f.client.Complete(ctx, BuildThinkMessages(perceived), ActionSchema(), llm.CompletionOptions{
		Temperature: 0,
		MaxTokens:   2048,
	})
	if err != nil {
		return proposedAction{}, fmt.Errorf("completion transport: %w", err)
	}

	switch completion.Outcome {
	case llm.OutcomeSuccess:
		var action proposedAction
		if err := completion.Decode(&action); err != nil {
			return proposedAction{}, fmt.Errorf("%w: %v", ErrCompletionMalformed, err)
		}
		return action, nil
	case llm.OutcomeMalformed:
		return proposedAction{}, ErrCompletionMalformed
	case llm.OutcomeRefusal:
		return proposedAction{}, fmt.Errorf("%w: %s", ErrCompletionRefused, completion.Reason)
	default:
		return proposedAction{}, fmt.Errorf("unexpected completion outcome %q", completion.Outcome)
	}
}

// actSchemaLookup executes a schema_lookup action. The monotonic
// information invariant holds here: a lookup for a table whose detail is
// already known is rejected rather than re-executed.
func (f *Fallback) actSchemaLookup(ctx context.Context, plan Plan, action proposedAction) (Plan, error) {
	if action.Table == "" {
		return plan, errors.New("schema_lookup requires a table name")
	}
	if plan.KnowsTable(action.Table) {
		return plan, fmt.Errorf("schema for table %q is already known", action.Table)
	}
	if f.schemas == nil {
		return plan, errors.New("no schema reader available for lookups")
	}

	table, err := f.schemas.DescribeTable(ctx, action.Table)
	if err != nil {
		return plan, fmt.Errorf("describe table %q: %w", action.Table, err)
	}
	f.logger.Debug("fallback schema lookup",
		"table", table.Name,
		"columns", len(table.Fields))
	return plan.WithTable(table), nil
}

// actEmitQuery validates an emitted candidate against the plan's
// accumulated schema. A rejected candidate is recorded on the plan so
// the next perceive phase shows the model exactly what failed.
func (f *Fallback) actEmitQuery(plan Plan, snap datatypes.ContextSnapshot, action proposedAction) (Plan, *FallbackResult, error) {
	if action.Instructions == nil {
		err := errors.New("emit_query carried no instructions")
		return plan.WithRejection(err.Error()), nil, err
	}
	instr := *action.Instructions

	// Adopt a window the model supplied inside the time filter when the
	// plan has none yet; stamp the plan's window when the model omitted it.
	if plan.Window.IsZero() && instr.Filters.Time != nil && !instr.Filters.Time.Window.IsZero() {
		plan = plan.WithWindow(instr.Filters.Time.Window)
	}
	normalizeInstructions(&instr, snap, plan.Window)

	if err := ValidateInstructions(instr, plan.Schema); err != nil {
		return plan.WithAttempt(QueryAttempt{Instructions: instr, Failure: err.Error()}), nil, err
	}

	return plan, &FallbackResult{Instructions: instr, Window: plan.Window}, nil
}
