// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates placeholder resolution end to end: parse,
// match, check completeness, generate (deterministic first, agentic
// fallback second), execute, and score. The engine never panics across
// its boundary; every failure surfaces as a *ResolverError.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/meridian/services/llm"
	"github.com/AleutianAI/meridian/services/resolver/cache"
	"github.com/AleutianAI/meridian/services/resolver/config"
	"github.com/AleutianAI/meridian/services/resolver/datatypes"
	"github.com/AleutianAI/meridian/services/resolver/etl"
	"github.com/AleutianAI/meridian/services/resolver/generate"
	"github.com/AleutianAI/meridian/services/resolver/matching"
	"github.com/AleutianAI/meridian/services/resolver/template"
)

var engineTracer = otel.Tracer("meridian.resolver.engine")

var (
	resolutionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "engine",
		Name:      "resolutions_total",
		Help:      "Placeholder resolutions by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	resolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "engine",
		Name:      "resolution_duration_seconds",
		Help:      "End-to-end latency of single placeholder resolutions.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	})

	cacheLookupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "engine",
		Name:      "cache_lookups_total",
		Help:      "Resolution cache lookups by outcome.",
	}, []string{"outcome"})
)

// DefaultWorkers bounds concurrent placeholder resolutions per template.
const DefaultWorkers = 4

// RulesSource supplies the current matching rules. Hot-reload swaps the
// rules behind this function without touching the engine.
type RulesSource func(ctx context.Context) (*config.MatchRules, error)

// Options wires an Engine's collaborators.
type Options struct {
	Parser   *template.Parser
	Matcher  *matching.Matcher
	FastPath *generate.FastPath
	Fallback *generate.Fallback
	Executor *etl.Executor

	// Cache may be nil; the engine then regenerates on every request.
	Cache cache.ResolutionCache

	// Rules may be nil; matching then runs without synonym expansion or
	// forced mappings.
	Rules RulesSource

	// MaxCandidates caps synthesized field candidates per placeholder.
	MaxCandidates int

	// ComplexityThreshold is the filter count above which confidence is
	// discounted.
	ComplexityThreshold int

	// Workers bounds concurrent placeholder resolutions per template.
	Workers int

	Logger *slog.Logger
}

// Engine resolves placeholders. Construct with New; the zero value is
// not usable.
//
// # Thread Safety
//
// Safe for concurrent use. Snapshots are read-only by contract and the
// engine never mutates them.
type Engine struct {
	parser              *template.Parser
	matcher             *matching.Matcher
	fast                *generate.FastPath
	fallback            *generate.Fallback
	executor            *etl.Executor
	cache               cache.ResolutionCache
	rules               RulesSource
	maxCandidates       int
	complexityThreshold int
	workers             int
	logger              *slog.Logger
}

// New builds an Engine from its collaborators.
func New(opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	maxCandidates := opts.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 5
	}
	return &Engine{
		parser:              opts.Parser,
		matcher:             opts.Matcher,
		fast:                opts.FastPath,
		fallback:            opts.Fallback,
		executor:            opts.Executor,
		cache:               opts.Cache,
		rules:               opts.Rules,
		maxCandidates:       maxCandidates,
		complexityThreshold: opts.ComplexityThreshold,
		workers:             workers,
		logger:              opts.Logger,
	}
}

// Resolution pairs one placeholder with its outcome. Exactly one of
// Result and Err is set.
type Resolution struct {
	Placeholder datatypes.Placeholder     `json:"placeholder"`
	Result      *datatypes.ExecutionResult `json:"result,omitempty"`
	Err         error                      `json:"-"`
}

// ResolveTemplate parses a template and resolves every placeholder with
// a bounded worker pool.
//
// # Description
//
// Placeholders resolve independently against the same read-only
// snapshot; one failure never aborts its siblings. Results come back in
// template order. Context cancellation stops admission of new work and
// propagates into in-flight resolutions.
//
// # Inputs
//
//   - ctx: Cancellation and deadline for the whole batch.
//   - templateText: The report template with brace markers.
//   - snap: The shared context snapshot.
//
// # Outputs
//
//   - []Resolution: One entry per parsed placeholder, template order.
//   - error: Only the batch-level context error. Per-placeholder
//     failures ride inside Resolution.Err.
func (e *Engine) ResolveTemplate(ctx context.Context, templateText string, snap datatypes.ContextSnapshot) ([]Resolution, error) {
	ctx, span := engineTracer.Start(ctx, "engine.ResolveTemplate")
	defer span.End()

	snap = admit(snap)
	placeholders := e.parser.Parse(templateText)
	span.SetAttributes(attribute.Int("placeholders", len(placeholders)))

	resolutions := make([]Resolution, len(placeholders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i, p := range placeholders {
		g.Go(func() error {
			result, err := e.ResolvePlaceholder(gctx, p, snap)
			if err != nil {
				resolutions[i] = Resolution{Placeholder: p, Err: err}
				return nil
			}
			resolutions[i] = Resolution{Placeholder: p, Result: &result}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resolutions, nil
}

// ResolvePlaceholder runs the full pipeline for one placeholder.
//
// # Outputs
//
//   - datatypes.ExecutionResult: The scored result. Empty results are
//     successes with a heavy confidence discount, not errors.
//   - error: A *ResolverError describing the terminal failure.
func (e *Engine) ResolvePlaceholder(ctx context.Context, p datatypes.Placeholder, snap datatypes.ContextSnapshot) (datatypes.ExecutionResult, error) {
	ctx, span := engineTracer.Start(ctx, "engine.ResolvePlaceholder",
		oteltrace.WithAttributes(
			attribute.String("kind", string(p.Kind)),
			attribute.String("description", p.Description),
		))
	defer span.End()

	start := time.Now()
	snap = admit(snap)

	result, err := e.resolve(ctx, p, snap, start)
	resolutionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		resolutionTotal.WithLabelValues("none", string(CodeOf(err))).Inc()
		span.SetAttributes(attribute.String("error_code", string(CodeOf(err))))
		return datatypes.ExecutionResult{}, err
	}
	outcome := "ok"
	if result.Empty {
		outcome = "empty"
	}
	resolutionTotal.WithLabelValues(string(result.Metadata.Strategy), outcome).Inc()
	span.SetAttributes(
		attribute.String("strategy", string(result.Metadata.Strategy)),
		attribute.Float64("confidence", result.Confidence))
	return result, nil
}

func (e *Engine) resolve(ctx context.Context, p datatypes.Placeholder, snap datatypes.ContextSnapshot, start time.Time) (datatypes.ExecutionResult, error) {
	// Context-reference kinds answer straight from the snapshot.
	switch p.Kind {
	case datatypes.KindPeriod:
		return e.resolvePeriod(p, snap, start)
	case datatypes.KindRegion:
		return e.resolveRegion(p, snap, start)
	}

	if snap.Source.ID == "" {
		return datatypes.ExecutionResult{}, NewResolverError(ErrCodeContextIncomplete,
			"context snapshot names no data source", false).
			WithDiagnostics("missing: " + MissingDataSource)
	}

	mapping, instr, strategy, rounds, genErrors, err := e.mapAndGenerate(ctx, p, snap)
	if err != nil {
		return datatypes.ExecutionResult{}, err
	}

	outcome, err := e.executor.Execute(ctx, instr)
	if err != nil {
		return datatypes.ExecutionResult{}, e.mapExecutionError(err, outcome.QueryText)
	}

	confidence := ScoreConfidence(mapping.CombinedScore, strategy, instr, outcome.Empty, e.complexityThreshold)
	return datatypes.ExecutionResult{
		Placeholder: p,
		Rows:        outcome.Rows,
		Value:       outcome.Value,
		Empty:       outcome.Empty,
		Confidence:  confidence,
		Metadata: datatypes.ExecutionMetadata{
			Strategy:   strategy,
			RoundsUsed: rounds,
			QueryText:  llm.Redact(outcome.QueryText),
			Errors:     llm.RedactAll(genErrors),
			Duration:   time.Since(start),
		},
	}, nil
}

// mapAndGenerate produces validated instructions for a placeholder,
// consulting the cache first, then the matcher and whichever generation
// path the completeness check routes to.
func (e *Engine) mapAndGenerate(ctx context.Context, p datatypes.Placeholder, snap datatypes.ContextSnapshot) (datatypes.FieldMapping, datatypes.ETLInstructions, datatypes.GenerationStrategy, int, []string, error) {
	key := cache.Key(p, snap.Source.ID, snap.Schema)
	if e.cache != nil {
		if entry, err := e.cache.Get(ctx, key); err == nil && entry != nil {
			cacheLookupTotal.WithLabelValues("hit").Inc()
			instr := entry.Instructions
			// Re-stamp the window: a cached instruction set must not pin
			// a stale reporting period.
			if refreshed, ok := e.refreshWindow(instr, snap); ok {
				return entry.Mapping, refreshed, entry.Strategy, 0, nil, nil
			}
			cacheLookupTotal.WithLabelValues("stale").Inc()
		} else {
			cacheLookupTotal.WithLabelValues("miss").Inc()
		}
	}

	mapping, matchErr := e.match(ctx, p, snap)
	if matchErr != nil {
		return datatypes.FieldMapping{}, datatypes.ETLInstructions{}, "", 0, nil, matchErr
	}

	completeness := CheckCompleteness(snap)

	var (
		instr     datatypes.ETLInstructions
		strategy  datatypes.GenerationStrategy
		rounds    int
		genErrors []string
	)

	if completeness.Complete {
		fastInstr, _, err := e.fast.Generate(ctx, p, mapping, snap)
		switch {
		case err == nil:
			instr, strategy = fastInstr, datatypes.StrategyFast
		case errors.Is(err, generate.ErrFastPathFailed):
			// Escalation: the agentic loop gets the full failure history.
			genErrors = pathHistory(err)
			fbResult, fbErr := e.fallback.Run(ctx, p, mapping, snap)
			if fbErr != nil {
				return mapping, datatypes.ETLInstructions{}, "", 0, nil, e.mapGenerateError(fbErr, genErrors)
			}
			instr, strategy = fbResult.Instructions, datatypes.StrategyFallbackEscalation
			rounds = fbResult.RoundsUsed
			genErrors = append(genErrors, fbResult.Errors...)
		default:
			return mapping, datatypes.ETLInstructions{}, "", 0, nil, e.mapGenerateError(err, nil)
		}
	} else {
		e.logger.Info("context incomplete; routing to fallback",
			"placeholder", p.Description,
			"missing", strings.Join(completeness.Missing, ","))
		fbResult, fbErr := e.fallback.Run(ctx, p, mapping, snap)
		if fbErr != nil {
			return mapping, datatypes.ETLInstructions{}, "", 0, nil, e.mapGenerateError(fbErr, completeness.Missing)
		}
		instr, strategy = fbResult.Instructions, datatypes.StrategyFallback
		rounds = fbResult.RoundsUsed
		genErrors = fbResult.Errors
	}

	if e.cache != nil {
		entry := cache.Entry{
			Mapping:      mapping,
			Instructions: instr,
			Strategy:     strategy,
			CachedAt:     time.Now(),
		}
		if err := e.cache.Set(ctx, key, entry); err != nil {
			e.logger.Warn("resolution cache write failed", "error", err)
		}
	}

	return mapping, instr, strategy, rounds, genErrors, nil
}

// match runs rule-aware field matching: forced mappings override the
// tiers, synonyms widen the candidate synthesis vocabulary.
func (e *Engine) match(ctx context.Context, p datatypes.Placeholder, snap datatypes.ContextSnapshot) (datatypes.FieldMapping, error) {
	var rules *config.MatchRules
	if e.rules != nil {
		r, err := e.rules(ctx)
		if err != nil {
			e.logger.Warn("match rules unavailable", "error", err)
		} else {
			rules = r
		}
	}

	if rules != nil {
		if mapping, ok := forcedMapping(p, rules, snap.Schema); ok {
			return mapping, nil
		}
	}

	expanded := expandPlaceholder(p, rules)
	candidates := matching.SynthesizeCandidates(expanded, snap.Schema, e.maxCandidates)
	result := e.matcher.Match(ctx, expanded, candidates, snap.Schema)
	if !result.Matched {
		rerr := NewResolverError(ErrCodeFieldUnmatched,
			fmt.Sprintf("no schema field matched %q above the accept threshold", p.Description), false)
		if result.BestRejected != nil {
			rerr = rerr.WithDiagnostics(fmt.Sprintf("best rejected: %s (%.2f, %s tier)",
				result.BestRejected.MatchedField.Qualified(),
				result.BestRejected.CombinedScore,
				result.BestRejected.Tier))
		}
		return datatypes.FieldMapping{}, rerr
	}

	mapping := result.Mapping
	mapping.Placeholder = p
	return mapping, nil
}

// forcedMapping applies operator-pinned mappings. A pattern match wins
// only when the forced field actually exists in the snapshot schema.
func forcedMapping(p datatypes.Placeholder, rules *config.MatchRules, schema []datatypes.TableSchema) (datatypes.FieldMapping, bool) {
	desc := strings.ToLower(p.Description)
	for _, fm := range rules.ForcedMappings {
		for _, pattern := range fm.Patterns {
			if !strings.Contains(desc, strings.ToLower(pattern)) {
				continue
			}
			for _, t := range schema {
				if !strings.EqualFold(t.Name, fm.Table) {
					continue
				}
				if field, ok := t.Field(fm.Field); ok {
					return datatypes.FieldMapping{
						Placeholder:   p,
						MatchedField:  field,
						CombinedScore: 1.0,
						Tier:          datatypes.TierDirect,
						Rationale:     "forced mapping: " + fm.Reason,
					}, true
				}
			}
		}
	}
	return datatypes.FieldMapping{}, false
}

// expandPlaceholder appends synonym expansions to the description so
// candidate synthesis sees schema vocabulary the report never used.
func expandPlaceholder(p datatypes.Placeholder, rules *config.MatchRules) datatypes.Placeholder {
	if rules == nil || len(rules.Synonyms) == 0 {
		return p
	}
	desc := strings.ToLower(p.Description)
	var extra []string
	for term, expansions := range rules.Synonyms {
		if strings.Contains(desc, strings.ToLower(term)) {
			extra = append(extra, expansions...)
		}
	}
	if len(extra) == 0 {
		return p
	}
	p.Description = p.Description + " " + strings.Join(extra, " ")
	return p
}

// refreshWindow re-resolves a cached instruction set's reporting window
// against the current snapshot. Returns false when the snapshot cannot
// supply a window at all, which invalidates the cached entry.
func (e *Engine) refreshWindow(instr datatypes.ETLInstructions, snap datatypes.ContextSnapshot) (datatypes.ETLInstructions, bool) {
	if instr.Filters.Time == nil {
		return instr, true
	}
	if !snap.TimeWindow.IsZero() {
		instr.Filters.Time.Window = snap.TimeWindow
		return instr, true
	}
	if generate.KnownPeriodToken(snap.PeriodToken) {
		window, err := generate.ResolveTimeWindow(snap.PeriodToken, snap.Now)
		if err != nil {
			return instr, false
		}
		instr.Filters.Time.Window = window
		return instr, true
	}
	return instr, false
}

func (e *Engine) resolvePeriod(p datatypes.Placeholder, snap datatypes.ContextSnapshot, start time.Time) (datatypes.ExecutionResult, error) {
	window := snap.TimeWindow
	if window.IsZero() {
		token := snap.PeriodToken
		if token == "" {
			token = p.Description
		}
		resolved, err := generate.ResolveTimeWindow(token, snap.Now)
		if err != nil {
			return datatypes.ExecutionResult{}, NewResolverError(ErrCodeContextIncomplete,
				"period placeholder with no resolvable window", false).WithCause(err)
		}
		window = resolved
	}
	return datatypes.ExecutionResult{
		Placeholder: p,
		Value:       window.String(),
		Confidence:  p.Confidence,
		Metadata: datatypes.ExecutionMetadata{
			Strategy: datatypes.StrategyFast,
			Duration: time.Since(start),
		},
	}, nil
}

func (e *Engine) resolveRegion(p datatypes.Placeholder, snap datatypes.ContextSnapshot, start time.Time) (datatypes.ExecutionResult, error) {
	if snap.Region == "" {
		return datatypes.ExecutionResult{}, NewResolverError(ErrCodeContextIncomplete,
			"region placeholder but the snapshot carries no region", false)
	}
	return datatypes.ExecutionResult{
		Placeholder: p,
		Value:       snap.Region,
		Confidence:  p.Confidence,
		Metadata: datatypes.ExecutionMetadata{
			Strategy: datatypes.StrategyFast,
			Duration: time.Since(start),
		},
	}, nil
}

// mapGenerateError converts generation sentinels into the engine's
// error taxonomy.
func (e *Engine) mapGenerateError(err error, extraDiagnostics []string) error {
	diagnostics := append(append([]string(nil), extraDiagnostics...), pathHistory(err)...)

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewResolverError(ErrCodeExecutionTimeout,
			"generation aborted by deadline", true).
			WithCause(err).WithDiagnostics(diagnostics...)
	case errors.Is(err, generate.ErrFallbackExhausted):
		return NewResolverError(ErrCodeFallbackExhausted,
			"agentic fallback exhausted its round budget without a validated query", false).
			WithCause(err).WithDiagnostics(diagnostics...)
	case errors.Is(err, generate.ErrSchemaValidation):
		return NewResolverError(ErrCodeSchemaValidationFailed,
			"generated instructions failed schema validation", true).
			WithCause(err).WithDiagnostics(diagnostics...)
	case errors.Is(err, generate.ErrCompletionMalformed), errors.Is(err, generate.ErrCompletionRefused):
		return NewResolverError(ErrCodeCompletionMalformed,
			"completion collaborator returned unusable output", true).
			WithCause(err).WithDiagnostics(diagnostics...)
	default:
		return NewResolverError(ErrCodeFallbackExhausted,
			"generation failed", false).
			WithCause(err).WithDiagnostics(diagnostics...)
	}
}

func (e *Engine) mapExecutionError(err error, queryText string) error {
	var diagnostics []string
	if queryText != "" {
		diagnostics = append(diagnostics, "query: "+queryText)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewResolverError(ErrCodeExecutionTimeout,
			"execution exceeded its time budget", true).
			WithCause(err).WithDiagnostics(diagnostics...)
	}
	return NewResolverError(ErrCodeExecutionFailed,
		"execution failed", false).
		WithCause(err).WithDiagnostics(append(diagnostics, err.Error())...)
}

// pathHistory extracts attempt history from a generation path error.
func pathHistory(err error) []string {
	var pe *generate.PathError
	if errors.As(err, &pe) {
		return pe.History
	}
	if err != nil {
		return []string{err.Error()}
	}
	return nil
}

// admit captures the resolution instant once so relative-period
// resolution cannot drift across pipeline stages.
func admit(snap datatypes.ContextSnapshot) datatypes.ContextSnapshot {
	if snap.Now.IsZero() {
		snap.Now = time.Now()
	}
	return snap
}
