// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package etl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/meridian/services/resolver/connector"
	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

var etlTracer = otel.Tracer("meridian.resolver.etl")

var (
	executionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "etl",
		Name:      "executions_total",
		Help:      "Executions by mode and outcome.",
	}, []string{"mode", "outcome"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "etl",
		Name:      "execution_duration_seconds",
		Help:      "End-to-end execution latency by mode.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})
)

// structValidate covers the instruction struct tags. Schema-level
// validation (tables, columns) happens upstream in generation.
var structValidate = validator.New(validator.WithRequiredStructEnabled())

// DefaultMaxRows caps result sets when the caller does not configure one.
const DefaultMaxRows = 10000

// Outcome is the uniform product of both execution modes.
type Outcome struct {
	// Rows is the result data, capped at the executor's row limit.
	Rows []datatypes.Row

	// Value is the extracted scalar for scalar-shaped instructions.
	Value any

	// Empty marks a successful execution that matched no data.
	Empty bool

	// QueryText is the executed SQL. Empty in pipeline mode.
	QueryText string
}

// Executor runs validated instruction sets against registered sources.
//
// # Description
//
// Queryable sources get a compiled parameterized SELECT; tabular sources
// get the in-process pipeline. A semaphore bounds concurrent executions
// so a burst of resolutions cannot exhaust source connections; the slot
// is released on every exit path.
//
// # Thread Safety
//
// Safe for concurrent use.
type Executor struct {
	registry *connector.Registry
	slots    *semaphore.Weighted
	timeout  time.Duration
	maxRows  int
	logger   *slog.Logger
}

// NewExecutor builds an executor over a connector registry.
//
// # Inputs
//
//   - registry: Source id to connector bindings.
//   - timeout: Per-execution budget. Zero disables the deadline.
//   - maxRows: Row cap. Zero or negative means DefaultMaxRows.
//   - concurrency: Max simultaneous executions. Zero or negative means 4.
//   - logger: Structured logger.
func NewExecutor(registry *connector.Registry, timeout time.Duration, maxRows, concurrency int, logger *slog.Logger) *Executor {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Executor{
		registry: registry,
		slots:    semaphore.NewWeighted(int64(concurrency)),
		timeout:  timeout,
		maxRows:  maxRows,
		logger:   logger,
	}
}

// Execute runs one instruction set to completion.
//
// # Outputs
//
//   - Outcome: Result rows plus the scalar value for scalar shapes.
//     Empty is set, without error, when no data matched.
//   - error: Struct validation, lookup, or execution failure. Timeouts
//     surface as context.DeadlineExceeded wrapped in the error chain.
func (e *Executor) Execute(ctx context.Context, instr datatypes.ETLInstructions) (Outcome, error) {
	ctx, span := etlTracer.Start(ctx, "etl.Execute",
		oteltrace.WithAttributes(
			attribute.String("table", instr.Table),
			attribute.String("operation", string(instr.Operation)),
			attribute.String("source", instr.Source.ID),
		))
	defer span.End()

	if err := structValidate.Struct(instr); err != nil {
		executionTotal.WithLabelValues("none", "invalid").Inc()
		return Outcome{}, fmt.Errorf("instruction validation: %w", err)
	}

	conn, err := e.registry.Lookup(instr.Source)
	if err != nil {
		executionTotal.WithLabelValues("none", "no_source").Inc()
		return Outcome{}, err
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return Outcome{}, err
	}
	defer e.slots.Release(1)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	switch c := conn.(type) {
	case connector.Queryable:
		outcome, err := e.executeQuery(ctx, c, instr)
		e.finish(span, "query", start, outcome, err)
		return outcome, err
	case connector.Tabular:
		outcome, err := e.executePipeline(ctx, c, instr)
		e.finish(span, "pipeline", start, outcome, err)
		return outcome, err
	default:
		executionTotal.WithLabelValues("none", "unsupported").Inc()
		return Outcome{}, fmt.Errorf("connector for %q supports neither query nor pipeline execution", instr.Source.ID)
	}
}

func (e *Executor) executeQuery(ctx context.Context, c connector.Queryable, instr datatypes.ETLInstructions) (Outcome, error) {
	query, args, err := BuildQuery(instr, e.maxRows)
	if err != nil {
		return Outcome{}, err
	}
	rows, err := c.Execute(ctx, query, args)
	if err != nil {
		return Outcome{QueryText: query}, fmt.Errorf("query execution: %w", err)
	}
	return shapeOutcome(rows, instr, query), nil
}

func (e *Executor) executePipeline(ctx context.Context, c connector.Tabular, instr datatypes.ETLInstructions) (Outcome, error) {
	rows, err := c.TableRows(ctx, instr.Table)
	if err != nil {
		return Outcome{}, fmt.Errorf("load table rows: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	out, err := RunPipeline(rows, instr, e.maxRows)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline execution: %w", err)
	}
	return shapeOutcome(out, instr, ""), nil
}

// shapeOutcome derives the scalar value and the empty marker from raw
// result rows. A scalar aggregate that came back as a single NULL (SQL
// sum over no rows) counts as empty.
func shapeOutcome(rows []datatypes.Row, instr datatypes.ETLInstructions, query string) Outcome {
	outcome := Outcome{Rows: rows, QueryText: query}
	if len(rows) == 0 {
		outcome.Empty = true
		return outcome
	}
	if instr.Shape == datatypes.ShapeScalar {
		v := rows[0][aggregateAlias]
		if v == nil {
			outcome.Empty = true
			return outcome
		}
		outcome.Value = v
	}
	return outcome
}

func (e *Executor) finish(span oteltrace.Span, mode string, start time.Time, outcome Outcome, err error) {
	executionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		executionTotal.WithLabelValues(mode, "error").Inc()
		span.SetAttributes(attribute.String("outcome", "error"))
	case outcome.Empty:
		executionTotal.WithLabelValues(mode, "empty").Inc()
		span.SetAttributes(attribute.String("outcome", "empty"))
	default:
		executionTotal.WithLabelValues(mode, "ok").Inc()
		span.SetAttributes(
			attribute.String("outcome", "ok"),
			attribute.Int("rows", len(outcome.Rows)))
	}
	if err == nil {
		e.logger.Debug("execution complete",
			"mode", mode,
			"rows", len(outcome.Rows),
			"empty", outcome.Empty,
			"duration", time.Since(start))
	}
}
