// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	completionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "llm",
		Name:      "completion_total",
		Help:      "Completion requests by provider and outcome: success, malformed, refusal, transport_error, rate_limited",
	}, []string{"provider", "outcome"})

	completionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "llm",
		Name:      "completion_latency_seconds",
		Help:      "Latency of completion calls",
		Buckets:   []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"provider"})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var observedClientTracer = otel.Tracer("meridian.llm.observed")

// =============================================================================
// ObservedClient
// =============================================================================

// ObservedClient wraps a CompletionClient with metrics, tracing, and a
// token-bucket rate limiter.
//
// Description:
//
//	Every completion call records latency and outcome, opens a span, and
//	waits on the rate limiter first. The limiter protects shared provider
//	quotas when the worker pool fans out placeholder resolutions; because
//	Wait respects ctx, cancellation of the parent resolution releases
//	queued callers immediately.
//
// Thread Safety: Safe for concurrent use.
type ObservedClient struct {
	inner    CompletionClient
	provider string
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewObservedClient wraps inner with observability and rate limiting.
//
// Inputs:
//
//	inner - The client to wrap. Must not be nil.
//	provider - Label for metrics/spans (e.g. "ollama").
//	rps - Sustained requests per second. <= 0 disables limiting.
//	burst - Burst allowance. Floored at 1 when limiting is enabled.
//	logger - Logger instance. May be nil.
//
// Outputs:
//
//	*ObservedClient - The wrapped client. Never nil.
func NewObservedClient(inner CompletionClient, provider string, rps float64, burst int, logger *slog.Logger) *ObservedClient {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &ObservedClient{
		inner:    inner,
		provider: provider,
		limiter:  limiter,
		logger:   logger,
	}
}

// Model returns the wrapped client's model identifier.
func (c *ObservedClient) Model() string { return c.inner.Model() }

// Complete delegates to the wrapped client with limiting, metrics, and spans.
func (c *ObservedClient) Complete(ctx context.Context, messages []datatypes.Message, schema *ResponseSchema, opts CompletionOptions) (StructuredCompletion, error) {
	ctx, span := observedClientTracer.Start(ctx, "llm.Complete",
		oteltrace.WithAttributes(
			attribute.String("provider", c.provider),
			attribute.String("model", c.inner.Model()),
			attribute.Int("message_count", len(messages)),
		),
	)
	defer span.End()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			completionTotal.WithLabelValues(c.provider, "rate_limited").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limiter wait")
			return StructuredCompletion{}, err
		}
	}

	start := time.Now()
	result, err := c.inner.Complete(ctx, messages, schema, opts)
	elapsed := time.Since(start)
	completionLatency.WithLabelValues(c.provider).Observe(elapsed.Seconds())

	if err != nil {
		completionTotal.WithLabelValues(c.provider, "transport_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		c.logger.Warn("completion call failed",
			slog.String("provider", c.provider),
			slog.Duration("duration", elapsed),
			slog.String("error", Redact(err.Error())),
		)
		return StructuredCompletion{}, err
	}

	completionTotal.WithLabelValues(c.provider, string(result.Outcome)).Inc()
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	c.logger.Debug("completion call finished",
		slog.String("provider", c.provider),
		slog.String("outcome", string(result.Outcome)),
		slog.Duration("duration", elapsed),
	)
	return result, nil
}
