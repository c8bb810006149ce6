// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver exposes the placeholder resolution engine over HTTP.
package resolver

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/AleutianAI/meridian/services/resolver/connector"
	"github.com/AleutianAI/meridian/services/resolver/datatypes"
	"github.com/AleutianAI/meridian/services/resolver/engine"
)

// Service owns the engine and the connector registry and tracks warmup
// state. Requests arriving before Warmup completes are rejected by the
// warmup guard middleware rather than failing half-initialized.
type Service struct {
	engine   *engine.Engine
	registry *connector.Registry
	logger   *slog.Logger
	ready    atomic.Bool
}

// NewService creates a Service. Call Warmup before serving traffic.
func NewService(e *engine.Engine, registry *connector.Registry, logger *slog.Logger) *Service {
	return &Service{engine: e, registry: registry, logger: logger}
}

// Warmup probes every registered connector and marks the service ready.
// A failed probe logs and keeps the service not-ready; the caller
// decides whether to retry or exit.
func (s *Service) Warmup(ctx context.Context) error {
	if err := s.probeConnectors(ctx); err != nil {
		s.logger.Error("warmup failed", "error", err)
		return err
	}
	s.ready.Store(true)
	s.logger.Info("service warmed up")
	return nil
}

func (s *Service) probeConnectors(ctx context.Context) error {
	return s.registry.ProbeAll(ctx)
}

// Ready reports whether warmup has completed.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// ResolveTemplate resolves every placeholder in a template.
func (s *Service) ResolveTemplate(ctx context.Context, templateText string, snap datatypes.ContextSnapshot) ([]engine.Resolution, error) {
	return s.engine.ResolveTemplate(ctx, templateText, snap)
}

// ResolvePlaceholder resolves a single pre-parsed placeholder.
func (s *Service) ResolvePlaceholder(ctx context.Context, p datatypes.Placeholder, snap datatypes.ContextSnapshot) (datatypes.ExecutionResult, error) {
	return s.engine.ResolvePlaceholder(ctx, p, snap)
}
