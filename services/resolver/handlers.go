// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
	"github.com/AleutianAI/meridian/services/resolver/engine"
)

// ResolveRequest is the body of POST /v1/resolver/resolve. Exactly one
// of Template and Placeholder must be set.
type ResolveRequest struct {
	// Template is a report template with brace markers.
	Template string `json:"template,omitempty"`

	// Placeholder is a single pre-parsed placeholder.
	Placeholder *datatypes.Placeholder `json:"placeholder,omitempty"`

	// Context is the read-only resolution context.
	Context datatypes.ContextSnapshot `json:"context_snapshot"`
}

// ErrorBody is the wire form of a resolution failure.
type ErrorBody struct {
	Kind        string   `json:"kind"`
	Message     string   `json:"message"`
	Retryable   bool     `json:"retryable"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// PlaceholderResult pairs one placeholder with its outcome.
type PlaceholderResult struct {
	Placeholder datatypes.Placeholder      `json:"placeholder"`
	Result      *datatypes.ExecutionResult `json:"result,omitempty"`
	Error       *ErrorBody                 `json:"error,omitempty"`
}

// ResolveResponse is the body of a resolve call. Success is true when
// at least one placeholder resolved.
type ResolveResponse struct {
	Success   bool                `json:"success"`
	RequestID string              `json:"request_id"`
	Results   []PlaceholderResult `json:"results"`
	Error     *ErrorBody          `json:"error,omitempty"`
}

// ErrorResponse is the generic error envelope for malformed requests.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handlers holds the HTTP handlers for the resolver service.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// HandleResolve handles POST /v1/resolver/resolve.
//
// Description:
//
//	Resolves either a whole template or a single placeholder against the
//	supplied context snapshot. Per-placeholder failures ride inside their
//	result entry; the call itself fails only on malformed input or
//	request-level cancellation.
//
// Response:
//
//	200 OK: ResolveResponse
//	400 Bad Request: neither or both of template/placeholder set
//	499: client cancelled the request
func (h *Handlers) HandleResolve(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleResolve")

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_BODY",
		})
		return
	}
	if (req.Template == "") == (req.Placeholder == nil) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "exactly one of template and placeholder must be set",
			Code:  "INVALID_BODY",
		})
		return
	}

	ctx := c.Request.Context()

	var results []PlaceholderResult
	if req.Placeholder != nil {
		result, err := h.service.ResolvePlaceholder(ctx, *req.Placeholder, req.Context)
		results = append(results, toPlaceholderResult(*req.Placeholder, &result, err))
	} else {
		resolutions, err := h.service.ResolveTemplate(ctx, req.Template, req.Context)
		if err != nil {
			// Only batch-level context errors reach here.
			logger.Warn("template resolution aborted", "error", err)
			c.JSON(499, ErrorResponse{Error: "request cancelled", Code: "CANCELLED"})
			return
		}
		for _, r := range resolutions {
			results = append(results, toPlaceholderResult(r.Placeholder, r.Result, r.Err))
		}
	}

	resp := ResolveResponse{
		RequestID: requestID,
		Results:   results,
	}
	for _, r := range results {
		if r.Error == nil {
			resp.Success = true
			break
		}
	}
	if !resp.Success && len(results) == 1 {
		resp.Error = results[0].Error
	}

	logger.Info("resolution complete",
		"placeholders", len(results),
		"success", resp.Success)
	c.JSON(http.StatusOK, resp)
}

// HandleHealth handles GET /v1/resolver/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// HandleReady handles GET /v1/resolver/ready. Not-ready is 503 so load
// balancers keep traffic away until warmup completes.
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.service.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "warming_up"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// toPlaceholderResult converts an engine outcome to the wire form.
func toPlaceholderResult(p datatypes.Placeholder, result *datatypes.ExecutionResult, err error) PlaceholderResult {
	if err == nil {
		return PlaceholderResult{Placeholder: p, Result: result}
	}

	kind := string(engine.CodeOf(err))
	if kind == "" {
		kind = "internal"
	}
	body := &ErrorBody{
		Kind:      kind,
		Message:   err.Error(),
		Retryable: engine.IsRetryable(err),
	}
	var rerr *engine.ResolverError
	if errors.As(err, &rerr) {
		body.Message = rerr.Message
		body.Diagnostics = rerr.Diagnostics
	}
	return PlaceholderResult{Placeholder: p, Error: body}
}

// getOrCreateRequestID returns the inbound X-Request-ID or mints one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}
