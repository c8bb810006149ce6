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
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the resolver endpoints on a router group.
//
// Endpoints:
//
//	POST /resolver/resolve  - resolve a template or a single placeholder
//	GET  /resolver/health   - liveness probe, always 200
//	GET  /resolver/ready    - readiness probe, 503 until warmup completes
//
// The resolve endpoint sits behind the warmup guard; the probes do not,
// so orchestrators can observe the service while it warms up.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	resolver := rg.Group("/resolver")
	{
		resolver.GET("/health", h.HandleHealth)
		resolver.GET("/ready", h.HandleReady)
		resolver.POST("/resolve", WarmupGuard(h.service), h.HandleResolve)
	}
}

// WarmupGuard rejects requests with 503 until the service is ready.
func WarmupGuard(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Ready() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
				Error: "service is warming up",
				Code:  "NOT_READY",
			})
			return
		}
		c.Next()
	}
}
