// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianPortfolio/pkg/extensions"
)

// auditResourceKey lets a handler name the resource it touched when the
// route parameters do not identify it (e.g. a freshly created id).
const auditResourceKey = "aleutian_audit_resource"

// SetAuditResource records the id of the resource a handler acted on.
func SetAuditResource(c *gin.Context, id string) {
	c.Set(auditResourceKey, id)
}

// AuditMiddleware logs one event per POST, PUT, PATCH or DELETE request.
// The resource type is the first path segment after any version prefix.
// Audit failures are logged and never fail the request.
func AuditMiddleware(auditor extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		action, ok := auditAction(c.Request.Method)
		if !ok {
			return
		}

		resourceType := resourceTypeOf(c.FullPath())
		event := extensions.AuditEvent{
			EventType:    resourceType + "." + action,
			Timestamp:    start.UTC(),
			UserID:       UserID(c),
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   resourceID(c),
			Outcome:      extensions.OutcomeSuccess,
			Metadata: map[string]any{
				"route":       c.FullPath(),
				"status":      c.Writer.Status(),
				"client_ip":   c.ClientIP(),
				"duration_ms": time.Since(start).Milliseconds(),
			},
		}
		if c.Writer.Status() >= http.StatusBadRequest {
			event.Outcome = extensions.OutcomeFailure
		}
		if err := auditor.Log(c.Request.Context(), event); err != nil {
			slog.Warn("Failed to write audit event", "event_type", event.EventType, "error", err)
		}
	}
}

func auditAction(method string) (string, bool) {
	switch method {
	case http.MethodPost:
		return "create", true
	case http.MethodPut, http.MethodPatch:
		return "update", true
	case http.MethodDelete:
		return "delete", true
	}
	return "", false
}

func resourceTypeOf(route string) string {
	for _, seg := range strings.Split(strings.Trim(route, "/"), "/") {
		if seg == "" || seg == "v1" || strings.HasPrefix(seg, ":") {
			continue
		}
		return seg
	}
	return "unknown"
}

func resourceID(c *gin.Context) string {
	if id := c.GetString(auditResourceKey); id != "" {
		return id
	}
	for _, name := range []string{"id", "thread_id", "session_id", "portfolio_id"} {
		if v := c.Param(name); v != "" {
			return v
		}
	}
	return ""
}
