// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/services/gateway/middleware"
	"github.com/AleutianAI/AleutianQuery/services/gateway/observability"
	"github.com/AleutianAI/AleutianQuery/services/schema"
)

// HandleSchemaReload handles POST /schema/reload.
//
// Rebuilds the schema snapshot the pipeline prompts and validates
// against, picking up DDL changes without a restart. A failed reload
// leaves the previous snapshot serving, so the endpoint is safe to call
// speculatively after a migration.
//
// Responses:
//   - 200: {"status": "reloaded", "tables": n}
//   - 403: {"error": "access denied"}
//   - 500: {"error": "schema reload failed"}
func HandleSchemaReload(provider schema.Provider, opts extensions.ServiceOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		userID := "anonymous"
		authInfo := middleware.GetAuthInfo(c)
		if authInfo != nil {
			userID = authInfo.UserID
		}

		audit := func(outcome string, metadata map[string]any) {
			if opts.AuditLogger == nil {
				return
			}
			err := opts.AuditLogger.Log(ctx, extensions.AuditEvent{
				EventType:    "schema.reload",
				Timestamp:    time.Now().UTC(),
				UserID:       userID,
				Action:       "reload",
				ResourceType: "schema",
				Outcome:      outcome,
				Metadata:     metadata,
			})
			if err != nil {
				slog.Warn("Failed to write audit event", "eventType", "schema.reload", "error", err)
			}
		}

		if opts.AuthzProvider != nil {
			err := opts.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
				User:         authInfo,
				Action:       "reload",
				ResourceType: "schema",
			})
			if err != nil {
				slog.Warn("Schema reload denied", "userID", userID)
				audit("blocked", map[string]any{"reason": err.Error()})
				if m := observability.DefaultMetrics; m != nil {
					m.RecordError(observability.EndpointSchema, observability.ErrorCodeAuthzDenied)
				}
				c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
				return
			}
		}

		slog.Info("Schema reload requested", "userID", userID)
		start := time.Now()
		if err := provider.Reload(ctx); err != nil {
			slog.Error("Schema reload failed", "error", err)
			audit("error", map[string]any{"error": err.Error()})
			if m := observability.DefaultMetrics; m != nil {
				m.RecordSchemaReload(false)
				m.RecordError(observability.EndpointSchema, observability.ErrorCodeSchemaError)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "schema reload failed"})
			return
		}

		resp := gin.H{"status": "reloaded"}
		if desc, err := provider.Descriptor(); err == nil {
			resp["tables"] = len(desc.Tables)
		}

		slog.Info("Schema reload complete", "durationMs", time.Since(start).Milliseconds())
		audit("success", map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if m := observability.DefaultMetrics; m != nil {
			m.RecordSchemaReload(true)
		}
		c.JSON(http.StatusOK, resp)
	}
}
