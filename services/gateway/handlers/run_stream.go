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
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/pkg/validation"
	"github.com/AleutianAI/AleutianQuery/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/gateway/middleware"
	"github.com/AleutianAI/AleutianQuery/services/gateway/observability"
	"github.com/AleutianAI/AleutianQuery/services/history"
	"github.com/AleutianAI/AleutianQuery/services/pipeline"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is how often keepalive frames are sent while the
	// pipeline works between phase events. Set to 15s to stay well under
	// typical load balancer idle timeouts (60s for AWS ALB and default
	// Nginx).
	heartbeatInterval = 15 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// RunStreamHandler serves streaming query runs on a conversation thread.
//
// # Description
//
// RunStreamHandler covers both streaming surfaces of the gateway: the SSE
// endpoint POST /threads/:threadId/runs/stream and the websocket endpoint
// GET /threads/:threadId/ws. Both surfaces run the same pipeline turn and
// emit the same event envelopes; only the transport framing differs.
//
// A run proceeds through these stages:
//  1. Resolve the target thread (404 if unknown)
//  2. Validate the request body
//  3. Authorize the run for the authenticated user
//  4. Filter the question through the configured MessageFilter
//  5. Execute the pipeline, forwarding each phase event as a "values" frame
//  6. Persist the finished turn and stage its payload in locked memory
//  7. Emit the terminal "end" frame (or "error" on failure)
//
// Every stage that rejects or fails a run records an audit event and an
// error metric before responding.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. One handler instance
// serves all streaming requests.
type RunStreamHandler interface {
	// HandleRunStream processes POST /threads/:threadId/runs/stream.
	//
	// Streams the run as Server-Sent Events: zero or more "values"
	// frames followed by one terminal "end" or "error" frame. Rejections
	// before streaming starts (unknown thread, invalid body, authz
	// denial, filter block) are plain JSON responses.
	HandleRunStream(c *gin.Context)

	// HandleThreadWS processes GET /threads/:threadId/ws.
	//
	// Upgrades the connection and serves one run per inbound question
	// message, emitting the same event envelopes as the SSE surface as
	// JSON text messages.
	HandleThreadWS(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// runStreamHandler implements RunStreamHandler.
//
// # Fields
//
//   - runner: Executes pipeline turns (the query controller in production)
//   - store: Thread and turn persistence
//   - opts: Enterprise extension points (authz, audit, filtering)
//   - tracer: OpenTelemetry tracer for run spans
//
// # Thread Safety
//
// Thread-safe. All fields are set at construction and never mutated; the
// underlying runner and store are safe for concurrent use.
type runStreamHandler struct {
	runner TurnRunner
	store  *history.Store
	opts   extensions.ServiceOptions
	tracer trace.Tracer
}

// runScope carries the per-run values shared by the streaming surfaces.
type runScope struct {
	endpoint  observability.Endpoint
	threadID  string
	userID    string
	requestID string
	started   time.Time
}

// =============================================================================
// Constructor
// =============================================================================

// NewRunStreamHandler creates the handler for the streaming run surfaces.
//
// # Inputs
//
//   - runner: Pipeline turn executor. Must not be nil.
//   - store: History store for threads and turns. Must not be nil.
//   - opts: Extension points. Nil members are replaced with no-ops.
//
// # Outputs
//
//   - RunStreamHandler: Ready to register on the router.
//
// Panics if runner or store is nil: the gateway cannot serve runs without
// them, and construction happens once at startup where a panic surfaces
// the wiring mistake immediately.
func NewRunStreamHandler(runner TurnRunner, store *history.Store, opts extensions.ServiceOptions) RunStreamHandler {
	if runner == nil {
		panic("run stream handler requires a turn runner")
	}
	if store == nil {
		panic("run stream handler requires a history store")
	}
	if opts.AuthProvider == nil {
		opts.AuthProvider = &extensions.NopAuthProvider{}
	}
	if opts.AuthzProvider == nil {
		opts.AuthzProvider = &extensions.NopAuthzProvider{}
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = &extensions.NopAuditLogger{}
	}
	if opts.MessageFilter == nil {
		opts.MessageFilter = &extensions.NopMessageFilter{}
	}
	return &runStreamHandler{
		runner: runner,
		store:  store,
		opts:   opts,
		tracer: otel.Tracer("aleutian.gateway.handlers.run_stream"),
	}
}

// =============================================================================
// SSE Surface
// =============================================================================

// HandleRunStream processes POST /threads/:threadId/runs/stream.
//
// # Description
//
// Runs one natural language question through the pipeline on an existing
// thread and streams progress as SSE. See RunStreamHandler for the stage
// breakdown.
//
// # Responses
//
//   - 200: SSE stream (values* then end|error)
//   - 400: Invalid thread id or request body
//   - 403: Authorization denied or question blocked by content filter
//   - 404: Thread not found
//   - 500: Thread load failure, filter failure, or non-flushable writer
func (h *runStreamHandler) HandleRunStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointRunStream

	ctx, span := h.tracer.Start(c.Request.Context(), "handlers.HandleRunStream")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordTurnDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	// Identity for authorization and audit.
	userID := "anonymous"
	authInfo := middleware.GetAuthInfo(c)
	if authInfo != nil {
		userID = authInfo.UserID
	}
	span.SetAttributes(attribute.String("user.id", userID))

	// The thread must exist before a run can stream onto it.
	threadID, err := validation.SanitizeThreadID(c.Param("threadId"))
	if err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
		return
	}
	if _, err := h.store.GetThread(ctx, threadID); err != nil {
		if errors.Is(err, history.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		slog.Error("Failed to load thread for run", "threadID", threadID, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeHistoryError)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return
	}

	var req datatypes.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("thread.id", threadID),
		attribute.Int("question.bytes", len(req.Question)),
	)

	scope := runScope{
		endpoint:  endpoint,
		threadID:  threadID,
		userID:    userID,
		requestID: req.RequestID,
		started:   startTime,
	}

	// Authorization before any pipeline work.
	if err := h.authorizeRun(ctx, authInfo, scope); err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeAuthzDenied)
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	// Input filtering on the raw question.
	question, filterResult, err := h.filterQuestion(ctx, scope, req.Question)
	if err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "question processing failed"})
		return
	}
	if filterResult.WasBlocked {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodePolicyViolation)
		}
		c.JSON(http.StatusForbidden, gin.H{
			"error":  "question blocked by content filter",
			"reason": filterResult.BlockReason,
		})
		return
	}

	// From here on, errors go over the stream as error frames.
	SetSSEHeaders(c.Writer)
	writer, err := NewStreamWriter(c.Writer)
	if err != nil {
		slog.Error("Failed to create SSE writer", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(ctx, writer, endpoint, heartbeatDone)

	runErr := h.runTurn(ctx, scope, question, writer)
	close(heartbeatDone)
	if runErr != nil {
		return
	}

	success = true
	span.SetStatus(codes.Ok, "run stream completed")
}

// =============================================================================
// Shared Turn Execution
// =============================================================================

// runTurn executes one pipeline turn and streams its frames through w.
//
// # Description
//
// This is the execution path shared by the SSE and websocket surfaces.
// The thread is marked busy for the duration of the run so listers can
// see a run in flight. The pipeline's phase events are forwarded as
// "values" frames as they happen; the finished turn is appended to
// history, staged through a locked result buffer for its integrity hash,
// and delivered as the terminal "end" frame.
//
// Failures are delivered as an "error" frame with a sanitized message and
// returned to the caller so it can record the request as unsuccessful.
//
// # Inputs
//
//   - ctx: Request context. Cancellation aborts the pipeline.
//   - scope: Per-run identity and timing values.
//   - question: The filtered question to run.
//   - w: Frame writer for the client's transport.
//
// # Outputs
//
//   - error: Non-nil if the run failed or the turn could not be persisted.
func (h *runStreamHandler) runTurn(ctx context.Context, scope runScope, question string, w StreamWriter) error {
	// Busy status is advisory for listers. Failure to flip it is logged
	// and never aborts the run.
	h.setThreadStatus(ctx, scope.threadID, history.StatusBusy)
	defer h.setThreadStatus(ctx, scope.threadID, history.StatusIdle)

	var firstPhase sync.Once
	result, runErr := h.runner.RunWithEvents(ctx, question, func(ev pipeline.PhaseEvent) {
		firstPhase.Do(func() {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordTimeToFirstPhase(scope.endpoint, time.Since(scope.started).Seconds())
			}
		})
		if err := w.WriteValues(scope.threadID, &ev); err != nil {
			slog.Debug("Failed to write phase event", "phase", ev.Phase, "error", err)
		}
	})

	if runErr != nil {
		h.auditQuery(ctx, "query.failed", scope, "error", map[string]any{
			"request_id": scope.requestID,
			"error":      runErr.Error(),
		})
		if m := observability.DefaultMetrics; m != nil {
			if errors.Is(runErr, context.Canceled) {
				m.RecordError(scope.endpoint, observability.ErrorCodeClientDisconnect)
				m.RecordClientDisconnect(scope.endpoint)
			} else {
				m.RecordError(scope.endpoint, observability.ErrorCodePipelineError)
			}
		}
		if writeErr := w.WriteError(sanitizeErrorForClient(runErr)); writeErr != nil {
			slog.Debug("Failed to write error event", "error", writeErr)
		}
		return runErr
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordTurn(result.Intent.String(), result.Phase.String())
		m.RecordTurnEffort(len(result.Attempts), result.SynthCalls, result.FallbackUsed)
	}

	rec, err := h.store.AppendTurn(ctx, scope.threadID, result)
	if err != nil {
		slog.Error("Failed to append turn to history", "threadID", scope.threadID, "error", err)
		h.auditQuery(ctx, "query.failed", scope, "error", map[string]any{
			"request_id": scope.requestID,
			"error":      "history append failed",
		})
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(scope.endpoint, observability.ErrorCodeHistoryError)
		}
		if writeErr := w.WriteError("failed to persist turn"); writeErr != nil {
			slog.Debug("Failed to write error event", "error", writeErr)
		}
		return err
	}

	resultHash := stageTurnRecord(rec)

	if err := w.WriteEnd(scope.threadID, rec, resultHash); err != nil {
		// The turn is persisted; only delivery failed. The client can
		// recover it from the history endpoint.
		slog.Warn("Failed to write end event", "threadID", scope.threadID, "seq", rec.Seq, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordClientDisconnect(scope.endpoint)
		}
	}

	h.auditQuery(ctx, "query.run", scope, "success", map[string]any{
		"request_id":    scope.requestID,
		"duration_ms":   time.Since(scope.started).Milliseconds(),
		"attempts":      result.Attempts,
		"fallback_used": result.FallbackUsed,
		"result_hash":   resultHash,
	})
	return nil
}

// authorizeRun checks the run action against the authorization provider
// and records the denial when rejected.
func (h *runStreamHandler) authorizeRun(ctx context.Context, authInfo *extensions.AuthInfo, scope runScope) error {
	err := h.opts.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
		User:         authInfo,
		Action:       "run",
		ResourceType: "query",
		ResourceID:   scope.threadID,
	})
	if err == nil {
		return nil
	}
	slog.Warn("Run authorization denied", "userID", scope.userID, "threadID", scope.threadID)
	h.auditQuery(ctx, "authz.denied", scope, "blocked", map[string]any{
		"request_id": scope.requestID,
		"reason":     err.Error(),
	})
	return err
}

// filterQuestion runs the question through the input filter and records a
// block when one occurs. The returned string is the filtered question and
// is only meaningful when the result was not blocked.
func (h *runStreamHandler) filterQuestion(ctx context.Context, scope runScope, question string) (string, *extensions.FilterResult, error) {
	result, err := h.opts.MessageFilter.FilterInput(ctx, question)
	if err != nil {
		slog.Error("Input filter failed", "requestID", scope.requestID, "error", err)
		return "", nil, err
	}
	if result.WasBlocked {
		slog.Warn("Question blocked by content filter",
			"userID", scope.userID, "threadID", scope.threadID, "reason", result.BlockReason)
		h.auditQuery(ctx, "query.blocked", scope, "blocked", map[string]any{
			"request_id": scope.requestID,
			"reason":     result.BlockReason,
		})
		return "", result, nil
	}
	return result.Filtered, result, nil
}

// setThreadStatus flips the stored run status of a thread.
func (h *runStreamHandler) setThreadStatus(ctx context.Context, threadID, status string) {
	thread, err := h.store.GetThread(ctx, threadID)
	if err != nil {
		slog.Debug("Failed to load thread for status update", "threadID", threadID, "error", err)
		return
	}
	thread.Status = status
	if err := h.store.PutThread(ctx, thread); err != nil {
		slog.Debug("Failed to update thread status",
			"threadID", threadID, "status", status, "error", err)
	}
}

// auditQuery records one query lifecycle event. Audit failures are logged
// and never fail the request.
func (h *runStreamHandler) auditQuery(ctx context.Context, eventType string, scope runScope, outcome string, metadata map[string]any) {
	err := h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
		UserID:       scope.userID,
		Action:       "run",
		ResourceType: "query",
		ResourceID:   scope.threadID,
		Outcome:      outcome,
		Metadata:     metadata,
	})
	if err != nil {
		slog.Warn("Failed to write audit event", "eventType", eventType, "error", err)
	}
}

// runHeartbeat sends keepalive frames until done is closed, the context
// ends, or a write fails.
func (h *runStreamHandler) runHeartbeat(ctx context.Context, w StreamWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				slog.Debug("Keepalive write failed, stopping heartbeat", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// stageTurnRecord serializes the persisted turn through a locked result
// buffer and returns the integrity hash of the payload.
//
// When secure staging is unavailable the turn is still delivered; the
// hash is empty and the degradation is logged. Clients treat an empty
// result_hash as "no integrity metadata", not as a failure.
func stageTurnRecord(rec *history.TurnRecord) string {
	payload, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("Failed to serialize turn record for staging", "error", err)
		return ""
	}

	buf, err := NewSecureResultBuffer()
	if err != nil {
		slog.Warn("Secure result staging unavailable, sending without result hash", "error", err)
		return ""
	}
	defer buf.Destroy()

	if err := buf.Write(payload); err != nil {
		slog.Warn("Failed to stage turn record", "error", err)
		return ""
	}
	_, hash, err := buf.Finalize()
	if err != nil {
		slog.Warn("Failed to finalize staged turn record", "error", err)
		return ""
	}
	return hash
}

// sanitizeErrorForClient maps internal errors to a generic client
// message. Raw error strings can leak hostnames, SQL fragments, or
// provider details; the full error stays in the server logs.
func sanitizeErrorForClient(err error) string {
	slog.Debug("Sanitizing error for client", "error", err)
	return "An error occurred while processing your request"
}
