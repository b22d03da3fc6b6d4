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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/pkg/validation"
	"github.com/AleutianAI/AleutianQuery/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/gateway/middleware"
	"github.com/AleutianAI/AleutianQuery/services/gateway/observability"
	"github.com/AleutianAI/AleutianQuery/services/history"
	"github.com/AleutianAI/AleutianQuery/services/pipeline"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	// 16KB read buffer: questions are capped at 8KB
	ReadBufferSize: 16 * 1024,
	// 256KB write buffer for result frames
	WriteBufferSize: 256 * 1024,
}

// wsControlTimeout bounds how long a ping control frame may block.
const wsControlTimeout = 10 * time.Second

// wsStreamWriter adapts a websocket connection to the StreamWriter
// interface so both streaming surfaces share one turn execution path.
//
// Events go out as JSON text messages carrying the same envelope and
// hash chain as the SSE surface. Keepalives map to websocket ping
// control frames, which do not enter the hash chain.
type wsStreamWriter struct {
	conn     *websocket.Conn
	prevHash string
	mu       sync.Mutex
}

func newWSStreamWriter(conn *websocket.Conn) *wsStreamWriter {
	return &wsStreamWriter{conn: conn}
}

// WriteEvent sends one event as a JSON text message.
//
// Populates event metadata (Id, CreatedAt, Hash, PrevHash) exactly like
// the SSE writer, so a client can verify the chain regardless of which
// surface delivered the frames.
func (w *wsStreamWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	if err := w.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// WriteValues sends a phase snapshot as a "values" event.
func (w *wsStreamWriter) WriteValues(threadID string, phase *pipeline.PhaseEvent) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:     datatypes.EventTypeValues,
		ThreadId: threadID,
		Event:    phase,
	})
}

// WriteEnd sends the terminal "end" event with the completed turn.
func (w *wsStreamWriter) WriteEnd(threadID string, turn *history.TurnRecord, resultHash string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:       datatypes.EventTypeEnd,
		ThreadId:   threadID,
		Turn:       turn,
		ResultHash: resultHash,
	})
}

// WriteError sends an error event. The message must already be sanitized.
func (w *wsStreamWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  datatypes.EventTypeError,
		Error: errMsg,
	})
}

// WriteKeepAlive sends a ping control frame.
func (w *wsStreamWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	deadline := time.Now().Add(wsControlTimeout)
	if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	return nil
}

var _ StreamWriter = (*wsStreamWriter)(nil)

// HandleThreadWS processes GET /threads/:threadId/ws.
//
// # Description
//
// Upgrades the connection and serves one pipeline run per inbound
// question message. Each run streams the same values/end/error envelopes
// as the SSE endpoint, as JSON text messages. The connection stays open
// across questions; per-question rejections are delivered as error
// frames so clients do not need to reconnect.
//
// # Responses
//
//   - 101: Upgraded; JSON event frames follow
//   - 400: Invalid thread id (before upgrade)
//   - 404: Thread not found (before upgrade)
//   - 500: Thread load failure (before upgrade)
func (h *runStreamHandler) HandleThreadWS(c *gin.Context) {
	endpoint := observability.EndpointThreadWS

	ctx, span := h.tracer.Start(c.Request.Context(), "handlers.HandleThreadWS")
	defer span.End()

	userID := "anonymous"
	authInfo := middleware.GetAuthInfo(c)
	if authInfo != nil {
		userID = authInfo.UserID
	}
	span.SetAttributes(attribute.String("user.id", userID))

	threadID, err := validation.SanitizeThreadID(c.Param("threadId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
		return
	}
	if _, err := h.store.GetThread(ctx, threadID); err != nil {
		if errors.Is(err, history.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		slog.Error("Failed to load thread for websocket", "threadID", threadID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return
	}
	span.SetAttributes(attribute.String("thread.id", threadID))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "threadID", threadID, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		return
	}
	defer ws.Close()
	slog.Info("Websocket client connected", "threadID", threadID, "userID", userID)

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	writer := newWSStreamWriter(ws)

	// One heartbeat goroutine covers the whole connection, idle gaps
	// between questions included.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.runHeartbeat(ctx, writer, endpoint, heartbeatDone)

	for {
		var msg datatypes.WSQuestion
		if err := ws.ReadJSON(&msg); err != nil {
			slog.Info("Websocket client disconnected", "threadID", threadID, "error", err.Error())
			break
		}

		started := time.Now()
		scope := runScope{
			endpoint:  endpoint,
			threadID:  threadID,
			userID:    userID,
			requestID: uuid.New().String(),
			started:   started,
		}

		question := strings.TrimSpace(msg.Question)
		ok := false
		switch {
		case question == "":
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeValidation)
			}
			h.writeWSError(writer, "question must not be empty")
		case len(question) > datatypes.MaxQuestionBytes:
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeValidation)
			}
			h.writeWSError(writer, "question exceeds the size limit")
		default:
			ok = h.handleWSQuestion(ctx, scope, authInfo, question, writer)
		}

		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, ok)
			m.RecordTurnDuration(endpoint, time.Since(started).Seconds(), ok)
		}
	}
}

// handleWSQuestion runs one inbound question and streams its frames back
// over the websocket. Rejections are delivered as error frames so the
// connection stays usable for the next question.
func (h *runStreamHandler) handleWSQuestion(ctx context.Context, scope runScope, authInfo *extensions.AuthInfo, question string, w StreamWriter) bool {
	if err := h.authorizeRun(ctx, authInfo, scope); err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(scope.endpoint, observability.ErrorCodeAuthzDenied)
		}
		h.writeWSError(w, "access denied")
		return false
	}

	filtered, filterResult, err := h.filterQuestion(ctx, scope, question)
	if err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(scope.endpoint, observability.ErrorCodeInternal)
		}
		h.writeWSError(w, "question processing failed")
		return false
	}
	if filterResult.WasBlocked {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(scope.endpoint, observability.ErrorCodePolicyViolation)
		}
		h.writeWSError(w, "question blocked by content filter")
		return false
	}

	return h.runTurn(ctx, scope, filtered, w) == nil
}

// writeWSError delivers a rejection as an error frame, keeping the
// connection open.
func (h *runStreamHandler) writeWSError(w StreamWriter, msg string) {
	if err := w.WriteError(msg); err != nil {
		slog.Debug("Failed to write websocket error event", "error", err)
	}
}
