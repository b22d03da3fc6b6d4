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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianQuery/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/history"
	"github.com/AleutianAI/AleutianQuery/services/pipeline"
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamWriter defines the contract for writing Server-Sent Events to HTTP
// responses during a query run.
//
// # Description
//
// StreamWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the SSE wire format (event: type\ndata: json\n\n) internally.
//
// A run stream emits zero or more "values" frames (one per pipeline phase
// transition), followed by exactly one terminal frame: "end" on success or
// "error" on failure.
//
// Each event is automatically assigned:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 hash of event content for integrity
//   - PrevHash: Hash of previous event for chain verification
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// The run handler emits phase events and keepalives from different
// goroutines concurrently.
//
// # Limitations
//
//   - Must be used with http.Flusher-compatible ResponseWriter
//   - Response headers must be set before first write
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing
//   - Caller has disabled buffering (X-Accel-Buffering: no)
type StreamWriter interface {
	// WriteEvent writes a single SSE event to the response.
	//
	// # Description
	//
	// Populates event metadata (Id, CreatedAt, Hash, PrevHash), serializes
	// to JSON, and writes in SSE format. Flushes immediately after writing.
	//
	// # Inputs
	//
	//   - event: StreamEvent to write. Id, CreatedAt, Hash, PrevHash are auto-set.
	//
	// # Outputs
	//
	//   - error: Non-nil if JSON marshaling or writing failed.
	//
	// # Assumptions
	//
	//   - Connection is still open
	WriteEvent(event datatypes.StreamEvent) error

	// WriteValues writes a phase snapshot as a "values" event.
	//
	// # Description
	//
	// Convenience method emitting one frame per pipeline phase transition
	// so clients can render run progress (intent, SQL draft, validation,
	// execution, synthesis) as it happens.
	//
	// # Inputs
	//
	//   - threadID: Thread the run belongs to.
	//   - phase: Phase snapshot from the pipeline. Must not be nil.
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	//
	// # Assumptions
	//
	//   - Phase events arrive in pipeline order
	WriteValues(threadID string, phase *pipeline.PhaseEvent) error

	// WriteEnd writes the terminal "end" event with the completed turn.
	//
	// # Description
	//
	// Writes the final event of a successful run. Carries the persisted
	// turn record and the SHA-256 of the result payload computed while it
	// was still held in locked memory, so clients can verify the bytes
	// they received match what the pipeline produced.
	//
	// # Inputs
	//
	//   - threadID: Thread the run belongs to.
	//   - turn: Persisted turn record. Must not be nil.
	//   - resultHash: Hex SHA-256 of the serialized result payload.
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	//
	// # Limitations
	//
	//   - Should only be called once per stream
	//
	// # Assumptions
	//
	//   - No more events will be written after end
	WriteEnd(threadID string, turn *history.TurnRecord, resultHash string) error

	// WriteError writes an error event and signals stream failure.
	//
	// # Description
	//
	// Writes an error event to inform the client of a failure.
	// Should be followed by closing the stream.
	//
	// # Inputs
	//
	//   - errMsg: Error message for the client (sanitized, no internal details)
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	//
	// # Limitations
	//
	//   - Error message should be sanitized (SEC-005)
	//
	// # Assumptions
	//
	//   - Stream will be closed after error event
	//
	// # Security References
	//
	//   - SEC-005: Internal errors not exposed to client
	WriteError(errMsg string) error

	// WriteKeepAlive sends a comment line to prevent connection timeouts.
	//
	// # Description
	//
	// Sends an SSE comment (": ping\n\n") to keep the connection alive
	// while the pipeline waits on the LLM or a slow query. SSE comments
	// are ignored by clients but keep the TCP connection active,
	// preventing timeout disconnections from load balancers (AWS ALB,
	// Nginx default 60s).
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	//
	// # Limitations
	//
	//   - Does not update the hash chain (comments are not events)
	//
	// # Assumptions
	//
	//   - Connection is still open
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements StreamWriter for HTTP SSE responses.
//
// # Description
//
// sseWriter wraps an http.ResponseWriter to emit SSE-formatted events.
// Each event is written in the format:
//
//	event: {type}
//	data: {json}
//
// The writer maintains a hash chain for integrity verification:
//   - Each event's Hash is SHA-256 of its content (including phase and
//     turn payloads)
//   - Each event's PrevHash links to the previous event
//
// This provides chain of custody for the SQL, answers, and timestamps a
// run produced, which matters when query results feed downstream reports.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter
//   - flusher: http.Flusher interface for immediate send
//   - prevHash: Hash of the last written event (for chain)
//   - mu: Mutex for thread-safe writes
//
// # Thread Safety
//
// Thread-safe via mutex. Multiple goroutines can write events concurrently.
// Hash chain integrity is maintained across concurrent writes.
//
// # Limitations
//
//   - Cannot be reused across requests
//
// # Assumptions
//
//   - Response headers already set by caller
//   - ResponseWriter supports http.Flusher interface
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewStreamWriter creates a new StreamWriter for the given ResponseWriter.
//
// # Description
//
// Creates an sseWriter that wraps the ResponseWriter. The caller must
// set appropriate SSE headers before creating the writer.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - StreamWriter: Ready to write SSE events.
//   - error: Non-nil if ResponseWriter doesn't support flushing.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewStreamWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteValues(threadID, &phase)
//	writer.WriteEnd(threadID, &turn, resultHash)
//
// # Limitations
//
//   - Requires http.Flusher support (most ResponseWriters have it)
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders()
func NewStreamWriter(w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:   w,
		flusher:  flusher,
		prevHash: "",
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteEvent writes a single SSE event to the response.
//
// # Description
//
// Populates event metadata (Id, CreatedAt, Hash, PrevHash), serializes
// to JSON, and writes in SSE format. Flushes immediately after writing.
//
// The hash covers all content fields including the phase and turn
// payloads for complete chain of custody.
//
// # Inputs
//
//   - event: StreamEvent to write. Id, CreatedAt, Hash, PrevHash are auto-set.
//
// # Outputs
//
//   - error: Non-nil if JSON marshaling or writing failed.
//
// # Examples
//
//	err := w.WriteEvent(datatypes.StreamEvent{
//	    Type:     datatypes.EventTypeValues,
//	    ThreadId: "th-123",
//	    Event:    &pipeline.PhaseEvent{Phase: "GEN_SQL"},
//	})
//
// # Limitations
//
//   - Event must be JSON-serializable
//
// # Assumptions
//
//   - Connection is still open
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Populate metadata
	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash

	// Compute hash of event content (before setting Hash field)
	event.Hash = computeEventHash(event)

	// Update chain for next event
	w.prevHash = event.Hash

	// Serialize to JSON
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Write SSE format: event: type\ndata: json\n\n
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEventHash computes SHA-256 hash of event content.
//
// # Description
//
// Hashes all content fields for complete chain of custody:
//   - Id, Type, CreatedAt, PrevHash (metadata)
//   - ThreadId, Error, ResultHash (content fields)
//   - Event and Turn payloads (serialized to JSON for consistent hashing)
//
// Shared by the SSE and websocket writers so both surfaces produce
// identical chains for identical event sequences.
//
// # Inputs
//
//   - event: Event to hash (Hash field should be empty when called).
//
// # Outputs
//
//   - string: Hex-encoded SHA-256 hash.
//
// # Limitations
//
//   - Turn payloads with large result sets add serialization overhead.
//
// # Assumptions
//
//   - Called before setting event.Hash field.
func computeEventHash(event datatypes.StreamEvent) string {
	// Serialize structured payloads for consistent hashing
	eventJSON := ""
	if event.Event != nil {
		if data, err := json.Marshal(event.Event); err == nil {
			eventJSON = string(data)
		}
	}
	turnJSON := ""
	if event.Turn != nil {
		if data, err := json.Marshal(event.Turn); err == nil {
			turnJSON = string(data)
		}
	}

	// Hash all content fields for complete chain of custody
	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.ThreadId,
		event.Error,
		event.ResultHash,
		eventJSON,
		turnJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// WriteValues writes a phase snapshot as a "values" event.
//
// # Description
//
// Convenience method for streaming pipeline progress.
//
// # Inputs
//
//   - threadID: Thread the run belongs to.
//   - phase: Phase snapshot from the pipeline.
//
// # Outputs
//
//   - error: Non-nil if writing failed.
//
// # Examples
//
//	err := writer.WriteValues("th-123", &pipeline.PhaseEvent{
//	    Type:  "phase",
//	    Phase: "VALIDATE_SQL",
//	})
//
// # Limitations
//
//   - Each call flushes immediately (no batching).
//
// # Assumptions
//
//   - Phase events arrive in pipeline order.
func (w *sseWriter) WriteValues(threadID string, phase *pipeline.PhaseEvent) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:     datatypes.EventTypeValues,
		ThreadId: threadID,
		Event:    phase,
	})
}

// WriteEnd writes the terminal "end" event with the completed turn.
//
// # Description
//
// Writes the final event indicating successful run completion. The
// resultHash was computed over the serialized result payload while it
// was held in locked memory, before any bytes reached the socket.
//
// # Inputs
//
//   - threadID: Thread the run belongs to.
//   - turn: Persisted turn record.
//   - resultHash: Hex SHA-256 of the serialized result payload.
//
// # Outputs
//
//   - error: Non-nil if writing failed.
//
// # Examples
//
//	err := writer.WriteEnd("th-123", &turn, resultHash)
//
// # Limitations
//
//   - Should only be called once per stream.
//
// # Assumptions
//
//   - All values events have been written before calling.
func (w *sseWriter) WriteEnd(threadID string, turn *history.TurnRecord, resultHash string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:       datatypes.EventTypeEnd,
		ThreadId:   threadID,
		Turn:       turn,
		ResultHash: resultHash,
	})
}

// WriteError writes an error event.
//
// # Description
//
// Writes an error event to inform the client of a failure.
// Per SEC-005: Error messages must be sanitized before passing to this method.
//
// # Inputs
//
//   - errMsg: Sanitized error message for client display.
//
// # Outputs
//
//   - error: Non-nil if writing failed.
//
// # Examples
//
//	err := writer.WriteError("query pipeline unavailable")
//
// # Limitations
//
//   - Caller must sanitize error messages (no internal details).
//
// # Assumptions
//
//   - Stream will be closed after this event.
//
// # Security References
//
//   - SEC-005: Internal errors not exposed to client
func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  datatypes.EventTypeError,
		Error: errMsg,
	})
}

// WriteKeepAlive sends a comment line to keep the connection alive.
//
// # Description
//
// Writes an SSE comment (": ping\n\n") to keep the TCP connection active
// while the pipeline is between phases. Comments are ignored by SSE
// clients but reset load balancer timeout counters.
//
// # Outputs
//
//   - error: Non-nil if writing failed.
//
// # Examples
//
//	err := writer.WriteKeepAlive()
//
// # Limitations
//
//   - Does not update the hash chain.
//
// # Assumptions
//
//   - Connection is still open.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
//
// # Inputs
//
//   - w: HTTP ResponseWriter to configure.
//
// # Outputs
//
// None.
//
// # Examples
//
//	func HandleRunStream(w http.ResponseWriter, r *http.Request) {
//	    SetSSEHeaders(w)
//	    writer, _ := NewStreamWriter(w)
//	    // ... write events ...
//	}
//
// # Limitations
//
//   - Must be called before any writes to ResponseWriter.
//
// # Assumptions
//
//   - No response has been written yet.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamWriter = (*sseWriter)(nil)
