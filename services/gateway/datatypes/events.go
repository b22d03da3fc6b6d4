// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"github.com/AleutianAI/AleutianQuery/services/history"
	"github.com/AleutianAI/AleutianQuery/services/pipeline"
)

// =============================================================================
// Streaming Event Types
// =============================================================================

// Event type values for StreamEvent.Type.
//
// A run stream is a sequence of "values" frames (one per pipeline phase
// transition) terminated by exactly one "end" frame on success or one
// "error" frame on failure. The same vocabulary is used on the SSE and
// websocket surfaces.
const (
	// EventTypeValues carries one pipeline phase snapshot.
	EventTypeValues = "values"

	// EventTypeEnd carries the persisted turn record after a completed run.
	EventTypeEnd = "end"

	// EventTypeError reports a run that could not produce a turn record.
	EventTypeError = "error"
)

// StreamEvent is the envelope for every frame sent on a run stream.
//
// # Description
//
// StreamEvent wraps pipeline progress for transport over SSE or websocket.
// The writer assigns Id, CreatedAt, PrevHash and Hash on send; callers fill
// only Type, ThreadId and the payload field matching the Type.
//
// Each event carries a hash chain for integrity verification:
//   - Hash is SHA-256 over the event's identity and payload fields
//   - PrevHash links to the previous event on the same stream
//
// A client can verify that no frame was dropped or reordered by walking
// the chain.
//
// # Fields
//
//   - Id: UUID v4 assigned per event.
//   - Type: One of "values", "end", "error".
//   - CreatedAt: Unix timestamp in milliseconds when the event was sent.
//   - ThreadId: The conversation thread this run belongs to.
//   - Event: Phase snapshot payload ("values" frames only).
//   - Turn: Persisted turn record payload ("end" frames only).
//   - ResultHash: SHA-256 of the serialized turn result ("end" frames only).
//   - Error: Sanitized failure message ("error" frames only).
//   - PrevHash: Hash of the previous event, empty for the first.
//   - Hash: SHA-256 hash of this event's content.
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	ThreadId  string `json:"thread_id,omitempty"`

	// Event is set on "values" frames: one phase transition of the
	// running turn, including the phase's input and output payloads.
	Event *pipeline.PhaseEvent `json:"event,omitempty"`

	// Turn is set on "end" frames: the turn record as persisted to the
	// history store, including its sequence number in the thread.
	Turn *history.TurnRecord `json:"turn,omitempty"`

	// ResultHash is set on "end" frames: integrity hash of the serialized
	// turn result, computed while the payload was held in locked memory.
	ResultHash string `json:"result_hash,omitempty"`

	// Error is set on "error" frames. Messages are sanitized before
	// sending; internal details stay in the server logs.
	Error string `json:"error,omitempty"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}
