// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides request and event structures for the query
// gateway service.
//
// This file contains the request bodies for thread and run endpoints.
// Streaming event envelopes live in events.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxQuestionBytes is the maximum size of a natural language question.
	// Checks byte length (not rune count) to bound request memory.
	MaxQuestionBytes = 8 * 1024 // 8KB

	// MaxMetadataEntries is the maximum number of metadata pairs on a thread.
	MaxMetadataEntries = 16

	// MaxHistoryLimit is the largest page a history request may ask for.
	MaxHistoryLimit = 1000

	// DefaultHistoryLimit is used when a history request omits the limit.
	DefaultHistoryLimit = 50
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// gatewayValidate is the validator instance for gateway datatypes.
// Initialized in init() with custom validators.
var gatewayValidate *validator.Validate

func init() {
	gatewayValidate = validator.New()

	// Register custom validator for question size
	_ = gatewayValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed
// MaxQuestionBytes. Byte length, not rune count, so oversized multi-byte
// payloads cannot slip past the limit.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxQuestionBytes
}

// =============================================================================
// Run Request Types
// =============================================================================

// RunRequest is the body of POST /threads/:threadId/runs/stream.
//
// # Description
//
// RunRequest carries one natural language question to run through the
// pipeline on an existing thread. Every request includes a unique ID and
// timestamp for audit trails; clients may omit both and let
// EnsureDefaults() fill them.
//
// # Fields
//
//   - RequestID: Optional. Unique identifier for this request (UUID v4).
//     Filled by EnsureDefaults() when empty.
//   - Timestamp: Optional. Unix timestamp in milliseconds (UTC).
//     Filled by EnsureDefaults() when zero.
//   - Question: Required. The natural language question, limited to 8KB.
type RunRequest struct {
	// RequestID uniquely identifies this request for tracing and audit.
	RequestID string `json:"request_id,omitempty" validate:"omitempty,uuid4"`

	// Timestamp is when the client created the request (Unix milliseconds).
	Timestamp int64 `json:"timestamp,omitempty" validate:"omitempty,gt=0"`

	// Question is the natural language question to answer.
	Question string `json:"question" validate:"required,maxbytes"`
}

// EnsureDefaults fills RequestID and Timestamp when the client omitted them.
func (r *RunRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// Validate checks the request against its validation tags.
//
// Returns a validator.ValidationErrors on failure.
func (r *RunRequest) Validate() error {
	return gatewayValidate.Struct(r)
}

// =============================================================================
// Thread Request Types
// =============================================================================

// CreateThreadRequest is the body of POST /threads.
//
// The body is optional: an empty body creates a thread with no metadata.
type CreateThreadRequest struct {
	// Metadata holds client labels for the thread (dashboard names,
	// source application, experiment tags). Capped at 16 entries with
	// bounded key and value sizes.
	Metadata map[string]string `json:"metadata,omitempty" validate:"omitempty,max=16,dive,keys,max=64,endkeys,max=256"`
}

// Validate checks the request against its validation tags.
func (r *CreateThreadRequest) Validate() error {
	return gatewayValidate.Struct(r)
}

// HistoryRequest is the body of POST /threads/:threadId/history.
//
// The body is optional: an empty body uses DefaultHistoryLimit.
type HistoryRequest struct {
	// Limit caps how many turn records are returned, newest first.
	// Zero means DefaultHistoryLimit.
	Limit int `json:"limit,omitempty" validate:"gte=0,lte=1000"`
}

// EnsureDefaults fills the limit when the client omitted it.
func (r *HistoryRequest) EnsureDefaults() {
	if r.Limit == 0 {
		r.Limit = DefaultHistoryLimit
	}
}

// Validate checks the request against its validation tags.
func (r *HistoryRequest) Validate() error {
	return gatewayValidate.Struct(r)
}

// =============================================================================
// Websocket Message Types
// =============================================================================

// WSQuestion is one inbound websocket message on GET /threads/:threadId/ws.
//
// The websocket surface accepts a question per message and streams the
// same event envelopes as the SSE endpoint back to the client.
type WSQuestion struct {
	// Question is the natural language question to answer.
	Question string `json:"question"`
}
