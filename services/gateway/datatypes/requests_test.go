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
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// RunRequest Validation Tests
// =============================================================================

func TestRunRequest_Validate_Success(t *testing.T) {
	req := &RunRequest{
		RequestID: "550e8400-e29b-41d4-a716-446655440000",
		Timestamp: time.Now().UnixMilli(),
		Question:  "Which customers are in Iceland?",
	}

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got error: %v", err)
	}
}

func TestRunRequest_Validate_MissingQuestion(t *testing.T) {
	req := &RunRequest{
		RequestID: "550e8400-e29b-41d4-a716-446655440000",
		Timestamp: time.Now().UnixMilli(),
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for missing question, got nil")
	}
}

func TestRunRequest_Validate_QuestionTooLarge(t *testing.T) {
	req := &RunRequest{
		Question: strings.Repeat("a", MaxQuestionBytes+1),
	}
	req.EnsureDefaults()

	if err := req.Validate(); err == nil {
		t.Errorf("expected error for question over %d bytes, got nil", MaxQuestionBytes)
	}
}

func TestRunRequest_Validate_QuestionExactlyMaxBytes(t *testing.T) {
	req := &RunRequest{
		Question: strings.Repeat("a", MaxQuestionBytes),
	}
	req.EnsureDefaults()

	if err := req.Validate(); err != nil {
		t.Errorf("expected question of exactly %d bytes to validate, got: %v",
			MaxQuestionBytes, err)
	}
}

func TestRunRequest_Validate_MultiByteQuestionCountsBytes(t *testing.T) {
	// Each rune is 3 bytes in UTF-8, so a third of MaxQuestionBytes runes
	// plus one more rune crosses the byte limit.
	runes := MaxQuestionBytes/3 + 1
	req := &RunRequest{
		Question: strings.Repeat("日", runes),
	}
	req.EnsureDefaults()

	if err := req.Validate(); err == nil {
		t.Error("expected byte-length validation to reject oversized multi-byte question")
	}
}

func TestRunRequest_Validate_InvalidRequestID(t *testing.T) {
	req := &RunRequest{
		RequestID: "not-a-uuid",
		Timestamp: time.Now().UnixMilli(),
		Question:  "How many orders shipped in May?",
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for invalid request_id, got nil")
	}
}

func TestRunRequest_Validate_OmittedIDAndTimestampAllowed(t *testing.T) {
	// RequestID and Timestamp are optional on the wire; EnsureDefaults
	// fills them server-side.
	req := &RunRequest{Question: "How many orders shipped in May?"}

	if err := req.Validate(); err != nil {
		t.Errorf("expected request without id/timestamp to validate, got: %v", err)
	}
}

// =============================================================================
// RunRequest EnsureDefaults Tests
// =============================================================================

func TestRunRequest_EnsureDefaults_FillsEmptyFields(t *testing.T) {
	req := &RunRequest{Question: "test"}

	before := time.Now().UnixMilli()
	req.EnsureDefaults()
	after := time.Now().UnixMilli()

	if _, err := uuid.Parse(req.RequestID); err != nil {
		t.Errorf("EnsureDefaults should fill a valid UUID, got %q", req.RequestID)
	}
	if req.Timestamp < before || req.Timestamp > after {
		t.Errorf("EnsureDefaults timestamp %d outside [%d, %d]", req.Timestamp, before, after)
	}
}

func TestRunRequest_EnsureDefaults_PreservesClientValues(t *testing.T) {
	req := &RunRequest{
		RequestID: "550e8400-e29b-41d4-a716-446655440000",
		Timestamp: 1700000000000,
		Question:  "test",
	}

	req.EnsureDefaults()

	if req.RequestID != "550e8400-e29b-41d4-a716-446655440000" {
		t.Error("EnsureDefaults should preserve a client-supplied request id")
	}
	if req.Timestamp != 1700000000000 {
		t.Error("EnsureDefaults should preserve a client-supplied timestamp")
	}
}

// =============================================================================
// CreateThreadRequest Tests
// =============================================================================

func TestCreateThreadRequest_Validate_EmptyIsValid(t *testing.T) {
	req := &CreateThreadRequest{}

	if err := req.Validate(); err != nil {
		t.Errorf("empty create request should validate, got: %v", err)
	}
}

func TestCreateThreadRequest_Validate_WithMetadata(t *testing.T) {
	req := &CreateThreadRequest{
		Metadata: map[string]string{
			"source": "dashboard",
			"label":  "sales-analysis",
		},
	}

	if err := req.Validate(); err != nil {
		t.Errorf("metadata request should validate, got: %v", err)
	}
}

func TestCreateThreadRequest_Validate_TooManyEntries(t *testing.T) {
	md := make(map[string]string, MaxMetadataEntries+1)
	for i := 0; i <= MaxMetadataEntries; i++ {
		md[strings.Repeat("k", i+1)] = "v"
	}
	req := &CreateThreadRequest{Metadata: md}

	if err := req.Validate(); err == nil {
		t.Errorf("expected error for more than %d metadata entries, got nil", MaxMetadataEntries)
	}
}

func TestCreateThreadRequest_Validate_OversizedValue(t *testing.T) {
	req := &CreateThreadRequest{
		Metadata: map[string]string{"k": strings.Repeat("v", 257)},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for oversized metadata value, got nil")
	}
}

// =============================================================================
// HistoryRequest Tests
// =============================================================================

func TestHistoryRequest_EnsureDefaults(t *testing.T) {
	req := &HistoryRequest{}
	req.EnsureDefaults()

	if req.Limit != DefaultHistoryLimit {
		t.Errorf("Limit = %d, want default %d", req.Limit, DefaultHistoryLimit)
	}

	// A client-set limit is preserved
	req = &HistoryRequest{Limit: 5}
	req.EnsureDefaults()
	if req.Limit != 5 {
		t.Errorf("Limit = %d, want preserved 5", req.Limit)
	}
}

func TestHistoryRequest_Validate_Bounds(t *testing.T) {
	tests := []struct {
		name    string
		limit   int
		wantErr bool
	}{
		{"zero", 0, false},
		{"small", 10, false},
		{"max", MaxHistoryLimit, false},
		{"over max", MaxHistoryLimit + 1, true},
		{"negative", -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &HistoryRequest{Limit: tt.limit}
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() with limit %d: err = %v, wantErr = %v", tt.limit, err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// StreamEvent JSON Tests
// =============================================================================

func TestStreamEvent_JSONOmitsEmptyPayloads(t *testing.T) {
	event := StreamEvent{
		Id:        "evt-1",
		Type:      EventTypeError,
		CreatedAt: 1700000000000,
		Error:     "query pipeline failed",
		Hash:      "abc",
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	s := string(data)
	if strings.Contains(s, "\"event\"") {
		t.Error("empty phase payload should be omitted from JSON")
	}
	if strings.Contains(s, "\"turn\"") {
		t.Error("empty turn payload should be omitted from JSON")
	}
	if !strings.Contains(s, "\"prev_hash\"") {
		t.Error("prev_hash should always be present for chain verification")
	}
}

func TestEventTypeConstants(t *testing.T) {
	if EventTypeValues != "values" {
		t.Errorf("EventTypeValues = %q, want %q", EventTypeValues, "values")
	}
	if EventTypeEnd != "end" {
		t.Errorf("EventTypeEnd = %q, want %q", EventTypeEnd, "end")
	}
	if EventTypeError != "error" {
		t.Errorf("EventTypeError = %q, want %q", EventTypeError, "error")
	}
}
