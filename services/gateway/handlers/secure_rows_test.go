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
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test: ResultBuffer Interface
// =============================================================================

// TestResultBuffer_Write_SingleChunk verifies basic payload staging.
//
// # Description
//
// Tests that a single chunk is staged correctly and can be retrieved.
func TestResultBuffer_Write_SingleChunk(t *testing.T) {
	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	chunk := []byte(`{"answer":"There are 42 customers."}`)
	err := buf.Write(chunk)
	require.NoError(t, err, "Write should succeed")

	payload, _, err := buf.Finalize()
	require.NoError(t, err, "Finalize should succeed")
	assert.Equal(t, chunk, payload, "Payload should match written chunk")
}

// TestResultBuffer_Write_MultipleChunks verifies sequential staging.
//
// # Description
//
// Tests that multiple chunks are concatenated in sequence correctly.
func TestResultBuffer_Write_MultipleChunks(t *testing.T) {
	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	chunks := [][]byte{
		[]byte(`{"columns":["name"],`),
		[]byte(`"rows":[["Alice"],["Bob"]]}`),
	}
	expected := `{"columns":["name"],"rows":[["Alice"],["Bob"]]}`

	for _, chunk := range chunks {
		err := buf.Write(chunk)
		require.NoError(t, err, "Write should succeed for chunk: %q", chunk)
	}

	payload, _, err := buf.Finalize()
	require.NoError(t, err, "Finalize should succeed")
	assert.Equal(t, expected, string(payload), "Payload should concatenate all chunks")
}

// TestResultBuffer_Write_EmptyChunk verifies empty chunk handling.
//
// # Description
//
// Tests that empty chunks are handled correctly (they should be allowed).
func TestResultBuffer_Write_EmptyChunk(t *testing.T) {
	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	err := buf.Write(nil)
	require.NoError(t, err, "Empty chunk write should succeed")

	err = buf.Write([]byte("rows"))
	require.NoError(t, err, "Write after empty should succeed")

	payload, _, err := buf.Finalize()
	require.NoError(t, err, "Finalize should succeed")
	assert.Equal(t, "rows", string(payload), "Payload should only contain non-empty chunk")
}

// TestResultBuffer_Write_AfterDestroy verifies destroyed state.
//
// # Description
//
// Tests that writing to a destroyed buffer returns an error.
func TestResultBuffer_Write_AfterDestroy(t *testing.T) {
	buf := newTestResultBuffer(t)
	buf.Destroy()

	err := buf.Write([]byte("rows"))
	assert.Error(t, err, "Write after Destroy should fail")
	assert.Contains(t, err.Error(), "destroyed", "Error should mention destroyed state")
}

// TestResultBuffer_Write_AfterFinalize verifies finalized state.
//
// # Description
//
// Tests that writing to a finalized buffer returns an error.
func TestResultBuffer_Write_AfterFinalize(t *testing.T) {
	buf := newTestResultBuffer(t)
	_, _, err := buf.Finalize()
	require.NoError(t, err, "Finalize should succeed")

	err = buf.Write([]byte("rows"))
	assert.Error(t, err, "Write after Finalize should fail")
	assert.Contains(t, err.Error(), "destroyed", "Error should mention destroyed state")
}

// =============================================================================
// Test: Finalize
// =============================================================================

// TestResultBuffer_Finalize_ReturnsCorrectHash verifies hash computation.
//
// # Description
//
// Tests that Finalize returns the correct SHA-256 hash of the staged payload.
func TestResultBuffer_Finalize_ReturnsCorrectHash(t *testing.T) {
	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	content := []byte(`{"sql":"SELECT count(*) FROM customers"}`)
	err := buf.Write(content)
	require.NoError(t, err, "Write should succeed")

	payload, hash, err := buf.Finalize()
	require.NoError(t, err, "Finalize should succeed")
	assert.Equal(t, content, payload, "Payload should match input")

	// Verify hash manually
	expectedHash := sha256.Sum256(content)
	expectedHashStr := hex.EncodeToString(expectedHash[:])
	assert.Equal(t, expectedHashStr, hash, "Hash should match SHA-256 of content")
}

// TestResultBuffer_Finalize_IncrementalHashMatchesFinalHash verifies hash consistency.
//
// # Description
//
// Tests that incrementally hashing chunks produces the same result as
// hashing the full payload.
func TestResultBuffer_Finalize_IncrementalHashMatchesFinalHash(t *testing.T) {
	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	chunks := [][]byte{[]byte("The "), []byte("quick "), []byte("brown "), []byte("fox.")}
	fullContent := "The quick brown fox."

	for _, chunk := range chunks {
		err := buf.Write(chunk)
		require.NoError(t, err, "Write should succeed")
	}

	_, hash, err := buf.Finalize()
	require.NoError(t, err, "Finalize should succeed")

	// Compute expected hash from full content
	expectedHash := sha256.Sum256([]byte(fullContent))
	expectedHashStr := hex.EncodeToString(expectedHash[:])

	assert.Equal(t, expectedHashStr, hash, "Incremental hash should match full content hash")
}

// TestResultBuffer_Finalize_HashIs64Characters verifies hash format.
//
// # Description
//
// Tests that the returned hash is a valid 64-character hex string.
func TestResultBuffer_Finalize_HashIs64Characters(t *testing.T) {
	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	err := buf.Write([]byte("test"))
	require.NoError(t, err, "Write should succeed")

	_, hash, err := buf.Finalize()
	require.NoError(t, err, "Finalize should succeed")

	assert.Len(t, hash, 64, "SHA-256 hex hash should be 64 characters")

	// Verify it's valid hex
	_, err = hex.DecodeString(hash)
	assert.NoError(t, err, "Hash should be valid hex string")
}

// TestResultBuffer_Finalize_EmptyContent verifies empty buffer handling.
//
// # Description
//
// Tests that finalizing an empty buffer returns an empty payload with the
// correct hash.
func TestResultBuffer_Finalize_EmptyContent(t *testing.T) {
	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	payload, hash, err := buf.Finalize()
	require.NoError(t, err, "Finalize with no content should succeed")
	assert.Empty(t, payload, "Payload should be empty")

	// Hash of empty input
	expectedHash := sha256.Sum256([]byte(""))
	expectedHashStr := hex.EncodeToString(expectedHash[:])
	assert.Equal(t, expectedHashStr, hash, "Hash should match SHA-256 of empty input")
}

// TestResultBuffer_Finalize_CannotCallTwice verifies single-use nature.
//
// # Description
//
// Tests that Finalize can only be called once.
func TestResultBuffer_Finalize_CannotCallTwice(t *testing.T) {
	buf := newTestResultBuffer(t)

	err := buf.Write([]byte("rows"))
	require.NoError(t, err, "Write should succeed")

	_, _, err = buf.Finalize()
	require.NoError(t, err, "First Finalize should succeed")

	_, _, err = buf.Finalize()
	assert.Error(t, err, "Second Finalize should fail")
	assert.Contains(t, err.Error(), "destroyed", "Error should mention destroyed state")
}

// =============================================================================
// Test: Destroy
// =============================================================================

// TestResultBuffer_Destroy_IsIdempotent verifies idempotent destruction.
//
// # Description
//
// Tests that Destroy can be called multiple times safely.
func TestResultBuffer_Destroy_IsIdempotent(t *testing.T) {
	buf := newTestResultBuffer(t)

	err := buf.Write([]byte("rows"))
	require.NoError(t, err, "Write should succeed")

	// Multiple destroys should not panic
	buf.Destroy()
	buf.Destroy()
	buf.Destroy()
}

// TestResultBuffer_Destroy_PreventsSubsequentOperations verifies cleanup.
//
// # Description
//
// Tests that operations fail after Destroy is called.
func TestResultBuffer_Destroy_PreventsSubsequentOperations(t *testing.T) {
	buf := newTestResultBuffer(t)
	buf.Destroy()

	err := buf.Write([]byte("rows"))
	assert.Error(t, err, "Write after Destroy should fail")

	_, _, err = buf.Finalize()
	assert.Error(t, err, "Finalize after Destroy should fail")
}

// =============================================================================
// Test: ID and CreatedAt
// =============================================================================

// TestResultBuffer_ID_IsValidUUID verifies ID format.
//
// # Description
//
// Tests that the buffer ID is a valid UUID.
func TestResultBuffer_ID_IsValidUUID(t *testing.T) {
	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	id := buf.ID()
	assert.NotEmpty(t, id, "ID should not be empty")

	_, err := uuid.Parse(id)
	assert.NoError(t, err, "ID should be a valid UUID")
}

// TestResultBuffer_ID_UniquePerInstance verifies ID uniqueness.
//
// # Description
//
// Tests that each buffer instance has a unique ID.
func TestResultBuffer_ID_UniquePerInstance(t *testing.T) {
	buf1 := newTestResultBuffer(t)
	defer buf1.Destroy()

	buf2 := newTestResultBuffer(t)
	defer buf2.Destroy()

	assert.NotEqual(t, buf1.ID(), buf2.ID(), "Each buffer should have a unique ID")
}

// TestResultBuffer_CreatedAt_IsRecent verifies timestamp accuracy.
//
// # Description
//
// Tests that CreatedAt returns a recent timestamp.
func TestResultBuffer_CreatedAt_IsRecent(t *testing.T) {
	before := time.Now()

	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	after := time.Now()

	createdAt := buf.CreatedAt()
	assert.True(t, createdAt.After(before) || createdAt.Equal(before),
		"CreatedAt should be after or equal to test start time")
	assert.True(t, createdAt.Before(after) || createdAt.Equal(after),
		"CreatedAt should be before or equal to test end time")
}

// =============================================================================
// Test: Buffer Overflow
// =============================================================================

// TestResultBuffer_Write_Overflow verifies overflow handling.
//
// # Description
//
// Tests that writing more data than buffer capacity returns an error.
func TestResultBuffer_Write_Overflow(t *testing.T) {
	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	// Create a chunk that exceeds buffer size
	oversized := make([]byte, ResultBufferSize+1)
	for i := range oversized {
		oversized[i] = 'A'
	}

	err := buf.Write(oversized)
	assert.Error(t, err, "Write should fail when exceeding buffer size")
	assert.Contains(t, err.Error(), "overflow", "Error should mention overflow")
}

// TestResultBuffer_Write_GradualOverflow verifies cumulative overflow.
//
// # Description
//
// Tests that staging chunks until overflow is detected correctly.
func TestResultBuffer_Write_GradualOverflow(t *testing.T) {
	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	// Write chunks until we overflow
	chunk := make([]byte, 4096) // 4KB chunks
	for i := range chunk {
		chunk[i] = 'X'
	}

	var err error
	for i := 0; i < ResultBufferSize/4096+10; i++ {
		err = buf.Write(chunk)
		if err != nil {
			break
		}
	}

	assert.Error(t, err, "Should eventually overflow")
	assert.Contains(t, err.Error(), "overflow", "Error should mention overflow")
}

// TestResultBuffer_Finalize_AfterOverflow verifies overflow state.
//
// # Description
//
// Tests that Finalize fails after an overflow has occurred.
func TestResultBuffer_Finalize_AfterOverflow(t *testing.T) {
	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	// Trigger overflow
	oversized := make([]byte, ResultBufferSize+1)
	for i := range oversized {
		oversized[i] = 'A'
	}
	_ = buf.Write(oversized)

	// Finalize should fail
	_, _, err := buf.Finalize()
	assert.Error(t, err, "Finalize after overflow should fail")
}

// =============================================================================
// Test: Concurrency
// =============================================================================

// TestResultBuffer_Concurrent_WritesAreSafe verifies thread safety.
//
// # Description
//
// Tests that concurrent writes are handled safely without data corruption.
func TestResultBuffer_Concurrent_WritesAreSafe(t *testing.T) {
	buf := newTestResultBuffer(t)
	defer buf.Destroy()

	// Number of concurrent writers
	numWriters := 10
	chunksPerWriter := 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < chunksPerWriter; j++ {
				chunk := []byte(fmt.Sprintf("[%d:%d]", writerID, j))
				_ = buf.Write(chunk)
			}
		}(i)
	}

	wg.Wait()

	// Should be able to finalize without error
	payload, hash, err := buf.Finalize()
	assert.NoError(t, err, "Finalize should succeed after concurrent writes")
	assert.NotEmpty(t, payload, "Should have staged data")
	assert.Len(t, hash, 64, "Hash should be valid")
}

// TestResultBuffer_Concurrent_WriteAndDestroy verifies race safety.
//
// # Description
//
// Tests that concurrent Write and Destroy operations don't cause panics.
func TestResultBuffer_Concurrent_WriteAndDestroy(t *testing.T) {
	for i := 0; i < 100; i++ {
		buf := newTestResultBuffer(t)

		var wg sync.WaitGroup
		wg.Add(2)

		// Writer goroutine
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = buf.Write([]byte("chunk"))
			}
		}()

		// Destroyer goroutine
		go func() {
			defer wg.Done()
			time.Sleep(time.Microsecond * 10)
			buf.Destroy()
		}()

		wg.Wait()
	}
}

// =============================================================================
// Test: Insecure Buffer Fallback
// =============================================================================

// TestInsecureResultBuffer_FallbackWorks verifies insecure mode.
//
// # Description
//
// Tests that the insecure buffer fallback works correctly when
// ALEUTIAN_INSECURE_MEMORY is set.
func TestInsecureResultBuffer_FallbackWorks(t *testing.T) {
	// Force insecure mode
	original := os.Getenv("ALEUTIAN_INSECURE_MEMORY")
	os.Setenv("ALEUTIAN_INSECURE_MEMORY", "true")
	defer os.Setenv("ALEUTIAN_INSECURE_MEMORY", original)

	buf := newInsecureResultBuffer()
	defer buf.Destroy()

	err := buf.Write([]byte("Hello"))
	require.NoError(t, err, "Write should succeed")

	err = buf.Write([]byte(" World"))
	require.NoError(t, err, "Second write should succeed")

	payload, hash, err := buf.Finalize()
	require.NoError(t, err, "Finalize should succeed")

	assert.Equal(t, "Hello World", string(payload), "Payload should be correct")

	// Verify hash
	expectedHash := sha256.Sum256([]byte("Hello World"))
	expectedHashStr := hex.EncodeToString(expectedHash[:])
	assert.Equal(t, expectedHashStr, hash, "Hash should be correct")
}

// TestInsecureResultBuffer_HasUniqueID verifies insecure buffer ID.
//
// # Description
//
// Tests that insecure buffers also have unique IDs.
func TestInsecureResultBuffer_HasUniqueID(t *testing.T) {
	buf1 := newInsecureResultBuffer()
	defer buf1.Destroy()

	buf2 := newInsecureResultBuffer()
	defer buf2.Destroy()

	assert.NotEqual(t, buf1.ID(), buf2.ID(), "Each buffer should have unique ID")

	_, err := uuid.Parse(buf1.ID())
	assert.NoError(t, err, "ID should be valid UUID")
}

// =============================================================================
// Test: Utility Functions
// =============================================================================

// TestIsMlockAvailable_ReturnsConsistentResults verifies utility function.
//
// # Description
//
// Tests that IsMlockAvailable returns consistent results across calls.
func TestIsMlockAvailable_ReturnsConsistentResults(t *testing.T) {
	available1, limit1 := IsMlockAvailable()
	available2, limit2 := IsMlockAvailable()

	assert.Equal(t, available1, available2, "Availability should be consistent")
	assert.Equal(t, limit1, limit2, "Limit should be consistent")
}

// =============================================================================
// Test Helpers
// =============================================================================

// newTestResultBuffer creates a result buffer for testing.
//
// # Description
//
// Creates a ResultBuffer suitable for testing. If secure memory is not
// available, falls back to the insecure buffer with env override.
//
// # Inputs
//
//   - t: Test instance for error reporting
//
// # Outputs
//
//   - ResultBuffer: Ready for testing
func newTestResultBuffer(t *testing.T) ResultBuffer {
	t.Helper()

	// Try secure first
	buf, err := NewSecureResultBuffer()
	if err == nil {
		return buf
	}

	// Fall back to insecure for CI environments without mlock
	t.Logf("Falling back to insecure result buffer: %v", err)
	return newInsecureResultBuffer()
}
