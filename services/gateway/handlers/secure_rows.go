// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the gateway service.
//
// This file implements secure buffering for serialized query results.
// Result payloads are staged in mlocked memory between pipeline completion
// and the client flush, so database rows never sit in swappable pages, and
// are hashed for the integrity field on the terminal stream event.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ResultBufferSize is the size of the mlocked buffer for result staging.
	// 1 MB covers the serialized turn payload at the executor's row cap with
	// metadata overhead.
	//
	// Capacity:
	//   - 1 MB = 1,048,576 bytes
	//   - ~1,000 rows of ~1 KB serialized width
	//
	// System must be configured with adequate mlock limits.
	// See docs/deployment/memory_security.md for configuration.
	ResultBufferSize = 1024 * 1024 // 1 MB

	// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
	MinMlockLimitKB = 1024
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient is set during initialization to indicate if secure memory is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the current mlock limit for logging.
	currentMlockLimitKB int64
)

// =============================================================================
// Interfaces
// =============================================================================

// ResultBuffer defines the contract for staging serialized query results.
//
// # Description
//
// ResultBuffer abstracts result payload storage between pipeline completion
// and the client flush, allowing different implementations (secure/insecure)
// based on system capabilities. Bytes are hashed incrementally as they are
// written, so the integrity hash is computed while the payload is still in
// protected memory.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Security
//
// Implementations should hold payload data out of swappable memory and
// support explicit wiping.
//
// # Examples
//
//	buf, err := NewSecureResultBuffer()
//	if err != nil {
//	    return err
//	}
//	defer buf.Destroy()
//
//	buf.Write(turnJSON)
//	payload, hash, _ := buf.Finalize()
//
// # Limitations
//
//   - Buffer size is fixed (cannot grow dynamically)
//   - Buffer cannot be reused after Finalize() or Destroy()
//
// # Assumptions
//
//   - System is configured with adequate mlock limits for secure mode
type ResultBuffer interface {
	// Write appends payload bytes to the buffer.
	//
	// # Description
	//
	// Copies bytes into the buffer and updates the incremental hash.
	// Bytes are hashed immediately as they arrive.
	//
	// # Inputs
	//
	//   - chunk: Payload bytes to append.
	//
	// # Outputs
	//
	//   - error: Non-nil if staging failed (e.g., buffer overflow)
	//
	// # Limitations
	//
	//   - Cannot write after Destroy() or Finalize()
	//   - Cannot recover from overflow
	Write(chunk []byte) error

	// Finalize returns the staged payload and its hash, then wipes memory.
	//
	// # Description
	//
	// Extracts the complete payload and SHA-256 hash, then securely wipes
	// the buffer. After calling Finalize(), the buffer cannot be reused.
	//
	// # Outputs
	//
	//   - payload: Copy of the staged payload bytes
	//   - hash: SHA-256 hash of the payload (hex encoded, 64 characters)
	//   - error: Non-nil if finalization failed
	//
	// # Limitations
	//
	//   - Can only be called once
	//   - Buffer is unusable after this call
	//
	// # Assumptions
	//
	//   - Caller will flush and drop the returned payload promptly
	Finalize() (payload []byte, hash string, err error)

	// Destroy wipes memory without returning data.
	//
	// # Description
	//
	// Use this to clean up on error paths where the staged payload is not
	// needed. Safe to call multiple times (idempotent).
	Destroy()

	// ID returns a unique identifier for this buffer instance.
	ID() string

	// CreatedAt returns when this buffer was created.
	CreatedAt() time.Time
}

// =============================================================================
// Structs: Secure Implementation
// =============================================================================

// secureResultBuffer stages payload bytes in mlocked memory with incremental hashing.
//
// # Description
//
// Uses memguard LockedBuffer for secure in-memory staging of query results.
// Memory protections include:
//   - Locked (mlock) to prevent swapping to disk
//   - Guard pages to detect buffer overflows
//   - Canary values to detect buffer underflows
//   - Explicit zeroing on Destroy() to prevent memory forensics
//   - Incremental SHA-256 hashing as bytes arrive
//
// # Fields
//
//   - id: Unique identifier for this buffer instance
//   - createdAt: When the buffer was created
//   - mu: Mutex for thread safety
//   - buffer: memguard LockedBuffer for secure storage
//   - offset: Current write position in buffer
//   - hasher: Incremental SHA-256 hasher
//   - overflow: Set if buffer capacity exceeded
//   - destroyed: Set after Destroy() or Finalize() called
//
// # Thread Safety
//
// Safe for concurrent use. Uses mutex to protect internal state.
//
// # System Requirements
//
// Requires mlock limit >= ResultBufferSize (1 MB).
// See docs/deployment/memory_security.md for configuration.
type secureResultBuffer struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Structs: Insecure Fallback Implementation
// =============================================================================

// insecureResultBuffer is a fallback for systems without sufficient mlock.
//
// # Description
//
// Provides the same interface as secureResultBuffer but uses standard
// Go memory ([]byte). This is used when:
//   - mlock limits are insufficient
//   - ALEUTIAN_INSECURE_MEMORY=true is set
//
// # Security Warning
//
// This implementation does NOT provide the security guarantees of the secure
// version. Result rows may be swapped to disk and are not protected by
// guard pages.
//
// # Thread Safety
//
// Safe for concurrent use.
type insecureResultBuffer struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Constructor Functions
// =============================================================================

// NewSecureResultBuffer creates a new secure result buffer.
//
// # Description
//
// Allocates a mlocked buffer of ResultBufferSize bytes for staging query
// results. If mlock limit is insufficient and ALEUTIAN_INSECURE_MEMORY is
// not set, returns an error. If ALEUTIAN_INSECURE_MEMORY=true, falls back
// to an insecure buffer with a warning.
//
// # Outputs
//
//   - ResultBuffer: Ready for use (may be secure or insecure based on system)
//   - error: Non-nil if allocation failed and no fallback available
//
// # Examples
//
//	buf, err := NewSecureResultBuffer()
//	if err != nil {
//	    return err
//	}
//	defer buf.Destroy()
//
//	buf.Write(turnJSON)
//	payload, hash, _ := buf.Finalize()
//
// # Limitations
//
//   - May return insecure buffer if mlock limits insufficient
//
// # Assumptions
//
//   - System is properly configured (see deployment docs)
func NewSecureResultBuffer() (ResultBuffer, error) {
	initMemguard()

	if !mlockSufficient {
		return handleInsufficientMlock()
	}

	return allocateSecureBuffer()
}

// newInsecureResultBuffer creates an insecure fallback buffer.
//
// # Description
//
// Creates a result buffer using standard Go memory instead of mlocked
// memory. Used when secure memory is unavailable and the operator has
// acknowledged the risk.
//
// # Limitations
//
//   - Data may be swapped to disk
//   - No guard page protection
func newInsecureResultBuffer() ResultBuffer {
	bufID := uuid.New().String()

	slog.Warn("Created INSECURE result buffer - rows may be swapped to disk",
		"buffer_id", bufID,
	)

	return &insecureResultBuffer{
		id:        bufID,
		createdAt: time.Now(),
		data:      make([]byte, 0, ResultBufferSize),
		hasher:    sha256.New(),
		overflow:  false,
		destroyed: false,
	}
}

// =============================================================================
// secureResultBuffer Methods
// =============================================================================

// Write appends payload bytes to the secure buffer.
//
// # Description
//
// Copies bytes into the mlocked buffer and updates the incremental hash.
// If the buffer would overflow, sets the overflow flag and returns an error.
//
// # Inputs
//
//   - chunk: Payload bytes to append.
//
// # Outputs
//
//   - error: Non-nil if buffer overflow would occur or buffer destroyed
func (b *secureResultBuffer) Write(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.validateWriteState(); err != nil {
		return err
	}

	if err := b.checkBufferCapacity(len(chunk)); err != nil {
		return err
	}

	b.copyToBuffer(chunk)
	b.updateHash(chunk)

	return nil
}

// Finalize returns the staged payload and its hash, then wipes the buffer.
//
// # Description
//
// Extracts the complete payload and SHA-256 hash from the secure buffer,
// then securely wipes the buffer memory. After calling Finalize(), the
// buffer cannot be reused.
//
// # Outputs
//
//   - payload: Copy of the staged payload bytes
//   - hash: SHA-256 hash of the payload (hex encoded, 64 characters)
//   - error: Non-nil if overflow occurred or buffer already destroyed
//
// # Limitations
//
//   - Can only be called once
//   - Buffer is unusable after this call
//
// # Assumptions
//
//   - Caller will flush and drop the returned payload promptly
func (b *secureResultBuffer) Finalize() ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.validateFinalizeState(); err != nil {
		return nil, "", err
	}

	payload := b.extractPayload()
	hashStr := b.finalizeHash()
	b.wipeBuffer()

	b.logFinalization(len(payload), hashStr)

	return payload, hashStr, nil
}

// Destroy wipes the buffer without returning data.
//
// # Description
//
// Securely wipes the mlocked buffer memory. Use this to clean up on error
// paths where the staged payload is not needed. Safe to call multiple
// times (idempotent).
func (b *secureResultBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}

	b.wipeBuffer()
	b.logDestruction()
}

// ID returns the unique identifier for this buffer instance.
func (b *secureResultBuffer) ID() string {
	return b.id
}

// CreatedAt returns when this buffer was created.
func (b *secureResultBuffer) CreatedAt() time.Time {
	return b.createdAt
}

// =============================================================================
// secureResultBuffer Private Methods
// =============================================================================

// validateWriteState checks if the buffer is in a valid state for writing.
func (b *secureResultBuffer) validateWriteState() error {
	if b.destroyed {
		return fmt.Errorf("result buffer already destroyed")
	}
	if b.overflow {
		return fmt.Errorf("secure buffer overflow - result too large")
	}
	return nil
}

// checkBufferCapacity verifies there is room for the chunk.
func (b *secureResultBuffer) checkBufferCapacity(chunkLen int) error {
	if b.offset+chunkLen > ResultBufferSize {
		b.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			chunkLen, ResultBufferSize-b.offset)
	}
	return nil
}

// copyToBuffer copies chunk bytes into the secure buffer.
func (b *secureResultBuffer) copyToBuffer(chunk []byte) {
	copy(b.buffer.Bytes()[b.offset:], chunk)
	b.offset += len(chunk)
}

// updateHash adds chunk bytes to the incremental hash.
func (b *secureResultBuffer) updateHash(chunk []byte) {
	b.hasher.Write(chunk)
}

// validateFinalizeState checks if the buffer can be finalized.
func (b *secureResultBuffer) validateFinalizeState() error {
	if b.destroyed {
		return fmt.Errorf("result buffer already destroyed")
	}
	if b.overflow {
		b.wipeBuffer()
		return fmt.Errorf("buffer overflowed during staging")
	}
	return nil
}

// extractPayload copies the payload out of secure memory.
func (b *secureResultBuffer) extractPayload() []byte {
	payload := make([]byte, b.offset)
	copy(payload, b.buffer.Bytes()[:b.offset])
	return payload
}

// finalizeHash returns the final hash as a hex string.
func (b *secureResultBuffer) finalizeHash() string {
	hashBytes := b.hasher.Sum(nil)
	return hex.EncodeToString(hashBytes)
}

// wipeBuffer destroys the secure buffer and marks as destroyed.
func (b *secureResultBuffer) wipeBuffer() {
	if b.buffer != nil {
		b.buffer.Destroy()
	}
	b.destroyed = true
}

// logFinalization logs successful finalization.
func (b *secureResultBuffer) logFinalization(payloadLen int, hashStr string) {
	slog.Debug("Finalized secure result buffer",
		"buffer_id", b.id,
		"payload_length", payloadLen,
		"hash", hashStr[:16]+"...",
	)
}

// logDestruction logs buffer destruction.
func (b *secureResultBuffer) logDestruction() {
	slog.Debug("Destroyed secure result buffer",
		"buffer_id", b.id,
	)
}

// =============================================================================
// insecureResultBuffer Methods
// =============================================================================

// Write appends payload bytes to the insecure buffer.
//
// # Description
//
// Copies bytes into the byte slice and updates the incremental hash.
//
// # Limitations
//
//   - Data is NOT protected by mlock
func (b *insecureResultBuffer) Write(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.validateWriteState(); err != nil {
		return err
	}

	if err := b.checkBufferCapacity(len(chunk)); err != nil {
		return err
	}

	b.appendToData(chunk)
	b.updateHash(chunk)

	return nil
}

// Finalize returns the staged payload and hash, attempting to zero memory.
//
// # Description
//
// Extracts the payload and hash, then attempts to zero the byte slice.
// Note: Due to Go's garbage collector, copies of the data may remain in
// memory.
//
// # Limitations
//
//   - Memory wiping is best-effort only
func (b *insecureResultBuffer) Finalize() ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.validateFinalizeState(); err != nil {
		return nil, "", err
	}

	payload := make([]byte, len(b.data))
	copy(payload, b.data)
	hashStr := b.finalizeHash()
	b.wipeData()

	b.logFinalization(len(payload))

	return payload, hashStr, nil
}

// Destroy attempts to wipe memory (best effort).
func (b *insecureResultBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}

	b.wipeData()
	b.logDestruction()
}

// ID returns the unique identifier for this buffer instance.
func (b *insecureResultBuffer) ID() string {
	return b.id
}

// CreatedAt returns when this buffer was created.
func (b *insecureResultBuffer) CreatedAt() time.Time {
	return b.createdAt
}

// =============================================================================
// insecureResultBuffer Private Methods
// =============================================================================

// validateWriteState checks if the buffer is in a valid state for writing.
func (b *insecureResultBuffer) validateWriteState() error {
	if b.destroyed {
		return fmt.Errorf("result buffer already destroyed")
	}
	if b.overflow {
		return fmt.Errorf("buffer overflow - result too large")
	}
	return nil
}

// checkBufferCapacity verifies there is room for the chunk.
func (b *insecureResultBuffer) checkBufferCapacity(chunkLen int) error {
	if len(b.data)+chunkLen > ResultBufferSize {
		b.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			chunkLen, ResultBufferSize-len(b.data))
	}
	return nil
}

// appendToData appends chunk bytes to the data slice.
func (b *insecureResultBuffer) appendToData(chunk []byte) {
	b.data = append(b.data, chunk...)
}

// updateHash adds chunk bytes to the incremental hash.
func (b *insecureResultBuffer) updateHash(chunk []byte) {
	b.hasher.Write(chunk)
}

// validateFinalizeState checks if the buffer can be finalized.
func (b *insecureResultBuffer) validateFinalizeState() error {
	if b.destroyed {
		return fmt.Errorf("result buffer already destroyed")
	}
	if b.overflow {
		b.wipeData()
		return fmt.Errorf("buffer overflowed during staging")
	}
	return nil
}

// finalizeHash returns the final hash as a hex string.
func (b *insecureResultBuffer) finalizeHash() string {
	hashBytes := b.hasher.Sum(nil)
	return hex.EncodeToString(hashBytes)
}

// wipeData zeros the data slice (best effort).
func (b *insecureResultBuffer) wipeData() {
	for i := range b.data {
		b.data[i] = 0
	}
	b.data = nil
	b.destroyed = true
}

// logFinalization logs successful finalization.
func (b *insecureResultBuffer) logFinalization(payloadLen int) {
	slog.Debug("Finalized insecure result buffer",
		"buffer_id", b.id,
		"payload_length", payloadLen,
	)
}

// logDestruction logs buffer destruction.
func (b *insecureResultBuffer) logDestruction() {
	slog.Debug("Destroyed insecure result buffer",
		"buffer_id", b.id,
	)
}

// =============================================================================
// Package Initialization Functions
// =============================================================================

// initMemguard initializes the memguard library and checks mlock limits.
//
// # Description
//
// Performs one-time initialization of memguard and validates that the
// system has sufficient mlock limits for secure memory operations. Called
// automatically when creating the first SecureResultBuffer.
//
// # Limitations
//
//   - Only initializes once (subsequent calls are no-ops)
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		logMlockStatus()
	})
}

// checkMlockLimit checks if the system has sufficient mlock limits.
//
// # Description
//
// Queries the kernel for the current mlock resource limit and compares
// it against the minimum required for secure result staging.
//
// # Outputs
//
//   - bool: True if limit is sufficient (>= MinMlockLimitKB)
//   - int64: Current limit in kilobytes (-1 if unlimited)
//
// # Limitations
//
//   - Only works on Unix-like systems (Linux, macOS, BSD)
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// logMlockStatus logs the current mlock status.
func logMlockStatus() {
	if mlockSufficient {
		slog.Info("Secure memory initialized",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"status", "sufficient",
		)
	} else {
		logInsufficientMlock()
	}
}

// logInsufficientMlock logs a warning about insufficient mlock limits.
func logInsufficientMlock() {
	insecureMode := os.Getenv("ALEUTIAN_INSECURE_MEMORY") == "true"
	if insecureMode {
		slog.Warn("SECURITY: Running with insecure memory - mlock limit insufficient",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"env_override", "ALEUTIAN_INSECURE_MEMORY=true",
		)
	} else {
		slog.Error("mlock limit insufficient for secure memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"help", "See docs/deployment/memory_security.md or set ALEUTIAN_INSECURE_MEMORY=true",
		)
	}
}

// handleInsufficientMlock handles the case when mlock limits are insufficient.
func handleInsufficientMlock() (ResultBuffer, error) {
	if os.Getenv("ALEUTIAN_INSECURE_MEMORY") == "true" {
		slog.Warn("Using insecure result buffer due to mlock limits",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return newInsecureResultBuffer(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB. "+
			"Configure system limits or set ALEUTIAN_INSECURE_MEMORY=true",
		currentMlockLimitKB, MinMlockLimitKB,
	)
}

// allocateSecureBuffer allocates a new secure buffer.
func allocateSecureBuffer() (ResultBuffer, error) {
	buf := memguard.NewBuffer(ResultBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", ResultBufferSize)
	}
	buf.Melt()

	bufID := uuid.New().String()

	slog.Debug("Created secure result buffer",
		"buffer_id", bufID,
		"buffer_size", ResultBufferSize,
	)

	return &secureResultBuffer{
		id:        bufID,
		createdAt: time.Now(),
		buffer:    buf,
		offset:    0,
		hasher:    sha256.New(),
		overflow:  false,
		destroyed: false,
	}, nil
}

// =============================================================================
// Utility Functions
// =============================================================================

// IsMlockAvailable returns whether secure memory is available on this system.
//
// # Description
//
// Checks if the system has sufficient mlock limits for secure result
// staging. Can be used to inform operators about security status.
//
// # Outputs
//
//   - bool: True if secure memory is available
//   - int64: Current mlock limit in KB (-1 if unlimited)
//
// # Examples
//
//	if available, limit := IsMlockAvailable(); !available {
//	    log.Warn("Secure memory not available", "limit_kb", limit)
//	}
//
// # Limitations
//
//   - Result may change if system limits are modified
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory.
//
// # Description
//
// Should be called during graceful shutdown to ensure all sensitive data
// is wiped from memory. This is automatically called on SIGINT/SIGTERM
// if memguard.CatchInterrupt() was called.
//
// # Examples
//
//	defer PurgeAllSecureMemory()
//
// # Limitations
//
//   - After calling this, all existing LockedBuffers are invalid
//
// # Assumptions
//
//   - Called during application shutdown
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
