// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up
// inside storage keys or URLs. Using these validators keeps key spaces
// unambiguous (no separator characters smuggled in through an id) and
// prevents path and key injection.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// threadIDPattern matches valid conversation thread identifiers.
// Allows: letters, digits, underscores, hyphens; must start alphanumeric.
// Max length: 64 characters (UUIDs are 36).
//
// The history store builds Badger keys of the form "turn:{id}:{seq}",
// so a thread id must never contain the ":" separator.
var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateThreadID validates a conversation thread identifier before it
// is used in a storage key or a prefix scan.
//
// Valid thread ids:
//   - 1-64 characters
//   - Letters A-Z, a-z and digits 0-9
//   - Underscores (_) and hyphens (-) after the first character
//
// Server-generated ids are UUIDs and always pass. Returns an error if
// the id is invalid.
//
// Example:
//
//	if err := validation.ValidateThreadID(threadID); err != nil {
//	    c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
//	    return
//	}
//	// Safe to use in a store key
func ValidateThreadID(id string) error {
	if id == "" {
		return fmt.Errorf("thread id cannot be empty")
	}

	if !threadIDPattern.MatchString(id) {
		return fmt.Errorf("invalid thread id format: %q (must be 1-64 alphanumeric chars, underscores, or hyphens)", id)
	}

	return nil
}

// SanitizeThreadID trims surrounding whitespace and validates the
// result. Returns the trimmed id if valid, or an error if invalid.
//
// Use this for ids arriving from URLs or CLI flags, where a stray space
// would otherwise produce a confusing not-found error:
//
//	safeID, err := validation.SanitizeThreadID(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeID is trimmed and validated
func SanitizeThreadID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateThreadID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
