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
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianQuery/pkg/validation"
	"github.com/AleutianAI/AleutianQuery/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/history"
)

// CreateThread handles POST /threads.
//
// Creates a new conversation thread with optional client metadata and
// persists it in the history store. The thread starts idle with a zero
// turn count.
//
// Responses:
//
//	201 Created: the stored thread
//	400 Bad Request: malformed body or metadata over limits
//	500 Internal Server Error: store write failed
func CreateThread(store *history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateThreadRequest
		// An empty body is a valid request for a thread without metadata.
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			slog.Error("Failed to parse create thread request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			slog.Error("Create thread validation failed", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
			return
		}

		thread := history.NewThread(req.Metadata)
		if err := store.PutThread(c.Request.Context(), thread); err != nil {
			slog.Error("Failed to persist new thread", "error", err, "threadId", thread.ID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create thread"})
			return
		}

		slog.Info("Created thread", "threadId", thread.ID)
		c.JSON(http.StatusCreated, thread)
	}
}

// ListThreads handles GET /threads.
//
// Returns stored threads ordered by most recent activity. The optional
// "limit" query parameter caps the result count; zero means all.
//
// Responses:
//
//	200 OK: {"threads": [...], "count": n}
//	400 Bad Request: non-numeric limit
//	500 Internal Server Error: store read failed
func ListThreads(store *history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = parsed
		}

		threads, err := store.ListThreads(c.Request.Context(), limit)
		if err != nil {
			slog.Error("Failed to list threads", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list threads"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"threads": threads,
			"count":   len(threads),
		})
	}
}

// GetThread handles GET /threads/:threadId.
//
// Responses:
//
//	200 OK: the stored thread
//	400 Bad Request: malformed thread id
//	404 Not Found: unknown thread id
//	500 Internal Server Error: store read failed
func GetThread(store *history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		threadID, err := validation.SanitizeThreadID(c.Param("threadId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
			return
		}

		thread, err := store.GetThread(c.Request.Context(), threadID)
		if err != nil {
			if errors.Is(err, history.ErrThreadNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
				return
			}
			slog.Error("Failed to load thread", "error", err, "threadId", threadID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
			return
		}

		c.JSON(http.StatusOK, thread)
	}
}

// ThreadHistory handles POST /threads/:threadId/history.
//
// Returns the thread's turn records, newest first. The body carries an
// optional limit; a zero limit defaults to DefaultHistoryLimit.
//
// Responses:
//
//	200 OK: {"thread_id": ..., "turns": [...], "count": n}
//	400 Bad Request: malformed thread id, body, or limit out of bounds
//	404 Not Found: unknown thread id
//	500 Internal Server Error: store read failed
func ThreadHistory(store *history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		threadID, err := validation.SanitizeThreadID(c.Param("threadId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
			return
		}

		var req datatypes.HistoryRequest
		// An empty body means default paging.
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			slog.Error("Failed to parse history request", "error", err, "threadId", threadID)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
			return
		}
		req.EnsureDefaults()

		turns, err := store.Turns(c.Request.Context(), threadID, req.Limit)
		if err != nil {
			if errors.Is(err, history.ErrThreadNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
				return
			}
			slog.Error("Failed to load thread history", "error", err, "threadId", threadID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"thread_id": threadID,
			"turns":     turns,
			"count":     len(turns),
		})
	}
}

// DeleteThread handles DELETE /threads/:threadId.
//
// Removes the thread record and all of its turn records.
//
// Responses:
//
//	200 OK: {"status": "success", "deleted_thread_id": ...}
//	400 Bad Request: malformed thread id
//	404 Not Found: unknown thread id
//	500 Internal Server Error: store delete failed
func DeleteThread(store *history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		threadID, err := validation.SanitizeThreadID(c.Param("threadId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
			return
		}
		slog.Info("Received a request to delete a thread", "threadId", threadID)

		if err := store.DeleteThread(c.Request.Context(), threadID); err != nil {
			if errors.Is(err, history.ErrThreadNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
				return
			}
			slog.Error("Failed to delete thread", "error", err, "threadId", threadID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fully delete thread"})
			return
		}

		slog.Info("Successfully deleted all data for thread", "threadId", threadID)
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_thread_id": threadID})
	}
}
