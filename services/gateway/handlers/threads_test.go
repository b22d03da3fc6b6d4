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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuery/services/dbexec"
	"github.com/AleutianAI/AleutianQuery/services/history"
	"github.com/AleutianAI/AleutianQuery/services/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Helpers
// =============================================================================

// newTestStore opens an in-memory history store scoped to the test.
func newTestStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.NewStore(history.InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newThreadsRouter wires the thread handlers the way the gateway routes do.
func newThreadsRouter(store *history.Store) *gin.Engine {
	router := gin.New()
	router.POST("/threads", CreateThread(store))
	router.GET("/threads", ListThreads(store))
	router.GET("/threads/:threadId", GetThread(store))
	router.POST("/threads/:threadId/history", ThreadHistory(store))
	router.DELETE("/threads/:threadId", DeleteThread(store))
	return router
}

// sampleTurnResult builds a finished SQL turn for seeding history.
func sampleTurnResult(question string) *pipeline.TurnResult {
	return &pipeline.TurnResult{
		Question: question,
		Intent:   pipeline.IntentSQL,
		Phase:    pipeline.PhaseSuccess,
		Mode:     pipeline.ModeNormal,
		SQL:      `SELECT count(*) FROM customers`,
		Answer:   "There are 122 customers.",
		Rows: &dbexec.ResultSet{
			Columns: []string{"count"},
			Rows:    [][]any{{int64(122)}},
		},
		SynthCalls: 1,
	}
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// CreateThread Tests
// =============================================================================

func TestCreateThread(t *testing.T) {
	t.Run("empty body creates an idle thread", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		w := doJSON(t, router, "POST", "/threads", nil)
		require.Equal(t, http.StatusCreated, w.Code)

		var thread history.Thread
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &thread))
		assert.NotEmpty(t, thread.ID)
		assert.Equal(t, history.StatusIdle, thread.Status)
		assert.Zero(t, thread.TurnCount)
	})

	t.Run("metadata is stored with the thread", func(t *testing.T) {
		store := newTestStore(t)
		router := newThreadsRouter(store)

		w := doJSON(t, router, "POST", "/threads", map[string]any{
			"metadata": map[string]string{"channel": "dashboard", "team": "finance"},
		})
		require.Equal(t, http.StatusCreated, w.Code)

		var thread history.Thread
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &thread))
		assert.Equal(t, "dashboard", thread.Metadata["channel"])

		stored, err := store.GetThread(context.Background(), thread.ID)
		require.NoError(t, err)
		assert.Equal(t, "finance", stored.Metadata["team"])
	})

	t.Run("oversized metadata is rejected", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		metadata := make(map[string]string)
		for i := 0; i <= 16; i++ {
			metadata[string(rune('a'+i))] = "v"
		}
		w := doJSON(t, router, "POST", "/threads", map[string]any{"metadata": metadata})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "validation failed")
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		req, err := http.NewRequest("POST", "/threads", bytes.NewReader([]byte(`{"metadata": 42}`)))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid request body")
	})
}

// =============================================================================
// ListThreads Tests
// =============================================================================

func TestListThreads(t *testing.T) {
	t.Run("empty store returns an empty list", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		w := doJSON(t, router, "GET", "/threads", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Threads []history.Thread `json:"threads"`
			Count   int              `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Zero(t, resp.Count)
		assert.Empty(t, resp.Threads)
	})

	t.Run("returns all created threads", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		for i := 0; i < 3; i++ {
			w := doJSON(t, router, "POST", "/threads", nil)
			require.Equal(t, http.StatusCreated, w.Code)
		}

		w := doJSON(t, router, "GET", "/threads", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Threads []history.Thread `json:"threads"`
			Count   int              `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Count)
	})

	t.Run("limit caps the result count", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		for i := 0; i < 3; i++ {
			doJSON(t, router, "POST", "/threads", nil)
		}

		w := doJSON(t, router, "GET", "/threads?limit=2", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("negative limit is rejected", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		w := doJSON(t, router, "GET", "/threads?limit=-1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("non-numeric limit is rejected", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		w := doJSON(t, router, "GET", "/threads?limit=abc", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

// =============================================================================
// GetThread Tests
// =============================================================================

func TestGetThread(t *testing.T) {
	t.Run("unknown id returns 404", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		w := doJSON(t, router, "GET", "/threads/no-such-thread", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "thread not found")
	})

	t.Run("malformed id returns 400", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		// A ":" inside an id could alias another thread's key prefix.
		w := doJSON(t, router, "GET", "/threads/bad:id", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid thread id")
	})

	t.Run("returns the stored thread", func(t *testing.T) {
		store := newTestStore(t)
		router := newThreadsRouter(store)

		thread := history.NewThread(map[string]string{"channel": "repl"})
		require.NoError(t, store.PutThread(context.Background(), thread))

		w := doJSON(t, router, "GET", "/threads/"+thread.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var got history.Thread
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, thread.ID, got.ID)
		assert.Equal(t, "repl", got.Metadata["channel"])
	})
}

// =============================================================================
// ThreadHistory Tests
// =============================================================================

func TestThreadHistory(t *testing.T) {
	t.Run("unknown thread returns 404", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		w := doJSON(t, router, "POST", "/threads/no-such-thread/history", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("empty body returns turns newest first", func(t *testing.T) {
		store := newTestStore(t)
		router := newThreadsRouter(store)
		ctx := context.Background()

		thread := history.NewThread(nil)
		require.NoError(t, store.PutThread(ctx, thread))
		_, err := store.AppendTurn(ctx, thread.ID, sampleTurnResult("How many customers are there?"))
		require.NoError(t, err)
		_, err = store.AppendTurn(ctx, thread.ID, sampleTurnResult("Which country has the most?"))
		require.NoError(t, err)

		w := doJSON(t, router, "POST", "/threads/"+thread.ID+"/history", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			ThreadID string               `json:"thread_id"`
			Turns    []history.TurnRecord `json:"turns"`
			Count    int                  `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, thread.ID, resp.ThreadID)
		require.Equal(t, 2, resp.Count)
		assert.Equal(t, 2, resp.Turns[0].Seq)
		assert.Equal(t, "Which country has the most?", resp.Turns[0].Result.Question)
		assert.Equal(t, 1, resp.Turns[1].Seq)
	})

	t.Run("limit bounds the page", func(t *testing.T) {
		store := newTestStore(t)
		router := newThreadsRouter(store)
		ctx := context.Background()

		thread := history.NewThread(nil)
		require.NoError(t, store.PutThread(ctx, thread))
		for i := 0; i < 3; i++ {
			_, err := store.AppendTurn(ctx, thread.ID, sampleTurnResult("q"))
			require.NoError(t, err)
		}

		w := doJSON(t, router, "POST", "/threads/"+thread.ID+"/history", map[string]any{"limit": 1})
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Turns []history.TurnRecord `json:"turns"`
			Count int                  `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, 3, resp.Turns[0].Seq)
	})

	t.Run("limit above the maximum is rejected", func(t *testing.T) {
		store := newTestStore(t)
		router := newThreadsRouter(store)

		thread := history.NewThread(nil)
		require.NoError(t, store.PutThread(context.Background(), thread))

		w := doJSON(t, router, "POST", "/threads/"+thread.ID+"/history", map[string]any{"limit": 1001})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

// =============================================================================
// DeleteThread Tests
// =============================================================================

func TestDeleteThread(t *testing.T) {
	t.Run("unknown id returns 404", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		w := doJSON(t, router, "DELETE", "/threads/no-such-thread", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id returns 400", func(t *testing.T) {
		router := newThreadsRouter(newTestStore(t))

		w := doJSON(t, router, "DELETE", "/threads/bad:id", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("removes the thread and its turns", func(t *testing.T) {
		store := newTestStore(t)
		router := newThreadsRouter(store)
		ctx := context.Background()

		thread := history.NewThread(nil)
		require.NoError(t, store.PutThread(ctx, thread))
		_, err := store.AppendTurn(ctx, thread.ID, sampleTurnResult("q"))
		require.NoError(t, err)

		w := doJSON(t, router, "DELETE", "/threads/"+thread.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), thread.ID)
		assert.Contains(t, w.Body.String(), "success")

		w = doJSON(t, router, "GET", "/threads/"+thread.ID, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
