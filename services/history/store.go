// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history persists conversation threads and their finished turns
// in an embedded BadgerDB store.
//
// A thread is the unit the HTTP surface hands out: a uuid, timestamps,
// caller metadata, and a turn counter. Turns append under the thread with
// a monotonic sequence number and carry the full TurnResult, so the
// history endpoint can replay what the pipeline answered without
// re-running anything. Values are JSON for inspectability; keys order
// turns by zero-padded sequence so iteration follows conversation order.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/pkg/validation"
	"github.com/AleutianAI/AleutianQuery/services/pipeline"
)

const tracerName = "history"

var (
	// ErrThreadNotFound is returned when the requested thread id is not
	// in the store.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrStoreClosed is returned when operations are called on a closed
	// store.
	ErrStoreClosed = errors.New("history store is closed")
)

// Thread statuses surfaced by the threads API.
const (
	// StatusIdle marks a thread with no run in flight.
	StatusIdle = "idle"

	// StatusBusy marks a thread whose run is currently streaming.
	StatusBusy = "busy"
)

// txnRetries bounds retry of the append transaction. Concurrent appends
// to one thread conflict on the thread record; a short retry keeps them
// serializable instead of surfacing badger.ErrConflict to the caller.
const txnRetries = 3

// Thread is one conversation: an id, caller metadata, and the count of
// turns appended so far.
type Thread struct {
	// ID is the thread's uuid.
	ID string `json:"thread_id"`

	// CreatedAt is when the thread was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt advances every time a turn is appended.
	UpdatedAt time.Time `json:"updated_at"`

	// Metadata is opaque caller-supplied key/value data.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Status is the thread's run status, idle or busy.
	Status string `json:"status"`

	// TurnCount is the number of turns appended to this thread.
	TurnCount int `json:"turn_count"`
}

// TurnRecord is one finished turn as stored under its thread.
type TurnRecord struct {
	// Seq is the 1-based position of this turn within the thread.
	Seq int `json:"seq"`

	// ThreadID is the owning thread's uuid.
	ThreadID string `json:"thread_id"`

	// CreatedAt is when the turn was appended.
	CreatedAt time.Time `json:"created_at"`

	// Result is the pipeline's terminal outcome for the turn.
	Result pipeline.TurnResult `json:"result"`
}

// NewThread builds a fresh idle thread with a uuid and timestamps set.
func NewThread(metadata map[string]string) *Thread {
	now := time.Now().UTC()
	return &Thread{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
		Status:    StatusIdle,
	}
}

// Config holds configuration for the history store.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless
	// InMemory is true; created if it does not exist.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful
	// for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC. Ignored in memory mode.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before
	// GC rewrites a value log file.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: synchronous writes and a
// five-minute GC cycle at a 50% discard threshold.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk, no sync,
// no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts the service logger to BadgerDB's Logger interface.
type badgerLogger struct {
	log *logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.log.Error(fmt.Sprintf(format, args...)) }
func (l badgerLogger) Warningf(format string, args ...any) { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l badgerLogger) Infof(format string, args ...any)    { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.log.Debug(fmt.Sprintf(format, args...)) }

// Store persists threads and turn records in BadgerDB.
//
// Key layout:
//
//	thread:{thread_id}            -> Thread JSON
//	turn:{thread_id}:{seq:012d}   -> TurnRecord JSON
//
// Thread Safety: Safe for concurrent use. Badger transactions keep the
// thread record and its turn keys consistent.
type Store struct {
	db     *badger.DB
	log    *logging.Logger
	closed atomic.Bool

	gcStop chan struct{}
	gcDone chan struct{}
}

// NewStore opens the store at cfg.Path, creating the directory when
// needed, and starts the GC loop when configured.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//	log - Structured logger. Nil falls back to the process default.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close when done.
//	error - If the path is missing or the database cannot be opened.
func NewStore(cfg Config, log *logging.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent history store")
	}
	if log == nil {
		log = logging.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create history directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLogger(badgerLogger{log: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	s := &Store{db: db, log: log}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	log.Info("history store opened",
		"path", cfg.Path,
		"in_memory", cfg.InMemory,
		"sync_writes", cfg.SyncWrites,
	)
	return s, nil
}

// Close stops garbage collection and closes the database. Safe to call
// more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing needed collecting.
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn("history value log GC error", "error", err)
			}
		}
	}
}

func threadKey(id string) []byte {
	return []byte("thread:" + id)
}

func turnPrefix(threadID string) []byte {
	return []byte("turn:" + threadID + ":")
}

func turnKey(threadID string, seq int) []byte {
	return []byte(fmt.Sprintf("turn:%s:%012d", threadID, seq))
}

// PutThread writes a thread record, overwriting any previous version.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	t - The thread to store. Must have a valid ID; NewThread ids
//	    always qualify.
//
// Outputs:
//
//	error - Non-nil if the store is closed, the id is invalid, or the
//	    write fails.
func (s *Store) PutThread(ctx context.Context, t *Thread) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if t == nil {
		return errors.New("thread must not be nil")
	}
	// Thread ids become key segments; an id carrying the ":" separator
	// could alias another thread's turn prefix.
	if err := validation.ValidateThreadID(t.ID); err != nil {
		return err
	}

	_, span := otel.Tracer(tracerName).Start(ctx, "history.PutThread",
		trace.WithAttributes(attribute.String("thread_id", t.ID)))
	defer span.End()

	err := s.db.Update(func(txn *badger.Txn) error {
		return putThreadTxn(txn, t)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("put thread %s: %w", t.ID, err)
	}
	return nil
}

// GetThread returns the thread with the given id.
//
// Outputs:
//
//	*Thread - The stored thread.
//	error - ErrThreadNotFound if the id is unknown.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	_, span := otel.Tracer(tracerName).Start(ctx, "history.GetThread",
		trace.WithAttributes(attribute.String("thread_id", id)))
	defer span.End()

	var thread *Thread
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		thread, err = getThreadTxn(txn, id)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return thread, nil
}

// ListThreads returns threads ordered by most recent activity.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	limit - Maximum threads to return. Zero or negative means all.
//
// Outputs:
//
//	[]*Thread - Threads sorted by UpdatedAt, newest first.
//	error - Non-nil if the store is closed or a record fails to decode.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]*Thread, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	_, span := otel.Tracer(tracerName).Start(ctx, "history.ListThreads")
	defer span.End()

	var threads []*Thread
	prefix := []byte("thread:")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var t Thread
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			})
			if err != nil {
				return fmt.Errorf("decode thread record: %w", err)
			}
			threads = append(threads, &t)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	sort.Slice(threads, func(i, j int) bool {
		if !threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
		}
		return threads[i].ID < threads[j].ID
	})
	if limit > 0 && len(threads) > limit {
		threads = threads[:limit]
	}

	span.SetAttributes(attribute.Int("thread_count", len(threads)))
	return threads, nil
}

// DeleteThread removes a thread and every turn stored under it.
//
// Outputs:
//
//	error - ErrThreadNotFound if the id is unknown.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	_, span := otel.Tracer(tracerName).Start(ctx, "history.DeleteThread",
		trace.WithAttributes(attribute.String("thread_id", id)))
	defer span.End()

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := getThreadTxn(txn, id); err != nil {
			return err
		}
		if err := txn.Delete(threadKey(id)); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := turnPrefix(id)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// AppendTurn stores a finished turn under the thread and advances the
// thread's turn counter and UpdatedAt in the same transaction.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	threadID - The owning thread. Must exist.
//	result - The pipeline's terminal outcome. Must not be nil.
//
// Outputs:
//
//	*TurnRecord - The stored record with its assigned sequence number.
//	error - ErrThreadNotFound if the thread is unknown.
func (s *Store) AppendTurn(ctx context.Context, threadID string, result *pipeline.TurnResult) (*TurnRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("turn result must not be nil")
	}

	_, span := otel.Tracer(tracerName).Start(ctx, "history.AppendTurn",
		trace.WithAttributes(attribute.String("thread_id", threadID)))
	defer span.End()

	now := time.Now().UTC()
	var rec *TurnRecord
	var err error
	for attempt := 0; attempt < txnRetries; attempt++ {
		rec, err = s.appendTurnOnce(threadID, result, now)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("seq", rec.Seq))
	s.log.Debug("turn appended",
		"thread_id", threadID,
		"seq", rec.Seq,
		"phase", rec.Result.Phase.String(),
	)
	return rec, nil
}

func (s *Store) appendTurnOnce(threadID string, result *pipeline.TurnResult, now time.Time) (*TurnRecord, error) {
	var rec *TurnRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		thread, err := getThreadTxn(txn, threadID)
		if err != nil {
			return err
		}

		seq := thread.TurnCount + 1
		rec = &TurnRecord{
			Seq:       seq,
			ThreadID:  threadID,
			CreatedAt: now,
			Result:    *result,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode turn record: %w", err)
		}
		if err := txn.Set(turnKey(threadID, seq), data); err != nil {
			return err
		}

		thread.TurnCount = seq
		thread.UpdatedAt = now
		return putThreadTxn(txn, thread)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Turns returns a thread's turn records, newest first.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	threadID - The owning thread. Must exist.
//	limit - Maximum records to return. Zero or negative means all.
//
// Outputs:
//
//	[]*TurnRecord - Records ordered by sequence number, newest first.
//	error - ErrThreadNotFound if the thread is unknown.
func (s *Store) Turns(ctx context.Context, threadID string, limit int) ([]*TurnRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	_, span := otel.Tracer(tracerName).Start(ctx, "history.Turns",
		trace.WithAttributes(attribute.String("thread_id", threadID)))
	defer span.End()

	var records []*TurnRecord
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getThreadTxn(txn, threadID); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the highest zero-padded sequence for this thread.
		prefix := turnPrefix(threadID)
		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec TurnRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode turn record: %w", err)
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("turn_count", len(records)))
	return records, nil
}

// ready rejects operations on a closed store or a done context.
func (s *Store) ready(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return ctx.Err()
}

func getThreadTxn(txn *badger.Txn, id string) (*Thread, error) {
	item, err := txn.Get(threadKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var thread Thread
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &thread)
	})
	if err != nil {
		return nil, fmt.Errorf("decode thread record: %w", err)
	}
	return &thread, nil
}

func putThreadTxn(txn *badger.Txn, t *Thread) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode thread record: %w", err)
	}
	return txn.Set(threadKey(t.ID), data)
}
