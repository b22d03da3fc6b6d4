// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dbexec runs validated queries against the PostgreSQL data
// store. Results come back column-ordered for the masking stage, and
// server failures classify into the feedback taxonomy with their
// SQLSTATE condition name prefixed onto the error text.
package dbexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
)

// ResultSet is the column-ordered output of one read query.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Executor runs read queries over the shared pool.
//
// Thread Safety: safe for concurrent use. Each call acquires its own
// connection and pgxpool serializes the handout.
type Executor struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
	log            *logging.Logger
}

// NewExecutor wraps an existing pool, which stays caller-owned.
// acquireTimeout bounds the wait for a free connection when the pool
// is exhausted; zero waits as long as the request context allows.
func NewExecutor(pool *pgxpool.Pool, acquireTimeout time.Duration, log *logging.Logger) *Executor {
	return &Executor{pool: pool, acquireTimeout: acquireTimeout, log: log}
}

// Query executes one read query and materializes the full result.
// Callers only pass queries that already passed validation. The
// returned error is an *ExecError when the server rejected the query.
func (e *Executor) Query(ctx context.Context, query string) (*ResultSet, error) {
	start := time.Now()

	acquireCtx := ctx
	if e.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, e.acquireTimeout)
		defer cancel()
	}
	conn, err := e.pool.Acquire(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("acquire data store connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, e.failure(err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	columns := make([]string, len(fds))
	for i, fd := range fds {
		columns[i] = fd.Name
	}

	rs := &ResultSet{Columns: columns, Rows: make([][]any, 0, 16)}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, e.failure(err)
		}
		rs.Rows = append(rs.Rows, values)
	}
	// pgx defers some server errors until the rows drain.
	if err := rows.Err(); err != nil {
		return nil, e.failure(err)
	}

	e.log.Debug("query executed",
		"columns", len(rs.Columns),
		"rows", len(rs.Rows),
		"elapsed_ms", time.Since(start).Milliseconds())
	return rs, nil
}

// failure classifies and logs one failed query. Server rejections
// come back as *ExecError, infrastructure errors stay wrapped plain
// errors so the pipeline does not retry them as query mistakes.
func (e *Executor) failure(err error) error {
	classified := classify(err)

	var execErr *ExecError
	if errors.As(classified, &execErr) {
		e.log.Warn("query rejected by data store",
			"sqlstate", execErr.Code,
			"category", execErr.Category.String(),
			"error", execErr.Message)
		return execErr
	}

	e.log.Warn("query failed", "error", err.Error())
	return fmt.Errorf("execute query: %w", err)
}
