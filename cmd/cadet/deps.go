// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/services/dbexec"
	"github.com/AleutianAI/AleutianQuery/services/history"
	"github.com/AleutianAI/AleutianQuery/services/llm"
	"github.com/AleutianAI/AleutianQuery/services/pipeline"
	"github.com/AleutianAI/AleutianQuery/services/schema"
)

const (
	defaultSchemaPath  = "schema_info.json"
	defaultHistoryPath = "aleutian_history"
)

// cadetDeps bundles everything a locally-constructed pipeline needs.
// Close releases the store, the pool, and the logger; the order matters
// because the store logs while shutting down.
type cadetDeps struct {
	Log        *logging.Logger
	Provider   *schema.FileProvider
	Store      *history.Store
	Pool       *pgxpool.Pool
	Controller *pipeline.Controller
}

// Close releases every resource buildDeps opened. Safe to call once.
func (d *cadetDeps) Close() {
	if d.Store != nil {
		_ = d.Store.Close()
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
	if d.Log != nil {
		_ = d.Log.Close()
	}
}

// buildDeps constructs the full local pipeline from environment
// configuration: schema descriptor, history store, LLM backend,
// Postgres pool, and the turn controller.
//
// With logCfg.Quiet set, the process default slog is routed through
// the same logger, so backend construction noise cannot corrupt the
// interactive display.
func buildDeps(ctx context.Context, logCfg logging.Config) (*cadetDeps, error) {
	logger := logging.New(logCfg)
	if logCfg.Quiet {
		slog.SetDefault(logger.Slog())
	}

	fail := func(d *cadetDeps, err error) (*cadetDeps, error) {
		d.Close()
		return nil, err
	}
	deps := &cadetDeps{Log: logger}

	provider, err := schema.NewFileProvider(schemaInfoPath(), logger)
	if err != nil {
		return fail(deps, fmt.Errorf("load schema descriptor: %w", err))
	}
	deps.Provider = provider

	store, err := history.NewStore(history.DefaultConfig(historyDBPath()), logger)
	if err != nil {
		return fail(deps, fmt.Errorf("open history store: %w", err))
	}
	deps.Store = store

	client, err := llm.NewFromEnv()
	if err != nil {
		return fail(deps, fmt.Errorf("initialize LLM backend: %w", err))
	}

	dbCfg := dbexec.ConfigFromEnv()
	pool, err := dbexec.NewPool(ctx, dbCfg, logger)
	if err != nil {
		return fail(deps, fmt.Errorf("connect to Postgres: %w", err))
	}
	deps.Pool = pool

	executor := dbexec.NewExecutor(pool, dbCfg.AcquireTimeout, logger)
	controller, err := pipeline.New(client, provider, executor, logger, pipeline.Config{})
	if err != nil {
		return fail(deps, fmt.Errorf("create pipeline: %w", err))
	}
	deps.Controller = controller

	return deps, nil
}

func schemaInfoPath() string {
	return getEnvString("SCHEMA_INFO_PATH", defaultSchemaPath)
}

func historyDBPath() string {
	return getEnvString("HISTORY_DB_PATH", defaultHistoryPath)
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
