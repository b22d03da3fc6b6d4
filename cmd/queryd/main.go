// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command queryd starts the AleutianQuery gateway HTTP server.
//
// This is the main entry point for the containerized query service. It
// reads configuration from environment variables, loads the schema
// descriptor, opens the history store, connects to Postgres and the
// configured LLM backend, and serves the thread and run endpoints.
//
// # Environment Variables
//
//   - QUERYD_PORT: HTTP server port (default: 12310)
//   - LLM_BACKEND_TYPE: LLM provider - openai, ollama, claude (default: ollama)
//   - DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME: Postgres connection
//   - SCHEMA_INFO_PATH: schema descriptor JSON (default: schema_info.json)
//   - HISTORY_DB_PATH: BadgerDB directory for threads (default: aleutian_history)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o queryd ./cmd/queryd
//
//	# Run
//	./queryd
//
//	# Or via container
//	podman-compose up queryd
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/services/dbexec"
	"github.com/AleutianAI/AleutianQuery/services/gateway"
	"github.com/AleutianAI/AleutianQuery/services/history"
	"github.com/AleutianAI/AleutianQuery/services/llm"
	"github.com/AleutianAI/AleutianQuery/services/pipeline"
	"github.com/AleutianAI/AleutianQuery/services/schema"
)

func main() {
	// Setup structured logging
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(slogger)

	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "queryd",
		JSON:    true,
	})

	// Build configuration from environment variables
	cfg := gateway.Config{
		Port:         getEnvInt("QUERYD_PORT", 12310),
		OTelEndpoint: getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
	}

	slog.Info("Starting queryd",
		"port", cfg.Port,
		"llm_backend", getEnvString("LLM_BACKEND_TYPE", "ollama"),
	)

	provider, err := schema.NewFileProvider(getEnvString("SCHEMA_INFO_PATH", "schema_info.json"), logger)
	if err != nil {
		log.Fatalf("Failed to load schema descriptor: %v", err)
	}

	store, err := history.NewStore(history.DefaultConfig(getEnvString("HISTORY_DB_PATH", "aleutian_history")), logger)
	if err != nil {
		log.Fatalf("Failed to open history store: %v", err)
	}

	client, err := llm.NewFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize LLM backend: %v", err)
	}

	dbCfg := dbexec.ConfigFromEnv()
	pool, err := dbexec.NewPool(context.Background(), dbCfg, logger)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	executor := dbexec.NewExecutor(pool, dbCfg.AcquireTimeout, logger)

	controller, err := pipeline.New(client, provider, executor, logger, pipeline.Config{})
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	// Create the gateway with default (no-op) extension options.
	// Enterprise builds will pass custom ServiceOptions here.
	svc, err := gateway.New(cfg, gateway.Dependencies{
		Runner:  controller,
		History: store,
		Schema:  provider,
		Log:     logger,
	})
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Gateway error: %v", err)
	}
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
