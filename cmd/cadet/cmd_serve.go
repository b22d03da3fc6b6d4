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
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/services/gateway"
)

// runServe starts the same gateway queryd runs, for workstations where
// one binary is easier to carry than two.
func runServe(cmd *cobra.Command, args []string) {
	// Server logs are JSON on stdout, matching queryd.
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(slogger)

	deps, err := buildDeps(context.Background(), logging.Config{
		Level:   logging.LevelInfo,
		Service: "cadet",
		JSON:    true,
	})
	if err != nil {
		log.Fatalf("Failed to build the query pipeline: %v", err)
	}
	defer deps.Close()

	cfg := gateway.Config{
		Port:         getEnvInt("QUERYD_PORT", 12310),
		OTelEndpoint: getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
	}

	svc, err := gateway.New(cfg, gateway.Dependencies{
		Runner:  deps.Controller,
		History: deps.Store,
		Schema:  deps.Provider,
		Log:     deps.Log,
	})
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	slog.Info("Starting gateway", "port", cfg.Port)

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Gateway error: %v", err)
	}
}
