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
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianQuery/services/pipeline"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ServiceName identifies the gateway in /info responses and logs.
	ServiceName = "aleutian-query"

	// ServiceVersion is reported by /info and /health.
	ServiceVersion = "0.9.0"
)

// =============================================================================
// Runner Contract
// =============================================================================

// TurnRunner runs one query pipeline turn for a user question.
//
// # Description
//
// TurnRunner is the gateway's view of the pipeline controller. Handlers
// depend on this interface rather than the concrete controller so tests
// can substitute a scripted runner and enterprise builds can wrap the
// controller with additional policy layers.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the gateway runs
// turns for different threads in parallel.
type TurnRunner interface {
	// Run executes a turn to completion and returns the terminal result.
	Run(ctx context.Context, question string) (*pipeline.TurnResult, error)

	// RunWithEvents executes a turn and invokes handler for every phase
	// transition before returning the terminal result. The handler is
	// called from the pipeline goroutine and must not block for long.
	RunWithEvents(ctx context.Context, question string, handler func(pipeline.PhaseEvent)) (*pipeline.TurnResult, error)
}

// The pipeline controller is the production TurnRunner.
var _ TurnRunner = (*pipeline.Controller)(nil)

// =============================================================================
// Info and Health Handlers
// =============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// InfoResponse is the body of GET /info.
type InfoResponse struct {
	Service      string `json:"service"`
	Version      string `json:"version"`
	SecureMemory bool   `json:"secure_memory"`
}

// HealthCheck handles GET /health.
//
// # Description
//
// Returns the health status of the service. Always returns 200 if the
// process is serving requests; readiness of downstream dependencies is
// not checked here.
//
// # Outputs
//
//	200 OK: HealthResponse
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// Info handles GET /info.
//
// # Description
//
// Returns service identity plus whether result payloads are staged in
// mlocked memory on this host, so operators can verify the secure
// memory configuration without reading logs.
//
// # Outputs
//
//	200 OK: InfoResponse
func Info(c *gin.Context) {
	secure, _ := IsMlockAvailable()
	c.JSON(http.StatusOK, InfoResponse{
		Service:      ServiceName,
		Version:      ServiceVersion,
		SecureMemory: secure,
	})
}
