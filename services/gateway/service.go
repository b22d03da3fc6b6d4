// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway provides the HTTP service for AleutianQuery.
//
// The gateway exposes thread lifecycle endpoints, the streaming run
// endpoint (SSE and websocket), schema administration, and the health
// and metrics probes. It wires OpenTelemetry tracing and Prometheus
// metrics around the pipeline but never runs turns itself: the pipeline
// controller is injected as a handlers.TurnRunner.
//
// # Enterprise Integration
//
// The gateway supports dependency injection via extensions.ServiceOptions,
// enabling AleutianEnterprise to provide custom implementations of:
//   - AuthProvider: Custom authentication (JWT, API keys)
//   - AuthzProvider: Role-based access control
//   - AuditLogger: Compliance audit logging
//   - MessageFilter: Question and answer filtering, PII redaction
//
// # Usage
//
// Open source (uses no-op defaults):
//
//	store, _ := history.NewStore(history.DefaultConfig("./data/history"), nil)
//	controller, _ := pipeline.New(client, provider, executor, nil, pipeline.Config{})
//	svc, err := gateway.New(gateway.Config{Port: 12310}, gateway.Dependencies{
//	    Runner:  controller,
//	    History: store,
//	    Schema:  provider,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// Enterprise (with custom implementations):
//
//	opts := &extensions.ServiceOptions{
//	    AuthProvider: enterpriseAuth,
//	    AuditLogger:  enterpriseAudit,
//	}
//	svc, err := gateway.New(cfg, gateway.Dependencies{
//	    Runner:  controller,
//	    History: store,
//	    Options: opts,
//	})
//
// # Import Path
//
// Enterprise imports this package as:
//
//	import "github.com/AleutianAI/AleutianQuery/services/gateway"
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/services/gateway/handlers"
	"github.com/AleutianAI/AleutianQuery/services/gateway/observability"
	"github.com/AleutianAI/AleutianQuery/services/gateway/routes"
	"github.com/AleutianAI/AleutianQuery/services/history"
	"github.com/AleutianAI/AleutianQuery/services/schema"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the gateway service.
//
// # Description
//
// Service abstracts the gateway lifecycle, enabling testing and
// alternative implementations. Only essential lifecycle methods are
// exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
//
// # Limitations
//
//   - No graceful shutdown method yet (planned for future)
//   - Run() blocks until server error
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
//   - Run() is called at most once per Service instance
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	//
	// # Outputs
	//
	//   - error: Non-nil if the server fails to start or encounters a
	//     fatal error
	Run() error

	// Router returns the underlying Gin engine for testing.
	//
	// # Outputs
	//
	//   - *gin.Engine: The configured router with all routes registered
	//
	// # Assumptions
	//
	//   - Caller will not modify the router
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds gateway configuration options.
//
// # Description
//
// Config centralizes the server-level configuration for the gateway.
// Values can be populated from environment variables, config files, or
// programmatically for testing. Domain collaborators (pipeline, store,
// schema provider) are injected separately through Dependencies.
//
// # Required Fields
//
// None - all fields have sensible defaults.
//
// # Examples
//
//	// Minimal config (uses all defaults)
//	cfg := Config{}
//
//	// Custom port
//	cfg := Config{Port: 8080}
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics enables Prometheus metrics registration.
	// Default: true
	EnableMetrics bool

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string
}

// Dependencies carries the domain collaborators the gateway serves.
//
// # Description
//
// The entrypoint constructs these from environment configuration
// (cmd/queryd, cmd/cadet serve); the gateway adds the HTTP surface and
// observability around them. The gateway does not own the lifecycle of
// injected dependencies: whoever built the store or the pool closes it.
//
// # Required Fields
//
//   - Runner: pipeline turn execution
//   - History: thread and turn persistence
//
// # Optional Fields
//
//   - Schema: when nil, the schema reload endpoint is not registered
//   - Log: nil falls back to the process default logger
//   - Options: nil uses the no-op extension defaults
type Dependencies struct {
	// Runner executes pipeline turns. Required.
	Runner handlers.TurnRunner

	// History persists threads and turn records. Required.
	History *history.Store

	// Schema serves descriptor snapshots and the explicit reload
	// signal. Optional.
	Schema schema.Provider

	// Log is the structured logger. Optional.
	Log *logging.Logger

	// Options carries enterprise extension points. Optional.
	Options *extensions.ServiceOptions
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config        Config
	deps          Dependencies
	opts          extensions.ServiceOptions
	router        *gin.Engine
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new gateway Service with the given configuration.
//
// # Description
//
// New initializes the gateway components:
//  1. Applies default configuration for missing values
//  2. Validates the injected dependencies
//  3. Initializes OpenTelemetry tracing
//  4. Initializes Prometheus metrics
//  5. Sets up HTTP routes with extension options
//
// If deps.Options is nil, extensions.DefaultOptions() is used (no-op
// implementations).
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - deps: Domain collaborators. Runner and History are required.
//
// # Outputs
//
//   - Service: Ready-to-run gateway service
//   - error: Non-nil if a required dependency is missing or tracer
//     initialization fails
//
// # Limitations
//
//   - InitMetrics registers on the default Prometheus registry and must
//     run at most once per process
//
// # Assumptions
//
//   - The OTel collector is reachable at the configured endpoint
func New(cfg Config, deps Dependencies) (Service, error) {
	if deps.Runner == nil {
		return nil, fmt.Errorf("gateway requires a pipeline runner")
	}
	if deps.History == nil {
		return nil, fmt.Errorf("gateway requires a history store")
	}
	if deps.Log == nil {
		deps.Log = logging.Default()
	}

	s := &service{
		config: applyConfigDefaults(cfg),
		deps:   deps,
	}

	// Apply extension options (use defaults if nil)
	if deps.Options != nil {
		s.opts = *deps.Options
	} else {
		s.opts = extensions.DefaultOptions()
	}

	// Initialize OpenTelemetry tracer
	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	// Initialize Prometheus metrics
	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for the query pipeline")
	}

	// Setup HTTP router
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
//
// Cleanup of gateway-owned resources (the tracer) is automatic on
// return. Injected dependencies stay with the entrypoint that built
// them.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting gateway server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	// EnableMetrics defaults to true (zero value is false, so we need explicit check)
	// We'll handle this by always enabling unless explicitly disabled via a setter
	cfg.EnableMetrics = true

	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up the OTLP trace exporter to send spans to the configured
// collector.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
//
// # Assumptions
//
//   - OTel collector is reachable at configured endpoint
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("aleutian-query-gateway")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initRouter sets up the Gin HTTP router with all routes.
//
// # Description
//
// Creates the Gin engine, applies middleware, and registers all routes.
// ServiceOptions are passed through to enable enterprise extensions.
//
// # Assumptions
//
//   - All injected dependencies are validated
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("aleutian-query-gateway"))

	routes.SetupRoutes(s.router, s.deps.Runner, s.deps.History, s.deps.Schema, s.opts)
}

// cleanup releases resources the gateway itself constructed.
func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
