// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the query gateway.
//
// Metrics cover the full lifecycle of a query turn as seen from the HTTP
// surface: request outcomes, stream health, pipeline effort (attempts and
// synthesis calls), and schema reloads. All metrics live under the
// "aleutian_query" prefix so dashboards can select them with a single
// namespace match.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian"
	querySubsystem   = "query"
)

// ErrorCode identifies categories of gateway errors for metrics labels.
type ErrorCode string

// Error codes for the errors_total metric.
const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodePolicyViolation  ErrorCode = "policy_violation"
	ErrorCodeAuthzDenied      ErrorCode = "authz_denied"
	ErrorCodePipelineError    ErrorCode = "pipeline_error"
	ErrorCodeHistoryError     ErrorCode = "history_error"
	ErrorCodeSchemaError      ErrorCode = "schema_error"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// Endpoint identifies gateway endpoints for metrics labels.
type Endpoint string

// Endpoints that report metrics.
const (
	EndpointRunStream Endpoint = "run_stream"
	EndpointThreadWS  Endpoint = "thread_ws"
	EndpointThreads   Endpoint = "threads"
	EndpointSchema    Endpoint = "schema"
)

// QueryMetrics holds all Prometheus metrics for the gateway.
//
// Use InitMetrics() once at service startup to create and register the
// metrics, then record through the helper methods. Handlers should treat
// the package-level DefaultMetrics as optional: a nil value means metrics
// are disabled and recording is skipped.
type QueryMetrics struct {
	// RequestsTotal counts requests by endpoint and terminal status.
	RequestsTotal *prometheus.CounterVec

	// TurnsTotal counts completed pipeline turns by intent and phase.
	// The phase label is the terminal phase, SUCCESS or FAILURE.
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds observes wall-clock turn duration.
	TurnDurationSeconds *prometheus.HistogramVec

	// TimeToFirstPhaseSeconds observes the delay between accepting a
	// request and emitting the first phase event on the stream.
	TimeToFirstPhaseSeconds *prometheus.HistogramVec

	// SynthCallsPerTurn observes how many LLM synthesis calls a turn used.
	SynthCallsPerTurn prometheus.Histogram

	// AttemptsPerTurn observes how many generation attempts a turn used
	// across both normal and fallback mode.
	AttemptsPerTurn prometheus.Histogram

	// FallbacksTotal counts turns that entered fallback mode.
	FallbacksTotal prometheus.Counter

	// ActiveStreams tracks currently open streaming connections.
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by endpoint and error code.
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent on streams.
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts clients that dropped mid-stream.
	ClientDisconnectsTotal *prometheus.CounterVec

	// SchemaReloadsTotal counts schema reload requests by status.
	SchemaReloadsTotal *prometheus.CounterVec
}

// DefaultMetrics is the package-level metrics instance.
//
// Nil until InitMetrics() is called. Handlers nil-check before recording
// so the gateway runs cleanly with metrics disabled.
var DefaultMetrics *QueryMetrics

// InitMetrics creates and registers all gateway metrics with the default
// Prometheus registry and stores the result in DefaultMetrics.
//
// Call exactly once at startup. promauto panics on duplicate registration,
// so calling twice in one process is a programming error.
func InitMetrics() *QueryMetrics {
	m := &QueryMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "requests_total",
				Help:      "Total gateway requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "turns_total",
				Help:      "Completed pipeline turns by intent and terminal phase",
			},
			[]string{"intent", "phase"},
		),
		TurnDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "turn_duration_seconds",
				Help:      "Wall-clock duration of a pipeline turn in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),
		TimeToFirstPhaseSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "time_to_first_phase_seconds",
				Help:      "Time from request accept to first phase event in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),
		SynthCallsPerTurn: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "synth_calls_per_turn",
				Help:      "LLM synthesis calls consumed by a turn",
				Buckets:   []float64{1, 2, 3, 4, 5, 6},
			},
		),
		AttemptsPerTurn: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "attempts_per_turn",
				Help:      "Generation attempts consumed by a turn",
				Buckets:   []float64{1, 2, 3, 4, 5, 6},
			},
		),
		FallbacksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "fallbacks_total",
				Help:      "Turns that entered fallback mode",
			},
		),
		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "active_streams",
				Help:      "Currently active streaming connections",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "errors_total",
				Help:      "Total gateway errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),
		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "keepalives_total",
				Help:      "Keepalive pings sent on streams",
			},
			[]string{"endpoint"},
		),
		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "client_disconnects_total",
				Help:      "Clients that disconnected during streaming",
			},
			[]string{"endpoint"},
		),
		SchemaReloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "schema_reloads_total",
				Help:      "Schema reload requests by status",
			},
			[]string{"status"},
		),
	}

	DefaultMetrics = m
	return m
}

// RecordRequest counts a finished request. success selects the status label.
func (m *QueryMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError counts an error occurrence.
func (m *QueryMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTurn counts a completed turn with its intent and terminal phase.
func (m *QueryMetrics) RecordTurn(intent, phase string) {
	m.TurnsTotal.WithLabelValues(intent, phase).Inc()
}

// RecordTurnDuration observes how long a turn took end to end.
func (m *QueryMetrics) RecordTurnDuration(endpoint Endpoint, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.TurnDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordTimeToFirstPhase observes the latency before the first phase event.
func (m *QueryMetrics) RecordTimeToFirstPhase(endpoint Endpoint, seconds float64) {
	m.TimeToFirstPhaseSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordTurnEffort observes attempts and synthesis calls for a turn and
// counts fallback entry.
func (m *QueryMetrics) RecordTurnEffort(attempts, synthCalls int, fallback bool) {
	m.AttemptsPerTurn.Observe(float64(attempts))
	m.SynthCallsPerTurn.Observe(float64(synthCalls))
	if fallback {
		m.FallbacksTotal.Inc()
	}
}

// StreamStarted increments the active stream gauge.
func (m *QueryMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *QueryMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordKeepAlive counts a keepalive ping.
func (m *QueryMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect counts a client that dropped mid-stream.
func (m *QueryMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordSchemaReload counts a schema reload request.
func (m *QueryMetrics) RecordSchemaReload(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.SchemaReloadsTotal.WithLabelValues(status).Inc()
}
