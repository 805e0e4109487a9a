// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the gateway.
//
// # Description
//
// Prometheus metrics for the chat streams and the document endpoints:
//   - Request counters (by endpoint and status)
//   - Token usage (input/output tokens by model)
//   - Latency histograms (time to first delta, total duration)
//   - Active stream gauges
//   - Tool rounds, client disconnects, upload rejections
//
// Metrics are exposed on /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "aleutian"

const gatewaySubsystem = "gateway"

// GatewayMetrics holds all Prometheus metrics for the gateway.
type GatewayMetrics struct {
	// RequestsTotal counts chat requests by endpoint and status.
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens by direction (input, output) and model.
	TokensTotal *prometheus.CounterVec

	// TimeToFirstDeltaSeconds measures latency to the first text delta.
	TimeToFirstDeltaSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration by endpoint and status.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks open chat streams.
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by endpoint and error code.
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts callers that went away mid-stream.
	ClientDisconnectsTotal *prometheus.CounterVec

	// ToolRoundsTotal counts requires-action rounds answered.
	ToolRoundsTotal *prometheus.CounterVec

	// UploadRejectionsTotal counts rejected document uploads by reason.
	UploadRejectionsTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance, set by InitMetrics.
var DefaultMetrics *GatewayMetrics

// InitMetrics registers the gateway metrics with the default registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *GatewayMetrics {
	DefaultMetrics = NewGatewayMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewGatewayMetrics creates the metrics and registers them with reg.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	f := promauto.With(reg)
	return &GatewayMetrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstDeltaSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "time_to_first_delta_seconds",
				Help:      "Time from upstream call to first text delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open chat streams",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "errors_total",
				Help:      "Total errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),

		ClientDisconnectsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		ToolRoundsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "tool_rounds_total",
				Help:      "Total tool-output rounds submitted upstream",
			},
			[]string{"endpoint"},
		),

		UploadRejectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "upload_rejections_total",
				Help:      "Total rejected document uploads by reason",
			},
			[]string{"reason"},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	ErrorCodeAuth             ErrorCode = "auth"
	ErrorCodeEntitlement      ErrorCode = "entitlement"
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeNotFound         ErrorCode = "not_found"
	ErrorCodeRateLimited      ErrorCode = "rate_limited"
	ErrorCodeUpstream         ErrorCode = "upstream"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// ErrorCodeFor maps an error kind to its metric label.
func ErrorCodeFor(kind datatypes.ErrorKind) ErrorCode {
	switch kind {
	case datatypes.KindAuth:
		return ErrorCodeAuth
	case datatypes.KindEntitlement:
		return ErrorCodeEntitlement
	case datatypes.KindValidation:
		return ErrorCodeValidation
	case datatypes.KindNotFound:
		return ErrorCodeNotFound
	case datatypes.KindRateLimited:
		return ErrorCodeRateLimited
	default:
		return ErrorCodeUpstream
	}
}

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint labels a gateway endpoint.
type Endpoint string

const (
	// EndpointInternalChat is the first-party widget chat stream.
	EndpointInternalChat Endpoint = "internal_chat"

	// EndpointPublicChat is the API-key chat stream.
	EndpointPublicChat Endpoint = "public_chat"

	// EndpointDocuments covers the document endpoints.
	EndpointDocuments Endpoint = "documents"

	// EndpointInstructions covers the custom instructions endpoints.
	EndpointInstructions Endpoint = "instructions"
)

// =============================================================================
// Helper Methods
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRequest records a completed request.
func (m *GatewayMetrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records an error.
func (m *GatewayMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records token usage.
func (m *GatewayMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *GatewayMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *GatewayMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstDelta records the first-delta latency.
func (m *GatewayMetrics) RecordTimeToFirstDelta(endpoint Endpoint, seconds float64) {
	m.TimeToFirstDeltaSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *GatewayMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *GatewayMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordToolRounds adds answered tool rounds.
func (m *GatewayMetrics) RecordToolRounds(endpoint Endpoint, rounds int) {
	if rounds > 0 {
		m.ToolRoundsTotal.WithLabelValues(string(endpoint)).Add(float64(rounds))
	}
}

// RecordUploadRejection counts a rejected upload.
func (m *GatewayMetrics) RecordUploadRejection(reason ErrorCode) {
	m.UploadRejectionsTotal.WithLabelValues(string(reason)).Inc()
}
