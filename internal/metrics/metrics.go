// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

// Package metrics provides Prometheus instrumentation for the bridge:
// broker session lifecycle, message relay throughput, viewer fan-out,
// and API endpoint latency. Exposed on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Broker session metrics
	SessionsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetgate_sessions",
			Help: "Current number of broker sessions per state",
		},
		[]string{"state"}, // "connecting", "live", "degraded"
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetgate_reconnect_attempts_total",
			Help: "Total number of broker reconnect attempts",
		},
	)

	SessionTeardowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetgate_session_teardowns_total",
			Help: "Total number of session teardowns by cause",
		},
		[]string{"cause"}, // "explicit", "idle", "shutdown", "reconfigure"
	)

	// Relay metrics
	MessagesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetgate_messages_relayed_total",
			Help: "Total broker messages relayed to viewer fan-out",
		},
	)

	StaleMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetgate_stale_messages_dropped_total",
			Help: "Total messages dropped because their session generation was superseded",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetgate_events_published_total",
			Help: "Total outbound events published to brokers",
		},
		[]string{"event_type"},
	)

	// Viewer metrics
	ViewersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetgate_viewers_connected",
			Help: "Current number of connected WebSocket viewers",
		},
	)

	ViewerMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetgate_viewer_messages_dropped_total",
			Help: "Total frames dropped because a viewer buffer overflowed",
		},
	)

	// API endpoint metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetgate_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetgate_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// Map refresh metrics
	MapRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetgate_map_refreshes_total",
			Help: "Total map refresh runs by outcome",
		},
		[]string{"outcome"}, // "success", "error", "skipped"
	)
)

// SessionTransition moves one session between state gauges. Empty
// strings mean no gauge on that side (session created or destroyed).
func SessionTransition(from, to string) {
	if from != "" {
		SessionsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		SessionsByState.WithLabelValues(to).Inc()
	}
}

// RecordAPIRequest records a completed API request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
