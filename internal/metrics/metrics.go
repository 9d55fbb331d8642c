// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package metrics defines the Prometheus instrumentation exported on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts requests per endpoint and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uia_proxy_http_requests_total",
			Help: "HTTP requests processed, by endpoint and status code",
		},
		[]string{"endpoint", "code"},
	)

	// HTTPRequestDuration observes request latency per endpoint.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uia_proxy_http_request_duration_seconds",
			Help:    "HTTP request latency, by endpoint",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// SessionsCreated counts UIA sessions allocated per endpoint.
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uia_proxy_sessions_created_total",
			Help: "UIA sessions created, by endpoint",
		},
		[]string{"endpoint"},
	)

	// StageAttempts counts stage attempts by stage type and outcome.
	StageAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uia_proxy_stage_attempts_total",
			Help: "Stage authentication attempts, by stage type and outcome",
		},
		[]string{"stage", "outcome"},
	)

	// HomeserverRequests counts upstream calls by operation and outcome.
	HomeserverRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uia_proxy_homeserver_requests_total",
			Help: "Upstream homeserver requests, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// RateLimitHits counts requests rejected by the per-endpoint rate
	// limiter.
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uia_proxy_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter, by endpoint",
		},
		[]string{"endpoint"},
	)
)
