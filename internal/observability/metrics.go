// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Package-level collectors let components record events without holding a
// Server. NewServer registers them with its registry.
var (
	ceremoniesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_ceremonies_total",
			Help: "Total number of sign-in ceremony verifications by ceremony and outcome",
		},
		[]string{"ceremony", "outcome"},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_sessions_total",
			Help: "Total number of session lifecycle events by event",
		},
		[]string{"event"},
	)

	rateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authcore_ratelimit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)

// Session lifecycle events.
const (
	SessionCreated = "created"
	SessionRenewed = "renewed"
	SessionExpired = "expired"
	SessionRevoked = "revoked"
)

// RecordCeremony counts a ceremony verification. outcome is "success" or an
// error kind name.
func RecordCeremony(ceremony, outcome string) {
	ceremoniesTotal.WithLabelValues(ceremony, outcome).Inc()
}

// RecordSession counts a session lifecycle event.
func RecordSession(event string) {
	sessionsTotal.WithLabelValues(event).Inc()
}

// RecordRateLimitRejection counts a request rejected by the rate limiter.
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// Metrics contains the HTTP metrics recorded by the API middleware.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the authcore metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_http_requests_total",
				Help: "Total number of HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authcore_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(ceremoniesTotal)
	reg.MustRegister(sessionsTotal)
	reg.MustRegister(rateLimitRejections)

	return m
}
