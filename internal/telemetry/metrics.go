/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint, status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "muninn_api_requests_total",
		Help: "Total HTTP API requests.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "muninn_api_request_duration_seconds",
		Help:    "HTTP API request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections gauges in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "muninn_api_active_connections",
		Help: "In-flight HTTP API requests.",
	})

	// ScheduleBuildsTotal counts schedule builds by outcome.
	ScheduleBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "muninn_schedule_builds_total",
		Help: "Schedule builds by outcome.",
	}, []string{"outcome"})

	// ScheduleBuildDuration observes end-to-end schedule build time.
	ScheduleBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "muninn_schedule_build_duration_seconds",
		Help:    "End-to-end schedule build duration.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// ResolutionErrorsTotal counts slot and template resolution failures.
	ResolutionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "muninn_resolution_errors_total",
		Help: "Template and slot resolution failures by kind.",
	}, []string{"kind"})

	// PlayoutFailoversTotal counts silence watchdog failovers.
	PlayoutFailoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "muninn_playout_failovers_total",
		Help: "Silence watchdog failovers.",
	})

	// PlayoutSeguesTotal counts executed segues by crossfade profile.
	PlayoutSeguesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "muninn_playout_segues_total",
		Help: "Executed segues by crossfade profile.",
	}, []string{"profile"})

	// OverrideConflictsTotal counts concurrent manual override collisions.
	OverrideConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "muninn_override_conflicts_total",
		Help: "Concurrent manual override collisions resolved last-writer-wins.",
	})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
