// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package serverapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repcam_serverapi_request_total",
			Help: "Total number of exercise server HTTP request attempts",
		},
		[]string{"method", "endpoint", "status_class"},
	)
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repcam_serverapi_request_duration_seconds",
			Help:    "Duration of exercise server HTTP requests per attempt",
			Buckets: prometheus.ExponentialBuckets(0.05, 2.0, 8),
		},
		[]string{"method", "endpoint", "status_class"},
	)
	requestRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repcam_serverapi_request_retries_total",
			Help: "Number of exercise server request retries performed",
		},
		[]string{"method", "endpoint", "status_class"},
	)
)

func statusClass(err error, status int) string {
	if err != nil {
		return "error"
	}
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}

func recordAttemptMetrics(method, endpoint string, status int, duration time.Duration, err error) {
	class := statusClass(err, status)
	requestTotal.WithLabelValues(method, endpoint, class).Inc()
	requestDuration.WithLabelValues(method, endpoint, class).Observe(duration.Seconds())
}

func recordRetry(method, endpoint string, status int, err error) {
	requestRetries.WithLabelValues(method, endpoint, statusClass(err, status)).Inc()
}
