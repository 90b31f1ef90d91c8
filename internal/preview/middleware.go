// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package preview

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	xglog "github.com/ManuGH/repcam/internal/log"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "repcam_http_request_duration_seconds",
		Help:    "Control server request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repcam_http_requests_in_flight",
		Help: "Current number of control server requests being served",
	})
)

// rateLimit limits mutating requests per client IP over a sliding window.
// A non-positive limit disables it.
func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please try again later.")
		}),
	)
}

// tracing wraps the router with otelhttp. Probe and scrape endpoints are
// not traced.
func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(
		next,
		"repcam-preview",
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				return false
			}
			return true
		}),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return operation + " " + r.Method + " " + r.URL.Path
		}),
	)
}

// observe records latency per route pattern and logs each request.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		httpRequestDuration.WithLabelValues(r.Method, path, strconv.Itoa(status)).Observe(elapsed.Seconds())

		logger := xglog.WithComponentFromContext(r.Context(), "preview")
		logger.Debug().
			Str(xglog.FieldEvent, "http.request").
			Str("method", r.Method).
			Str("path", path).
			Int("status", status).
			Int64(xglog.FieldLatencyMS, elapsed.Milliseconds()).
			Msg("request served")
	})
}

// requestID propagates chi's request id into the log context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chimw.GetReqID(r.Context())
		if id != "" {
			w.Header().Set("X-Request-ID", id)
			r = r.WithContext(xglog.ContextWithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
