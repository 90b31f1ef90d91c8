// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	negotiationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repcam_negotiation_total",
		Help: "Delivery negotiations by platform strategy and resulting mode",
	}, []string{"strategy", "mode"})

	negotiationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "repcam_negotiation_duration_seconds",
		Help:    "Time from selection to a settled delivery outcome",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"mode"})

	tierFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repcam_delivery_tier_failures_total",
		Help: "Failed delivery tiers by tier and reason",
	}, []string{"tier", "reason"})

	staleResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repcam_negotiation_stale_total",
		Help: "Negotiation results discarded because a newer selection superseded them",
	})

	activeMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "repcam_delivery_active_mode",
		Help: "Currently displayed delivery mode (active=1; others 0)",
	}, []string{"mode"})

	tierBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "repcam_delivery_tier_breaker_state",
		Help: "Breaker guarding a delivery tier by state (current=1; others 0)",
	}, []string{"tier", "state"})

	tierSuspensions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repcam_delivery_tier_suspensions_total",
		Help: "Times a delivery tier was suspended by its breaker, by cause",
	}, []string{"tier", "cause"})
)

var (
	deliveryModes = []string{"peer_media", "legacy_stream", "none"}
	breakerStates = []string{"closed", "half-open", "open"}
)

// RecordNegotiation records one settled negotiation.
func RecordNegotiation(strategy, mode string, d time.Duration) {
	m := normalizeModeLabel(mode)
	negotiationTotal.WithLabelValues(normalizeStrategyLabel(strategy), m).Inc()
	negotiationDuration.WithLabelValues(m).Observe(d.Seconds())
}

// RecordTierFailure counts a failed tier. Reasons are free-form but short.
func RecordTierFailure(tier, reason string) {
	tierFailures.WithLabelValues(normalizeTierLabel(tier), reason).Inc()
}

// RecordStaleResult counts a result that arrived after a newer selection.
func RecordStaleResult() {
	staleResults.Inc()
}

// SetActiveMode marks the delivery mode currently bound to the display.
func SetActiveMode(mode string) {
	m := normalizeModeLabel(mode)
	for _, s := range deliveryModes {
		v := 0.0
		if s == m {
			v = 1.0
		}
		activeMode.WithLabelValues(s).Set(v)
	}
}

// SetTierBreakerState marks the breaker state of the tier it guards.
func SetTierBreakerState(tier, state string) {
	t := normalizeTierLabel(tier)
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		tierBreakerState.WithLabelValues(t, s).Set(v)
	}
}

// RecordTierSuspension counts a breaker opening in front of a tier.
func RecordTierSuspension(tier, cause string) {
	tierSuspensions.WithLabelValues(normalizeTierLabel(tier), cause).Inc()
}

func normalizeModeLabel(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "peer_media", "peer-media", "peer":
		return "peer_media"
	case "legacy_stream", "legacy-stream", "legacy":
		return "legacy_stream"
	case "none", "":
		return "none"
	default:
		return "unknown"
	}
}

func normalizeTierLabel(tier string) string {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case "legacy_probe", "legacy-probe":
		return "legacy_probe"
	default:
		return normalizeModeLabel(tier)
	}
}

func normalizeStrategyLabel(strategy string) string {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "desktop", "mobile":
		return strings.ToLower(strings.TrimSpace(strategy))
	default:
		return "unknown"
	}
}
