// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	realtimeState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "repcam_realtime_state",
		Help: "Realtime session state (active=1; others 0)",
	}, []string{"state"})

	realtimeTransport = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "repcam_realtime_transport",
		Help: "Transport in use by the realtime session (active=1; others 0)",
	}, []string{"transport"})

	realtimeReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repcam_realtime_reconnect_attempts_total",
		Help: "Reconnect attempts by result",
	}, []string{"result"})

	realtimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repcam_realtime_events_total",
		Help: "Realtime events by direction",
	}, []string{"direction"})

	realtimeDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repcam_realtime_disconnects_total",
		Help: "Realtime disconnects by reason",
	}, []string{"reason"})

	pingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repcam_diagnostics_ping_latency_seconds",
		Help:    "Round-trip latency of diagnostics ping/pong exchanges",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})

	uplinkFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repcam_uplink_frames_total",
		Help: "Frames handled by the uplink streamer by result (sent, dropped)",
	}, []string{"result"})
)

var (
	realtimeStates     = []string{"disconnected", "connecting", "connected", "degraded", "reconnecting"}
	realtimeTransports = []string{"polling", "websocket"}
)

// SetRealtimeState marks the current session state.
func SetRealtimeState(state string) {
	setOneHot(realtimeState, realtimeStates, state)
}

// SetRealtimeTransport marks the transport currently carrying the session.
// An empty name clears all transports.
func SetRealtimeTransport(name string) {
	setOneHot(realtimeTransport, realtimeTransports, name)
}

// RecordReconnectAttempt counts one reconnect attempt.
func RecordReconnectAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	realtimeReconnects.WithLabelValues(result).Inc()
}

// RecordRealtimeEvent counts a sent ("out") or received ("in") event.
func RecordRealtimeEvent(direction string) {
	realtimeEvents.WithLabelValues(direction).Inc()
}

// RecordRealtimeDisconnect counts a disconnect by reason.
func RecordRealtimeDisconnect(reason string) {
	realtimeDisconnects.WithLabelValues(reason).Inc()
}

// ObservePingLatency records a diagnostics round trip.
func ObservePingLatency(d time.Duration) {
	pingLatency.Observe(d.Seconds())
}

// RecordUplinkFrame counts a frame sent or dropped by the uplink streamer.
func RecordUplinkFrame(sent bool) {
	if sent {
		uplinkFrames.WithLabelValues("sent").Inc()
		return
	}
	uplinkFrames.WithLabelValues("dropped").Inc()
}

func setOneHot(vec *prometheus.GaugeVec, values []string, active string) {
	for _, v := range values {
		val := 0.0
		if v == active {
			val = 1.0
		}
		vec.WithLabelValues(v).Set(val)
	}
}
