// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Delivery attributes
	ExerciseIDKey    = "delivery.exercise_id"
	GenerationKey    = "delivery.generation"
	StrategyKey      = "delivery.strategy"
	ModeKey          = "delivery.mode"
	TierKey          = "delivery.tier"
	CorrelationIDKey = "delivery.correlation_id"

	// Realtime attributes
	TransportKey = "realtime.transport"
	SocketIDKey  = "realtime.socket_id"
	AttemptKey   = "realtime.attempt"
	EventKey     = "realtime.event"

	// Peer attributes
	ICECandidatesKey = "peer.ice_candidates"
	ICEStateKey      = "peer.ice_state"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// NegotiationAttributes creates attributes for one delivery negotiation.
// Empty strings are omitted.
func NegotiationAttributes(exerciseID, strategy, correlationID string, generation uint64) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	if exerciseID != "" {
		attrs = append(attrs, attribute.String(ExerciseIDKey, exerciseID))
	}
	if strategy != "" {
		attrs = append(attrs, attribute.String(StrategyKey, strategy))
	}
	if correlationID != "" {
		attrs = append(attrs, attribute.String(CorrelationIDKey, correlationID))
	}
	attrs = append(attrs, attribute.Int64(GenerationKey, int64(generation))) // #nosec G115 -- generation counter stays far below MaxInt64
	return attrs
}

// RealtimeAttributes creates attributes for a realtime connect attempt.
func RealtimeAttributes(transport string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TransportKey, transport),
		attribute.Int(AttemptKey, attempt),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
