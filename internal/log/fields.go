// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldSessionID     = "session_id"
	FieldSocketID      = "socket_id"
	FieldExerciseID    = "exercise_id"
	FieldGeneration    = "generation"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStrategy  = "strategy"
	FieldReason    = "reason"
	FieldAttempt   = "attempt"

	// Media / transport fields
	FieldMode      = "mode"
	FieldTransport = "transport"
	FieldTrackID   = "track_id"
	FieldStreamID  = "stream_id"
	FieldICEState  = "ice_state"
	FieldLatencyMS = "latency_ms"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path / URL fields
	FieldURL      = "url"
	FieldEndpoint = "endpoint"
)
