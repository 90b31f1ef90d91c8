// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package diagnostics

import (
	"time"
)

// HealthStatus represents the health state of a subsystem.
type HealthStatus int

const (
	Unknown HealthStatus = iota
	OK
	Degraded
	Unavailable
)

func (h HealthStatus) String() string {
	switch h {
	case OK:
		return "ok"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

func (h HealthStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// Criticality defines whether a subsystem is critical or optional.
type Criticality int

const (
	Critical Criticality = iota
	Optional
)

func (c Criticality) String() string {
	if c == Critical {
		return "critical"
	}
	return "optional"
}

func (c Criticality) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// Source indicates how the health status was determined.
type Source string

const (
	SourceProbe   Source = "probe"   // Active check
	SourceCache   Source = "cache"   // Last-known-good cache
	SourceDerived Source = "derived" // Computed from recorded connection results
)

// Subsystem identifies which component is being reported on.
type Subsystem string

const (
	SubsystemServerAPI         Subsystem = "server_api"
	SubsystemRealtimePolling   Subsystem = "realtime_polling"
	SubsystemRealtimeWebSocket Subsystem = "realtime_websocket"
	SubsystemPeerMedia         Subsystem = "peer_media"
	SubsystemLegacyStream      Subsystem = "legacy_stream"
)

// SubsystemHealth represents the health state of a single subsystem.
type SubsystemHealth struct {
	Subsystem    Subsystem    `json:"subsystem"`
	Status       HealthStatus `json:"status"`
	MeasuredAt   time.Time    `json:"measured_at"`
	Source       Source       `json:"source"`
	Criticality  Criticality  `json:"criticality"`
	LastOK       *time.Time   `json:"last_ok,omitempty"`
	ErrorCode    string       `json:"error_code,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Details      interface{}  `json:"details,omitempty"`
}

// DegradationItem provides actionable information about a degraded/unavailable subsystem.
type DegradationItem struct {
	Subsystem        Subsystem    `json:"subsystem"`
	Status           HealthStatus `json:"status"`
	Since            time.Time    `json:"since"`
	ErrorCode        string       `json:"error_code"`
	SuggestedActions []string     `json:"suggested_actions,omitempty"`
}

// ServerAPIDetails contains exercise server metadata.
type ServerAPIDetails struct {
	BaseURL        string `json:"base_url"`
	ExerciseCount  int    `json:"exercise_count"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}

// TransportDetails summarizes recorded connects for one transport kind.
type TransportDetails struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// FeedDetails contains legacy stream probe metadata.
type FeedDetails struct {
	URL            string `json:"url"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}
