// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package diagnostics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// Recommendations.
const (
	RecommendOptimal     = "WebSocket transport is working correctly. This is optimal for real-time applications."
	RecommendPollingOnly = "Long-polling is working, but WebSocket failed. Check network configuration, proxies, or firewalls."
	RecommendNone        = "Both connection methods failed. Check server logs, network connectivity, and CORS settings."
)

// Report is a snapshot of the harness results plus subsystem health.
type Report struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Results
	AverageLatency float64 `json:"averageLatency"`
	Recommendation string  `json:"recommendation"`
	Pongs          int     `json:"pongs"`

	OverallStatus      HealthStatus                  `json:"overall_status"`
	Subsystems         map[Subsystem]SubsystemHealth `json:"subsystems"`
	DegradationSummary []DegradationItem             `json:"degradation_summary,omitempty"`
}

// Recommend derives the recommendation from which kinds succeeded.
func Recommend(r Results) string {
	switch {
	case r.WebSocketSucceeded || r.PeerSucceeded:
		return RecommendOptimal
	case r.PollingSucceeded:
		return RecommendPollingOnly
	default:
		return RecommendNone
	}
}

// AverageLatency is the mean of the recorded successful connect latencies in
// milliseconds, or 0 when there are none.
func AverageLatency(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// Report returns the current snapshot. It has no side effects.
func (h *Harness) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()

	res := h.results
	res.Latency = append([]float64{}, h.results.Latency...)
	res.perKind = nil

	now := h.now()
	subsystems := make(map[Subsystem]SubsystemHealth, len(h.checked)+3)
	for k, v := range h.checked {
		subsystems[k] = v
	}
	for kind, sub := range map[Kind]Subsystem{
		KindPolling:   SubsystemRealtimePolling,
		KindWebSocket: SubsystemRealtimeWebSocket,
		KindPeer:      SubsystemPeerMedia,
	} {
		d, ok := h.results.perKind[kind]
		if !ok {
			continue
		}
		subsystems[sub] = derivedHealth(sub, kind, *d, now)
	}

	return Report{
		GeneratedAt:        now,
		Results:            res,
		AverageLatency:     AverageLatency(res.Latency),
		Recommendation:     Recommend(res),
		Pongs:              h.pongs,
		OverallStatus:      ComputeOverallStatus(subsystems),
		Subsystems:         subsystems,
		DegradationSummary: BuildDegradationSummary(subsystems),
	}
}

func derivedHealth(sub Subsystem, kind Kind, d TransportDetails, now time.Time) SubsystemHealth {
	health := SubsystemHealth{
		Subsystem:   sub,
		MeasuredAt:  now,
		Source:      SourceDerived,
		Criticality: Optional,
		Details:     d,
	}
	if sub == SubsystemRealtimePolling {
		health.Criticality = Critical
	}
	code := ErrTransportFailed
	if kind == KindPeer {
		code = ErrPeerFailed
	}
	switch {
	case d.Successes > 0 && d.Failures == 0:
		health.Status = OK
	case d.Successes > 0:
		health.Status = Degraded
		health.ErrorCode = code
		health.ErrorMessage = ErrorMessages[code]
	default:
		health.Status = Unavailable
		health.ErrorCode = code
		health.ErrorMessage = ErrorMessages[code]
	}
	return health
}

// WriteReport writes report as indented JSON, replacing path atomically.
func WriteReport(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
