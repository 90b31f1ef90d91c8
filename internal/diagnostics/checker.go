// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package diagnostics

import (
	"context"
	"sort"
)

// HealthChecker defines the interface for subsystem health checks.
type HealthChecker interface {
	Check(ctx context.Context) SubsystemHealth
}

// ComputeOverallStatus calculates overall health.
//
// Logic:
//   - Server API unavailable → unavailable (nothing works without it)
//   - Both realtime transports unavailable → unavailable
//   - Any subsystem degraded/unavailable → degraded
//   - All subsystems ok → ok
func ComputeOverallStatus(subsystems map[Subsystem]SubsystemHealth) HealthStatus {
	if len(subsystems) == 0 {
		return Unknown
	}

	server, hasServer := subsystems[SubsystemServerAPI]
	if hasServer && server.Status == Unavailable {
		return Unavailable
	}

	polling, hasPolling := subsystems[SubsystemRealtimePolling]
	ws, hasWS := subsystems[SubsystemRealtimeWebSocket]
	if hasPolling && hasWS && polling.Status == Unavailable && ws.Status == Unavailable {
		return Unavailable
	}

	for _, health := range subsystems {
		if health.Status == Degraded || health.Status == Unavailable {
			return Degraded
		}
	}

	return OK
}

// BuildDegradationSummary creates actionable degradation items for failed
// subsystems, ordered by subsystem name.
func BuildDegradationSummary(subsystems map[Subsystem]SubsystemHealth) []DegradationItem {
	var items []DegradationItem

	for _, health := range subsystems {
		if health.Status != Degraded && health.Status != Unavailable {
			continue
		}
		item := DegradationItem{
			Subsystem: health.Subsystem,
			Status:    health.Status,
			ErrorCode: health.ErrorCode,
		}
		if health.LastOK != nil {
			item.Since = *health.LastOK
		} else {
			item.Since = health.MeasuredAt
		}
		if actions, ok := SuggestedActions[health.ErrorCode]; ok {
			item.SuggestedActions = actions
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Subsystem < items[j].Subsystem })
	return items
}
