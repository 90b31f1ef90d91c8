// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package diagnostics

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/repcam/internal/serverapi"
)

// slowThreshold separates ok from degraded response times.
const slowThreshold = 2 * time.Second

// CatalogLister is the part of the server API client the checker needs.
type CatalogLister interface {
	ListExercises(ctx context.Context) ([]serverapi.Exercise, error)
}

// ServerChecker implements HealthChecker for the exercise server API.
type ServerChecker struct {
	baseURL string
	client  CatalogLister
	lkg     *LKGCache
}

// NewServerChecker creates a checker that probes the exercise catalog. lkg may
// be nil.
func NewServerChecker(baseURL string, client CatalogLister, lkg *LKGCache) *ServerChecker {
	return &ServerChecker{baseURL: baseURL, client: client, lkg: lkg}
}

// Check lists exercises.
//   - ok: catalog within 2s
//   - degraded: slow catalog, or failure with a fresh last-known-good entry
//   - unavailable: failure without cache
func (s *ServerChecker) Check(ctx context.Context) SubsystemHealth {
	health := SubsystemHealth{
		Subsystem:   SubsystemServerAPI,
		MeasuredAt:  time.Now(),
		Source:      SourceProbe,
		Criticality: Critical,
	}

	start := time.Now()
	list, err := s.client.ListExercises(ctx)
	elapsed := time.Since(start)

	if err != nil {
		code := ErrServerUnreachable
		if errors.Is(err, serverapi.ErrInvalidResponse) {
			code = ErrServerBadResponse
		}
		health.ErrorCode = code
		health.ErrorMessage = ErrorMessages[code]

		if entry := s.lkg.GetServer(s.baseURL); entry != nil {
			lastOK := entry.LastOK
			health.Status = Degraded
			health.Source = SourceCache
			health.LastOK = &lastOK
			health.Details = ServerAPIDetails{BaseURL: s.baseURL, ExerciseCount: entry.ExerciseCount}
			return health
		}
		health.Status = Unavailable
		return health
	}

	now := time.Now()
	health.LastOK = &now
	s.lkg.SetServer(s.baseURL, len(list))

	if elapsed > slowThreshold {
		health.Status = Degraded
		health.ErrorCode = ErrServerSlow
		health.ErrorMessage = ErrorMessages[ErrServerSlow]
	} else {
		health.Status = OK
	}
	health.Details = ServerAPIDetails{
		BaseURL:        s.baseURL,
		ExerciseCount:  len(list),
		ResponseTimeMS: elapsed.Milliseconds(),
	}
	return health
}
