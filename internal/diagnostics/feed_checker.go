// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package diagnostics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ManuGH/repcam/internal/mjpeg"
)

// FeedChecker implements HealthChecker for the legacy image stream of one
// exercise.
type FeedChecker struct {
	url        string
	httpClient *http.Client
}

// NewFeedChecker creates a checker for the given feed URL.
func NewFeedChecker(feedURL string, client *http.Client) *FeedChecker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &FeedChecker{url: feedURL, httpClient: client}
}

// Check probes the feed. The legacy stream is the fallback of last resort, so
// it is optional for the overall status.
func (f *FeedChecker) Check(ctx context.Context) SubsystemHealth {
	health := SubsystemHealth{
		Subsystem:   SubsystemLegacyStream,
		MeasuredAt:  time.Now(),
		Source:      SourceProbe,
		Criticality: Optional,
	}

	start := time.Now()
	err := mjpeg.Probe(ctx, f.httpClient, f.url)
	elapsed := time.Since(start)
	health.Details = FeedDetails{URL: f.url, ResponseTimeMS: elapsed.Milliseconds()}

	switch {
	case err == nil:
		now := time.Now()
		health.LastOK = &now
		health.Status = OK
	case errors.Is(err, mjpeg.ErrNotStream):
		health.Status = Degraded
		health.ErrorCode = ErrFeedNotStream
		health.ErrorMessage = ErrorMessages[ErrFeedNotStream]
	default:
		health.Status = Unavailable
		health.ErrorCode = ErrFeedUnreachable
		health.ErrorMessage = ErrorMessages[ErrFeedUnreachable]
	}
	return health
}
