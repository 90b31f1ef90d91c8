// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package delivery

import (
	"context"
	"errors"

	"github.com/ManuGH/repcam/internal/media"
	"github.com/ManuGH/repcam/internal/mjpeg"
	"github.com/ManuGH/repcam/internal/peer"
	"github.com/ManuGH/repcam/internal/resilience"
	"github.com/ManuGH/repcam/internal/serverapi"
)

// ErrTierSuspended is returned by the peer-media tier while its breaker is open.
var ErrTierSuspended = errors.New("tier suspended")

// Failure reasons used in logs and metrics.
const (
	ReasonCaptureDenied    = "capture-denied"
	ReasonSignaling        = "signaling-failure"
	ReasonDescriptionApply = "description-apply-failure"
	ReasonConnectivityLost = "connectivity-lost"
	ReasonTierSuspended    = "tier-suspended"
	ReasonFeedNotStream    = "feed-not-stream"
	ReasonFeedUnavailable  = "feed-unavailable"
	ReasonSuperseded       = "superseded"
	ReasonUnknown          = "unknown"
)

// Classify maps a tier error to its failure reason.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, peer.ErrClosed):
		return ReasonSuperseded
	case errors.Is(err, peer.ErrCaptureDenied), errors.Is(err, media.ErrCaptureDenied):
		return ReasonCaptureDenied
	case errors.Is(err, peer.ErrSignaling), errors.Is(err, serverapi.ErrSignaling):
		return ReasonSignaling
	case errors.Is(err, peer.ErrDescriptionApply):
		return ReasonDescriptionApply
	case errors.Is(err, peer.ErrConnectivityLost):
		return ReasonConnectivityLost
	case errors.Is(err, ErrTierSuspended), errors.Is(err, resilience.ErrCircuitOpen):
		return ReasonTierSuspended
	case errors.Is(err, mjpeg.ErrNotStream):
		return ReasonFeedNotStream
	case errors.Is(err, mjpeg.ErrUnavailable):
		return ReasonFeedUnavailable
	default:
		return ReasonUnknown
	}
}
