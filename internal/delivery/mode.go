// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package delivery establishes the live video path for a selected exercise:
// peer media first, the legacy multipart image stream as fallback.
package delivery

import (
	"regexp"
	"strings"

	"github.com/ManuGH/repcam/internal/media"
)

// Mode is the delivery path bound to the display.
type Mode string

const (
	ModeNone         Mode = "none"
	ModePeerMedia    Mode = "peer-media"
	ModeLegacyStream Mode = "legacy-stream"
)

// Status is the only user-visible surface of a negotiation.
type Status string

const (
	StatusNoSelection  Status = "no-selection"
	StatusLoading      Status = "loading"
	StatusError        Status = "error"
	StatusShowingVideo Status = "showing-video"
)

// Platform selects the tier order.
type Platform string

const (
	PlatformDesktop Platform = "desktop"
	PlatformMobile  Platform = "mobile"
)

// Tier names.
const (
	TierLegacyProbe  = "legacy-probe"
	TierPeerMedia    = "peer-media"
	TierLegacyStream = "legacy-stream"
)

var mobileUserAgent = regexp.MustCompile(`(?i)Android|webOS|iPhone|iPad|iPod|BlackBerry|IEMobile|Opera Mini`)

// ClassifyUserAgent returns the platform class a user agent belongs to.
func ClassifyUserAgent(ua string) Platform {
	if mobileUserAgent.MatchString(ua) {
		return PlatformMobile
	}
	return PlatformDesktop
}

// ResolvePlatform maps the configured platform ("auto", "desktop", "mobile")
// to a class; "auto" and unknown values classify ua.
func ResolvePlatform(configured, ua string) Platform {
	switch Platform(strings.ToLower(strings.TrimSpace(configured))) {
	case PlatformDesktop:
		return PlatformDesktop
	case PlatformMobile:
		return PlatformMobile
	default:
		return ClassifyUserAgent(ua)
	}
}

// ConstraintsFor returns the capture constraints used by the peer-media tier:
// 640x480 ideal, rear camera preferred on mobile.
func ConstraintsFor(p Platform) media.Constraints {
	c := media.DefaultConstraints()
	if p == PlatformMobile {
		c.FacingMode = media.FacingEnvironment
	}
	return c
}
