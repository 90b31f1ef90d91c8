// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks an effective configuration. All problems are reported at once.
func Validate(cfg AppConfig) error {
	var errs []error

	u, err := url.Parse(strings.TrimSpace(cfg.ServerURL))
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("%w: serverUrl: %v", ErrInvalidConfig, err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("%w: serverUrl must be http or https, got %q", ErrInvalidConfig, cfg.ServerURL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("%w: serverUrl has no host", ErrInvalidConfig))
	}

	switch cfg.Platform {
	case PlatformAuto, PlatformDesktop, PlatformMobile:
	default:
		errs = append(errs, fmt.Errorf("%w: platform must be auto, desktop or mobile, got %q", ErrInvalidConfig, cfg.Platform))
	}

	switch cfg.Capture.Source {
	case CaptureSynthetic, CaptureNone:
	default:
		errs = append(errs, fmt.Errorf("%w: capture.source must be synthetic or none, got %q", ErrInvalidConfig, cfg.Capture.Source))
	}

	for _, s := range cfg.WebRTC.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			errs = append(errs, fmt.Errorf("%w: webrtc.iceServers only accepts stun: URLs, got %q", ErrInvalidConfig, s))
		}
	}

	if len(cfg.Realtime.Transports) == 0 {
		errs = append(errs, fmt.Errorf("%w: realtime.transports must not be empty", ErrInvalidConfig))
	}
	for _, t := range cfg.Realtime.Transports {
		if t != "polling" && t != "websocket" {
			errs = append(errs, fmt.Errorf("%w: unknown realtime transport %q", ErrInvalidConfig, t))
		}
	}
	if cfg.Realtime.ReconnectionAttempts < 0 || cfg.Diagnostics.ReconnectionAttempts < 0 {
		errs = append(errs, fmt.Errorf("%w: reconnection attempts must not be negative", ErrInvalidConfig))
	}
	if cfg.Realtime.ReconnectionDelayMax < cfg.Realtime.ReconnectionDelay {
		errs = append(errs, fmt.Errorf("%w: realtime.reconnectionDelayMax below reconnectionDelay", ErrInvalidConfig))
	}

	if cfg.Uplink.FrameRate <= 0 || cfg.Uplink.FrameRate > 60 {
		errs = append(errs, fmt.Errorf("%w: uplink.frameRate must be in 1..60, got %d", ErrInvalidConfig, cfg.Uplink.FrameRate))
	}
	if cfg.Uplink.JPEGQuality < 1 || cfg.Uplink.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("%w: uplink.jpegQuality must be in 1..100", ErrInvalidConfig))
	}
	if cfg.Uplink.StartTimeout < 0 || cfg.Uplink.StallTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: uplink timeouts must not be negative", ErrInvalidConfig))
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Exporter != "grpc" && cfg.Telemetry.Exporter != "http" {
		errs = append(errs, fmt.Errorf("%w: telemetry.exporter must be grpc or http", ErrInvalidConfig))
	}

	return errors.Join(errs...)
}
