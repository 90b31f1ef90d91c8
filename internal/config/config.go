// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config provides configuration management for repcam.
//
// Precedence is ENV > file > defaults. The defaults are the values the browser
// client compiled in (STUN servers, 15 fps uplink, 5 reconnect attempts).
package config

import "time"

// AppConfig is the effective configuration for one repcam process.
type AppConfig struct {
	// ServerURL is the base URL of the exercise video server.
	ServerURL string `yaml:"serverUrl"`
	// Platform selects the negotiation order: "auto", "desktop" or "mobile".
	Platform string `yaml:"platform"`
	// UserAgent is used for platform classification when Platform is "auto"
	// and is reported in diagnostics pings.
	UserAgent string `yaml:"userAgent"`
	Language  string `yaml:"language"`

	LogLevel   string `yaml:"logLevel"`
	LogService string `yaml:"logService"`

	HTTP        HTTPConfig        `yaml:"http"`
	WebRTC      WebRTCConfig      `yaml:"webrtc"`
	Capture     CaptureConfig     `yaml:"capture"`
	Legacy      LegacyConfig      `yaml:"legacy"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Uplink      UplinkConfig      `yaml:"uplink"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Preview     PreviewConfig     `yaml:"preview"`

	// Version is stamped from the binary, never read from file or env.
	Version string `yaml:"-"`
}

// HTTPConfig tunes the server API client.
type HTTPConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"maxRetries"`
	Backoff        time.Duration `yaml:"backoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	RateLimit      float64       `yaml:"rateLimit"`
	RateLimitBurst int           `yaml:"rateLimitBurst"`
}

// WebRTCConfig configures the peer media session.
type WebRTCConfig struct {
	ICEServers []string `yaml:"iceServers"`
	// IncludeLoopback gathers loopback host candidates (local test servers).
	IncludeLoopback bool `yaml:"includeLoopback"`
}

// CaptureConfig configures local capture acquisition.
type CaptureConfig struct {
	// Source is "synthetic" or "none". "none" behaves like a denied camera.
	Source    string `yaml:"source"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	FrameRate int    `yaml:"frameRate"`
}

// LegacyConfig configures the multipart image stream fallback.
type LegacyConfig struct {
	ProbeTimeout time.Duration `yaml:"probeTimeout"`
}

// RealtimeConfig configures the default (compatibility-first) transport session.
type RealtimeConfig struct {
	Path                 string        `yaml:"path"`
	Transports           []string      `yaml:"transports"`
	Upgrade              bool          `yaml:"upgrade"`
	ReconnectionAttempts int           `yaml:"reconnectionAttempts"`
	ReconnectionDelay    time.Duration `yaml:"reconnectionDelay"`
	ReconnectionDelayMax time.Duration `yaml:"reconnectionDelayMax"`
	ConnectTimeout       time.Duration `yaml:"connectTimeout"`
}

// DiagnosticsConfig configures the forced-transport sessions of the harness.
type DiagnosticsConfig struct {
	ReconnectionAttempts int           `yaml:"reconnectionAttempts"`
	ConnectTimeout       time.Duration `yaml:"connectTimeout"`
	ReportPath           string        `yaml:"reportPath"`
}

// UplinkConfig configures client-side frame streaming over the realtime channel.
type UplinkConfig struct {
	FrameRate   int `yaml:"frameRate"`
	JPEGQuality int `yaml:"jpegQuality"`
	// StartTimeout bounds the wait for exercise_started; StallTimeout the gap
	// between processed frames. Zero disables the check.
	StartTimeout time.Duration `yaml:"startTimeout"`
	StallTimeout time.Duration `yaml:"stallTimeout"`
}

// BreakerConfig configures suspension of the peer-media tier.
type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"resetTimeout"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// PreviewConfig configures the local control/preview HTTP server.
type PreviewConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	RateLimit  int    `yaml:"rateLimit"`
}

// Defaults returns the compiled-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		ServerURL:  "http://localhost:8080",
		Platform:   PlatformAuto,
		UserAgent:  "repcam/dev (Linux x86_64)",
		Language:   "en-US",
		LogLevel:   "info",
		LogService: "repcam",
		HTTP: HTTPConfig{
			Timeout:        10 * time.Second,
			MaxRetries:     2,
			Backoff:        200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			RateLimit:      10,
			RateLimitBurst: 20,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
		},
		Capture: CaptureConfig{
			Source:    CaptureSynthetic,
			Width:     640,
			Height:    480,
			FrameRate: 15,
		},
		Legacy: LegacyConfig{
			ProbeTimeout: 3 * time.Second,
		},
		Realtime: RealtimeConfig{
			Path:                 "/socket.io/",
			Transports:           []string{"polling", "websocket"},
			Upgrade:              true,
			ReconnectionAttempts: 5,
			ReconnectionDelay:    time.Second,
			ReconnectionDelayMax: 5 * time.Second,
			ConnectTimeout:       20 * time.Second,
		},
		Diagnostics: DiagnosticsConfig{
			ReconnectionAttempts: 3,
			ConnectTimeout:       10 * time.Second,
		},
		Uplink: UplinkConfig{
			FrameRate:    15,
			JPEGQuality:  70,
			StartTimeout: 10 * time.Second,
			StallTimeout: 15 * time.Second,
		},
		Breaker: BreakerConfig{
			Threshold:    3,
			ResetTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
		Preview: PreviewConfig{
			ListenAddr: "127.0.0.1:8090",
			RateLimit:  30,
		},
	}
}

// Platform and capture source values.
const (
	PlatformAuto    = "auto"
	PlatformDesktop = "desktop"
	PlatformMobile  = "mobile"

	CaptureSynthetic = "synthetic"
	CaptureNone      = "none"
)
