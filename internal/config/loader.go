// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "REPCAM_"

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envList(key string, defaultVal []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseList(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults, then validates.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnvConfig(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadFile decodes a YAML file on top of dst. Unknown keys are rejected.
func (l *Loader) loadFile(path string, dst *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.ServerURL = l.envString(EnvPrefix+"SERVER_URL", cfg.ServerURL)
	cfg.Platform = l.envString(EnvPrefix+"PLATFORM", cfg.Platform)
	cfg.UserAgent = l.envString(EnvPrefix+"USER_AGENT", cfg.UserAgent)
	cfg.Language = l.envString(EnvPrefix+"LANGUAGE", cfg.Language)
	cfg.LogLevel = l.envString(EnvPrefix+"LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = l.envString(EnvPrefix+"LOG_SERVICE", cfg.LogService)

	cfg.HTTP.Timeout = l.envDuration(EnvPrefix+"HTTP_TIMEOUT", cfg.HTTP.Timeout)
	cfg.HTTP.MaxRetries = l.envInt(EnvPrefix+"HTTP_MAX_RETRIES", cfg.HTTP.MaxRetries)
	cfg.HTTP.RateLimit = l.envFloat(EnvPrefix+"HTTP_RATE_LIMIT", cfg.HTTP.RateLimit)

	cfg.WebRTC.ICEServers = l.envList(EnvPrefix+"ICE_SERVERS", cfg.WebRTC.ICEServers)
	cfg.WebRTC.IncludeLoopback = l.envBool(EnvPrefix+"ICE_INCLUDE_LOOPBACK", cfg.WebRTC.IncludeLoopback)

	cfg.Capture.Source = l.envString(EnvPrefix+"CAPTURE_SOURCE", cfg.Capture.Source)

	cfg.Legacy.ProbeTimeout = l.envDuration(EnvPrefix+"LEGACY_PROBE_TIMEOUT", cfg.Legacy.ProbeTimeout)

	cfg.Realtime.Transports = l.envList(EnvPrefix+"REALTIME_TRANSPORTS", cfg.Realtime.Transports)
	cfg.Realtime.Upgrade = l.envBool(EnvPrefix+"REALTIME_UPGRADE", cfg.Realtime.Upgrade)
	cfg.Realtime.ReconnectionAttempts = l.envInt(EnvPrefix+"RECONNECTION_ATTEMPTS", cfg.Realtime.ReconnectionAttempts)
	cfg.Realtime.ReconnectionDelay = l.envDuration(EnvPrefix+"RECONNECTION_DELAY", cfg.Realtime.ReconnectionDelay)
	cfg.Realtime.ReconnectionDelayMax = l.envDuration(EnvPrefix+"RECONNECTION_DELAY_MAX", cfg.Realtime.ReconnectionDelayMax)
	cfg.Realtime.ConnectTimeout = l.envDuration(EnvPrefix+"CONNECT_TIMEOUT", cfg.Realtime.ConnectTimeout)

	cfg.Diagnostics.ReportPath = l.envString(EnvPrefix+"DIAG_REPORT_PATH", cfg.Diagnostics.ReportPath)

	cfg.Uplink.FrameRate = l.envInt(EnvPrefix+"UPLINK_FPS", cfg.Uplink.FrameRate)
	cfg.Uplink.StallTimeout = l.envDuration(EnvPrefix+"UPLINK_STALL_TIMEOUT", cfg.Uplink.StallTimeout)

	cfg.Breaker.Threshold = l.envInt(EnvPrefix+"BREAKER_THRESHOLD", cfg.Breaker.Threshold)
	cfg.Breaker.ResetTimeout = l.envDuration(EnvPrefix+"BREAKER_RESET", cfg.Breaker.ResetTimeout)

	cfg.Telemetry.Enabled = l.envBool(EnvPrefix+"OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = l.envString(EnvPrefix+"OTEL_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = l.envString(EnvPrefix+"OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = l.envFloat(EnvPrefix+"OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)

	cfg.Preview.ListenAddr = l.envString(EnvPrefix+"PREVIEW_ADDR", cfg.Preview.ListenAddr)
}
