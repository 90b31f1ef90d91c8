// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ManuGH/repcam/internal/config"
	"github.com/ManuGH/repcam/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the environment before serving.
func PerformStartupChecks(_ context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkServerURL(logger, cfg.ServerURL); err != nil {
		return fmt.Errorf("server url check failed: %w", err)
	}
	if err := checkListenAddr(logger, cfg.Preview.ListenAddr); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}
	if cfg.Diagnostics.ReportPath != "" {
		if err := checkWritableDir(logger, filepath.Dir(cfg.Diagnostics.ReportPath)); err != nil {
			return fmt.Errorf("report directory check failed: %w", err)
		}
	}
	if cfg.Capture.Source == config.CaptureNone {
		logger.Warn().Msg("capture disabled; peer media will always fall back to the legacy stream")
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkServerURL(logger zerolog.Logger, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server URL scheme must be http or https, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server URL %q has no host", raw)
	}
	logger.Info().Str("url", raw).Msg("server URL is valid")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

func checkWritableDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("report directory is writable")
	return nil
}
