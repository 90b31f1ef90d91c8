// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command repcam is the exercise camera client: it negotiates how the
// processed exercise video reaches the display, streams local frames to the
// server and diagnoses the realtime channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ManuGH/repcam/internal/config"
	xglog "github.com/ManuGH/repcam/internal/log"
	"github.com/ManuGH/repcam/internal/telemetry"
	"github.com/ManuGH/repcam/internal/version"
)

type rootOptions struct {
	configPath string
	logLevel   string
	serverURL  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "repcam",
		Short:         "Exercise camera client",
		Long:          "repcam selects a video delivery path for an exercise, streams camera frames to the exercise server and runs connection diagnostics.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (YAML)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().StringVar(&opts.serverURL, "server", "", "override the exercise server URL")

	root.AddCommand(
		newVersionCmd(),
		newExercisesCmd(opts),
		newWatchCmd(opts),
		newUplinkCmd(opts),
		newDiagCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// loadConfig resolves the effective configuration and configures logging.
// Precedence: flags > ENV > file > defaults.
func loadConfig(opts *rootOptions) (config.AppConfig, error) {
	xglog.Configure(xglog.Config{Level: "info", Service: "repcam", Version: version.Version})
	logger := xglog.WithComponent("cli")

	path := strings.TrimSpace(opts.configPath)
	if path == "" {
		path = config.ParseString(config.EnvPrefix+"CONFIG", "")
	}
	cfg, err := config.NewLoader(path, version.Version).Load()
	if err != nil {
		return cfg, err
	}
	if opts.serverURL != "" {
		cfg.ServerURL = opts.serverURL
		if err := config.Validate(cfg); err != nil {
			return cfg, err
		}
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: cfg.LogService, Version: cfg.Version})
	source := "env+defaults"
	if path != "" {
		source = "file"
	}
	logger = xglog.WithComponent("cli")
	logger.Debug().
		Str(xglog.FieldEvent, "config.loaded").
		Str("source", source).
		Str("path", path).
		Str(xglog.FieldURL, cfg.ServerURL).
		Msg("configuration loaded")
	return cfg, nil
}

// startTelemetry installs the tracer provider; the returned func flushes it.
func startTelemetry(ctx context.Context, cfg config.AppConfig) func() {
	tcfg := telemetry.FromAppConfig(cfg.Telemetry.Enabled, cfg.Telemetry.Exporter, cfg.Telemetry.Endpoint, cfg.Telemetry.SamplingRate, cfg.Version)
	provider, err := telemetry.NewProvider(ctx, tcfg)
	if err != nil {
		logger := xglog.WithComponent("cli")
		logger.Warn().Err(err).Str(xglog.FieldEvent, "telemetry.init_failed").Msg("tracing disabled")
		return func() {}
	}
	return func() {
		if err := provider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger := xglog.WithComponent("cli")
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}
}
