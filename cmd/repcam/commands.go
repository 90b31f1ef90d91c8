// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/repcam/internal/delivery"
	"github.com/ManuGH/repcam/internal/diagnostics"
	"github.com/ManuGH/repcam/internal/health"
	xglog "github.com/ManuGH/repcam/internal/log"
	"github.com/ManuGH/repcam/internal/media"
	"github.com/ManuGH/repcam/internal/mjpeg"
	"github.com/ManuGH/repcam/internal/preview"
	"github.com/ManuGH/repcam/internal/realtime/engineio"
	"github.com/ManuGH/repcam/internal/uplink"
	"github.com/ManuGH/repcam/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Current().String())
			return err
		},
	}
}

func newExercisesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exercises",
		Short: "List the exercises offered by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			a := newApp(cfg)
			list, err := a.client.ListExercises(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME")
			for _, ex := range list {
				fmt.Fprintf(tw, "%s\t%s\n", ex.ID, ex.Name)
			}
			return tw.Flush()
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var frames int
	cmd := &cobra.Command{
		Use:   "watch EXERCISE",
		Short: "Negotiate delivery for an exercise and follow it",
		Long:  "watch runs the delivery tiers for EXERCISE, prints each status change and, on the legacy stream, reads frames until interrupted or --frames is reached.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer startTelemetry(ctx, cfg)()

			a := newApp(cfg)
			n := a.negotiator()
			defer n.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			n.OnChange(func(out delivery.Outcome) { _ = enc.Encode(out) })

			out := n.Establish(ctx, args[0])
			if out.Status == delivery.StatusError {
				return fmt.Errorf("no delivery path for %q", args[0])
			}
			if out.Stale || out.Status == delivery.StatusNoSelection {
				return ctx.Err()
			}
			return follow(ctx, cmd.OutOrStdout(), a.display, frames)
		},
	}
	cmd.Flags().IntVar(&frames, "frames", 0, "stop after this many legacy frames (0 = until interrupted)")
	return cmd
}

// follow reads the legacy stream the display is bound to. A live stream is
// held until ctx ends.
func follow(ctx context.Context, w io.Writer, display *media.Display, limit int) error {
	src := display.Current()
	if src.Kind != media.SourceImageStream {
		<-ctx.Done()
		return nil
	}

	stream, err := mjpeg.Open(ctx, nil, src.URL)
	if err != nil {
		return err
	}
	defer stream.Close()

	for n := 1; limit <= 0 || n <= limit; n++ {
		frame, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fmt.Fprintf(w, "frame %d: %d bytes\n", n, len(frame.Data))
	}
	return nil
}

func newUplinkCmd(opts *rootOptions) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "uplink EXERCISE",
		Short: "Stream camera frames to the server and print the processed results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			defer startTelemetry(ctx, cfg)()

			a := newApp(cfg)
			session, err := a.session()
			if err != nil {
				return err
			}
			defer session.Disconnect()
			if err := session.Connect(ctx); err != nil {
				return fmt.Errorf("connect realtime channel: %w", err)
			}

			src := media.NewPatternSource(cfg.Capture.Width, cfg.Capture.Height, cfg.Uplink.JPEGQuality)
			s := uplink.New(session, src, uplink.Options{
				ExerciseID:   args[0],
				FrameRate:    cfg.Uplink.FrameRate,
				StartTimeout: cfg.Uplink.StartTimeout,
				StallTimeout: cfg.Uplink.StallTimeout,
			})
			out := cmd.OutOrStdout()
			s.OnFrame(func(f uplink.ProcessedFrame) {
				fmt.Fprintf(out, "left=%d right=%d feedback=%q\n", f.LeftCounter, f.RightCounter, f.Feedback)
			})
			s.OnError(func(e uplink.ServerError) {
				fmt.Fprintf(out, "server error: %s\n", e.Message)
			})
			if err := s.Start(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				s.Stop()
			case <-s.Done():
			}
			stats := s.Stats()
			fmt.Fprintf(out, "sent=%d skipped=%d processed=%d\n", stats.Sent, stats.Skipped, stats.Processed)
			return s.Err()
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 = until interrupted)")
	return cmd
}

func newDiagCmd(opts *rootOptions) *cobra.Command {
	var (
		out      string
		exercise string
	)
	cmd := &cobra.Command{
		Use:   "diag",
		Short: "Test the realtime transports (and peer media with --exercise) and report subsystem health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer startTelemetry(ctx, cfg)()

			a := newApp(cfg)
			hopts := diagnostics.Options{
				ServerURL:            cfg.ServerURL,
				Path:                 cfg.Realtime.Path,
				ReconnectionAttempts: cfg.Diagnostics.ReconnectionAttempts,
				Timeout:              cfg.Diagnostics.ConnectTimeout,
				UserAgent:            cfg.UserAgent,
				Language:             cfg.Language,
			}
			if exercise != "" {
				hopts.Peer = a.peerAttempt(exercise)
			}
			h := diagnostics.NewHarness(hopts)
			defer h.Close()
			h.AddChecker(diagnostics.NewServerChecker(cfg.ServerURL, a.client, diagnostics.NewLKGCache()))
			if exercise != "" {
				h.AddChecker(diagnostics.NewFeedChecker(a.client.VideoFeedURL(exercise), nil))
			}

			report := h.Run(ctx, engineio.KindPolling, engineio.KindWebSocket)

			if out == "" {
				out = cfg.Diagnostics.ReportPath
			}
			if out != "" {
				if err := diagnostics.WriteReport(out, report); err != nil {
					return err
				}
				logger := xglog.WithComponent("cli")
				logger.Info().Str("path", out).Msg("diagnostics report written")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the report to this file")
	cmd.Flags().StringVar(&exercise, "exercise", "", "also check peer media and the legacy feed of this exercise")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		listen   string
		exercise string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control server",
		Long:  "serve keeps the realtime channel connected and exposes delivery status, exercise selection, health and metrics over HTTP.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Preview.ListenAddr = listen
			}
			ctx := cmd.Context()
			if err := health.PerformStartupChecks(ctx, cfg); err != nil {
				return err
			}
			defer startTelemetry(ctx, cfg)()

			a := newApp(cfg)
			n := a.negotiator()
			defer n.Close()
			session, err := a.session()
			if err != nil {
				return err
			}
			defer session.Disconnect()

			hm := health.NewManager(cfg.Version)
			hm.RegisterChecker(health.NewServerChecker(a.client, cfg.HTTP.Timeout))
			hm.RegisterChecker(health.NewRealtimeChecker(session))

			router := preview.NewRouter(preview.Deps{
				Selector:  n,
				Display:   a.display,
				Catalog:   a.client,
				Health:    hm,
				Session:   session,
				RateLimit: cfg.Preview.RateLimit,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return preview.NewServer(cfg.Preview.ListenAddr, router).Run(gctx)
			})
			g.Go(func() error {
				if err := session.Connect(gctx); err != nil && gctx.Err() == nil {
					logger := xglog.WithComponent("cli")
					logger.Warn().Err(err).Str(xglog.FieldEvent, "realtime.connect_failed").Msg("realtime channel unavailable")
				}
				return nil
			})
			if exercise != "" {
				g.Go(func() error {
					n.Establish(gctx, exercise)
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override the control server listen address")
	cmd.Flags().StringVar(&exercise, "exercise", "", "select this exercise on start")
	return cmd
}
