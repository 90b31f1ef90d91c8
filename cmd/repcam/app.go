// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/ManuGH/repcam/internal/config"
	"github.com/ManuGH/repcam/internal/delivery"
	"github.com/ManuGH/repcam/internal/diagnostics"
	xglog "github.com/ManuGH/repcam/internal/log"
	"github.com/ManuGH/repcam/internal/media"
	"github.com/ManuGH/repcam/internal/peer"
	"github.com/ManuGH/repcam/internal/realtime"
	"github.com/ManuGH/repcam/internal/resilience"
	"github.com/ManuGH/repcam/internal/serverapi"
)

// app holds the collaborators shared by the commands.
type app struct {
	cfg      config.AppConfig
	client   *serverapi.Client
	platform delivery.Platform
	display  *media.Display
}

func newApp(cfg config.AppConfig) *app {
	client := serverapi.NewClient(cfg.ServerURL, serverapi.Options{
		Timeout:        cfg.HTTP.Timeout,
		MaxRetries:     cfg.HTTP.MaxRetries,
		Backoff:        cfg.HTTP.Backoff,
		MaxBackoff:     cfg.HTTP.MaxBackoff,
		UserAgent:      cfg.UserAgent,
		RateLimit:      rate.Limit(cfg.HTTP.RateLimit),
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
	})
	return &app{
		cfg:      cfg,
		client:   client,
		platform: delivery.ResolvePlatform(cfg.Platform, cfg.UserAgent),
		display:  media.NewDisplay(),
	}
}

func capturerFor(cfg config.CaptureConfig) media.Capturer {
	if cfg.Source == config.CaptureNone {
		return media.NoCamera{}
	}
	return media.NewSyntheticCamera()
}

// negotiator builds the delivery negotiator for the resolved platform.
func (a *app) negotiator() *delivery.Negotiator {
	deps := delivery.Deps{
		// The probe only opens the feed, so the client timeout bounds it.
		HTTPClient: &http.Client{Timeout: a.cfg.Legacy.ProbeTimeout},
		FeedURL:    a.client.VideoFeedURL,
		Capturer:   capturerFor(a.cfg.Capture),
		Signaler:   a.client,
		Peer:       a.peerConfig(),
	}
	if a.cfg.Breaker.Threshold > 0 {
		deps.Breaker = resilience.NewCircuitBreaker(delivery.TierPeerMedia, a.cfg.Breaker.Threshold, a.cfg.Breaker.ResetTimeout)
	}
	return delivery.NewNegotiator(a.platform, a.display, delivery.Strategies(a.platform, deps)...)
}

func (a *app) peerConfig() peer.Config {
	return peer.Config{
		ICEServers:      a.cfg.WebRTC.ICEServers,
		IncludeLoopback: a.cfg.WebRTC.IncludeLoopback,
		LoggerFactory:   xglog.NewPionFactory(),
	}
}

// peerAttempt negotiates one throwaway peer session for exerciseID with the
// platform's capture constraints.
func (a *app) peerAttempt(exerciseID string) diagnostics.PeerAttempt {
	return func(ctx context.Context) error {
		s := peer.NewSession(a.peerConfig(), a.client)
		defer func() { _ = s.Close() }()
		local, err := s.AcquireCapture(ctx, capturerFor(a.cfg.Capture), delivery.ConstraintsFor(a.platform))
		if err != nil {
			return err
		}
		return s.Open(ctx, exerciseID, local)
	}
}

// session builds the default realtime session.
func (a *app) session() (*realtime.Session, error) {
	opts, err := realtime.OptionsFromConfig(a.cfg.ServerURL, a.cfg.Realtime)
	if err != nil {
		return nil, err
	}
	return realtime.NewSession(opts), nil
}
