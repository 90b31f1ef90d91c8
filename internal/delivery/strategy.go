// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package delivery

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ManuGH/repcam/internal/media"
	"github.com/ManuGH/repcam/internal/mjpeg"
	"github.com/ManuGH/repcam/internal/peer"
	"github.com/ManuGH/repcam/internal/resilience"
)

// Path is an established delivery path. It owns every resource it acquired;
// Close releases them and is idempotent.
type Path interface {
	Mode() Mode
	Bind(sink media.Sink)
	Close() error
}

// lossNotifier is implemented by paths that can lose connectivity after they
// were established.
type lossNotifier interface {
	OnConnectivityLost(fn func(error))
}

// Strategy is one tier. Attempt either returns a path ready to bind or an
// error, in which case it has released everything it acquired.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, exerciseID string) (Path, error)
}

// FeedURLFunc returns the legacy stream URL for an exercise.
type FeedURLFunc func(exerciseID string) string

// Deps are the collaborators the built-in tiers need.
type Deps struct {
	HTTPClient *http.Client
	FeedURL    FeedURLFunc
	Capturer   media.Capturer
	Signaler   peer.Signaler
	Peer       peer.Config
	// Breaker gates the peer-media tier. Nil disables it.
	Breaker *resilience.CircuitBreaker
}

// Strategies returns the tier order for p.
func Strategies(p Platform, deps Deps) []Strategy {
	peerTier := PeerMedia(PeerMediaConfig{
		Capturer:    deps.Capturer,
		Signaler:    deps.Signaler,
		Peer:        deps.Peer,
		Constraints: ConstraintsFor(p),
		Breaker:     deps.Breaker,
	})
	legacy := LegacyStream(deps.FeedURL)
	if p == PlatformMobile {
		return []Strategy{peerTier, legacy}
	}
	return []Strategy{LegacyProbe(deps.HTTPClient, deps.FeedURL), peerTier, legacy}
}

type legacyPath struct {
	url string
}

func (p *legacyPath) Mode() Mode { return ModeLegacyStream }

func (p *legacyPath) Bind(sink media.Sink) { sink.ShowImageStream(p.url) }

func (p *legacyPath) Close() error { return nil }

type legacyProbe struct {
	client *http.Client
	feed   FeedURLFunc
}

// LegacyProbe is the desktop first tier: it verifies the feed answers as a
// multipart image stream before binding it.
func LegacyProbe(client *http.Client, feed FeedURLFunc) Strategy {
	return &legacyProbe{client: client, feed: feed}
}

func (s *legacyProbe) Name() string { return TierLegacyProbe }

func (s *legacyProbe) Attempt(ctx context.Context, exerciseID string) (Path, error) {
	url := s.feed(exerciseID)
	if err := mjpeg.Probe(ctx, s.client, url); err != nil {
		return nil, err
	}
	return &legacyPath{url: url}, nil
}

type legacyStream struct {
	feed FeedURLFunc
}

// LegacyStream is the terminal tier. It binds the feed without checking it.
func LegacyStream(feed FeedURLFunc) Strategy {
	return &legacyStream{feed: feed}
}

func (s *legacyStream) Name() string { return TierLegacyStream }

func (s *legacyStream) Attempt(_ context.Context, exerciseID string) (Path, error) {
	return &legacyPath{url: s.feed(exerciseID)}, nil
}

// PeerMediaConfig configures the peer-media tier.
type PeerMediaConfig struct {
	Capturer    media.Capturer
	Signaler    peer.Signaler
	Peer        peer.Config
	Constraints media.Constraints
	Breaker     *resilience.CircuitBreaker
}

type peerMedia struct {
	cfg PeerMediaConfig
}

// PeerMedia acquires capture and opens a peer media session.
func PeerMedia(cfg PeerMediaConfig) Strategy {
	if cfg.Capturer == nil {
		cfg.Capturer = media.NoCamera{}
	}
	return &peerMedia{cfg: cfg}
}

func (s *peerMedia) Name() string { return TierPeerMedia }

func (s *peerMedia) Attempt(ctx context.Context, exerciseID string) (Path, error) {
	breaker := s.cfg.Breaker
	if breaker != nil && !breaker.Allow() {
		return nil, fmt.Errorf("%w: %w", ErrTierSuspended, resilience.ErrCircuitOpen)
	}

	session := peer.NewSession(s.cfg.Peer, s.cfg.Signaler)
	path := newPeerPath(session)

	err := func() error {
		local, err := session.AcquireCapture(ctx, s.cfg.Capturer, s.cfg.Constraints)
		if err != nil {
			return err
		}
		return session.Open(ctx, exerciseID, local)
	}()
	if err != nil {
		_ = session.Close()
		if breaker != nil {
			if ctx.Err() != nil {
				breaker.Release()
			} else {
				breaker.RecordFailure()
			}
		}
		return nil, err
	}
	if breaker != nil {
		breaker.RecordSuccess()
	}
	return path, nil
}

// peerPath latches a connectivity loss that happens before the negotiator
// registers its callback.
type peerPath struct {
	session *peer.Session

	mu      sync.Mutex
	lostErr error
	onLost  func(error)
}

func newPeerPath(s *peer.Session) *peerPath {
	p := &peerPath{session: s}
	s.OnConnectivityLost(p.lost)
	return p
}

func (p *peerPath) Mode() Mode { return ModePeerMedia }

func (p *peerPath) Bind(sink media.Sink) { p.session.Bind(sink) }

func (p *peerPath) Close() error { return p.session.Close() }

func (p *peerPath) OnConnectivityLost(fn func(error)) {
	p.mu.Lock()
	p.onLost = fn
	err := p.lostErr
	p.mu.Unlock()
	if err != nil && fn != nil {
		fn(err)
	}
}

func (p *peerPath) lost(err error) {
	p.mu.Lock()
	if p.lostErr != nil {
		p.mu.Unlock()
		return
	}
	p.lostErr = err
	fn := p.onLost
	p.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
