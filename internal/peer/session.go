// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package peer implements the WebRTC peer media session: local capture tracks
// are offered to the exercise server through a single signaling exchange, and
// the first remote stream is handed to the display.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	xglog "github.com/ManuGH/repcam/internal/log"
	"github.com/ManuGH/repcam/internal/media"
	"github.com/ManuGH/repcam/internal/serverapi"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateIdle             State = "idle"
	StateAcquiringCapture State = "acquiring-capture"
	StateNegotiating      State = "negotiating"
	StateConnected        State = "connected"
	StateFailed           State = "failed"
	StateClosed           State = "closed"
)

// DefaultICEServers are public STUN servers. No TURN relay is configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Signaler performs the offer/answer exchange.
type Signaler interface {
	Offer(ctx context.Context, req serverapi.OfferRequest) (*serverapi.OfferResponse, error)
}

// Config configures a Session.
type Config struct {
	// ICEServers defaults to DefaultICEServers when nil. An empty non-nil
	// slice disables STUN entirely.
	ICEServers []string
	// IncludeLoopback gathers loopback candidates; only useful against a local server.
	IncludeLoopback bool
	// LoggerFactory receives pion's internal logs. Defaults to zerolog.
	LoggerFactory logging.LoggerFactory
}

// Session is one peer media session. It owns the capture stream it acquired
// or was given, and the peer connection it created. A Session is single-use.
type Session struct {
	cfg      Config
	signaler Signaler
	logger   zerolog.Logger

	mu         sync.Mutex
	state      State
	pc         *webrtc.PeerConnection
	local      *media.LocalStream
	remote     *RemoteStream
	sink       media.Sink
	closed     bool
	lostFired  bool
	onLost     func(error)
	onRemote   func(*RemoteStream)
	skippedICE int
}

// NewSession creates an idle session.
func NewSession(cfg Config, signaler Signaler) *Session {
	if cfg.ICEServers == nil {
		cfg.ICEServers = DefaultICEServers
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = xglog.NewPionFactory()
	}
	return &Session{
		cfg:      cfg,
		signaler: signaler,
		logger:   xglog.WithComponent("peer"),
		state:    StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnConnectivityLost registers the callback fired once when ICE fails or
// disconnects after Open. The session never restarts ICE itself.
func (s *Session) OnConnectivityLost(fn func(error)) {
	s.mu.Lock()
	s.onLost = fn
	s.mu.Unlock()
}

// OnRemoteStream registers the callback fired for the first remote stream.
func (s *Session) OnRemoteStream(fn func(*RemoteStream)) {
	s.mu.Lock()
	s.onRemote = fn
	s.mu.Unlock()
}

// RemoteStream returns the first remote stream, or nil if none arrived yet.
func (s *Session) RemoteStream() *RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// SkippedCandidates returns how many remote candidates failed to apply.
func (s *Session) SkippedCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skippedICE
}

// AcquireCapture acquires local capture through c. The stream becomes owned by
// the session and is stopped by Close.
func (s *Session) AcquireCapture(ctx context.Context, c media.Capturer, constraints media.Constraints) (*media.LocalStream, error) {
	if !s.transition(StateIdle, StateAcquiringCapture) {
		return nil, ErrClosed
	}

	stream, err := c.Acquire(ctx, constraints)
	if err != nil {
		s.setState(StateFailed)
		return nil, fmt.Errorf("%w: %w", ErrCaptureDenied, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stream.Stop()
		return nil, ErrClosed
	}
	s.local = stream
	s.mu.Unlock()
	return stream, nil
}

// Open negotiates a peer connection for exerciseID. A nil return means the
// signaling exchange was applied and the session is connected; later
// connectivity loss is reported through OnConnectivityLost.
func (s *Session) Open(ctx context.Context, exerciseID string, local *media.LocalStream) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle && s.state != StateAcquiringCapture {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("open in state %s", st)
	}
	s.state = StateNegotiating
	if local != nil {
		s.local = local
	}
	s.mu.Unlock()

	logger := s.logger.With().Str(xglog.FieldExerciseID, exerciseID).Logger()

	if err := s.negotiate(ctx, exerciseID, local, logger); err != nil {
		s.mu.Lock()
		if !s.closed {
			s.state = StateFailed
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.lostFired:
		s.mu.Unlock()
		return ErrConnectivityLost
	}
	s.state = StateConnected
	s.mu.Unlock()
	logger.Info().Str(xglog.FieldEvent, "peer.connected").Int("skipped_candidates", s.SkippedCandidates()).Msg("peer session negotiated")
	return nil
}

func (s *Session) negotiate(ctx context.Context, exerciseID string, local *media.LocalStream, logger zerolog.Logger) error {
	pc, err := s.newPeerConnection()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDescriptionApply, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = pc.Close()
		return ErrClosed
	}
	s.pc = pc
	s.mu.Unlock()

	if err := s.addMedia(pc, local); err != nil {
		return fmt.Errorf("%w: %v", ErrDescriptionApply, err)
	}
	s.watch(pc, logger)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrDescriptionApply, err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %v", ErrDescriptionApply, err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.isClosed() {
		return ErrClosed
	}

	resp, err := s.signaler.Offer(ctx, serverapi.OfferRequest{
		SDP: serverapi.SessionDescription{
			Type: webrtc.SDPTypeOffer.String(),
			SDP:  pc.LocalDescription().SDP,
		},
		Exercise: exerciseID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrSignaling, err)
	}
	if s.isClosed() {
		return ErrClosed
	}

	answer := webrtc.SessionDescription{Type: webrtc.NewSDPType(resp.SDP.Type), SDP: resp.SDP.SDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrDescriptionApply, err)
	}

	for i, c := range resp.ICECandidates {
		init := webrtc.ICECandidateInit{
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		}
		if err := pc.AddICECandidate(init); err != nil {
			s.mu.Lock()
			s.skippedICE++
			s.mu.Unlock()
			logger.Warn().Err(err).
				Str(xglog.FieldEvent, "peer.candidate_skipped").
				Int("index", i).
				Msg("failed to apply remote candidate, skipping")
		}
	}
	return nil
}

func (s *Session) newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: s.cfg.LoggerFactory}
	se.SetIncludeLoopbackCandidate(s.cfg.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	)
	var servers []webrtc.ICEServer
	if len(s.cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: s.cfg.ICEServers}}
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// addMedia attaches local video tracks, or a receive-only video transceiver
// when there is no local video. Audio is never negotiated.
func (s *Session) addMedia(pc *webrtc.PeerConnection, local *media.LocalStream) error {
	added := 0
	for _, t := range local.Tracks() {
		if t.Kind() != webrtc.RTPCodecTypeVideo || !t.Live() {
			continue
		}
		sender, err := pc.AddTrack(t.RTP())
		if err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		added++
		go drainRTCP(sender)
	}
	if added > 0 {
		return nil
	}
	_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

// drainRTCP reads until the sender stops so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *Session) watch(pc *webrtc.PeerConnection, logger zerolog.Logger) {
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug().Str(xglog.FieldEvent, "peer.ice_state").Str(xglog.FieldICEState, state.String()).Msg("ice connection state changed")
		if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateDisconnected {
			s.connectivityLost(state, logger)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go drainRTP(track)

		s.mu.Lock()
		if s.closed || s.remote != nil {
			if s.remote != nil && s.remote.id == track.StreamID() {
				s.remote.addTrack(track)
			}
			s.mu.Unlock()
			return
		}
		rs := newRemoteStream(track)
		s.remote = rs
		sink := s.sink
		cb := s.onRemote
		s.mu.Unlock()

		logger.Info().Str(xglog.FieldEvent, "peer.remote_stream").Str(xglog.FieldStreamID, rs.id).Str(xglog.FieldTrackID, track.ID()).Msg("remote stream received")
		if sink != nil {
			sink.ShowStream(rs)
		}
		if cb != nil {
			cb(rs)
		}
	})
}

func drainRTP(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (s *Session) connectivityLost(state webrtc.ICEConnectionState, logger zerolog.Logger) {
	s.mu.Lock()
	if s.closed || s.lostFired {
		s.mu.Unlock()
		return
	}
	s.lostFired = true
	s.state = StateFailed
	cb := s.onLost
	s.mu.Unlock()

	logger.Warn().Str(xglog.FieldEvent, "peer.connectivity_lost").Str(xglog.FieldICEState, state.String()).Msg("peer connectivity lost")
	if cb != nil {
		cb(fmt.Errorf("%w: ice %s", ErrConnectivityLost, state))
	}
}

// Bind attaches the display sink. If a remote stream already arrived it is
// shown immediately; otherwise it is shown on arrival.
func (s *Session) Bind(sink media.Sink) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.sink = sink
	rs := s.remote
	s.mu.Unlock()

	if rs != nil && sink != nil {
		sink.ShowStream(rs)
	}
}

// Close tears the session down: peer connection, every local track, and the
// bound sink. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosed
	pc := s.pc
	local := s.local
	sink := s.sink
	s.pc, s.local, s.sink = nil, nil, nil
	s.mu.Unlock()

	var errs []error
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer connection: %w", err))
		}
	}
	local.Stop()
	if sink != nil {
		sink.Clear()
	}
	return errors.Join(errs...)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if !s.closed {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != from {
		return false
	}
	s.state = to
	return true
}
