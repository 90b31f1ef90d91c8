// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package diagnostics forces realtime sessions onto single transports,
// measures connect latency, and reports subsystem health with a
// recommendation.
package diagnostics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/repcam/internal/log"
	"github.com/ManuGH/repcam/internal/metrics"
	"github.com/ManuGH/repcam/internal/realtime"
	"github.com/ManuGH/repcam/internal/realtime/engineio"
)

// Kind is a connection kind whose outcome the harness records.
type Kind string

const (
	KindPolling   Kind = Kind(engineio.KindPolling)
	KindWebSocket Kind = Kind(engineio.KindWebSocket)
	KindPeer      Kind = "peer"
)

// Options configure a Harness.
type Options struct {
	ServerURL string
	Path      string
	// ReconnectionAttempts and Timeout apply to every forced session.
	ReconnectionAttempts int
	Timeout              time.Duration
	// ReconnectionDelay overrides the session default; tests shorten it.
	ReconnectionDelay time.Duration

	UserAgent string
	Language  string

	// Peer, when set, is attempted by Run after the transports and recorded
	// as KindPeer.
	Peer PeerAttempt
}

// PeerAttempt opens and tears down one peer media session.
type PeerAttempt func(ctx context.Context) error

// PingPayload is sent after each successful connect.
type PingPayload struct {
	Timestamp  int64      `json:"timestamp"`
	ClientInfo ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client in a ping.
type ClientInfo struct {
	UserAgent string `json:"userAgent"`
	Language  string `json:"language"`
}

// Pong is the server's reply to a ping.
type Pong struct {
	ServerTime   float64         `json:"server_time"`
	Message      string          `json:"message"`
	ReceivedData json.RawMessage `json:"received_data"`
}

// Results are the accumulated counters. Record is the only writer.
type Results struct {
	Attempts           int       `json:"connectionAttempts"`
	Successes          int       `json:"successfulConnections"`
	Failures           int       `json:"failedConnections"`
	PollingSucceeded   bool      `json:"pollingSucceeded"`
	WebSocketSucceeded bool      `json:"websocketSucceeded"`
	PeerSucceeded      bool      `json:"peerSucceeded"`
	LatestError        string    `json:"latestError,omitempty"`
	Latency            []float64 `json:"latency"`

	perKind map[Kind]*TransportDetails
}

// Harness drives forced-transport sessions. Each TestConnection owns a fresh
// session; the previous one is disconnected first.
type Harness struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	results  Results
	session  *realtime.Session
	pongs    int
	checkers []HealthChecker
	checked  map[Subsystem]SubsystemHealth
}

// NewHarness creates a harness with empty results.
func NewHarness(opts Options) *Harness {
	if opts.Path == "" {
		opts.Path = "/socket.io/"
	}
	if opts.ReconnectionAttempts <= 0 {
		opts.ReconnectionAttempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Harness{
		opts:    opts,
		logger:  xglog.WithComponent("diagnostics"),
		now:     time.Now,
		results: Results{Latency: []float64{}, perKind: make(map[Kind]*TransportDetails)},
		checked: make(map[Subsystem]SubsystemHealth),
	}
}

// AddChecker registers an active subsystem probe run by Run.
func (h *Harness) AddChecker(c HealthChecker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

// Record accumulates one connection outcome. latency is only kept for
// successes.
func (h *Harness) Record(kind Kind, latency time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := &h.results
	r.Attempts++
	d := r.perKind[kind]
	if d == nil {
		d = &TransportDetails{}
		r.perKind[kind] = d
	}
	d.Attempts++

	if err != nil {
		r.Failures++
		d.Failures++
		r.LatestError = err.Error()
		return
	}

	r.Successes++
	d.Successes++
	r.Latency = append(r.Latency, float64(latency)/float64(time.Millisecond))
	switch kind {
	case KindPolling:
		r.PollingSucceeded = true
	case KindWebSocket:
		r.WebSocketSucceeded = true
	case KindPeer:
		r.PeerSucceeded = true
	}
}

// TestConnection connects a fresh session forced onto kind, records the
// outcome and, on success, sends a ping. Failure is returned, never retried
// on another transport.
func (h *Harness) TestConnection(ctx context.Context, kind engineio.Kind) error {
	h.closeSession()

	opts := realtime.ForcedOptions(h.opts.ServerURL, h.opts.Path, kind, h.opts.ReconnectionAttempts, h.opts.Timeout)
	if h.opts.ReconnectionDelay > 0 {
		opts.ReconnectionDelay = h.opts.ReconnectionDelay
		opts.ReconnectionDelayMax = 5 * h.opts.ReconnectionDelay
	}
	s := realtime.NewSession(opts)
	logger := h.logger.With().Str(xglog.FieldTransport, string(kind)).Logger()

	realtime.SubscribeJSON(s, "pong", func(p Pong) { h.onPong(logger, p) })
	s.Subscribe(realtime.EventConnectError, func(ev realtime.Event) {
		var body struct {
			Message string `json:"message"`
		}
		_ = ev.Decode(&body)
		logger.Debug().Str("error", body.Message).Msg("connect error")
	})
	s.Subscribe(realtime.EventDisconnect, func(ev realtime.Event) {
		var reason string
		_ = ev.Decode(&reason)
		logger.Debug().Str(xglog.FieldReason, reason).Msg("disconnected")
	})

	logger.Info().Msg("testing connection")
	start := h.now()
	err := s.Connect(ctx)
	elapsed := h.now().Sub(start)
	h.Record(Kind(kind), elapsed, err)

	if err != nil {
		logger.Warn().Err(err).Msg("connection test failed")
		s.Disconnect()
		return err
	}
	logger.Info().Int64(xglog.FieldLatencyMS, elapsed.Milliseconds()).Msg("connected")

	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
	h.SendPing()
	return nil
}

// TestPeer runs attempt bounded by the harness timeout and records the
// outcome as KindPeer.
func (h *Harness) TestPeer(ctx context.Context, attempt PeerAttempt) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	logger := h.logger.With().Str(xglog.FieldTransport, string(KindPeer)).Logger()
	logger.Info().Msg("testing peer media")
	start := h.now()
	err := attempt(ctx)
	elapsed := h.now().Sub(start)
	h.Record(KindPeer, elapsed, err)

	if err != nil {
		logger.Warn().Err(err).Msg("peer media test failed")
		return err
	}
	logger.Info().Int64(xglog.FieldLatencyMS, elapsed.Milliseconds()).Msg("peer media negotiated")
	return nil
}

// SendPing sends a ping on the current test session. It returns false when
// no session is connected.
func (h *Harness) SendPing() bool {
	h.mu.Lock()
	s := h.session
	h.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Send("ping", PingPayload{
		Timestamp: h.now().UnixMilli(),
		ClientInfo: ClientInfo{
			UserAgent: h.opts.UserAgent,
			Language:  h.opts.Language,
		},
	})
}

func (h *Harness) onPong(logger zerolog.Logger, p Pong) {
	var sent PingPayload
	ev := logger.Info().Str("message", p.Message)
	if json.Unmarshal(p.ReceivedData, &sent) == nil && sent.Timestamp > 0 {
		rtt := h.now().Sub(time.UnixMilli(sent.Timestamp))
		metrics.ObservePingLatency(rtt)
		ev = ev.Int64(xglog.FieldLatencyMS, rtt.Milliseconds())
	}
	ev.Msg("pong")

	h.mu.Lock()
	h.pongs++
	h.mu.Unlock()
}

// Pongs counts replies received across test sessions.
func (h *Harness) Pongs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pongs
}

func (h *Harness) closeSession() {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.mu.Unlock()
	if s != nil {
		s.Disconnect()
	}
}

// Close disconnects the current test session.
func (h *Harness) Close() {
	h.closeSession()
}

// Run tests every kind in order, then the peer attempt if configured, then
// the registered checkers, and returns the report.
func (h *Harness) Run(ctx context.Context, kinds ...engineio.Kind) Report {
	for _, k := range kinds {
		_ = h.TestConnection(ctx, k)
	}
	h.closeSession()
	if h.opts.Peer != nil {
		_ = h.TestPeer(ctx, h.opts.Peer)
	}

	h.mu.Lock()
	checkers := append([]HealthChecker(nil), h.checkers...)
	h.mu.Unlock()

	for _, c := range checkers {
		health := c.Check(ctx)
		h.mu.Lock()
		h.checked[health.Subsystem] = health
		h.mu.Unlock()
	}
	return h.Report()
}
