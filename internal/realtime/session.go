// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package realtime keeps the Socket.IO event channel to the exercise server:
// connect with a per-attempt timeout, bounded reconnection, typed
// publish/subscribe and transport upgrade tracking.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/ManuGH/repcam/internal/config"
	xglog "github.com/ManuGH/repcam/internal/log"
	"github.com/ManuGH/repcam/internal/metrics"
	"github.com/ManuGH/repcam/internal/realtime/engineio"
)

// State of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
)

// Disconnect reasons published with EventDisconnect.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = engineio.ReasonTransportClose
	ReasonTransportError   = engineio.ReasonTransportError
	ReasonPingTimeout      = engineio.ReasonPingTimeout
)

var (
	ErrMaxReconnectAttempts = errors.New("realtime: reconnection attempts exhausted")
	ErrConnectRejected      = errors.New("realtime: connect rejected by server")
	ErrConnectTimeout       = errors.New("realtime: connect timeout")
	ErrClosed               = errors.New("realtime: session closed")
	ErrBusy                 = errors.New("realtime: connect already in progress")
)

// Options configure a Session.
type Options struct {
	// Name labels logs, e.g. "default" or "diag-websocket".
	Name string
	URL  string
	Path string
	// Transports lists allowed transports; the first opens the connection.
	Transports []engineio.Kind
	// Upgrade lets Engine.IO probe WebSocket after opening on polling.
	Upgrade bool

	// ReconnectionAttempts bounds retries after the first attempt fails or an
	// established connection drops. Zero disables reconnection.
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	ReconnectionDelayMax time.Duration
	RandomizationFactor  float64

	// Timeout bounds each connect attempt.
	Timeout time.Duration

	HTTPClient *http.Client
}

// OptionsFromConfig builds the compatibility-first session options: open on
// polling and let the server upgrade.
func OptionsFromConfig(serverURL string, cfg config.RealtimeConfig) (Options, error) {
	kinds := make([]engineio.Kind, 0, len(cfg.Transports))
	for _, t := range cfg.Transports {
		k, err := engineio.ParseKind(strings.TrimSpace(t))
		if err != nil {
			return Options{}, err
		}
		kinds = append(kinds, k)
	}
	return Options{
		Name:                 "default",
		URL:                  serverURL,
		Path:                 cfg.Path,
		Transports:           kinds,
		Upgrade:              cfg.Upgrade,
		ReconnectionAttempts: cfg.ReconnectionAttempts,
		ReconnectionDelay:    cfg.ReconnectionDelay,
		ReconnectionDelayMax: cfg.ReconnectionDelayMax,
		RandomizationFactor:  0.5,
		Timeout:              cfg.ConnectTimeout,
	}, nil
}

// ForcedOptions pins a session to one transport with no upgrade.
func ForcedOptions(serverURL, path string, kind engineio.Kind, attempts int, timeout time.Duration) Options {
	return Options{
		Name:                 "diag-" + string(kind),
		URL:                  serverURL,
		Path:                 path,
		Transports:           []engineio.Kind{kind},
		Upgrade:              false,
		ReconnectionAttempts: attempts,
		ReconnectionDelay:    time.Second,
		ReconnectionDelayMax: 5 * time.Second,
		RandomizationFactor:  0.5,
		Timeout:              timeout,
	}
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = "/socket.io/"
	}
	if len(o.Transports) == 0 {
		o.Transports = []engineio.Kind{engineio.KindPolling, engineio.KindWebSocket}
	}
	if o.ReconnectionAttempts < 0 {
		o.ReconnectionAttempts = 0
	}
	if o.ReconnectionDelay <= 0 {
		o.ReconnectionDelay = time.Second
	}
	if o.ReconnectionDelayMax < o.ReconnectionDelay {
		o.ReconnectionDelayMax = o.ReconnectionDelay
	}
	if o.RandomizationFactor < 0 || o.RandomizationFactor > 1 {
		o.RandomizationFactor = 0.5
	}
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Name == "" {
		o.Name = "default"
	}
	return o
}

// Session is one logical realtime channel. Its zero value is not usable; use
// NewSession.
type Session struct {
	opts   Options
	logger zerolog.Logger
	events *bus

	mu          sync.Mutex
	state       State
	transport   engineio.Kind
	conn        *engineio.Conn
	gen         uint64 // attempt generation; handlers of older attempts are ignored
	activeGen   uint64
	pending     chan error
	pendingConn *engineio.Conn
	degraded    bool
	announced   engineio.Kind
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
}

// NewSession creates a disconnected session.
func NewSession(opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		opts:   opts,
		logger: xglog.WithComponent("realtime").With().Str("session", opts.Name).Str(xglog.FieldURL, opts.URL).Logger(),
		events: newBus(),
		state:  StateDisconnected,
	}
}

// Options returns the effective options.
func (s *Session) Options() Options { return s.opts }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether events can be sent.
func (s *Session) Connected() bool {
	st := s.State()
	return st == StateConnected || st == StateDegraded
}

// Transport returns the transport carrying the connection, or "" when none.
func (s *Session) Transport() engineio.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.transport
}

// Subscribe registers h for event.
func (s *Session) Subscribe(event string, h Handler) *Subscription {
	return s.events.add(event, h)
}

// SubscribeJSON registers fn for event, decoding the first argument into T.
// Events whose payload does not decode are logged and dropped.
func SubscribeJSON[T any](s *Session, event string, fn func(T)) *Subscription {
	return s.Subscribe(event, func(ev Event) {
		var v T
		if err := ev.Decode(&v); err != nil {
			s.logger.Warn().Err(err).Str(xglog.FieldEvent, event).Msg("dropping undecodable event")
			return
		}
		fn(v)
	})
}

func (s *Session) publish(ev Event) {
	s.events.publish(ev)
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug().Str(xglog.FieldOldState, string(s.state)).Str(xglog.FieldNewState, string(st)).Msg("realtime state changed")
	s.state = st
	metrics.SetRealtimeState(string(st))
}

// Connect blocks until the session is connected, the reconnection budget is
// spent, the server rejects the connect, or ctx ends.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected, StateDegraded:
		s.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		s.mu.Unlock()
		return ErrBusy
	}
	s.lifeCtx, s.lifeCancel = context.WithCancel(context.Background())
	life := s.lifeCtx
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	ctx, cancel := mergeContext(ctx, life)
	defer cancel()
	return s.connectLoop(ctx, 0)
}

// connectLoop runs attempts first..ReconnectionAttempts. Attempt 0 is the
// initial connect; later attempts wait for the backoff delay first.
func (s *Session) connectLoop(ctx context.Context, first int) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.opts.ReconnectionDelay,
		RandomizationFactor: s.opts.RandomizationFactor,
		Multiplier:          2,
		MaxInterval:         s.opts.ReconnectionDelayMax,
	}
	b.Reset()

	var lastErr error
	for attempt := first; attempt <= s.opts.ReconnectionAttempts; attempt++ {
		if attempt > 0 {
			s.mu.Lock()
			s.setStateLocked(StateReconnecting)
			s.mu.Unlock()

			timer := time.NewTimer(b.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return s.abort(ctx.Err())
			case <-timer.C:
			}
			s.logger.Info().Int(xglog.FieldAttempt, attempt).Msg("reconnect attempt")
			s.publish(newEvent(EventReconnectAttempt, attempt))
		}

		err := s.attempt(ctx)
		if err == nil {
			if attempt > 0 {
				metrics.RecordReconnectAttempt(true)
				s.publish(newEvent(EventReconnect, attempt))
			}
			return nil
		}
		if attempt > 0 {
			metrics.RecordReconnectAttempt(false)
		}
		lastErr = err
		s.logger.Warn().Err(err).Int(xglog.FieldAttempt, attempt).Msg("realtime.connect_error")
		s.publish(newEvent(EventConnectError, map[string]string{"message": err.Error()}))

		if ctx.Err() != nil {
			return s.abort(ctx.Err())
		}
		if errors.Is(err, ErrConnectRejected) {
			return s.abort(err)
		}
	}

	s.mu.Lock()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()
	s.logger.Error().Err(lastErr).Int("attempts", s.opts.ReconnectionAttempts).Msg("reconnection attempts exhausted")
	s.publish(newEvent(EventMaxReconnectAttempts, s.opts.ReconnectionAttempts))
	return fmt.Errorf("%w: %w", ErrMaxReconnectAttempts, lastErr)
}

func (s *Session) abort(err error) error {
	s.mu.Lock()
	if s.conn == nil {
		s.setStateLocked(StateDisconnected)
	}
	s.mu.Unlock()
	if errors.Is(err, context.Canceled) && s.isClosed() {
		return ErrClosed
	}
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifeCtx == nil || s.lifeCtx.Err() != nil
}

// attempt dials Engine.IO and performs the Socket.IO connect handshake.
func (s *Session) attempt(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	ack := make(chan error, 1)
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.pending = ack
	s.pendingConn = nil
	s.degraded = false
	s.mu.Unlock()

	conn, err := engineio.Dial(actx, engineio.Options{
		URL:        s.opts.URL,
		Path:       s.opts.Path,
		Transports: s.opts.Transports,
		Upgrade:    s.opts.Upgrade,
		HTTPClient: s.opts.HTTPClient,
		Handlers: engineio.Handlers{
			OnMessage:       func(data string) { s.onMessage(gen, data) },
			OnUpgrade:       func(to engineio.Kind) { s.onUpgrade(gen, to) },
			OnUpgradeFailed: func(err error) { s.onUpgradeFailed(gen, err) },
			OnClose:         func(reason string, err error) { s.onEngineClose(gen, reason, err) },
		},
	})
	if err != nil {
		return s.timeoutOr(actx, ctx, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.pendingConn = conn
	s.mu.Unlock()

	if err := conn.Send(actx, string(rune(sioConnect))); err != nil {
		_ = conn.Close()
		return s.timeoutOr(actx, ctx, err)
	}

	select {
	case err := <-ack:
		if err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	case <-conn.Done():
		if s.isActive(gen) {
			return nil
		}
		return errors.New("realtime: transport closed during connect")
	case <-actx.Done():
		if s.isActive(gen) {
			return nil
		}
		s.mu.Lock()
		if s.gen == gen {
			s.pending, s.pendingConn = nil, nil
		}
		s.mu.Unlock()
		_ = conn.Close()
		return s.timeoutOr(actx, ctx, actx.Err())
	}
}

func (s *Session) isActive(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeGen == gen && s.conn != nil
}

// activate promotes the pending connection once the server acknowledges the
// connect. It runs on the read loop so that events following the
// acknowledgement are already dispatched to subscribers.
func (s *Session) activate(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.pendingConn == nil || s.lifeCtx == nil || s.lifeCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	conn, ack := s.pendingConn, s.pending
	s.pendingConn, s.pending = nil, nil
	s.conn = conn
	s.activeGen = gen
	s.transport = conn.Transport()
	if s.degraded {
		s.setStateLocked(StateDegraded)
	} else {
		s.setStateLocked(StateConnected)
	}
	transport, degraded := s.transport, s.degraded
	s.announced = transport
	s.mu.Unlock()

	metrics.SetRealtimeTransport(string(transport))
	s.logger.Info().
		Str(xglog.FieldSocketID, conn.Handshake().SID).
		Str(xglog.FieldTransport, string(transport)).
		Msg("realtime.connect")
	s.publish(newEvent(EventConnect, string(transport)))
	if transport != s.opts.Transports[0] {
		// Upgraded before the connect was acknowledged.
		s.publish(newEvent(EventTransportChange, string(transport)))
	}
	if degraded {
		s.publish(newEvent(EventUpgradeError, map[string]string{"message": "upgrade failed before connect"}))
	}
	ack <- nil
}

// timeoutOr maps an attempt deadline to ErrConnectTimeout while leaving
// caller cancellation untouched.
func (s *Session) timeoutOr(actx, parent context.Context, err error) error {
	if parent.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrConnectTimeout, s.opts.Timeout, err)
	}
	return err
}

func (s *Session) onMessage(gen uint64, data string) {
	pkt, err := decodeSocketPacket(data)
	if err != nil {
		s.logger.Debug().Err(err).Msg("ignoring malformed socket.io packet")
		return
	}
	if pkt.Namespace != "/" {
		return
	}

	switch pkt.Type {
	case sioConnect:
		s.activate(gen)
	case sioConnectError:
		s.resolvePending(gen, fmt.Errorf("%w: %s", ErrConnectRejected, connectErrorMessage(pkt.Data)))
	case sioDisconnect:
		s.serverDisconnect(gen)
	case sioEvent:
		s.mu.Lock()
		active := s.activeGen == gen && s.conn != nil
		s.mu.Unlock()
		if !active {
			return
		}
		name, args, err := splitEvent(pkt.Data)
		if err != nil {
			s.logger.Debug().Err(err).Msg("ignoring malformed event")
			return
		}
		metrics.RecordRealtimeEvent("in")
		s.publish(Event{Name: name, Args: args})
	}
}

func (s *Session) resolvePending(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.pending == nil {
		return
	}
	select {
	case s.pending <- err:
	default:
	}
}

func (s *Session) onUpgrade(gen uint64, to engineio.Kind) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.transport = to
	active := s.activeGen == gen && s.conn != nil && s.announced != to
	if active {
		s.announced = to
	}
	s.mu.Unlock()

	if !active {
		return
	}
	metrics.SetRealtimeTransport(string(to))
	s.publish(newEvent(EventTransportChange, string(to)))
}

func (s *Session) onUpgradeFailed(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.degraded = true
	active := s.activeGen == gen && s.conn != nil
	if active && s.state == StateConnected {
		s.setStateLocked(StateDegraded)
	}
	s.mu.Unlock()

	if active {
		s.publish(newEvent(EventUpgradeError, map[string]string{"message": err.Error()}))
	}
}

// detach clears the active connection if it belongs to gen.
func (s *Session) detach(gen uint64) (*engineio.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeGen != gen || s.conn == nil {
		return nil, false
	}
	conn := s.conn
	s.conn = nil
	return conn, true
}

func (s *Session) serverDisconnect(gen uint64) {
	conn, ok := s.detach(gen)
	if !ok {
		return
	}
	s.mu.Lock()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()
	_ = conn.Close()
	s.disconnected(ReasonServerDisconnect)
}

func (s *Session) onEngineClose(gen uint64, reason string, err error) {
	if _, ok := s.detach(gen); !ok {
		return
	}
	s.logger.Warn().Err(err).Str(xglog.FieldReason, reason).Msg("realtime connection lost")

	s.mu.Lock()
	life := s.lifeCtx
	retry := s.opts.ReconnectionAttempts > 0 && life != nil && life.Err() == nil
	if retry {
		s.setStateLocked(StateReconnecting)
	} else {
		s.setStateLocked(StateDisconnected)
	}
	s.mu.Unlock()

	s.disconnected(reason)
	if retry {
		go func() {
			if err := s.connectLoop(life, 1); err != nil && !errors.Is(err, ErrClosed) {
				s.logger.Debug().Err(err).Msg("reconnection ended")
			}
		}()
	}
}

func (s *Session) disconnected(reason string) {
	metrics.RecordRealtimeDisconnect(reason)
	metrics.SetRealtimeTransport("")
	s.publish(newEvent(EventDisconnect, reason))
}

// Send emits event with payload. It returns false when the session is not
// connected or the write fails; nothing is queued.
func (s *Session) Send(event string, payload any) bool {
	s.mu.Lock()
	conn := s.conn
	ok := conn != nil && (s.state == StateConnected || s.state == StateDegraded)
	s.mu.Unlock()
	if !ok {
		return false
	}

	data, err := encodeEvent(event, payload)
	if err != nil {
		s.logger.Warn().Err(err).Str(xglog.FieldEvent, event).Msg("cannot encode event")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	if err := conn.Send(ctx, data); err != nil {
		s.logger.Debug().Err(err).Str(xglog.FieldEvent, event).Msg("send failed")
		return false
	}
	metrics.RecordRealtimeEvent("out")
	return true
}

// Disconnect closes the connection and stops any reconnection. Safe to call
// at any time.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	conn := s.conn
	s.conn = nil
	s.gen++
	s.pending, s.pendingConn = nil, nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = conn.Send(ctx, string(rune(sioDisconnect)))
	cancel()
	_ = conn.Close()
	s.logger.Info().Msg("realtime.disconnect")
	s.disconnected(ReasonClientDisconnect)
}

// mergeContext returns a context that ends when either parent ends.
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
