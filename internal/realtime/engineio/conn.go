// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package engineio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	xglog "github.com/ManuGH/repcam/internal/log"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Close reasons reported to Handlers.OnClose.
const (
	ReasonForcedClose    = "forced close"
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
	ReasonPingTimeout    = "ping timeout"
)

var (
	ErrClosed       = errors.New("engine.io: connection closed")
	ErrNoTransports = errors.New("engine.io: no transports configured")
	ErrProbeFailed  = errors.New("engine.io: upgrade probe failed")
)

// Handlers receive connection events. They are called from the read loop and
// must not block.
type Handlers struct {
	OnMessage       func(data string)
	OnUpgrade       func(to Kind)
	OnUpgradeFailed func(err error)
	OnClose         func(reason string, err error)
}

// Options configure Dial.
type Options struct {
	// URL is the server origin, e.g. http://localhost:5000.
	URL string
	// Path defaults to /engine.io/; Socket.IO servers use /socket.io/.
	Path string
	// Transports lists allowed transports. The first one opens the connection.
	Transports []Kind
	// Upgrade enables the polling to WebSocket probe when both are allowed.
	Upgrade bool
	// ProbeTimeout bounds the upgrade probe. Defaults to the server ping timeout.
	ProbeTimeout time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Header     http.Header

	Handlers Handlers
}

func (o Options) allows(kind Kind) bool {
	for _, k := range o.Transports {
		if k == kind {
			return true
		}
	}
	return false
}

// Conn is one Engine.IO session.
type Conn struct {
	opts      Options
	handshake Handshake
	logger    zerolog.Logger

	sendMu sync.Mutex // serializes writes and the transport switch

	mu      sync.Mutex
	current transport
	closed  bool
	// pause, when set, asks the polling read loop to stop after its
	// outstanding poll. The loop closes it once that poll is dispatched.
	pause chan struct{}

	heartbeat *time.Timer
	done      chan struct{}
}

// Dial performs the handshake on the first configured transport, starts the
// read loop and heartbeat, and kicks off the upgrade probe when permitted.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if len(opts.Transports) == 0 {
		return nil, ErrNoTransports
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	logger := xglog.WithComponent("engineio").With().
		Str(xglog.FieldURL, opts.URL).
		Logger()

	t, hs, pending, err := open(ctx, opts)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		opts:      opts,
		handshake: hs,
		logger:    logger.With().Str(xglog.FieldSocketID, hs.SID).Logger(),
		current:   t,
		done:      make(chan struct{}),
	}
	c.heartbeat = time.AfterFunc(hs.HeartbeatTimeout(), c.onHeartbeatTimeout)
	c.logger.Debug().
		Str(xglog.FieldTransport, string(t.Kind())).
		Int("ping_interval_ms", hs.PingInterval).
		Int("ping_timeout_ms", hs.PingTimeout).
		Strs("upgrades", hs.Upgrades).
		Msg("engine.io handshake complete")

	for _, p := range pending {
		c.handle(t, p)
	}
	go c.readLoop(t)

	if t.Kind() == KindPolling && opts.Upgrade && opts.allows(KindWebSocket) && hs.CanUpgradeTo(KindWebSocket) {
		go c.upgrade()
	}
	return c, nil
}

// open returns the transport, the handshake, and any packets that arrived
// alongside the open packet.
func open(ctx context.Context, opts Options) (transport, Handshake, []Packet, error) {
	kind := opts.Transports[0]
	u, err := endpoint(opts.URL, opts.Path, kind, "")
	if err != nil {
		return nil, Handshake{}, nil, err
	}

	var (
		t       transport
		packets []Packet
	)
	switch kind {
	case KindPolling:
		pt := newPollingTransport(opts.HTTPClient, u, opts.Header)
		packets, err = pt.get(ctx)
		if err != nil {
			_ = pt.Close()
			return nil, Handshake{}, nil, fmt.Errorf("polling handshake: %w", err)
		}
		t = pt
	case KindWebSocket:
		wt, err := dialWebSocket(ctx, opts.Dialer, u, opts.Header)
		if err != nil {
			return nil, Handshake{}, nil, err
		}
		stop := context.AfterFunc(ctx, func() { _ = wt.conn.Close() })
		packets, err = wt.Recv()
		stop()
		if err != nil {
			_ = wt.Close()
			return nil, Handshake{}, nil, fmt.Errorf("websocket handshake: %w", err)
		}
		t = wt
	default:
		return nil, Handshake{}, nil, fmt.Errorf("unknown transport %q", kind)
	}

	if len(packets) == 0 {
		_ = t.Close()
		return nil, Handshake{}, nil, fmt.Errorf("%w: empty handshake", ErrBadPacket)
	}
	hs, err := ParseHandshake(packets[0])
	if err != nil {
		_ = t.Close()
		return nil, Handshake{}, nil, err
	}
	return t, hs, packets[1:], nil
}

// Handshake returns the server's open packet data.
func (c *Conn) Handshake() Handshake { return c.handshake }

// Transport returns the kind of the active transport.
func (c *Conn) Transport() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Kind()
}

// Done is closed when the connection ends for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send writes one message packet on the active transport.
func (c *Conn) Send(ctx context.Context, data string) error {
	return c.write(ctx, Packet{Type: PacketMessage, Data: data})
}

func (c *Conn) write(ctx context.Context, packets ...Packet) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	t, closed := c.current, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return t.Send(ctx, packets)
}

// Close sends a close packet and tears the connection down.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.write(ctx, Packet{Type: PacketClose})
	c.shutdown(ReasonForcedClose, nil)
	return nil
}

func (c *Conn) shutdown(reason string, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	t := c.current
	c.mu.Unlock()

	c.heartbeat.Stop()
	_ = t.Close()
	close(c.done)

	ev := c.logger.Debug()
	if err != nil {
		ev = c.logger.Warn().Err(err)
	}
	ev.Str(xglog.FieldReason, reason).Msg("engine.io connection closed")

	if h := c.opts.Handlers.OnClose; h != nil {
		h(reason, err)
	}
}

func (c *Conn) isCurrent(t transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.current == t
}

func (c *Conn) readLoop(t transport) {
	for {
		packets, err := t.Recv()
		if !c.isCurrent(t) {
			// Replaced by an upgrade or closed; whatever arrived belongs to
			// the old transport.
			_ = t.Close()
			return
		}
		if err != nil {
			c.shutdown(ReasonTransportError, err)
			return
		}
		for _, p := range packets {
			if !c.handle(t, p) {
				return
			}
		}
		if c.paused(t) {
			return
		}
	}
}

// paused reports whether an upgrade asked t to stop polling, and if so
// acknowledges it. t stays open until the upgrade closes it.
func (c *Conn) paused(t transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pause == nil || c.current != t {
		return false
	}
	close(c.pause)
	c.pause = nil
	return true
}

// handle dispatches one packet. It returns false once the connection ended.
func (c *Conn) handle(t transport, p Packet) bool {
	c.heartbeat.Reset(c.handshake.HeartbeatTimeout())

	switch p.Type {
	case PacketPing:
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.handshake.PingTimeout)*time.Millisecond)
		err := c.write(ctx, Packet{Type: PacketPong, Data: p.Data})
		cancel()
		if err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Debug().Err(err).Msg("pong failed")
		}
	case PacketMessage:
		if h := c.opts.Handlers.OnMessage; h != nil {
			h(p.Data)
		}
	case PacketClose:
		c.shutdown(ReasonTransportClose, nil)
		return false
	case PacketNoop, PacketPong:
	default:
		c.logger.Debug().Str("packet", p.String()).Msg("ignoring unexpected packet")
	}
	return true
}

func (c *Conn) onHeartbeatTimeout() {
	c.shutdown(ReasonPingTimeout, fmt.Errorf("no packet within %s", c.handshake.HeartbeatTimeout()))
}

// upgrade probes a WebSocket and, when the server echoes the probe, makes it
// the active transport.
func (c *Conn) upgrade() {
	err := c.tryUpgrade()
	if err == nil {
		c.logger.Info().Str("to", string(KindWebSocket)).Msg("transport upgraded")
		if h := c.opts.Handlers.OnUpgrade; h != nil {
			h(KindWebSocket)
		}
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.logger.Warn().Err(err).Msg("transport upgrade failed, staying on polling")
	if h := c.opts.Handlers.OnUpgradeFailed; h != nil {
		h(err)
	}
}

func (c *Conn) tryUpgrade() error {
	timeout := c.opts.ProbeTimeout
	if timeout <= 0 {
		timeout = time.Duration(c.handshake.PingTimeout) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	u, err := endpoint(c.opts.URL, c.opts.Path, KindWebSocket, c.handshake.SID)
	if err != nil {
		return err
	}
	ws, err := dialWebSocket(ctx, c.opts.Dialer, u, c.opts.Header)
	if err != nil {
		return err
	}

	fail := func(err error) error {
		_ = ws.Close()
		return err
	}

	if err := ws.Send(ctx, []Packet{{Type: PacketPing, Data: "probe"}}); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrProbeFailed, err))
	}

	stop := context.AfterFunc(ctx, func() { _ = ws.conn.Close() })
	reply, err := ws.Recv()
	interrupted := !stop()
	if err != nil {
		if interrupted {
			err = ctx.Err()
		}
		return fail(fmt.Errorf("%w: %v", ErrProbeFailed, err))
	}
	if len(reply) != 1 || reply[0].Type != PacketPong || reply[0].Data != "probe" {
		return fail(fmt.Errorf("%w: unexpected reply %v", ErrProbeFailed, reply))
	}

	// Pause polling: the outstanding poll may carry packets the server
	// flushed for the upgrade, so it is dispatched before switching.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fail(ErrClosed)
	}
	old := c.current
	drained := make(chan struct{})
	c.pause = drained
	c.mu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
		c.mu.Lock()
		pending := c.pause == drained
		if pending {
			c.pause = nil
		}
		closed := c.closed
		c.mu.Unlock()
		if !pending && !closed {
			go c.readLoop(old)
		}
		if closed {
			return fail(ErrClosed)
		}
		return fail(fmt.Errorf("%w: polling did not pause: %v", ErrProbeFailed, ctx.Err()))
	}

	c.sendMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return fail(ErrClosed)
	}
	c.mu.Unlock()

	if err := ws.Send(ctx, []Packet{{Type: PacketUpgrade}}); err != nil {
		c.sendMu.Unlock()
		go c.readLoop(old)
		return fail(fmt.Errorf("%w: %v", ErrProbeFailed, err))
	}
	c.mu.Lock()
	c.current = ws
	c.mu.Unlock()
	c.sendMu.Unlock()

	_ = old.Close()
	go c.readLoop(ws)
	return nil
}
