// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package engineio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Kind names a transport.
type Kind string

const (
	KindPolling   Kind = "polling"
	KindWebSocket Kind = "websocket"
)

// ParseKind validates a transport name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPolling, KindWebSocket:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// maxPollBytes bounds a single polling response.
const maxPollBytes = 4 << 20

type transport interface {
	Kind() Kind
	// Recv blocks until the server delivers packets or the transport closes.
	Recv() ([]Packet, error)
	Send(ctx context.Context, packets []Packet) error
	Close() error
}

// endpoint builds the Engine.IO URL for kind. sid is empty for a handshake.
func endpoint(base, path string, kind Kind, sid string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if path == "" {
		path = "/engine.io/"
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path

	q := u.Query()
	q.Set("EIO", ProtocolVersion)
	q.Set("transport", string(kind))
	if sid != "" {
		q.Set("sid", sid)
	}
	u.RawQuery = q.Encode()

	if kind == KindWebSocket {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
	}
	return u.String(), nil
}

type pollingTransport struct {
	client *http.Client
	url    string
	header http.Header

	ctx    context.Context
	cancel context.CancelFunc
	seq    atomic.Uint64
}

func newPollingTransport(client *http.Client, rawURL string, header http.Header) *pollingTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &pollingTransport{client: client, url: rawURL, header: header, ctx: ctx, cancel: cancel}
}

func (p *pollingTransport) Kind() Kind { return KindPolling }

// cacheBusted appends the t parameter like browser clients do.
func (p *pollingTransport) cacheBusted() string {
	return p.url + "&t=" + strconv.FormatUint(p.seq.Add(1), 36)
}

// get performs one long-poll. ctx bounds the handshake; later polls only end
// with the transport.
func (p *pollingTransport) get(ctx context.Context) ([]Packet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cacheBusted(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range p.header {
		req.Header[k] = v
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBytes))
	if err != nil {
		return nil, fmt.Errorf("read poll: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return DecodePayload(string(body))
}

func (p *pollingTransport) Recv() ([]Packet, error) {
	return p.get(p.ctx)
}

func (p *pollingTransport) Send(ctx context.Context, packets []Packet) error {
	ctx, cancel := mergeCancel(ctx, p.ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cacheBusted(), bytes.NewBufferString(EncodePayload(packets)))
	if err != nil {
		return err
	}
	for k, v := range p.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *pollingTransport) Close() error {
	p.cancel()
	return nil
}

// mergeCancel returns a context that ends when either parent ends.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

type websocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

func dialWebSocket(ctx context.Context, dialer *websocket.Dialer, rawURL string, header http.Header) (*websocketTransport, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &websocketTransport{conn: conn}, nil
}

func (w *websocketTransport) Kind() Kind { return KindWebSocket }

func (w *websocketTransport) Recv() ([]Packet, error) {
	mt, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, fmt.Errorf("%w: binary frame", ErrBadPacket)
	}
	p, err := DecodePacket(string(data))
	if err != nil {
		return nil, err
	}
	return []Packet{p}, nil
}

func (w *websocketTransport) Send(ctx context.Context, packets []Packet) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = w.conn.SetWriteDeadline(deadline)
	for _, p := range packets {
		if err := w.conn.WriteMessage(websocket.TextMessage, []byte(p.Encode())); err != nil {
			return err
		}
	}
	return nil
}

func (w *websocketTransport) Close() error {
	var err error
	w.once.Do(func() {
		w.writeMu.Lock()
		_ = w.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}
