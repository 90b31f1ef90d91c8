// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package realtimetest runs an in-process Engine.IO v4 / Socket.IO v5 server
// that behaves like the exercise server's event channel.
package realtimetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/repcam/internal/realtime/engineio"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Options shape the fake server's behavior.
type Options struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	// DisableWebSocket rejects WebSocket handshakes and omits the upgrade offer.
	DisableWebSocket bool
	// IgnoreProbe leaves upgrade probes unanswered.
	IgnoreProbe bool
	// SilentHeartbeat stops server pings so clients hit their ping timeout.
	SilentHeartbeat bool
	// RejectConnect answers Socket.IO connects with a connect error.
	RejectConnect string
}

// EventHandler answers a client event.
type EventHandler func(c *Client, args []json.RawMessage)

// Received is an event the server got from a client.
type Received struct {
	SID   string
	Event string
	Args  []json.RawMessage
}

// Server is an httptest-backed realtime server.
type Server struct {
	*httptest.Server

	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[string]*Client
	handlers map[string]EventHandler
	received []Received
	connects int
}

// NewServer starts a server with the exercise server's default handlers.
func NewServer(opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 20 * time.Second
	}
	s := &Server{
		opts:     opts,
		clients:  make(map[string]*Client),
		handlers: make(map[string]EventHandler),
	}
	s.Handle("ping", func(c *Client, args []json.RawMessage) {
		var data json.RawMessage = []byte("null")
		if len(args) > 0 {
			data = args[0]
		}
		c.Emit("pong", map[string]any{
			"server_time":   float64(time.Now().UnixNano()) / 1e9,
			"message":       "Pong from server",
			"received_data": data,
		})
	})
	s.Handle("start_exercise", func(c *Client, args []json.RawMessage) {
		var req struct {
			ExerciseID string `json:"exercise_id"`
		}
		if len(args) > 0 {
			_ = json.Unmarshal(args[0], &req)
		}
		c.Emit("exercise_started", map[string]any{"status": "ok", "exercise_id": req.ExerciseID})
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/", s.serveEngineIO)
	s.Server = httptest.NewServer(mux)
	return s
}

// Handle replaces the handler for a client event.
func (s *Server) Handle(event string, h EventHandler) {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
}

// Received returns every event clients have sent so far.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// ReceivedNamed filters Received by event name.
func (s *Server) ReceivedNamed(event string) []Received {
	var out []Received
	for _, r := range s.Received() {
		if r.Event == event {
			out = append(out, r)
		}
	}
	return out
}

// Connects counts Socket.IO connects accepted since start.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Clients returns connected clients.
func (s *Server) Clients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// Emit sends an event to every client.
func (s *Server) Emit(event string, data any) {
	for _, c := range s.Clients() {
		c.Emit(event, data)
	}
}

// DropAll severs every client's transport without a close packet.
func (s *Server) DropAll() {
	for _, c := range s.Clients() {
		c.Drop()
	}
}

// Close drops clients and stops the HTTP server.
func (s *Server) Close() {
	s.DropAll()
	s.Server.Close()
}

func (s *Server) handshake() engineio.Handshake {
	upgrades := []string{}
	if !s.opts.DisableWebSocket {
		upgrades = append(upgrades, string(engineio.KindWebSocket))
	}
	return engineio.Handshake{
		SID:          uuid.NewString(),
		Upgrades:     upgrades,
		PingInterval: int(s.opts.PingInterval / time.Millisecond),
		PingTimeout:  int(s.opts.PingTimeout / time.Millisecond),
		MaxPayload:   1 << 20,
	}
}

func (s *Server) lookup(sid string) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[sid]
}

func (s *Server) register(hs engineio.Handshake) *Client {
	c := &Client{
		srv:  s,
		sid:  hs.SID,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c.sid] = c
	s.mu.Unlock()
	go c.heartbeat()
	return c
}

func (s *Server) forget(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.sid)
	s.mu.Unlock()
}

func (s *Server) serveEngineIO(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != engineio.ProtocolVersion {
		http.Error(w, `{"code":5,"message":"Unsupported protocol version"}`, http.StatusBadRequest)
		return
	}
	sid := q.Get("sid")

	switch engineio.Kind(q.Get("transport")) {
	case engineio.KindPolling:
		if sid == "" {
			if r.Method != http.MethodGet {
				http.Error(w, "bad handshake method", http.StatusBadRequest)
				return
			}
			hs := s.handshake()
			s.register(hs)
			open, _ := json.Marshal(hs)
			_, _ = io.WriteString(w, engineio.Packet{Type: engineio.PacketOpen, Data: string(open)}.Encode())
			return
		}
		c := s.lookup(sid)
		if c == nil {
			http.Error(w, `{"code":1,"message":"Session ID unknown"}`, http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			c.servePoll(w, r)
		case http.MethodPost:
			c.servePost(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case engineio.KindWebSocket:
		if s.opts.DisableWebSocket {
			http.Error(w, `{"code":0,"message":"Transport unknown"}`, http.StatusBadRequest)
			return
		}
		var c *Client
		if sid != "" {
			if c = s.lookup(sid); c == nil {
				http.Error(w, `{"code":1,"message":"Session ID unknown"}`, http.StatusBadRequest)
				return
			}
		}
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if c == nil {
			hs := s.handshake()
			c = s.register(hs)
			open, _ := json.Marshal(hs)
			c.adoptWebSocket(ws, []engineio.Packet{{Type: engineio.PacketOpen, Data: string(open)}})
			c.readWebSocket(ws)
			return
		}
		c.probe(ws)
	default:
		http.Error(w, `{"code":0,"message":"Transport unknown"}`, http.StatusBadRequest)
	}
}

// Client is one Engine.IO session on the server.
type Client struct {
	srv *Server
	sid string

	mu        sync.Mutex
	buf       []engineio.Packet
	ws        *websocket.Conn
	closed    bool
	connected bool
	pongs     int

	wsMu sync.Mutex
	wake chan struct{}
	done chan struct{}
}

// SID is the Engine.IO session id.
func (c *Client) SID() string { return c.sid }

// Transport reports the transport the client currently uses.
func (c *Client) Transport() engineio.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return engineio.KindWebSocket
	}
	return engineio.KindPolling
}

// Pongs counts heartbeat replies.
func (c *Client) Pongs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pongs
}

// Emit sends a Socket.IO event.
func (c *Client) Emit(event string, data any) {
	body, err := json.Marshal([]any{event, data})
	if err != nil {
		panic(fmt.Sprintf("realtimetest: marshal %s: %v", event, err))
	}
	c.push(engineio.Packet{Type: engineio.PacketMessage, Data: "2" + string(body)})
}

// Disconnect ends the Socket.IO session from the server side.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.push(engineio.Packet{Type: engineio.PacketMessage, Data: "1"})
}

// Drop kills the transport without any protocol goodbye.
func (c *Client) Drop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		_ = ws.Close()
	}
	c.srv.forget(c)
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) push(p engineio.Packet) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if ws := c.ws; ws != nil {
		c.mu.Unlock()
		c.wsMu.Lock()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(p.Encode()))
		c.wsMu.Unlock()
		return
	}
	c.buf = append(c.buf, p)
	c.mu.Unlock()
	c.signal()
}

func (c *Client) heartbeat() {
	t := time.NewTicker(c.srv.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if !c.srv.opts.SilentHeartbeat {
				c.push(engineio.Packet{Type: engineio.PacketPing})
			}
		}
	}
}

func (c *Client) servePoll(w http.ResponseWriter, r *http.Request) {
	for {
		c.mu.Lock()
		switch {
		case c.closed:
			c.mu.Unlock()
			http.Error(w, "session closed", http.StatusBadRequest)
			return
		case c.ws != nil:
			c.mu.Unlock()
			_, _ = io.WriteString(w, engineio.Packet{Type: engineio.PacketNoop}.Encode())
			return
		case len(c.buf) > 0:
			out := c.buf
			c.buf = nil
			c.mu.Unlock()
			_, _ = io.WriteString(w, engineio.EncodePayload(out))
			return
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.done:
		case <-r.Context().Done():
			return
		}
	}
}

func (c *Client) servePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	packets, err := engineio.DecodePayload(string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, p := range packets {
		c.handle(p)
	}
	_, _ = io.WriteString(w, "ok")
}

// probe runs the server half of the polling to WebSocket upgrade.
func (c *Client) probe(ws *websocket.Conn) {
	defer func() { _ = ws.Close() }()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		p, err := engineio.DecodePacket(string(data))
		if err != nil {
			return
		}
		switch {
		case p.Type == engineio.PacketPing && p.Data == "probe":
			if c.srv.opts.IgnoreProbe {
				continue
			}
			_ = ws.WriteMessage(websocket.TextMessage, []byte(engineio.Packet{Type: engineio.PacketPong, Data: "probe"}.Encode()))
			c.push(engineio.Packet{Type: engineio.PacketNoop})
		case p.Type == engineio.PacketUpgrade:
			c.adoptWebSocket(ws, nil)
			c.readWebSocket(ws)
			return
		}
	}
}

// adoptWebSocket makes ws the active transport and flushes buffered packets.
func (c *Client) adoptWebSocket(ws *websocket.Conn, first []engineio.Packet) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	c.mu.Lock()
	c.ws = ws
	pending := append(first, c.buf...)
	c.buf = nil
	c.mu.Unlock()
	c.signal()

	for _, p := range pending {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(p.Encode()))
	}
}

func (c *Client) readWebSocket(ws *websocket.Conn) {
	defer c.Drop()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		p, err := engineio.DecodePacket(string(data))
		if err != nil {
			return
		}
		if !c.handle(p) {
			return
		}
	}
}

// handle processes one client packet and reports whether the session lives on.
func (c *Client) handle(p engineio.Packet) bool {
	switch p.Type {
	case engineio.PacketPong:
		c.mu.Lock()
		c.pongs++
		c.mu.Unlock()
	case engineio.PacketClose:
		c.Drop()
		return false
	case engineio.PacketMessage:
		c.handleSocketIO(p.Data)
	}
	return true
}

func (c *Client) handleSocketIO(data string) {
	if data == "" {
		return
	}
	switch data[0] {
	case '0':
		if msg := c.srv.opts.RejectConnect; msg != "" {
			body, _ := json.Marshal(map[string]string{"message": msg})
			c.push(engineio.Packet{Type: engineio.PacketMessage, Data: "4" + string(body)})
			return
		}
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		c.srv.mu.Lock()
		c.srv.connects++
		c.srv.mu.Unlock()
		body, _ := json.Marshal(map[string]string{"sid": uuid.NewString()})
		c.push(engineio.Packet{Type: engineio.PacketMessage, Data: "0" + string(body)})
		c.Emit("connection_status", map[string]string{"status": "connected", "session_id": c.sid})
	case '1':
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	case '2':
		var raw []json.RawMessage
		if err := json.Unmarshal([]byte(strings.TrimSpace(data[1:])), &raw); err != nil || len(raw) == 0 {
			return
		}
		var event string
		if err := json.Unmarshal(raw[0], &event); err != nil {
			return
		}
		args := raw[1:]
		c.srv.mu.Lock()
		c.srv.received = append(c.srv.received, Received{SID: c.sid, Event: event, Args: args})
		h := c.srv.handlers[event]
		c.srv.mu.Unlock()
		if h != nil {
			h(c, args)
		}
	}
}
