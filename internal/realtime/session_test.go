// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/repcam/internal/realtime/engineio"
	"github.com/ManuGH/repcam/internal/realtime/realtimetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records every published event by name.
type collector struct {
	mu     sync.Mutex
	events map[string][]Event
}

func collect(s *Session, names ...string) *collector {
	c := &collector{events: make(map[string][]Event)}
	for _, name := range names {
		s.Subscribe(name, func(ev Event) {
			c.mu.Lock()
			c.events[ev.Name] = append(c.events[ev.Name], ev)
			c.mu.Unlock()
		})
	}
	return c
}

func (c *collector) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events[name])
}

func (c *collector) first(name string) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[name][0]
}

func fastOptions(url string, kinds ...engineio.Kind) Options {
	return Options{
		URL:                  url,
		Transports:           kinds,
		ReconnectionAttempts: 3,
		ReconnectionDelay:    10 * time.Millisecond,
		ReconnectionDelayMax: 20 * time.Millisecond,
		Timeout:              2 * time.Second,
	}
}

var lifecycle = []string{
	EventConnect, EventDisconnect, EventConnectError, EventReconnectAttempt,
	EventReconnect, EventMaxReconnectAttempts, EventTransportChange, EventUpgradeError,
}

func TestConnect_PollingThenUpgrade(t *testing.T) {
	srv := realtimetest.NewServer(realtimetest.Options{})
	defer srv.Close()

	opts := fastOptions(srv.URL, engineio.KindPolling, engineio.KindWebSocket)
	opts.Upgrade = true
	s := NewSession(opts)
	ev := collect(s, lifecycle...)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Connected())
	assert.Equal(t, 1, ev.count(EventConnect))

	require.Eventually(t, func() bool { return s.Transport() == engineio.KindWebSocket }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return ev.count(EventTransportChange) == 1 }, 5*time.Second, 10*time.Millisecond)
	var kind string
	require.NoError(t, ev.first(EventTransportChange).Decode(&kind))
	assert.Equal(t, "websocket", kind)
	assert.Equal(t, StateConnected, s.State())
}

func TestConnect_FailedUpgradeIsDegraded(t *testing.T) {
	srv := realtimetest.NewServer(realtimetest.Options{IgnoreProbe: true, PingTimeout: 200 * time.Millisecond})
	defer srv.Close()

	opts := fastOptions(srv.URL, engineio.KindPolling, engineio.KindWebSocket)
	opts.Upgrade = true
	s := NewSession(opts)
	ev := collect(s, lifecycle...)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.State() == StateDegraded }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ev.count(EventUpgradeError))
	assert.Equal(t, engineio.KindPolling, s.Transport())

	assert.True(t, s.Send("ping", map[string]int{"n": 1}), "degraded sessions still carry events")
	require.Eventually(t, func() bool { return len(srv.ReceivedNamed("ping")) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestConnect_ForcedTransportIsNotSubstituted(t *testing.T) {
	srv := realtimetest.NewServer(realtimetest.Options{DisableWebSocket: true})
	defer srv.Close()

	s := NewSession(fastOptions(srv.URL, engineio.KindWebSocket))
	ev := collect(s, lifecycle...)

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxReconnectAttempts)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 0, srv.Connects(), "no fallback to polling")
	assert.Equal(t, 4, ev.count(EventConnectError))
	assert.Equal(t, 3, ev.count(EventReconnectAttempt))
	assert.Equal(t, 1, ev.count(EventMaxReconnectAttempts))
	assert.Equal(t, 0, ev.count(EventConnect))
}

func TestConnect_UnreachableEmitsMaxAttemptsOnce(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	s := NewSession(fastOptions(url, engineio.KindPolling))
	ev := collect(s, lifecycle...)

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrMaxReconnectAttempts)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, ev.count(EventMaxReconnectAttempts))
	var attempts int
	require.NoError(t, ev.first(EventMaxReconnectAttempts).Decode(&attempts))
	assert.Equal(t, 3, attempts)
	assert.False(t, s.Send("ping", nil))
}

func TestConnect_RejectedIsNotRetried(t *testing.T) {
	srv := realtimetest.NewServer(realtimetest.Options{RejectConnect: "not authorized"})
	defer srv.Close()

	s := NewSession(fastOptions(srv.URL, engineio.KindPolling))
	ev := collect(s, lifecycle...)

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectRejected)
	assert.Contains(t, err.Error(), "not authorized")
	assert.Equal(t, 1, ev.count(EventConnectError))
	assert.Equal(t, 0, ev.count(EventMaxReconnectAttempts))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestConnect_AttemptTimeout(t *testing.T) {
	block := make(chan struct{})
	stalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer stalled.Close()
	defer close(block)

	opts := fastOptions(stalled.URL, engineio.KindPolling)
	opts.ReconnectionAttempts = 0
	opts.Timeout = 100 * time.Millisecond
	s := NewSession(opts)

	start := time.Now()
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.ErrorIs(t, err, ErrMaxReconnectAttempts)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConnect_Idempotent(t *testing.T) {
	srv := realtimetest.NewServer(realtimetest.Options{})
	defer srv.Close()

	s := NewSession(fastOptions(srv.URL, engineio.KindWebSocket))
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, srv.Connects())
}

func TestSession_ServerEventsAndTypedSubscribe(t *testing.T) {
	srv := realtimetest.NewServer(realtimetest.Options{})
	defer srv.Close()

	s := NewSession(fastOptions(srv.URL, engineio.KindWebSocket))
	defer s.Disconnect()

	type pong struct {
		Message      string          `json:"message"`
		ReceivedData json.RawMessage `json:"received_data"`
	}
	pongs := make(chan pong, 1)
	SubscribeJSON(s, "pong", func(p pong) { pongs <- p })
	status := make(chan string, 1)
	SubscribeJSON(s, "connection_status", func(v struct {
		Status string `json:"status"`
	}) {
		status <- v.Status
	})

	require.NoError(t, s.Connect(context.Background()))
	select {
	case st := <-status:
		assert.Equal(t, "connected", st)
	case <-time.After(5 * time.Second):
		t.Fatal("no connection_status")
	}

	require.True(t, s.Send("ping", map[string]int{"timestamp": 42}))
	select {
	case p := <-pongs:
		assert.Equal(t, "Pong from server", p.Message)
		assert.JSONEq(t, `{"timestamp":42}`, string(p.ReceivedData))
	case <-time.After(5 * time.Second):
		t.Fatal("no pong")
	}
}

func TestSession_UnsubscribeAndPanicRecovery(t *testing.T) {
	srv := realtimetest.NewServer(realtimetest.Options{})
	defer srv.Close()

	s := NewSession(fastOptions(srv.URL, engineio.KindWebSocket))
	defer s.Disconnect()

	var mu sync.Mutex
	removedCalls, goodCalls := 0, 0
	removed := s.Subscribe("tick", func(Event) {
		mu.Lock()
		removedCalls++
		mu.Unlock()
	})
	s.Subscribe("tick", func(Event) { panic("boom") })
	s.Subscribe("tick", func(Event) {
		mu.Lock()
		goodCalls++
		mu.Unlock()
	})
	removed.Unsubscribe()
	removed.Unsubscribe()

	require.NoError(t, s.Connect(context.Background()))
	srv.Emit("tick", 1)
	srv.Emit("tick", 2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return goodCalls == 2
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, removedCalls)
	mu.Unlock()
	assert.True(t, s.Connected(), "a panicking handler does not break the session")
}

func TestSession_ServerDisconnectIsNotRetried(t *testing.T) {
	srv := realtimetest.NewServer(realtimetest.Options{})
	defer srv.Close()

	s := NewSession(fastOptions(srv.URL, engineio.KindWebSocket))
	ev := collect(s, lifecycle...)
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))

	for _, c := range srv.Clients() {
		c.Disconnect()
	}
	require.Eventually(t, func() bool { return ev.count(EventDisconnect) == 1 }, 5*time.Second, 10*time.Millisecond)
	var reason string
	require.NoError(t, ev.first(EventDisconnect).Decode(&reason))
	assert.Equal(t, ReasonServerDisconnect, reason)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 1, srv.Connects())
	assert.Equal(t, 0, ev.count(EventReconnectAttempt))
}

func TestSession_TransportLossReconnects(t *testing.T) {
	srv := realtimetest.NewServer(realtimetest.Options{})
	defer srv.Close()

	s := NewSession(fastOptions(srv.URL, engineio.KindPolling))
	ev := collect(s, lifecycle...)
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))

	srv.DropAll()
	require.Eventually(t, func() bool { return ev.count(EventReconnect) == 1 }, 5*time.Second, 10*time.Millisecond)
	var reason string
	require.NoError(t, ev.first(EventDisconnect).Decode(&reason))
	assert.Equal(t, ReasonTransportError, reason)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 2, srv.Connects())
	assert.Equal(t, 2, ev.count(EventConnect))
}

func TestSession_PingTimeout(t *testing.T) {
	srv := realtimetest.NewServer(realtimetest.Options{
		PingInterval:    40 * time.Millisecond,
		PingTimeout:     40 * time.Millisecond,
		SilentHeartbeat: true,
	})
	defer srv.Close()

	opts := fastOptions(srv.URL, engineio.KindWebSocket)
	opts.ReconnectionAttempts = 0
	s := NewSession(opts)
	ev := collect(s, lifecycle...)
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))

	require.Eventually(t, func() bool { return ev.count(EventDisconnect) == 1 }, 5*time.Second, 10*time.Millisecond)
	var reason string
	require.NoError(t, ev.first(EventDisconnect).Decode(&reason))
	assert.Equal(t, ReasonPingTimeout, reason)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_ClientDisconnect(t *testing.T) {
	srv := realtimetest.NewServer(realtimetest.Options{})
	defer srv.Close()

	s := NewSession(fastOptions(srv.URL, engineio.KindWebSocket))
	ev := collect(s, lifecycle...)
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, s.Send("ping", nil))
	require.Equal(t, 1, ev.count(EventDisconnect))
	var reason string
	require.NoError(t, ev.first(EventDisconnect).Decode(&reason))
	assert.Equal(t, ReasonClientDisconnect, reason)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, ev.count(EventReconnectAttempt))
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig("http://srv", configRealtime([]string{"polling", " websocket"}))
	require.NoError(t, err)
	assert.Equal(t, []engineio.Kind{engineio.KindPolling, engineio.KindWebSocket}, opts.Transports)
	assert.True(t, opts.Upgrade)

	_, err = OptionsFromConfig("http://srv", configRealtime([]string{"carrier-pigeon"}))
	assert.Error(t, err)

	forced := ForcedOptions("http://srv", "/socket.io/", engineio.KindPolling, 3, 10*time.Second)
	assert.Equal(t, []engineio.Kind{engineio.KindPolling}, forced.Transports)
	assert.False(t, forced.Upgrade)
	assert.Equal(t, 3, forced.ReconnectionAttempts)
	assert.Equal(t, 10*time.Second, forced.Timeout)
}
