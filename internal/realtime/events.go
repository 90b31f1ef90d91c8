// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package realtime

import (
	"encoding/json"
	"fmt"
	"sync"

	xglog "github.com/ManuGH/repcam/internal/log"
)

// Lifecycle events published by the session itself. Server events are
// published under their own names.
const (
	EventConnect              = "connect"
	EventDisconnect           = "disconnect"
	EventConnectError         = "connect_error"
	EventReconnectAttempt     = "reconnect_attempt"
	EventReconnect            = "reconnect"
	EventMaxReconnectAttempts = "max_reconnect_attempts"
	EventTransportChange      = "transport_change"
	EventUpgradeError         = "upgrade_error"
)

// Event is one published event. Args holds the raw JSON arguments.
type Event struct {
	Name string
	Args []json.RawMessage
}

// Decode unmarshals the first argument into v.
func (e Event) Decode(v any) error {
	if len(e.Args) == 0 {
		return fmt.Errorf("event %s has no arguments", e.Name)
	}
	return json.Unmarshal(e.Args[0], v)
}

func newEvent(name string, args ...any) Event {
	ev := Event{Name: name}
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			continue
		}
		ev.Args = append(ev.Args, b)
	}
	return ev
}

// Handler receives published events.
type Handler func(Event)

// Subscription is returned by Subscribe.
type Subscription struct {
	bus   *bus
	event string
	id    uint64
	once  sync.Once
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.bus.remove(s.event, s.id) })
}

type bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

func newBus() *bus {
	return &bus{subs: make(map[string]map[uint64]Handler)}
}

func (b *bus) add(event string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if b.subs[event] == nil {
		b.subs[event] = make(map[uint64]Handler)
	}
	b.subs[event][b.nextID] = h
	return &Subscription{bus: b, event: event, id: b.nextID}
}

func (b *bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[event], id)
	if len(b.subs[event]) == 0 {
		delete(b.subs, event)
	}
}

func (b *bus) publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Name]))
	for _, h := range b.subs[ev.Name] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, ev)
	}
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			xglog.WithComponent("realtime").Error().
				Str(xglog.FieldEvent, ev.Name).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}
