// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package uplink

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoResponse is returned when the server never acknowledged the start.
	ErrNoResponse = errors.New("server did not start the exercise")
	// ErrStalled is returned when processed frames stopped arriving.
	ErrStalled = errors.New("processed frames stalled")
)

// WatchState is the watchdog state.
type WatchState int

const (
	WatchStarting WatchState = iota
	WatchRunning
	WatchStalled
	WatchTimedOut
)

type clock interface {
	Now() time.Time
	NewTicker(d time.Duration) ticker
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time                   { return time.Now() }
func (realClock) NewTicker(d time.Duration) ticker { return &realTicker{time.NewTicker(d)} }

type realTicker struct {
	*time.Ticker
}

func (rt *realTicker) C() <-chan time.Time { return rt.Ticker.C }

// watchdog enforces the start and stall timeouts of an uplink run. A zero
// timeout disables that check.
type watchdog struct {
	mu sync.RWMutex

	startTimeout time.Duration
	stallTimeout time.Duration
	interval     time.Duration

	lastHeartbeat time.Time
	state         WatchState

	clock clock
}

func newWatchdog(startTimeout, stallTimeout time.Duration) *watchdog {
	interval := time.Second
	for _, d := range []time.Duration{startTimeout, stallTimeout} {
		if d > 0 && d/4 < interval {
			interval = d / 4
		}
	}
	return &watchdog{
		startTimeout: startTimeout,
		stallTimeout: stallTimeout,
		interval:     interval,
		clock:        realClock{},
	}
}

// Run checks the timeouts until ctx is done or one of them expires.
func (w *watchdog) Run(ctx context.Context) error {
	w.mu.Lock()
	w.lastHeartbeat = w.clock.Now()
	w.state = WatchStarting
	w.mu.Unlock()

	t := w.clock.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			if err := w.check(); err != nil {
				return err
			}
		}
	}
}

// Started records the server's acknowledgement.
func (w *watchdog) Started() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHeartbeat = w.clock.Now()
	if w.state == WatchStarting {
		w.state = WatchRunning
	}
}

// Frame records a processed frame. A frame before the acknowledgement also
// counts as one.
func (w *watchdog) Frame() {
	w.Started()
}

func (w *watchdog) check() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := w.clock.Now().Sub(w.lastHeartbeat)
	switch w.state {
	case WatchStarting:
		if w.startTimeout > 0 && elapsed > w.startTimeout {
			w.state = WatchTimedOut
			return ErrNoResponse
		}
	case WatchRunning:
		if w.stallTimeout > 0 && elapsed > w.stallTimeout {
			w.state = WatchStalled
			return ErrStalled
		}
	}
	return nil
}

// State returns the current state.
func (w *watchdog) State() WatchState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}
