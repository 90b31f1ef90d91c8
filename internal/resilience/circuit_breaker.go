// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package resilience holds failure-isolation primitives shared by the delivery
// and transport layers.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/repcam/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker suspends a failing tier after consecutive failures and lets a
// single probe through once the reset timeout has elapsed.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string // tier it guards; labels the tier metrics
	state        State
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	probing      bool
	clock        Clock

	// If set, panics in Execute are recorded as failure and re-panicked.
	recoverPanic bool
}

// Option configuration pattern
type Option func(*CircuitBreaker)

func WithClock(c Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

func WithPanicRecovery(enabled bool) Option {
	return func(cb *CircuitBreaker) { cb.recoverPanic = enabled }
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	cb := &CircuitBreaker{
		name:         name,
		state:        StateClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        realClock{},
	}

	for _, opt := range opts {
		opt(cb)
	}

	metrics.SetTierBreakerState(cb.name, string(cb.state))
	return cb
}

// Execute runs fn respecting the breaker state.
func (cb *CircuitBreaker) Execute(fn func() error) (err error) {
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	if cb.recoverPanic {
		defer func() {
			if r := recover(); r != nil {
				cb.RecordFailure()
				panic(r)
			}
		}()
	}

	if err = fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Allow reports whether a request may proceed. In half-open state only one
// probe is admitted until it reports back.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) < cb.resetTimeout {
			return false
		}
		cb.transitionTo(StateHalfOpen)
		cb.probing = true
		return true
	default:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

// RecordFailure registers a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	if cb.state == StateHalfOpen {
		cb.probing = false
		metrics.RecordTierSuspension(cb.name, "half_open_failure")
		cb.transitionTo(StateOpen)
		return
	}

	if cb.state == StateClosed && cb.failures >= cb.threshold {
		metrics.RecordTierSuspension(cb.name, "threshold_exceeded")
		cb.transitionTo(StateOpen)
	}
}

// RecordSuccess registers a successful request and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	if cb.state != StateClosed {
		cb.transitionTo(StateClosed)
	}
}

// Release returns an admitted half-open probe without recording an outcome,
// e.g. when the caller abandoned the request.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

// transitionTo handles state transitions and updates metrics.
// Caller must hold lock.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	if newState == StateOpen {
		cb.openedAt = cb.clock.Now()
	}
	metrics.SetTierBreakerState(cb.name, string(newState))
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
