// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package health provides liveness and readiness checks for the control server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ManuGH/repcam/internal/log"
	"github.com/ManuGH/repcam/internal/realtime"
	"github.com/ManuGH/repcam/internal/serverapi"
)

// Status represents the overall health/readiness status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a component health check
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Uptime    int64                  `json:"uptime_seconds"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager manages health and readiness checks
type Manager struct {
	version   string
	startedAt time.Time

	mu       sync.RWMutex
	checkers []Checker
}

// NewManager creates a new health check manager
func NewManager(version string) *Manager {
	return &Manager{
		version:   version,
		startedAt: time.Now(),
		checkers:  make([]Checker, 0),
	}
}

// RegisterChecker adds a health checker to the manager
func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, checker)
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context) (map[string]CheckResult, Status) {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	if len(checkers) == 0 {
		return nil, StatusHealthy
	}
	checks := make(map[string]CheckResult, len(checkers))
	status := StatusHealthy
	for _, checker := range checkers {
		result := checker.Check(ctx)
		checks[checker.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return checks, status
}

// Health performs a liveness check. The process is healthy whenever it can
// answer; component checks only run when verbose.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Uptime:    int64(time.Since(m.startedAt).Seconds()),
		Timestamp: time.Now(),
	}
	if verbose {
		resp.Checks, resp.Status = m.run(ctx)
	}
	return resp
}

// Ready performs a readiness check. Any unhealthy component makes the
// process not ready; degraded components do not.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	checks, status := m.run(ctx)
	return ReadinessResponse{
		Ready:     status != StatusUnhealthy,
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
	}
}

// ServeHealth handles HTTP health check requests
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // Always 200 for liveness

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "health.encode_error").Msg("failed to encode health response")
	}
}

// ServeReady handles HTTP readiness check requests
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "readiness.encode_error").Msg("failed to encode readiness response")
	}

	logger.Debug().
		Str("event", "readiness.checked").
		Str("status", string(resp.Status)).
		Bool("ready", resp.Ready).
		Msg("readiness check performed")
}

// CatalogLister is the part of the server API client the server check uses.
type CatalogLister interface {
	ListExercises(ctx context.Context) ([]serverapi.Exercise, error)
}

// ServerChecker checks that the exercise server answers the catalog request.
type ServerChecker struct {
	lister  CatalogLister
	timeout time.Duration
}

// NewServerChecker creates a checker for the exercise server API.
func NewServerChecker(lister CatalogLister, timeout time.Duration) *ServerChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ServerChecker{lister: lister, timeout: timeout}
}

func (c *ServerChecker) Name() string {
	return "server_api"
}

func (c *ServerChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	exercises, err := c.lister.ListExercises(ctx)
	if err != nil {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  err.Error(),
		}
	}
	if len(exercises) == 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "exercise catalog is empty",
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "exercise catalog available",
	}
}

// SessionStater reports a realtime session state.
type SessionStater interface {
	State() realtime.State
}

// RealtimeChecker maps the realtime session state to health. A session on
// polling after a failed upgrade is degraded, not unhealthy.
type RealtimeChecker struct {
	session SessionStater
}

// NewRealtimeChecker creates a checker for the realtime channel.
func NewRealtimeChecker(session SessionStater) *RealtimeChecker {
	return &RealtimeChecker{session: session}
}

func (c *RealtimeChecker) Name() string {
	return "realtime"
}

func (c *RealtimeChecker) Check(_ context.Context) CheckResult {
	st := c.session.State()
	switch st {
	case realtime.StateConnected:
		return CheckResult{Status: StatusHealthy, Message: string(st)}
	case realtime.StateDegraded, realtime.StateConnecting, realtime.StateReconnecting:
		return CheckResult{Status: StatusDegraded, Message: string(st)}
	default:
		return CheckResult{Status: StatusUnhealthy, Message: string(st)}
	}
}
