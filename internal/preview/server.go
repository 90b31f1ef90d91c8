// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package preview serves the local control API: it exposes the delivery
// state, lets a caller select an exercise and publishes health and metrics.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuGH/repcam/internal/delivery"
	"github.com/ManuGH/repcam/internal/health"
	xglog "github.com/ManuGH/repcam/internal/log"
	"github.com/ManuGH/repcam/internal/media"
	"github.com/ManuGH/repcam/internal/realtime"
	"github.com/ManuGH/repcam/internal/serverapi"
)

// Selector is the part of the negotiator the control API drives.
type Selector interface {
	Current() delivery.Outcome
	Establish(ctx context.Context, exerciseID string) delivery.Outcome
	Release(ctx context.Context) delivery.Outcome
}

// Viewer reports what the display is bound to.
type Viewer interface {
	Current() media.Source
}

// Deps are the collaborators of the control API. Session may be nil.
type Deps struct {
	Selector  Selector
	Display   Viewer
	Catalog   health.CatalogLister
	Health    *health.Manager
	Session   health.SessionStater
	RateLimit int
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Delivery delivery.Outcome `json:"delivery"`
	Display  media.Source     `json:"display"`
	Realtime string           `json:"realtime,omitempty"`
}

type selectRequest struct {
	Exercise string `json:"exercise"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// NewRouter builds the control API router.
func NewRouter(deps Deps) http.Handler {
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(requestID)
	r.Use(observe)

	r.Handle("/metrics", promhttp.Handler())
	if deps.Health != nil {
		r.Get("/healthz", deps.Health.ServeHealth)
		r.Get("/readyz", deps.Health.ServeReady)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/exercises", h.exercises)
		r.Group(func(r chi.Router) {
			r.Use(rateLimit(deps.RateLimit, time.Minute))
			r.Post("/select", h.selectExercise)
			r.Delete("/select", h.release)
		})
	})

	return tracing(r)
}

type handlers struct {
	deps Deps
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Delivery: h.deps.Selector.Current(),
		Display:  h.deps.Display.Current(),
	}
	if h.deps.Session != nil {
		resp.Realtime = string(h.deps.Session.State())
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *handlers) exercises(w http.ResponseWriter, r *http.Request) {
	if h.deps.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog_unavailable", "no exercise server configured")
		return
	}
	list, err := h.deps.Catalog.ListExercises(r.Context())
	if err != nil {
		logger := xglog.WithComponentFromContext(r.Context(), "preview")
		logger.Warn().Err(err).Str(xglog.FieldEvent, "preview.catalog_error").Msg("exercise catalog request failed")
		writeError(w, http.StatusBadGateway, "catalog_unavailable", err.Error())
		return
	}
	if list == nil {
		list = []serverapi.Exercise{}
	}
	writeJSON(r.Context(), w, http.StatusOK, list)
}

// selectExercise establishes delivery for the posted exercise. The selection
// outlives the request, so a disconnecting caller does not abort it.
func (h *handlers) selectExercise(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	ctx := xglog.ContextWithExerciseID(context.WithoutCancel(r.Context()), req.Exercise)
	out := h.deps.Selector.Establish(ctx, req.Exercise)

	status := http.StatusOK
	switch {
	case out.Stale:
		status = http.StatusConflict
	case out.Status == delivery.StatusError:
		status = http.StatusBadGateway
	}
	writeJSON(r.Context(), w, status, out)
}

func (h *handlers) release(w http.ResponseWriter, r *http.Request) {
	out := h.deps.Selector.Release(context.WithoutCancel(r.Context()))
	writeJSON(r.Context(), w, http.StatusOK, out)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := xglog.WithComponentFromContext(ctx, "preview")
		logger.Error().Err(err).Str(xglog.FieldEvent, "preview.encode_error").Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: code, Detail: detail})
}

// Server runs the control API until its context ends.
type Server struct {
	srv *http.Server
}

// NewServer creates a server for addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	logger := xglog.WithComponent("preview")
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.srv.Addr).Msg("control server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("control server stopped")
	return nil
}

// ensure the realtime session satisfies the state reporter
var _ health.SessionStater = (*realtime.Session)(nil)
