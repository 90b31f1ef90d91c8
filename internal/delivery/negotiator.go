// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	xglog "github.com/ManuGH/repcam/internal/log"
	"github.com/ManuGH/repcam/internal/media"
	"github.com/ManuGH/repcam/internal/metrics"
	"github.com/ManuGH/repcam/internal/telemetry"
)

// Outcome is the result of one Establish call.
type Outcome struct {
	ExerciseID string `json:"exerciseId,omitempty"`
	Mode       Mode   `json:"mode"`
	Status     Status `json:"status"`
	Generation uint64 `json:"generation"`
	// Stale is set when a newer selection superseded this one; nothing was
	// bound and the returned Mode is what the attempt reached.
	Stale bool `json:"stale,omitempty"`
	// Downgraded is set once connectivity loss moved the path to legacy-stream.
	Downgraded bool `json:"downgraded,omitempty"`
}

// Negotiator owns the single active delivery path and the display binding.
//
// Every Establish bumps the generation and cancels the attempt in flight.
// Attempts are serialized: a new one starts only after the previous attempt
// returned and the active path was released.
type Negotiator struct {
	platform   Platform
	strategies []Strategy
	fallback   Strategy
	sink       media.Sink
	logger     zerolog.Logger
	tracer     trace.Tracer

	acquire sync.Mutex

	mu         sync.Mutex
	gen        uint64
	cancel     context.CancelFunc
	active     Path
	activeGen  uint64
	downgraded bool
	outcome    Outcome
	watchers   []func(Outcome)
}

// NewNegotiator creates a negotiator that binds paths to sink. The last
// strategy named legacy-stream doubles as the downgrade target.
func NewNegotiator(platform Platform, sink media.Sink, strategies ...Strategy) *Negotiator {
	if sink == nil {
		sink = media.NewDisplay()
	}
	n := &Negotiator{
		platform:   platform,
		strategies: strategies,
		sink:       sink,
		logger:     xglog.WithComponent("delivery"),
		tracer:     telemetry.Tracer("repcam/delivery"),
		outcome:    Outcome{Mode: ModeNone, Status: StatusNoSelection},
	}
	for _, s := range strategies {
		if s.Name() == TierLegacyStream {
			n.fallback = s
		}
	}
	return n
}

// Platform returns the platform class the tier order was built for.
func (n *Negotiator) Platform() Platform { return n.platform }

// Current returns the outcome of the latest settled selection.
func (n *Negotiator) Current() Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.outcome
}

// Generation returns the latest selection generation.
func (n *Negotiator) Generation() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gen
}

// OnChange registers an observer called after every status change.
func (n *Negotiator) OnChange(fn func(Outcome)) {
	n.mu.Lock()
	n.watchers = append(n.watchers, fn)
	n.mu.Unlock()
}

// Establish selects exerciseID and runs the tiers until one yields a path.
// An empty id releases the current path. It never fails; the returned
// outcome is the only result.
func (n *Negotiator) Establish(ctx context.Context, exerciseID string) Outcome {
	start := time.Now()

	n.mu.Lock()
	n.gen++
	gen := n.gen
	if n.cancel != nil {
		n.cancel()
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()
	defer cancel()

	correlationID := uuid.NewString()
	attemptCtx = xglog.ContextWithCorrelationID(attemptCtx, correlationID)
	attemptCtx = xglog.ContextWithExerciseID(attemptCtx, exerciseID)
	logger := xglog.WithContext(attemptCtx, n.logger).With().
		Uint64(xglog.FieldGeneration, gen).
		Str(xglog.FieldStrategy, string(n.platform)).
		Logger()

	attemptCtx, span := n.tracer.Start(attemptCtx, "delivery.establish",
		trace.WithAttributes(telemetry.NegotiationAttributes(exerciseID, string(n.platform), correlationID, gen)...))
	defer span.End()

	n.acquire.Lock()
	defer n.acquire.Unlock()

	if !n.isCurrent(gen) {
		logger.Debug().Str(xglog.FieldEvent, "delivery.superseded").Msg("selection superseded before start")
		metrics.RecordStaleResult()
		return Outcome{ExerciseID: exerciseID, Mode: ModeNone, Status: StatusLoading, Generation: gen, Stale: true}
	}

	n.release(logger)

	if exerciseID == "" {
		out := Outcome{Mode: ModeNone, Status: StatusNoSelection, Generation: gen}
		n.settle(gen, out)
		logger.Info().Str(xglog.FieldEvent, "delivery.cleared").Msg("selection cleared")
		return out
	}

	n.settle(gen, Outcome{ExerciseID: exerciseID, Mode: ModeNone, Status: StatusLoading, Generation: gen})
	logger.Info().Str(xglog.FieldEvent, "delivery.start").Msg("establishing delivery path")

	for _, s := range n.strategies {
		if attemptCtx.Err() != nil {
			break
		}
		path, err := n.attempt(attemptCtx, s, exerciseID, logger)
		if err != nil {
			continue
		}
		out, bound := n.bind(gen, exerciseID, path, logger)
		if bound {
			metrics.RecordNegotiation(string(n.platform), string(out.Mode), time.Since(start))
			span.SetAttributes(attribute.String(telemetry.ModeKey, string(out.Mode)))
		}
		return out
	}

	if !n.isCurrent(gen) {
		metrics.RecordStaleResult()
		logger.Debug().Str(xglog.FieldEvent, "delivery.superseded").Msg("selection superseded during attempt")
		return Outcome{ExerciseID: exerciseID, Mode: ModeNone, Status: StatusLoading, Generation: gen, Stale: true}
	}
	if attemptCtx.Err() != nil {
		// Abandoned by the caller with no newer selection: nothing is
		// showing, so loading must not linger.
		out := Outcome{Mode: ModeNone, Status: StatusNoSelection, Generation: gen}
		n.settle(gen, out)
		logger.Info().Err(attemptCtx.Err()).Str(xglog.FieldEvent, "delivery.abandoned").Msg("selection abandoned before a path was found")
		return out
	}

	out := Outcome{ExerciseID: exerciseID, Mode: ModeNone, Status: StatusError, Generation: gen}
	n.settle(gen, out)
	metrics.RecordNegotiation(string(n.platform), string(ModeNone), time.Since(start))
	logger.Error().Str(xglog.FieldEvent, "delivery.exhausted").Msg("every delivery tier failed")
	return out
}

// Release drops the current selection.
func (n *Negotiator) Release(ctx context.Context) Outcome {
	return n.Establish(ctx, "")
}

func (n *Negotiator) attempt(ctx context.Context, s Strategy, exerciseID string, logger zerolog.Logger) (Path, error) {
	ctx, span := n.tracer.Start(ctx, "delivery.tier",
		trace.WithAttributes(attribute.String(telemetry.TierKey, s.Name())))

	path, err := s.Attempt(ctx, exerciseID)
	telemetry.EndSpan(span, err)
	if err == nil {
		return path, nil
	}

	reason := Classify(err)
	if reason != ReasonSuperseded {
		metrics.RecordTierFailure(s.Name(), reason)
	}
	logger.Warn().Err(err).
		Str(xglog.FieldEvent, "delivery.fallback").
		Str("tier", s.Name()).
		Str(xglog.FieldReason, reason).
		Msg("delivery tier failed")
	return nil, err
}

// bind makes path the active path if gen is still the latest selection.
// A superseded path is closed without touching the sink.
func (n *Negotiator) bind(gen uint64, exerciseID string, path Path, logger zerolog.Logger) (Outcome, bool) {
	n.mu.Lock()
	if gen != n.gen {
		n.mu.Unlock()
		_ = path.Close()
		metrics.RecordStaleResult()
		logger.Info().Str(xglog.FieldEvent, "delivery.stale").Str(xglog.FieldMode, string(path.Mode())).Msg("discarding superseded delivery path")
		return Outcome{ExerciseID: exerciseID, Mode: path.Mode(), Status: StatusLoading, Generation: gen, Stale: true}, false
	}
	n.active = path
	n.activeGen = gen
	out := Outcome{ExerciseID: exerciseID, Mode: path.Mode(), Status: StatusShowingVideo, Generation: gen, Downgraded: n.downgraded}
	n.mu.Unlock()

	path.Bind(n.sink)
	if ln, ok := path.(lossNotifier); ok {
		ln.OnConnectivityLost(func(err error) {
			go n.downgrade(gen, exerciseID, err)
		})
	}
	metrics.SetActiveMode(string(out.Mode))
	n.settle(gen, out)
	logger.Info().Str(xglog.FieldEvent, "delivery.bound").Str(xglog.FieldMode, string(out.Mode)).Msg("delivery path bound")
	return out, true
}

// downgrade replaces a peer path that lost connectivity with the legacy
// stream. It happens at most once per selection.
func (n *Negotiator) downgrade(gen uint64, exerciseID string, cause error) {
	n.acquire.Lock()
	defer n.acquire.Unlock()

	n.mu.Lock()
	if gen != n.gen || n.activeGen != gen || n.active == nil || n.downgraded || n.active.Mode() != ModePeerMedia {
		n.mu.Unlock()
		return
	}
	n.downgraded = true
	n.mu.Unlock()

	logger := n.logger.With().
		Uint64(xglog.FieldGeneration, gen).
		Str(xglog.FieldExerciseID, exerciseID).
		Logger()
	metrics.RecordTierFailure(TierPeerMedia, ReasonConnectivityLost)
	logger.Warn().Err(cause).Str(xglog.FieldEvent, "delivery.downgrade").Msg("peer connectivity lost, falling back to legacy stream")

	n.release(logger)
	if n.fallback == nil {
		n.settle(gen, Outcome{ExerciseID: exerciseID, Mode: ModeNone, Status: StatusError, Generation: gen, Downgraded: true})
		return
	}
	path, err := n.fallback.Attempt(context.Background(), exerciseID)
	if err != nil {
		n.settle(gen, Outcome{ExerciseID: exerciseID, Mode: ModeNone, Status: StatusError, Generation: gen, Downgraded: true})
		return
	}
	n.bind(gen, exerciseID, path, logger)
}

// release closes the active path and clears the sink. The caller holds acquire.
func (n *Negotiator) release(logger zerolog.Logger) {
	n.mu.Lock()
	prev := n.active
	n.active = nil
	n.mu.Unlock()
	if prev == nil {
		return
	}
	if err := prev.Close(); err != nil {
		logger.Warn().Err(err).Str(xglog.FieldEvent, "delivery.release").Msg("closing delivery path")
	}
	n.sink.Clear()
	metrics.SetActiveMode(string(ModeNone))
}

func (n *Negotiator) settle(gen uint64, out Outcome) {
	n.mu.Lock()
	if gen != n.gen {
		n.mu.Unlock()
		return
	}
	if out.Status != StatusShowingVideo {
		n.downgraded = out.Downgraded
	}
	n.outcome = out
	watchers := append([]func(Outcome){}, n.watchers...)
	n.mu.Unlock()

	for _, w := range watchers {
		w(out)
	}
}

func (n *Negotiator) isCurrent(gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return gen == n.gen
}

// Close releases the active path and cancels any attempt in flight.
func (n *Negotiator) Close() {
	n.Establish(context.Background(), "")
}
