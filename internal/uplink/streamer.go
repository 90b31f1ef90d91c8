// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package uplink streams locally captured JPEG frames to the exercise server
// over the realtime channel and collects the processed frames it sends back.
package uplink

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	xglog "github.com/ManuGH/repcam/internal/log"
	"github.com/ManuGH/repcam/internal/media"
	"github.com/ManuGH/repcam/internal/metrics"
	"github.com/ManuGH/repcam/internal/realtime"
)

// Channel events.
const (
	EventStartExercise   = "start_exercise"
	EventVideoFrame      = "video_frame"
	EventStopExercise    = "stop_exercise"
	EventExerciseStarted = "exercise_started"
	EventExerciseFrame   = "exercise_frame"
	EventError           = "error"
)

// ErrNotConnected is returned by Start when the channel is down.
var ErrNotConnected = errors.New("realtime channel not connected")

// StartRequest is the start_exercise payload.
type StartRequest struct {
	ExerciseID   string `json:"exercise_id"`
	ClientStream bool   `json:"client_stream"`
}

// VideoFrame is the video_frame payload: a bare base64 JPEG, no data URL prefix.
type VideoFrame struct {
	Frame      string `json:"frame"`
	ExerciseID string `json:"exercise_id"`
}

// Started is the exercise_started payload.
type Started struct {
	Status     string `json:"status"`
	ExerciseID string `json:"exercise_id"`
}

// ProcessedFrame is the exercise_frame payload.
type ProcessedFrame struct {
	Frame        string `json:"frame"`
	LeftCounter  int    `json:"left_counter"`
	RightCounter int    `json:"right_counter"`
	Feedback     string `json:"feedback"`
}

// JPEG decodes the annotated frame.
func (f ProcessedFrame) JPEG() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(f.Frame)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return data, nil
}

// ServerError is the error payload.
type ServerError struct {
	Message string `json:"message"`
}

// Channel is the part of a realtime session the streamer uses.
type Channel interface {
	Connected() bool
	Send(event string, payload any) bool
	Subscribe(event string, h realtime.Handler) *realtime.Subscription
}

// Options configure a Streamer.
type Options struct {
	ExerciseID   string
	FrameRate    int
	StartTimeout time.Duration
	StallTimeout time.Duration
}

// Stats summarize one or more runs.
type Stats struct {
	Sent         int    `json:"sent"`
	Skipped      int    `json:"skipped"`
	Processed    int    `json:"processed"`
	LeftCounter  int    `json:"leftCounter"`
	RightCounter int    `json:"rightCounter"`
	Feedback     string `json:"feedback,omitempty"`
	LastError    string `json:"lastError,omitempty"`
}

// Streamer paces frames from a source onto the channel. Frames are dropped,
// not queued, while the channel is down.
type Streamer struct {
	ch     Channel
	src    media.FrameSource
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	streaming bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	done      chan struct{}
	subs      []*realtime.Subscription
	wd        *watchdog
	err       error
	stats     Stats
	onFrame   func(ProcessedFrame)
	onError   func(ServerError)
}

// New creates a stopped streamer.
func New(ch Channel, src media.FrameSource, opts Options) *Streamer {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 15
	}
	return &Streamer{
		ch:     ch,
		src:    src,
		opts:   opts,
		logger: xglog.WithComponent("uplink").With().Str(xglog.FieldExerciseID, opts.ExerciseID).Logger(),
	}
}

// OnFrame registers the processed-frame callback. Call before Start.
func (s *Streamer) OnFrame(fn func(ProcessedFrame)) {
	s.mu.Lock()
	s.onFrame = fn
	s.mu.Unlock()
}

// OnError registers the server error callback. Call before Start.
func (s *Streamer) OnError(fn func(ServerError)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Start announces the exercise and begins sending frames. Starting a running
// streamer is a no-op.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return nil
	}
	if !s.ch.Connected() {
		return ErrNotConnected
	}

	wd := newWatchdog(s.opts.StartTimeout, s.opts.StallTimeout)
	subs := []*realtime.Subscription{
		s.ch.Subscribe(EventExerciseStarted, s.handleStarted(wd)),
		s.ch.Subscribe(EventExerciseFrame, s.handleFrame(wd)),
		s.ch.Subscribe(EventError, s.handleError),
	}
	if !s.ch.Send(EventStartExercise, StartRequest{ExerciseID: s.opts.ExerciseID, ClientStream: true}) {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		return ErrNotConnected
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.streaming = true
	s.cancel = cancel
	s.subs = subs
	s.wd = wd
	s.err = nil
	s.loopDone = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(runCtx, s.loopDone)
	go func() {
		if err := wd.Run(runCtx); err != nil {
			s.logger.Warn().Err(err).Str(xglog.FieldEvent, "uplink.watchdog").Msg("stopping uplink")
			s.halt(err)
		}
	}()
	s.logger.Info().Str(xglog.FieldEvent, "uplink.start").Int("fps", s.opts.FrameRate).Msg("frame uplink started")
	return nil
}

// Stop stops sending frames and tells the server to stop the exercise.
func (s *Streamer) Stop() {
	s.halt(nil)
}

// Done is closed when the current run ends. It is nil before the first Start.
func (s *Streamer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns why the last run ended on its own, or nil after Stop.
func (s *Streamer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Streaming reports whether a run is active.
func (s *Streamer) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Stats returns a snapshot of the counters.
func (s *Streamer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Streamer) halt(cause error) {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return
	}
	s.streaming = false
	s.err = cause
	cancel, loopDone, done, subs := s.cancel, s.loopDone, s.done, s.subs
	s.subs = nil
	s.mu.Unlock()

	cancel()
	<-loopDone
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if s.ch.Connected() {
		s.ch.Send(EventStopExercise, nil)
	}
	close(done)
	s.logger.Info().Str(xglog.FieldEvent, "uplink.stop").Msg("frame uplink stopped")
}

func (s *Streamer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	limiter := rate.NewLimiter(rate.Limit(s.opts.FrameRate), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if !s.ch.Connected() {
			s.count(false)
			continue
		}
		jpeg, err := s.src.NextJPEG()
		if err != nil {
			s.logger.Warn().Err(err).Str(xglog.FieldEvent, "uplink.capture").Msg("frame capture failed")
			continue
		}
		ok := s.ch.Send(EventVideoFrame, VideoFrame{
			Frame:      base64.StdEncoding.EncodeToString(jpeg),
			ExerciseID: s.opts.ExerciseID,
		})
		s.count(ok)
	}
}

func (s *Streamer) count(sent bool) {
	metrics.RecordUplinkFrame(sent)
	s.mu.Lock()
	if sent {
		s.stats.Sent++
	} else {
		s.stats.Skipped++
	}
	s.mu.Unlock()
}

func (s *Streamer) handleStarted(wd *watchdog) realtime.Handler {
	return func(ev realtime.Event) {
		var st Started
		if err := ev.Decode(&st); err != nil {
			s.logger.Debug().Err(err).Msg("malformed exercise_started")
			return
		}
		wd.Started()
		s.logger.Info().Str(xglog.FieldEvent, "uplink.started").Str("status", st.Status).Msg("server started exercise")
	}
}

func (s *Streamer) handleFrame(wd *watchdog) realtime.Handler {
	return func(ev realtime.Event) {
		var f ProcessedFrame
		if err := ev.Decode(&f); err != nil {
			s.logger.Debug().Err(err).Msg("malformed exercise_frame")
			return
		}
		wd.Frame()

		s.mu.Lock()
		s.stats.Processed++
		s.stats.LeftCounter = f.LeftCounter
		s.stats.RightCounter = f.RightCounter
		s.stats.Feedback = f.Feedback
		fn := s.onFrame
		s.mu.Unlock()
		if fn != nil {
			fn(f)
		}
	}
}

func (s *Streamer) handleError(ev realtime.Event) {
	var e ServerError
	if err := ev.Decode(&e); err != nil {
		return
	}
	s.logger.Warn().Str(xglog.FieldEvent, "uplink.server_error").Str("message", e.Message).Msg("server reported error")

	s.mu.Lock()
	s.stats.LastError = e.Message
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}
