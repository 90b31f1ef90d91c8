// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package media models local capture (camera streams and their tracks) and
// the single display sink that shows whichever delivery path is active.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrCaptureDenied is returned when the capture device refuses access.
var ErrCaptureDenied = errors.New("capture denied")

// Facing modes understood by Constraints.
const (
	FacingAny         = ""
	FacingEnvironment = "environment"
	FacingUser        = "user"
)

// Constraints are the requested capture properties. Width and Height are ideal
// values, not hard requirements.
type Constraints struct {
	Width      int
	Height     int
	FrameRate  int
	FacingMode string
}

// DefaultConstraints returns 640x480 video with no facing preference.
func DefaultConstraints() Constraints {
	return Constraints{Width: 640, Height: 480, FrameRate: 15}
}

// Capturer acquires local capture streams.
type Capturer interface {
	Acquire(ctx context.Context, c Constraints) (*LocalStream, error)
}

// LocalTrack is one live capture track. Stop is idempotent.
type LocalTrack struct {
	track *webrtc.TrackLocalStaticSample

	once   sync.Once
	mu     sync.RWMutex
	live   bool
	onStop func()
}

// RTP returns the pion track to attach to a peer connection.
func (t *LocalTrack) RTP() *webrtc.TrackLocalStaticSample { return t.track }

// ID returns the track id.
func (t *LocalTrack) ID() string { return t.track.ID() }

// Kind is always video; audio capture is never requested.
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }

// Live reports whether the track has not been stopped.
func (t *LocalTrack) Live() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// WriteSample forwards an encoded sample while the track is live.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if !t.Live() {
		return fmt.Errorf("track %s stopped", t.ID())
	}
	return t.track.WriteSample(s)
}

// Stop ends the track and releases it from its device.
func (t *LocalTrack) Stop() {
	t.once.Do(func() {
		t.mu.Lock()
		t.live = false
		t.mu.Unlock()
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// LocalStream groups the tracks of one acquisition.
type LocalStream struct {
	id     string
	tracks []*LocalTrack
}

// ID returns the stream id shared by all of its tracks.
func (s *LocalStream) ID() string { return s.id }

// Tracks returns the stream's tracks.
func (s *LocalStream) Tracks() []*LocalTrack {
	if s == nil {
		return nil
	}
	return s.tracks
}

// Stop stops every track. Safe on a nil stream.
func (s *LocalStream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.tracks {
		t.Stop()
	}
}

// SyntheticCamera is a capture device without hardware. It tracks how many of
// its tracks are live so callers can verify that teardown released the device.
type SyntheticCamera struct {
	mu   sync.Mutex
	live int

	acquired int
}

// NewSyntheticCamera returns an idle synthetic device.
func NewSyntheticCamera() *SyntheticCamera {
	return &SyntheticCamera{}
}

// Acquire returns a one-track VP8 video stream.
func (c *SyntheticCamera) Acquire(ctx context.Context, _ Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "repcam-" + uuid.NewString()
	rtp, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}

	c.mu.Lock()
	c.live++
	c.acquired++
	c.mu.Unlock()

	track := &LocalTrack{track: rtp, live: true}
	track.onStop = func() {
		c.mu.Lock()
		c.live--
		c.mu.Unlock()
	}
	return &LocalStream{id: streamID, tracks: []*LocalTrack{track}}, nil
}

// LiveTracks returns the number of acquired tracks not yet stopped.
func (c *SyntheticCamera) LiveTracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Acquisitions returns how many streams were handed out in total.
func (c *SyntheticCamera) Acquisitions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

// NoCamera always denies capture.
type NoCamera struct{}

// Acquire implements Capturer.
func (NoCamera) Acquire(context.Context, Constraints) (*LocalStream, error) {
	return nil, ErrCaptureDenied
}
