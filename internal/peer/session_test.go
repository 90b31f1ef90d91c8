// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package peer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	xglog "github.com/ManuGH/repcam/internal/log"
	"github.com/ManuGH/repcam/internal/media"
	"github.com/ManuGH/repcam/internal/serverapi"
	"github.com/pion/transport/v3/test"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// answerer plays the exercise server: it answers offers with a real pion
// peer connection and lets tests tamper with the response.
type answerer struct {
	t      *testing.T
	mutate func(*serverapi.OfferResponse)

	mu     sync.Mutex
	offers []serverapi.OfferRequest
	pcs    []*webrtc.PeerConnection
}

func (a *answerer) Offer(ctx context.Context, req serverapi.OfferRequest) (*serverapi.OfferResponse, error) {
	a.mu.Lock()
	a.offers = append(a.offers, req)
	a.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.pcs = append(a.pcs, pc)
	a.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP.SDP}); err != nil {
		return nil, err
	}
	ans, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(ans); err != nil {
		return nil, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	resp := &serverapi.OfferResponse{
		SDP: serverapi.SessionDescription{Type: "answer", SDP: pc.LocalDescription().SDP},
	}
	if a.mutate != nil {
		a.mutate(resp)
	}
	return resp, nil
}

func (a *answerer) lastOffer() serverapi.OfferRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(a.t, a.offers)
	return a.offers[len(a.offers)-1]
}

func (a *answerer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pc := range a.pcs {
		_ = pc.Close()
	}
}

type failingSignaler struct{ calls int }

func (f *failingSignaler) Offer(context.Context, serverapi.OfferRequest) (*serverapi.OfferResponse, error) {
	f.calls++
	return nil, serverapi.ErrSignaling
}

// offline disables STUN so gathering finishes on host candidates only.
func offline() Config {
	return Config{ICEServers: []string{}}
}

func TestOpen_SignalingFailure(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()
	defer test.CheckRoutines(t)()

	cam := media.NewSyntheticCamera()
	sig := &failingSignaler{}
	s := NewSession(offline(), sig)

	local, err := s.AcquireCapture(context.Background(), cam, media.DefaultConstraints())
	require.NoError(t, err)
	assert.Equal(t, StateAcquiringCapture, s.State())

	err = s.Open(context.Background(), "squat", local)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignaling)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 1, sig.calls, "signaling is attempted exactly once")

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, cam.LiveTracks())
}

func TestOpen_AppliesAnswerAndSkipsBadCandidate(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	mline := uint16(0)
	ans := &answerer{t: t, mutate: func(r *serverapi.OfferResponse) {
		r.ICECandidates = []serverapi.Candidate{
			{Candidate: "this is not a candidate", SDPMLineIndex: &mline},
			{Candidate: "candidate:1 1 UDP 2130706431 192.0.2.10 8888 typ host", SDPMLineIndex: &mline},
		}
	}}
	defer ans.Close()

	cam := media.NewSyntheticCamera()
	display := media.NewDisplay()
	s := NewSession(offline(), ans)
	local, err := s.AcquireCapture(context.Background(), cam, media.DefaultConstraints())
	require.NoError(t, err)

	require.NoError(t, s.Open(context.Background(), "squat", local))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 1, s.SkippedCandidates())

	offer := ans.lastOffer()
	assert.Equal(t, "offer", offer.SDP.Type)
	assert.Equal(t, "squat", offer.Exercise)
	assert.Contains(t, offer.SDP.SDP, "m=video")
	assert.NotContains(t, offer.SDP.SDP, "m=audio")

	s.Bind(display)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, cam.LiveTracks())
	assert.Equal(t, media.SourceNone, display.Current().Kind)
}

func TestOpen_NoLocalVideoOffersReceiveOnly(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	ans := &answerer{t: t}
	defer ans.Close()

	s := NewSession(offline(), ans)
	require.NoError(t, s.Open(context.Background(), "plank", nil))
	defer func() { _ = s.Close() }()

	sdp := ans.lastOffer().SDP.SDP
	assert.Contains(t, sdp, "m=video")
	assert.Contains(t, sdp, "a=recvonly")
	assert.NotContains(t, sdp, "m=audio")
}

func TestOpen_BadAnswerIsDescriptionFailure(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	ans := &answerer{t: t, mutate: func(r *serverapi.OfferResponse) {
		r.SDP.SDP = "v=garbage"
	}}
	defer ans.Close()

	cam := media.NewSyntheticCamera()
	s := NewSession(offline(), ans)
	local, err := s.AcquireCapture(context.Background(), cam, media.DefaultConstraints())
	require.NoError(t, err)

	err = s.Open(context.Background(), "squat", local)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDescriptionApply)
	assert.Equal(t, StateFailed, s.State())

	require.NoError(t, s.Close())
	assert.Equal(t, 0, cam.LiveTracks())
}

func TestAcquireCapture_Denied(t *testing.T) {
	s := NewSession(offline(), &failingSignaler{})

	_, err := s.AcquireCapture(context.Background(), media.NoCamera{}, media.DefaultConstraints())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptureDenied)
	assert.True(t, errors.Is(err, media.ErrCaptureDenied))
	assert.Equal(t, StateFailed, s.State())
}

func TestOpen_AfterClose(t *testing.T) {
	sig := &failingSignaler{}
	s := NewSession(offline(), sig)
	require.NoError(t, s.Close())

	err := s.Open(context.Background(), "squat", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, sig.calls)

	_, err = s.AcquireCapture(context.Background(), media.NewSyntheticCamera(), media.DefaultConstraints())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnectivityLost_FiresOnce(t *testing.T) {
	s := NewSession(offline(), &failingSignaler{})
	var fired []error
	s.OnConnectivityLost(func(err error) { fired = append(fired, err) })

	logger := xglog.WithComponent("peer-test")
	s.connectivityLost(webrtc.ICEConnectionStateDisconnected, logger)
	s.connectivityLost(webrtc.ICEConnectionStateFailed, logger)

	require.Len(t, fired, 1)
	assert.ErrorIs(t, fired[0], ErrConnectivityLost)
	assert.True(t, strings.Contains(fired[0].Error(), "disconnected"))
	assert.Equal(t, StateFailed, s.State())
}

func TestConnectivityLost_IgnoredAfterClose(t *testing.T) {
	s := NewSession(offline(), &failingSignaler{})
	called := false
	s.OnConnectivityLost(func(error) { called = true })
	require.NoError(t, s.Close())

	s.connectivityLost(webrtc.ICEConnectionStateFailed, xglog.WithComponent("peer-test"))
	assert.False(t, called)
	assert.Equal(t, StateClosed, s.State())
}

func TestNewSession_DefaultICEServers(t *testing.T) {
	s := NewSession(Config{}, &failingSignaler{})
	assert.Equal(t, DefaultICEServers, s.cfg.ICEServers)
	assert.NotNil(t, s.cfg.LoggerFactory)
}
