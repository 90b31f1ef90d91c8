// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/repcam/internal/media"
	"github.com/ManuGH/repcam/internal/peer"
	"github.com/ManuGH/repcam/internal/resilience"
	"github.com/ManuGH/repcam/internal/serverapi"
)

type streamID string

func (s streamID) StreamID() string { return string(s) }

// fakePath holds a capture stream until closed.
type fakePath struct {
	mode   Mode
	id     string
	stream *media.LocalStream

	mu     sync.Mutex
	closed bool
	onLost func(error)
}

func (p *fakePath) Mode() Mode { return p.mode }

func (p *fakePath) Bind(sink media.Sink) { sink.ShowStream(streamID(p.id)) }

func (p *fakePath) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.stream.Stop()
	return nil
}

func (p *fakePath) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePath) OnConnectivityLost(fn func(error)) {
	p.mu.Lock()
	p.onLost = fn
	p.mu.Unlock()
}

func (p *fakePath) lose() {
	p.mu.Lock()
	fn := p.onLost
	p.mu.Unlock()
	if fn != nil {
		fn(peer.ErrConnectivityLost)
	}
}

// fakeTier acquires from camera and optionally blocks on gate before
// returning, ignoring cancellation so tests can deliver late results.
type fakeTier struct {
	name    string
	camera  *media.SyntheticCamera
	gate    chan struct{}
	started chan string
	err     error

	mu    sync.Mutex
	paths []*fakePath
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Attempt(ctx context.Context, id string) (Path, error) {
	if f.started != nil {
		f.started <- id
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	stream, err := f.camera.Acquire(context.Background(), media.DefaultConstraints())
	if err != nil {
		return nil, err
	}
	p := &fakePath{mode: ModePeerMedia, id: id, stream: stream}
	f.mu.Lock()
	f.paths = append(f.paths, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeTier) path(i int) *fakePath {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[i]
}

func feedURL(base string) FeedURLFunc {
	return func(id string) string { return base + "/video_feed/" + id }
}

func multipartFeed(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n\xff\xd8\xff\xd9\r\n"))
}

type deniedCapturer struct {
	mu    sync.Mutex
	calls int
}

func (d *deniedCapturer) Acquire(context.Context, media.Constraints) (*media.LocalStream, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return nil, media.ErrCaptureDenied
}

func (d *deniedCapturer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type failingSignaler struct{}

func (failingSignaler) Offer(context.Context, serverapi.OfferRequest) (*serverapi.OfferResponse, error) {
	return nil, serverapi.ErrSignaling
}

func TestEstablish_EmptySelection(t *testing.T) {
	display := media.NewDisplay()
	n := NewNegotiator(PlatformDesktop, display, LegacyStream(feedURL("http://x")))

	out := n.Establish(context.Background(), "")
	assert.Equal(t, StatusNoSelection, out.Status)
	assert.Equal(t, ModeNone, out.Mode)
	assert.Equal(t, media.SourceNone, display.Current().Kind)
}

func TestEstablish_CaptureDeniedFallsBackToLegacy(t *testing.T) {
	display := media.NewDisplay()
	capturer := &deniedCapturer{}
	n := NewNegotiator(PlatformMobile, display, Strategies(PlatformMobile, Deps{
		FeedURL:  feedURL("http://server"),
		Capturer: capturer,
		Signaler: failingSignaler{},
		Peer:     peer.Config{ICEServers: []string{}},
	})...)

	out := n.Establish(context.Background(), "squat")
	assert.Equal(t, ModeLegacyStream, out.Mode)
	assert.Equal(t, StatusShowingVideo, out.Status)
	assert.False(t, out.Stale)
	assert.Equal(t, 1, capturer.count())

	src := display.Current()
	assert.Equal(t, media.SourceImageStream, src.Kind)
	assert.Equal(t, "http://server/video_feed/squat", src.URL)
	assert.Equal(t, out, n.Current())
}

func TestEstablish_SignalingRejectedEndsOnFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	defer srv.Close()

	api := serverapi.NewClient(srv.URL, serverapi.DefaultOptions())
	camera := media.NewSyntheticCamera()
	display := media.NewDisplay()
	n := NewNegotiator(PlatformMobile, display, Strategies(PlatformMobile, Deps{
		FeedURL:  api.VideoFeedURL,
		Capturer: camera,
		Signaler: api,
		Peer:     peer.Config{ICEServers: []string{}},
	})...)

	out := n.Establish(context.Background(), "lunge")
	assert.Equal(t, ModeLegacyStream, out.Mode)
	assert.Equal(t, StatusShowingVideo, out.Status)
	assert.Equal(t, srv.URL+"/video_feed/lunge", display.Current().URL)
	assert.Equal(t, 1, camera.Acquisitions())
	assert.Zero(t, camera.LiveTracks(), "failed peer tier released its capture")
}

func TestEstablish_DesktopProbeSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(multipartFeed))
	defer srv.Close()

	camera := media.NewSyntheticCamera()
	display := media.NewDisplay()
	n := NewNegotiator(PlatformDesktop, display, Strategies(PlatformDesktop, Deps{
		HTTPClient: srv.Client(),
		FeedURL:    feedURL(srv.URL),
		Capturer:   camera,
		Signaler:   failingSignaler{},
	})...)

	out := n.Establish(context.Background(), "plank")
	assert.Equal(t, ModeLegacyStream, out.Mode)
	assert.Equal(t, StatusShowingVideo, out.Status)
	assert.Zero(t, camera.Acquisitions(), "peer tier never ran")
	assert.Equal(t, srv.URL+"/video_feed/plank", display.Current().URL)
}

func TestEstablish_DesktopProbeFailureFallsThrough(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	capturer := &deniedCapturer{}
	display := media.NewDisplay()
	n := NewNegotiator(PlatformDesktop, display, Strategies(PlatformDesktop, Deps{
		HTTPClient: srv.Client(),
		FeedURL:    feedURL(srv.URL),
		Capturer:   capturer,
		Signaler:   failingSignaler{},
	})...)

	out := n.Establish(context.Background(), "plank")
	assert.Equal(t, ModeLegacyStream, out.Mode)
	assert.Equal(t, 1, capturer.count(), "peer tier ran after the probe failed")
	assert.Equal(t, media.SourceImageStream, display.Current().Kind)
}

func TestEstablish_AllTiersFail(t *testing.T) {
	n := NewNegotiator(PlatformDesktop, media.NewDisplay(),
		&fakeTier{name: TierPeerMedia, err: peer.ErrSignaling})

	out := n.Establish(context.Background(), "squat")
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, ModeNone, out.Mode)
}

func TestEstablish_TwiceLeavesOnePath(t *testing.T) {
	camera := media.NewSyntheticCamera()
	tier := &fakeTier{name: TierPeerMedia, camera: camera}
	display := media.NewDisplay()
	n := NewNegotiator(PlatformMobile, display, tier)

	first := n.Establish(context.Background(), "a")
	second := n.Establish(context.Background(), "b")

	assert.Equal(t, StatusShowingVideo, first.Status)
	assert.Equal(t, StatusShowingVideo, second.Status)
	assert.Greater(t, second.Generation, first.Generation)
	assert.True(t, tier.path(0).isClosed())
	assert.False(t, tier.path(1).isClosed())
	assert.Equal(t, 1, camera.LiveTracks())
	assert.Equal(t, "b", display.Current().StreamID)

	n.Close()
	assert.Zero(t, camera.LiveTracks())
	assert.Equal(t, media.SourceNone, display.Current().Kind)
	assert.Equal(t, StatusNoSelection, n.Current().Status)
}

func TestEstablish_RapidSwitchLatestWins(t *testing.T) {
	camera := media.NewSyntheticCamera()
	gate := make(chan struct{})
	started := make(chan string, 4)
	tier := &fakeTier{name: TierPeerMedia, camera: camera, gate: gate, started: started}
	display := media.NewDisplay()
	n := NewNegotiator(PlatformMobile, display, tier)

	results := make(chan Outcome, 2)
	go func() { results <- n.Establish(context.Background(), "a") }()
	require.Equal(t, "a", <-started)

	go func() { results <- n.Establish(context.Background(), "b") }()
	require.Eventually(t, func() bool { return n.Generation() == 2 }, time.Second, 5*time.Millisecond)

	gate <- struct{}{}
	stale := <-results
	assert.True(t, stale.Stale)
	assert.Equal(t, "a", stale.ExerciseID)

	require.Equal(t, "b", <-started)
	gate <- struct{}{}
	latest := <-results
	assert.False(t, latest.Stale)
	assert.Equal(t, StatusShowingVideo, latest.Status)

	assert.True(t, tier.path(0).isClosed(), "superseded path was released")
	assert.Equal(t, 1, camera.LiveTracks())
	assert.Equal(t, "b", display.Current().StreamID)
	assert.Equal(t, "b", n.Current().ExerciseID)
}

func TestEstablish_ConnectivityLossDowngradesOnce(t *testing.T) {
	camera := media.NewSyntheticCamera()
	tier := &fakeTier{name: TierPeerMedia, camera: camera}
	display := media.NewDisplay()
	n := NewNegotiator(PlatformMobile, display, tier, LegacyStream(feedURL("http://server")))

	out := n.Establish(context.Background(), "squat")
	require.Equal(t, ModePeerMedia, out.Mode)

	tier.path(0).lose()
	require.Eventually(t, func() bool {
		return n.Current().Mode == ModeLegacyStream
	}, time.Second, 5*time.Millisecond)

	cur := n.Current()
	assert.True(t, cur.Downgraded)
	assert.Equal(t, StatusShowingVideo, cur.Status)
	assert.Equal(t, "http://server/video_feed/squat", display.Current().URL)
	assert.True(t, tier.path(0).isClosed())
	assert.Zero(t, camera.LiveTracks())

	tier.path(0).lose()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ModeLegacyStream, n.Current().Mode)
	assert.Equal(t, 1, camera.Acquisitions(), "no re-upgrade within the selection")
}

func TestEstablish_LossAfterNewSelectionIgnored(t *testing.T) {
	camera := media.NewSyntheticCamera()
	tier := &fakeTier{name: TierPeerMedia, camera: camera}
	n := NewNegotiator(PlatformMobile, media.NewDisplay(), tier, LegacyStream(feedURL("http://server")))

	n.Establish(context.Background(), "a")
	n.Establish(context.Background(), "b")
	tier.path(0).lose()
	time.Sleep(20 * time.Millisecond)

	cur := n.Current()
	assert.Equal(t, ModePeerMedia, cur.Mode)
	assert.Equal(t, "b", cur.ExerciseID)
	assert.False(t, cur.Downgraded)
}

func TestEstablish_BreakerSuspendsPeerTier(t *testing.T) {
	capturer := &deniedCapturer{}
	breaker := resilience.NewCircuitBreaker("peer_media_test", 1, time.Hour)
	n := NewNegotiator(PlatformMobile, media.NewDisplay(), Strategies(PlatformMobile, Deps{
		FeedURL:  feedURL("http://server"),
		Capturer: capturer,
		Signaler: failingSignaler{},
		Breaker:  breaker,
	})...)

	n.Establish(context.Background(), "a")
	assert.Equal(t, resilience.StateOpen, breaker.State())

	out := n.Establish(context.Background(), "b")
	assert.Equal(t, ModeLegacyStream, out.Mode)
	assert.Equal(t, 1, capturer.count(), "open breaker skips capture")
}

func TestEstablish_ObserversSeeLoadingThenResult(t *testing.T) {
	n := NewNegotiator(PlatformMobile, media.NewDisplay(), LegacyStream(feedURL("http://server")))
	var mu sync.Mutex
	var seen []Status
	n.OnChange(func(o Outcome) {
		mu.Lock()
		seen = append(seen, o.Status)
		mu.Unlock()
	})

	n.Establish(context.Background(), "squat")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusLoading, StatusShowingVideo}, seen)
}

// waitingTier blocks until the attempt is cancelled.
type waitingTier struct{ started chan struct{} }

func (w waitingTier) Name() string { return TierPeerMedia }

func (w waitingTier) Attempt(ctx context.Context, _ string) (Path, error) {
	close(w.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEstablish_CallerCancelSettlesNoSelection(t *testing.T) {
	tier := waitingTier{started: make(chan struct{})}
	fallback := &fakeTier{name: TierLegacyStream, err: errors.New("must not run")}
	display := media.NewDisplay()
	n := NewNegotiator(PlatformMobile, display, tier, fallback)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan Outcome, 1)
	go func() { result <- n.Establish(ctx, "squat") }()
	<-tier.started
	assert.Equal(t, StatusLoading, n.Current().Status)
	cancel()

	out := <-result
	assert.False(t, out.Stale)
	assert.Equal(t, StatusNoSelection, out.Status)
	assert.Equal(t, ModeNone, out.Mode)
	assert.Equal(t, StatusNoSelection, n.Current().Status)
	assert.Equal(t, media.SourceNone, display.Current().Kind)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.Canceled, ReasonSuperseded},
		{media.ErrCaptureDenied, ReasonCaptureDenied},
		{errors.Join(peer.ErrCaptureDenied, errors.New("x")), ReasonCaptureDenied},
		{serverapi.ErrSignaling, ReasonSignaling},
		{peer.ErrDescriptionApply, ReasonDescriptionApply},
		{peer.ErrConnectivityLost, ReasonConnectivityLost},
		{resilience.ErrCircuitOpen, ReasonTierSuspended},
		{errors.New("boom"), ReasonUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestClassifyUserAgent(t *testing.T) {
	assert.Equal(t, PlatformMobile, ClassifyUserAgent("Mozilla/5.0 (Linux; Android 14; Pixel 8)"))
	assert.Equal(t, PlatformMobile, ClassifyUserAgent("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"))
	assert.Equal(t, PlatformDesktop, ClassifyUserAgent("Mozilla/5.0 (X11; Linux x86_64)"))
	assert.Equal(t, PlatformDesktop, ClassifyUserAgent(""))

	assert.Equal(t, PlatformMobile, ResolvePlatform("mobile", "Mozilla/5.0 (X11; Linux x86_64)"))
	assert.Equal(t, PlatformMobile, ResolvePlatform("auto", "iPad"))
	assert.Equal(t, PlatformDesktop, ResolvePlatform("", "curl/8"))
	assert.Equal(t, media.FacingEnvironment, ConstraintsFor(PlatformMobile).FacingMode)
	assert.Equal(t, 640, ConstraintsFor(PlatformDesktop).Width)
}
