// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package serverapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, Options{
		Timeout:    2 * time.Second,
		MaxRetries: retries,
		Backoff:    time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
		RateLimit:  1000,
	})
}

func TestListExercises_Success(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/exercises", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`[{"id":"squat","name":"Squat"},{"id":"","name":"ghost"},{"id":"plank","name":"Plank"}]`))
	}), 0)

	got, err := c.ListExercises(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Exercise{{ID: "squat", Name: "Squat"}, {ID: "plank", Name: "Plank"}}, got)
}

func TestListExercises_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"lunges","name":"Lunges"}]`))
	}), 2)

	got, err := c.ListExercises(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestListExercises_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	}), 3)

	_, err := c.ListExercises(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestListExercises_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), 1)

	_, err := c.ListExercises(context.Background())
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(2), calls.Load())
}

func TestListExercises_InvalidJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"not a list"}`))
	}), 0)

	_, err := c.ListExercises(context.Background())
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestListExercises_SharesInFlightRequest(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`[{"id":"squat","name":"Squat"}]`))
	}), 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.ListExercises(context.Background())
			assert.NoError(t, err)
			assert.Len(t, got, 1)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestOffer_Success(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/rtc_offer", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req OfferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "offer", req.SDP.Type)
		assert.Equal(t, "squat", req.Exercise)

		_, _ = w.Write([]byte(`{"sdp":{"type":"answer","sdp":"v=0\r\n"},"ice_candidates":[{"candidate":"candidate:1 1 UDP 2130706431 192.168.1.1 8888 typ host","sdpMLineIndex":0}]}`))
	}), 3)

	resp, err := c.Offer(context.Background(), OfferRequest{
		SDP:      SessionDescription{Type: "offer", SDP: "v=0\r\n"},
		Exercise: "squat",
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.SDP.Type)
	require.Len(t, resp.ICECandidates, 1)
	require.NotNil(t, resp.ICECandidates[0].SDPMLineIndex)
	assert.Equal(t, uint16(0), *resp.ICECandidates[0].SDPMLineIndex)
	assert.Nil(t, resp.ICECandidates[0].SDPMid)
}

func TestOffer_NonSuccessIsSignalingFailureWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}), 3)

	_, err := c.Offer(context.Background(), OfferRequest{SDP: SessionDescription{Type: "offer", SDP: "x"}, Exercise: "squat"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignaling)
	assert.Equal(t, int32(1), calls.Load(), "signaling is never retried")
}

func TestOffer_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing sdp", `{"ice_candidates":[]}`},
		{"offer type in answer", `{"sdp":{"type":"offer","sdp":"v=0"}}`},
		{"empty sdp", `{"sdp":{"type":"answer","sdp":""}}`},
		{"candidate without text", `{"sdp":{"type":"answer","sdp":"v=0"},"ice_candidates":[{"sdpMid":"0"}]}`},
		{"negative mline", `{"sdp":{"type":"answer","sdp":"v=0"},"ice_candidates":[{"candidate":"c","sdpMLineIndex":-1}]}`},
		{"not json", `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}), 0)
			_, err := c.Offer(context.Background(), OfferRequest{Exercise: "squat"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSignaling))
			assert.True(t, errors.Is(err, ErrInvalidResponse))
		})
	}
}

func TestOffer_NullCandidatesAccepted(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sdp":{"type":"answer","sdp":"v=0"},"ice_candidates":null}`))
	}), 0)
	resp, err := c.Offer(context.Background(), OfferRequest{Exercise: "squat"})
	require.NoError(t, err)
	assert.Empty(t, resp.ICECandidates)
}

func TestVideoFeedURL(t *testing.T) {
	c := NewClient("http://coach.local:8080/", DefaultOptions())
	assert.Equal(t, "http://coach.local:8080/video_feed/squat", c.VideoFeedURL("squat"))
	assert.Equal(t, "http://coach.local:8080/video_feed/a%2Fb", c.VideoFeedURL("a/b"))
}

func TestBackoffFor_Capped(t *testing.T) {
	c := NewClient("http://x", Options{Backoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond})
	for attempt := 0; attempt < 6; attempt++ {
		d := c.backoffFor(attempt)
		assert.LessOrEqual(t, d, 300*time.Millisecond+60*time.Millisecond)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	}
}
