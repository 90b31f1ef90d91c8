// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package diagnostics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ManuGH/repcam/internal/serverapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeOverallStatus(t *testing.T) {
	tests := []struct {
		name       string
		subsystems map[Subsystem]SubsystemHealth
		want       HealthStatus
	}{
		{
			name:       "nothing measured",
			subsystems: map[Subsystem]SubsystemHealth{},
			want:       Unknown,
		},
		{
			name: "all ok",
			subsystems: map[Subsystem]SubsystemHealth{
				SubsystemServerAPI:         {Status: OK},
				SubsystemRealtimePolling:   {Status: OK},
				SubsystemRealtimeWebSocket: {Status: OK},
				SubsystemLegacyStream:      {Status: OK},
			},
			want: OK,
		},
		{
			name: "server unavailable → unavailable",
			subsystems: map[Subsystem]SubsystemHealth{
				SubsystemServerAPI:       {Status: Unavailable},
				SubsystemRealtimePolling: {Status: OK},
			},
			want: Unavailable,
		},
		{
			name: "both transports unavailable → unavailable",
			subsystems: map[Subsystem]SubsystemHealth{
				SubsystemServerAPI:         {Status: OK},
				SubsystemRealtimePolling:   {Status: Unavailable},
				SubsystemRealtimeWebSocket: {Status: Unavailable},
			},
			want: Unavailable,
		},
		{
			name: "websocket unavailable but polling ok → degraded",
			subsystems: map[Subsystem]SubsystemHealth{
				SubsystemServerAPI:         {Status: OK},
				SubsystemRealtimePolling:   {Status: OK},
				SubsystemRealtimeWebSocket: {Status: Unavailable},
			},
			want: Degraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeOverallStatus(tt.subsystems))
		})
	}
}

func TestBuildDegradationSummary(t *testing.T) {
	now := time.Now()
	lastOK := now.Add(-time.Hour)

	summary := BuildDegradationSummary(map[Subsystem]SubsystemHealth{
		SubsystemServerAPI: {Subsystem: SubsystemServerAPI, Status: OK, MeasuredAt: now},
		SubsystemRealtimeWebSocket: {
			Subsystem:  SubsystemRealtimeWebSocket,
			Status:     Unavailable,
			MeasuredAt: now,
			ErrorCode:  ErrTransportFailed,
		},
		SubsystemLegacyStream: {
			Subsystem:  SubsystemLegacyStream,
			Status:     Degraded,
			MeasuredAt: now,
			LastOK:     &lastOK,
			ErrorCode:  ErrFeedNotStream,
		},
	})

	require.Len(t, summary, 2)
	assert.Equal(t, SubsystemLegacyStream, summary[0].Subsystem)
	assert.Equal(t, lastOK, summary[0].Since)
	assert.Equal(t, SubsystemRealtimeWebSocket, summary[1].Subsystem)
	assert.Equal(t, now, summary[1].Since)
	assert.NotEmpty(t, summary[1].SuggestedActions)
}

type stubLister struct {
	list []serverapi.Exercise
	err  error
}

func (s stubLister) ListExercises(context.Context) ([]serverapi.Exercise, error) {
	return s.list, s.err
}

func TestServerChecker(t *testing.T) {
	lkg := NewLKGCache()

	ok := NewServerChecker("http://srv", stubLister{list: []serverapi.Exercise{{ID: "squat"}}}, lkg).Check(context.Background())
	assert.Equal(t, OK, ok.Status)
	assert.Equal(t, SourceProbe, ok.Source)
	assert.Equal(t, 1, ok.Details.(ServerAPIDetails).ExerciseCount)

	down := stubLister{err: serverapi.ErrUpstreamUnavailable}
	cached := NewServerChecker("http://srv", down, lkg).Check(context.Background())
	assert.Equal(t, Degraded, cached.Status)
	assert.Equal(t, SourceCache, cached.Source)
	require.NotNil(t, cached.LastOK)

	cold := NewServerChecker("http://other", down, nil).Check(context.Background())
	assert.Equal(t, Unavailable, cold.Status)
	assert.Equal(t, ErrServerUnreachable, cold.ErrorCode)

	bad := NewServerChecker("http://other", stubLister{err: errors.Join(serverapi.ErrInvalidResponse)}, nil).Check(context.Background())
	assert.Equal(t, ErrServerBadResponse, bad.ErrorCode)
}

func TestLKGCache_Expiry(t *testing.T) {
	cache := NewLKGCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.SetServer("http://srv", 4)
	require.NotNil(t, cache.GetServer("http://srv"))
	assert.Nil(t, cache.GetServer("http://unknown"))

	cache.now = func() time.Time { return now.Add(serverTTL + time.Second) }
	assert.Nil(t, cache.GetServer("http://srv"))
	cache.EvictExpired()
	assert.Empty(t, cache.server)

	var nilCache *LKGCache
	nilCache.SetServer("x", 1)
	assert.Nil(t, nilCache.GetServer("x"))
}

func TestFeedChecker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/video_feed/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/video_feed/html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ok := NewFeedChecker(srv.URL+"/video_feed/ok", nil).Check(context.Background())
	assert.Equal(t, OK, ok.Status)
	assert.Equal(t, Optional, ok.Criticality)

	html := NewFeedChecker(srv.URL+"/video_feed/html", nil).Check(context.Background())
	assert.Equal(t, Degraded, html.Status)
	assert.Equal(t, ErrFeedNotStream, html.ErrorCode)

	missing := NewFeedChecker(srv.URL+"/video_feed/missing", nil).Check(context.Background())
	assert.Equal(t, Unavailable, missing.Status)
	assert.Equal(t, ErrFeedUnreachable, missing.ErrorCode)
}
