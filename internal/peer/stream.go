// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteStream is the media stream received from the server.
type RemoteStream struct {
	id string

	mu     sync.RWMutex
	tracks []*webrtc.TrackRemote
}

func newRemoteStream(first *webrtc.TrackRemote) *RemoteStream {
	return &RemoteStream{id: first.StreamID(), tracks: []*webrtc.TrackRemote{first}}
}

// StreamID implements media.Stream.
func (r *RemoteStream) StreamID() string { return r.id }

// Tracks returns the tracks received so far for this stream.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

func (r *RemoteStream) addTrack(t *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}
