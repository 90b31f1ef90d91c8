// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package peer

import "errors"

var (
	// ErrCaptureDenied wraps a capture acquisition failure.
	ErrCaptureDenied = errors.New("capture denied")
	// ErrSignaling wraps a failed offer/answer exchange.
	ErrSignaling = errors.New("signaling failure")
	// ErrDescriptionApply wraps a failure to create or apply a session description.
	ErrDescriptionApply = errors.New("description apply failure")
	// ErrConnectivityLost is reported when ICE goes to failed or disconnected.
	ErrConnectivityLost = errors.New("connectivity lost")
	// ErrClosed is returned when the session was closed during Open.
	ErrClosed = errors.New("peer session closed")
)
