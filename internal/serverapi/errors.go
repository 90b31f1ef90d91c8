// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package serverapi

import "errors"

var (
	// ErrUpstreamUnavailable covers transport errors and non-2xx statuses.
	ErrUpstreamUnavailable = errors.New("exercise server unavailable")
	// ErrInvalidResponse is returned when a 2xx body does not have the expected shape.
	ErrInvalidResponse = errors.New("invalid server response")
	// ErrSignaling marks any failure of the offer/answer exchange.
	ErrSignaling = errors.New("signaling failure")
)
