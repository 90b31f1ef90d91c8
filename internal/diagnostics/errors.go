// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package diagnostics

// Server API error codes.
const (
	ErrServerUnreachable = "SERVER_UNREACHABLE" // Connection refused or retries exhausted
	ErrServerSlow        = "SERVER_SLOW"        // Response took > 2s
	ErrServerBadResponse = "SERVER_BAD_RESPONSE"
)

// Realtime transport error codes.
const (
	ErrTransportFailed = "TRANSPORT_CONNECT_FAILED"
)

// Media path error codes.
const (
	ErrFeedNotStream   = "FEED_NOT_STREAM"
	ErrFeedUnreachable = "FEED_UNREACHABLE"
	ErrPeerFailed      = "PEER_MEDIA_FAILED"
)

// ErrorMessages are user-facing descriptions per error code.
var ErrorMessages = map[string]string{
	ErrServerUnreachable: "Exercise server offline or unreachable",
	ErrServerSlow:        "Exercise server responding slowly",
	ErrServerBadResponse: "Exercise server returned an invalid response",

	ErrTransportFailed: "Realtime transport could not connect",

	ErrFeedNotStream:   "Video feed is not a multipart image stream",
	ErrFeedUnreachable: "Video feed unreachable",
	ErrPeerFailed:      "Peer media negotiation failed",
}

// SuggestedActions provides remediation guidance per error code.
var SuggestedActions = map[string][]string{
	ErrServerUnreachable: {
		"Check the server URL in config",
		"Verify the exercise server is running",
	},
	ErrTransportFailed: {
		"Check proxies and firewalls for WebSocket support",
		"Verify the server exposes /socket.io/",
	},
	ErrFeedNotStream: {
		"Verify the exercise id exists on the server",
	},
	ErrPeerFailed: {
		"Check UDP reachability to the STUN servers",
	},
}
