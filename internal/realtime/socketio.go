// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Socket.IO v5 packet types carried inside Engine.IO message packets.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

var errBadSocketPacket = errors.New("socket.io: bad packet")

type sioPacket struct {
	Type      byte
	Namespace string
	Data      json.RawMessage
}

// decodeSocketPacket parses the text form: type, optional "/nsp,", optional
// ack id, optional JSON payload.
func decodeSocketPacket(s string) (sioPacket, error) {
	if s == "" {
		return sioPacket{}, fmt.Errorf("%w: empty", errBadSocketPacket)
	}
	p := sioPacket{Type: s[0], Namespace: "/"}
	if p.Type < sioConnect || p.Type > '6' {
		return sioPacket{}, fmt.Errorf("%w: type %q", errBadSocketPacket, s[0])
	}
	rest := s[1:]
	if strings.HasPrefix(rest, "/") {
		ns, after, ok := strings.Cut(rest, ",")
		if !ok {
			ns, after = rest, ""
		}
		p.Namespace = ns
		rest = after
	}
	// Ack ids are not used by this client; skip them.
	rest = strings.TrimLeft(rest, "0123456789")
	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return sioPacket{}, fmt.Errorf("%w: payload is not JSON", errBadSocketPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// encodeEvent renders an event packet for the default namespace.
func encodeEvent(event string, payload any) (string, error) {
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", event, err)
	}
	return string(rune(sioEvent)) + string(body), nil
}

// splitEvent returns the event name and its arguments.
func splitEvent(data json.RawMessage) (string, []json.RawMessage, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return "", nil, fmt.Errorf("%w: event payload", errBadSocketPacket)
	}
	var name string
	if err := json.Unmarshal(raw[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name", errBadSocketPacket)
	}
	return name, raw[1:], nil
}

// connectErrorMessage extracts the message of a connect error packet.
func connectErrorMessage(data json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if len(data) > 0 && json.Unmarshal(data, &body) == nil && body.Message != "" {
		return body.Message
	}
	if len(data) > 0 {
		return string(data)
	}
	return "connect rejected"
}
