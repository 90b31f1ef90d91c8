// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package engineio is a client for the Engine.IO v4 protocol: long-polling and
// WebSocket transports, server-driven heartbeat, and the probe-based upgrade
// from polling to WebSocket.
package engineio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is the EIO query value.
const ProtocolVersion = "4"

// PacketType is the single-character Engine.IO packet type.
type PacketType byte

const (
	PacketOpen    PacketType = '0'
	PacketClose   PacketType = '1'
	PacketPing    PacketType = '2'
	PacketPong    PacketType = '3'
	PacketMessage PacketType = '4'
	PacketUpgrade PacketType = '5'
	PacketNoop    PacketType = '6'
)

// payloadSeparator joins packets in one polling payload.
const payloadSeparator = "\x1e"

var (
	// ErrBadPacket is returned for packets that cannot be decoded.
	ErrBadPacket = errors.New("engine.io: bad packet")
)

// Packet is one Engine.IO packet. Only text payloads are supported.
type Packet struct {
	Type PacketType
	Data string
}

// Encode renders the packet in its text form.
func (p Packet) Encode() string {
	return string(rune(p.Type)) + p.Data
}

func (p Packet) String() string {
	return fmt.Sprintf("%c%q", p.Type, p.Data)
}

// DecodePacket parses one text packet.
func DecodePacket(s string) (Packet, error) {
	if s == "" {
		return Packet{}, fmt.Errorf("%w: empty", ErrBadPacket)
	}
	t := PacketType(s[0])
	if t < PacketOpen || t > PacketNoop {
		if t == 'b' {
			return Packet{}, fmt.Errorf("%w: binary packets are not supported", ErrBadPacket)
		}
		return Packet{}, fmt.Errorf("%w: type %q", ErrBadPacket, s[0])
	}
	return Packet{Type: t, Data: s[1:]}, nil
}

// EncodePayload joins packets for a polling request body.
func EncodePayload(packets []Packet) string {
	parts := make([]string, len(packets))
	for i, p := range packets {
		parts[i] = p.Encode()
	}
	return strings.Join(parts, payloadSeparator)
}

// DecodePayload splits a polling response body into packets.
func DecodePayload(body string) ([]Packet, error) {
	if body == "" {
		return nil, nil
	}
	parts := strings.Split(body, payloadSeparator)
	out := make([]Packet, 0, len(parts))
	for _, part := range parts {
		p, err := DecodePacket(part)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Handshake is the data of the open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// ParseHandshake decodes an open packet.
func ParseHandshake(p Packet) (Handshake, error) {
	if p.Type != PacketOpen {
		return Handshake{}, fmt.Errorf("%w: expected open packet, got %c", ErrBadPacket, p.Type)
	}
	var h Handshake
	if err := json.Unmarshal([]byte(p.Data), &h); err != nil {
		return Handshake{}, fmt.Errorf("%w: open payload: %v", ErrBadPacket, err)
	}
	if h.SID == "" {
		return Handshake{}, fmt.Errorf("%w: open payload without sid", ErrBadPacket)
	}
	return h, nil
}

// CanUpgradeTo reports whether the server offered kind as an upgrade.
func (h Handshake) CanUpgradeTo(kind Kind) bool {
	for _, u := range h.Upgrades {
		if u == string(kind) {
			return true
		}
	}
	return false
}

// HeartbeatTimeout is how long the client waits for any server packet before
// declaring a ping timeout.
func (h Handshake) HeartbeatTimeout() time.Duration {
	return time.Duration(h.PingInterval+h.PingTimeout) * time.Millisecond
}
