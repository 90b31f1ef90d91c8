// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package realtime

import (
	"testing"
	"time"

	"github.com/ManuGH/repcam/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configRealtime(transports []string) config.RealtimeConfig {
	cfg := config.Defaults().Realtime
	cfg.Transports = transports
	cfg.ReconnectionDelay = 10 * time.Millisecond
	return cfg
}

func TestDecodeSocketPacket(t *testing.T) {
	tests := []struct {
		in        string
		typ       byte
		namespace string
		data      string
	}{
		{in: "0", typ: sioConnect, namespace: "/"},
		{in: `0{"sid":"x"}`, typ: sioConnect, namespace: "/", data: `{"sid":"x"}`},
		{in: `2["ev",{"a":1}]`, typ: sioEvent, namespace: "/", data: `["ev",{"a":1}]`},
		{in: `2/admin,["ev"]`, typ: sioEvent, namespace: "/admin", data: `["ev"]`},
		{in: `212["ev"]`, typ: sioEvent, namespace: "/", data: `["ev"]`},
		{in: `4{"message":"nope"}`, typ: sioConnectError, namespace: "/", data: `{"message":"nope"}`},
		{in: "1", typ: sioDisconnect, namespace: "/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := decodeSocketPacket(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, p.Type)
			assert.Equal(t, tt.namespace, p.Namespace)
			assert.Equal(t, tt.data, string(p.Data))
		})
	}

	for _, bad := range []string{"", "9", `2{not json`} {
		_, err := decodeSocketPacket(bad)
		assert.ErrorIs(t, err, errBadSocketPacket, "input %q", bad)
	}
}

func TestEncodeAndSplitEvent(t *testing.T) {
	out, err := encodeEvent("start_exercise", map[string]any{"exercise_id": "squat", "client_stream": true})
	require.NoError(t, err)
	assert.Equal(t, `2["start_exercise",{"client_stream":true,"exercise_id":"squat"}]`, out)

	out, err = encodeEvent("stop_exercise", nil)
	require.NoError(t, err)
	assert.Equal(t, `2["stop_exercise"]`, out)

	p, err := decodeSocketPacket(out)
	require.NoError(t, err)
	name, args, err := splitEvent(p.Data)
	require.NoError(t, err)
	assert.Equal(t, "stop_exercise", name)
	assert.Empty(t, args)

	_, _, err = splitEvent([]byte(`[]`))
	assert.Error(t, err)
	_, _, err = splitEvent([]byte(`[1]`))
	assert.Error(t, err)
}

func TestConnectErrorMessage(t *testing.T) {
	assert.Equal(t, "nope", connectErrorMessage([]byte(`{"message":"nope"}`)))
	assert.Equal(t, `"raw"`, connectErrorMessage([]byte(`"raw"`)))
	assert.Equal(t, "connect rejected", connectErrorMessage(nil))
}

func TestEventDecode(t *testing.T) {
	ev := newEvent("x", map[string]int{"n": 3})
	var v struct{ N int }
	require.NoError(t, ev.Decode(&v))
	assert.Equal(t, 3, v.N)
	assert.Error(t, Event{Name: "empty"}.Decode(&v))
}
