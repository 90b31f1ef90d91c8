// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHelpers_RoundTrip(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "corr-1")
	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithExerciseID(ctx, "squat")

	assert.Equal(t, "corr-1", CorrelationIDFromContext(ctx))
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "squat", ExerciseIDFromContext(ctx))
}

func TestContextHelpers_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is part of the contract
	assert.Equal(t, "", CorrelationIDFromContext(nil))
	//nolint:staticcheck
	ctx := ContextWithRequestID(nil, "req")
	assert.Equal(t, "req", RequestIDFromContext(ctx))
}

func TestWithContext_AddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := ContextWithCorrelationID(context.Background(), "corr-9")
	ctx = ContextWithExerciseID(ctx, "plank")
	l := WithContext(ctx, base)
	l.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "corr-9", entry[FieldCorrelationID])
	assert.Equal(t, "plank", entry[FieldExerciseID])
	assert.NotContains(t, entry, FieldRequestID)
}

func TestWithContext_NoFieldsReturnsSameLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	l := WithContext(context.Background(), base)
	l.Info().Msg("plain")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "plain", entry["message"])
	assert.Len(t, entry, 2)
}

func TestPionFactory_DemotesInfo(t *testing.T) {
	var buf bytes.Buffer
	f := &PionFactory{Logger: zerolog.New(&buf).Level(zerolog.InfoLevel)}
	l := f.NewLogger("ice")

	l.Infof("gathering %d candidates", 3)
	assert.Empty(t, buf.String(), "pion info output is demoted to debug")

	l.Warnf("candidate %s failed", "host")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ice", entry["scope"])
	assert.Equal(t, "candidate host failed", entry["message"])
	assert.Equal(t, "warn", entry["level"])
}
