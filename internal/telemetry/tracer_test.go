// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false, ServiceName: "test-service", ExporterType: "grpc"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if provider.tp != nil {
		t.Error("Expected noop provider (tp == nil)")
	}

	_, span := otel.Tracer("test").Start(context.Background(), "noop-check")
	if span.IsRecording() {
		t.Error("Expected noop tracer span to be non-recording")
	}
	span.End()
}

func TestNewProvider_InvalidExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: true, ServiceName: "test-service", ExporterType: "invalid"})
	if err == nil {
		t.Fatal("Expected error for invalid exporter type")
	}
	expectedMsg := "unsupported exporter type: invalid (supported: grpc, http)"
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message %q, got %q", expectedMsg, err.Error())
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{2.0, "AlwaysOnSampler"},
		{0.0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		if got := samplerFor(tt.rate).Description(); got != tt.want {
			t.Errorf("samplerFor(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

func TestProvider_ShutdownNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &Provider{}
	if err := provider.Shutdown(ctx); err != nil {
		t.Errorf("Expected no error on noop shutdown with canceled context, got: %v", err)
	}
}

func TestProvider_ConcurrentShutdown(t *testing.T) {
	provider := &Provider{}

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_ = provider.Shutdown(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for concurrent shutdown")
		}
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, ok := tp.Tracer("test").Start(context.Background(), "ok")
	EndSpan(ok, nil)
	_, failed := tp.Tracer("test").Start(context.Background(), "failed")
	EndSpan(failed, errors.New("signaling failed"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 ended spans, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Unset {
		t.Errorf("Expected unset status on success, got %v", spans[0].Status().Code)
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("Expected error status, got %v", spans[1].Status().Code)
	}
	if spans[1].Status().Description != "signaling failed" {
		t.Errorf("Unexpected status description %q", spans[1].Status().Description)
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(true, "http", "collector:4318", 0.25, "v1.2.3")
	if cfg.ServiceName != "repcam" || cfg.ServiceVersion != "v1.2.3" {
		t.Errorf("unexpected service identity: %+v", cfg)
	}
	if cfg.ExporterType != "http" || cfg.Endpoint != "collector:4318" || cfg.SamplingRate != 0.25 || !cfg.Enabled {
		t.Errorf("unexpected exporter settings: %+v", cfg)
	}
}
