// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package serverapi is the HTTP client for the exercise video server: the
// exercise catalog, the WebRTC signaling endpoint and the legacy feed URL.
package serverapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/repcam/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// maxBodyBytes bounds every response body read into memory.
const maxBodyBytes = 1 << 20

// Client talks to one exercise server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	userAgent  string
	rnd        *rand.Rand
	mu         sync.Mutex
	catalog    singleflight.Group
}

// Options configures the client behavior.
type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	Backoff        time.Duration
	MaxBackoff     time.Duration
	UserAgent      string
	RateLimit      rate.Limit
	RateLimitBurst int
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

const (
	defaultTimeout        = 10 * time.Second
	defaultRetries        = 2
	defaultBackoff        = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultRateLimit      = 10
	defaultRateLimitBurst = 20
)

// NewClient creates a client for baseURL.
func NewClient(baseURL string, opts Options) *Client {
	nopts := normalizeOptions(opts)

	transport := nopts.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		}
	}

	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{
			Timeout:   nopts.Timeout,
			Transport: transport,
		},
		limiter:    rate.NewLimiter(nopts.RateLimit, nopts.RateLimitBurst),
		maxRetries: nopts.MaxRetries,
		backoff:    nopts.Backoff,
		maxBackoff: nopts.MaxBackoff,
		userAgent:  nopts.UserAgent,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(defaultRateLimit)
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultRateLimitBurst
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "repcam"
	}
	return opts
}

// DefaultOptions returns options with the default retry budget.
func DefaultOptions() Options {
	return Options{MaxRetries: defaultRetries}
}

func (c *Client) endpoint(path string) string {
	return c.BaseURL + path
}

type request struct {
	method      string
	path        string
	body        []byte
	maxAttempts int
}

// do executes req with rate limiting, tracing and retries on 5xx/transport
// errors. The returned body is fully read; the status is the final attempt's.
func (c *Client) do(ctx context.Context, req request) (int, []byte, error) {
	tracer := telemetry.Tracer("repcam.serverapi")
	rawURL := c.endpoint(req.path)
	ctx, span := tracer.Start(ctx, "repcam.serverapi.request", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.method", req.method),
		attribute.String("http.route", req.path),
	)
	defer span.End()

	if req.maxAttempts < 1 {
		req.maxAttempts = 1
	}

	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= req.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, nil, err
		}

		status, body, err := c.attempt(ctx, tracer, req, rawURL, attempt)
		retry := (err != nil || status >= http.StatusInternalServerError) && attempt < req.maxAttempts
		if err == nil && status < http.StatusInternalServerError {
			span.SetAttributes(telemetry.HTTPAttributes(req.method, req.path, req.path, status)...)
			if status >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			return status, body, nil
		}
		if retry {
			recordRetry(req.method, req.path, status, err)
		}
		lastErr, lastStatus = err, status

		if !retry {
			break
		}
		if err := sleepWithContext(ctx, c.backoffFor(attempt-1)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, nil, err
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
		return 0, nil, lastErr
	}
	span.SetAttributes(telemetry.HTTPAttributes(req.method, req.path, req.path, lastStatus)...)
	span.SetStatus(codes.Error, http.StatusText(lastStatus))
	return lastStatus, nil, nil
}

func (c *Client) attempt(ctx context.Context, tracer trace.Tracer, req request, rawURL string, attempt int) (int, []byte, error) {
	attemptCtx, span := tracer.Start(ctx, "repcam.serverapi.request.attempt", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.Int("attempt", attempt),
		attribute.Bool("retry", attempt > 1),
	)
	defer span.End()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.method, rawURL, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, nil, err
	}
	c.applyHeaders(httpReq, req.body != nil)
	otel.GetTextMapPropagator().Inject(attemptCtx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		recordAttemptMetrics(req.method, req.path, 0, time.Since(start), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	recordAttemptMetrics(req.method, req.path, resp.StatusCode, time.Since(start), err)
	span.SetAttributes(telemetry.HTTPAttributes(req.method, req.path, req.path, resp.StatusCode)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return resp.StatusCode, data, nil
}

func (c *Client) applyHeaders(req *http.Request, hasBody bool) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}

func (c *Client) backoffFor(attempt int) time.Duration {
	wait := c.backoff * time.Duration(1<<attempt)
	if wait > c.maxBackoff {
		wait = c.maxBackoff
	}
	jitter := time.Duration(c.randInt63n(int64(wait/5 + 1)))
	return wait + jitter
}

func (c *Client) randInt63n(n int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Int63n(n)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// VideoFeedURL returns the legacy multipart stream URL for an exercise.
func (c *Client) VideoFeedURL(exerciseID string) string {
	return c.endpoint("/video_feed/" + url.PathEscape(exerciseID))
}
