// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package mjpeg handles the legacy multipart/x-mixed-replace image stream.
package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

// ContentType is the media type of a legacy stream.
const ContentType = "multipart/x-mixed-replace"

// maxFrameBytes bounds a single frame read into memory.
const maxFrameBytes = 8 << 20

var (
	// ErrNotStream is returned when a URL answers but not as a multipart stream.
	ErrNotStream = errors.New("not a multipart image stream")
	// ErrUnavailable is returned for transport errors and non-200 statuses.
	ErrUnavailable = errors.New("image stream unavailable")
)

// Stream is an open legacy image stream.
type Stream struct {
	body     io.ReadCloser
	reader   *multipart.Reader
	boundary string
}

// Open requests url and returns the stream if the response is a multipart
// image stream. The caller must Close it.
func Open(ctx context.Context, client *http.Client, url string) (*Stream, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", ContentType)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	boundary, err := parseBoundary(resp.Header.Get("Content-Type"))
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return &Stream{
		body:     resp.Body,
		reader:   multipart.NewReader(resp.Body, boundary),
		boundary: boundary,
	}, nil
}

// Probe verifies that url serves a multipart image stream by opening it and
// closing it again. No frame is read.
func Probe(ctx context.Context, client *http.Client, url string) error {
	s, err := Open(ctx, client, url)
	if err != nil {
		return err
	}
	return s.Close()
}

func parseBoundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: content type %q: %v", ErrNotStream, contentType, err)
	}
	if !strings.EqualFold(mediaType, ContentType) {
		return "", fmt.Errorf("%w: content type %q", ErrNotStream, mediaType)
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		return "", fmt.Errorf("%w: missing boundary", ErrNotStream)
	}
	return boundary, nil
}

// Frame is one part of the stream.
type Frame struct {
	ContentType string
	Data        []byte
}

// Next reads the next frame. It returns io.EOF when the server ends the stream.
func (s *Stream) Next() (Frame, error) {
	part, err := s.reader.NextPart()
	if err != nil {
		return Frame{}, err
	}
	defer func() { _ = part.Close() }()

	data, err := io.ReadAll(io.LimitReader(part, maxFrameBytes+1))
	if err != nil {
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	if len(data) > maxFrameBytes {
		return Frame{}, fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
	}
	return Frame{ContentType: part.Header.Get("Content-Type"), Data: data}, nil
}

// Boundary returns the part boundary announced by the server.
func (s *Stream) Boundary() string { return s.boundary }

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}
