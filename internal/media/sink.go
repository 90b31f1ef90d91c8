// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package media

import (
	"sync"
	"time"
)

// Stream is anything the display can show as live media.
type Stream interface {
	StreamID() string
}

// Sink is the single display surface. Exactly one source is bound at a time.
type Sink interface {
	ShowStream(s Stream)
	ShowImageStream(url string)
	Clear()
}

// SourceKind identifies what the display is bound to.
type SourceKind string

const (
	SourceNone        SourceKind = "none"
	SourceStream      SourceKind = "stream"
	SourceImageStream SourceKind = "image-stream"
)

// Source describes the currently bound display source.
type Source struct {
	Kind     SourceKind `json:"kind"`
	StreamID string     `json:"streamId,omitempty"`
	URL      string     `json:"url,omitempty"`
	Since    time.Time  `json:"since"`
}

// Display is a thread-safe Sink that records its current source. Observers
// registered with OnChange are called synchronously after each change.
type Display struct {
	mu       sync.Mutex
	current  Source
	changes  int
	watchers []func(Source)
}

// NewDisplay returns an empty display.
func NewDisplay() *Display {
	return &Display{current: Source{Kind: SourceNone, Since: time.Now()}}
}

// ShowStream binds a live media stream.
func (d *Display) ShowStream(s Stream) {
	id := ""
	if s != nil {
		id = s.StreamID()
	}
	d.set(Source{Kind: SourceStream, StreamID: id})
}

// ShowImageStream binds a continuously refreshing image resource.
func (d *Display) ShowImageStream(url string) {
	d.set(Source{Kind: SourceImageStream, URL: url})
}

// Clear unbinds whatever is shown.
func (d *Display) Clear() {
	d.set(Source{Kind: SourceNone})
}

// OnChange registers an observer.
func (d *Display) OnChange(fn func(Source)) {
	d.mu.Lock()
	d.watchers = append(d.watchers, fn)
	d.mu.Unlock()
}

// Current returns the bound source.
func (d *Display) Current() Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Changes returns how many times the binding changed.
func (d *Display) Changes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changes
}

func (d *Display) set(src Source) {
	src.Since = time.Now()
	d.mu.Lock()
	d.current = src
	d.changes++
	watchers := append([]func(Source)(nil), d.watchers...)
	d.mu.Unlock()

	for _, w := range watchers {
		w(src)
	}
}
