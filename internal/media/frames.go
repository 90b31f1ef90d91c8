// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
)

// FrameSource yields JPEG-encoded frames.
type FrameSource interface {
	NextJPEG() ([]byte, error)
}

// PatternSource renders a moving bar test pattern. Frames are deterministic
// for a given sequence number.
type PatternSource struct {
	mu      sync.Mutex
	width   int
	height  int
	quality int
	seq     int
}

// NewPatternSource creates a synthetic frame source.
func NewPatternSource(width, height, quality int) *PatternSource {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &PatternSource{width: width, height: height, quality: quality}
}

// NextJPEG renders and encodes the next frame.
func (p *PatternSource) NextJPEG() ([]byte, error) {
	p.mu.Lock()
	seq := p.seq
	p.seq++
	p.mu.Unlock()

	img := image.NewYCbCr(image.Rect(0, 0, p.width, p.height), image.YCbCrSubsampleRatio420)
	barWidth := p.width / 8
	if barWidth == 0 {
		barWidth = 1
	}
	offset := (seq * 4) % p.width
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			band := ((x + offset) / barWidth) % 8
			lum := uint8(32 + band*28) // #nosec G115 -- band is in [0,7]
			img.Y[img.YOffset(x, y)] = lum
		}
	}
	for i := range img.Cb {
		img.Cb[i] = 128
	}
	for i := range img.Cr {
		img.Cr[i] = 128
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", seq, err)
	}
	return buf.Bytes(), nil
}

// StaticSource returns the same frame forever.
type StaticSource struct {
	Frame []byte
}

// NextJPEG implements FrameSource.
func (s StaticSource) NextJPEG() ([]byte, error) {
	if len(s.Frame) == 0 {
		return nil, fmt.Errorf("static source has no frame")
	}
	return s.Frame, nil
}
