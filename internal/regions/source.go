// Package regions supplies per-frame candidate regions to the tracker.
//
// The vision front-end (background subtraction, morphology, contour
// extraction) runs outside this module; what arrives here is its output, one
// list of bounding boxes per frame, already in a stable order. This package
// owns the minimum-area admission filter.
package regions

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/banshee-data/lanecount/internal/tracking"
)

// ErrMalformedFrame is returned when a frame record cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// DefaultMinArea is the contour area (pixels²) below which a region is not
// handed to the tracker.
const DefaultMinArea = 500.0

// Frame is one video frame's worth of candidate regions.
type Frame struct {
	Index     int64
	Timestamp time.Time
	Width     int
	Height    int
	Regions   []tracking.Region
}

// Source produces frames in order. Next blocks until a frame is available
// and returns io.EOF once the stream is exhausted.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

// SliceSource replays frames held in memory.
type SliceSource struct {
	frames []Frame
	pos    int
}

// NewSliceSource returns a Source over frames. When every frame has a zero
// Index the frames are numbered by position; otherwise indices are kept as
// given, including an explicit 0.
func NewSliceSource(frames []Frame) *SliceSource {
	out := make([]Frame, len(frames))
	copy(out, frames)
	unnumbered := true
	for _, f := range out {
		if f.Index != 0 {
			unnumbered = false
			break
		}
	}
	if unnumbered {
		for i := range out {
			out[i].Index = int64(i)
		}
	}
	return &SliceSource{frames: out}
}

// FramesFromRegions wraps each region list in a Frame, numbered from 0.
func FramesFromRegions(perFrame ...[]tracking.Region) []Frame {
	frames := make([]Frame, len(perFrame))
	for i, r := range perFrame {
		frames[i] = Frame{Index: int64(i), Regions: r}
	}
	return frames
}

// Next returns the next frame or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.pos >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}
