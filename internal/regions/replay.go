package regions

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/tracking"
)

// regionRecord is one region in the JSON Lines log.
type regionRecord struct {
	X    float64  `json:"x"`
	Y    float64  `json:"y"`
	W    float64  `json:"w"`
	H    float64  `json:"h"`
	Area *float64 `json:"area,omitempty"` // contour area; falls back to w*h
	CX   *float64 `json:"cx,omitempty"`
	CY   *float64 `json:"cy,omitempty"`
}

// frameRecord is one line of the JSON Lines log.
type frameRecord struct {
	Frame   *int64         `json:"frame,omitempty"`
	TS      *float64       `json:"ts,omitempty"` // unix seconds
	Width   int            `json:"width,omitempty"`
	Height  int            `json:"height,omitempty"`
	Regions []regionRecord `json:"regions"`
}

// ReplaySource reads frames from a JSON Lines region log, one frame per
// line:
//
//	{"frame":12,"width":1280,"height":720,"regions":[{"x":10,"y":20,"w":40,"h":30}]}
//
// Regions smaller than MinArea are dropped; the order of the rest is kept.
type ReplaySource struct {
	MinArea float64

	scanner *bufio.Scanner
	closer  io.Closer
	line    int
	next    int64
	dropped int64
}

// NewReplaySource reads frames from r.
func NewReplaySource(r io.Reader, minArea float64) *ReplaySource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &ReplaySource{MinArea: minArea, scanner: scanner}
}

// OpenReplayFile opens a region log on disk. The caller must Close it.
func OpenReplayFile(path string, minArea float64) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open region log: %w", err)
	}
	s := NewReplaySource(f, minArea)
	s.closer = f
	return s, nil
}

// Close releases the underlying file, if any.
func (s *ReplaySource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Dropped returns how many regions the area filter has rejected so far.
func (s *ReplaySource) Dropped() int64 {
	return s.dropped
}

// Next decodes the next non-blank line.
func (s *ReplaySource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Frame{}, fmt.Errorf("failed to read region log: %w", err)
			}
			return Frame{}, io.EOF
		}
		s.line++
		raw := bytes.TrimSpace(s.scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		return s.decode(raw)
	}
}

func (s *ReplaySource) decode(raw []byte) (Frame, error) {
	var rec frameRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Frame{}, fmt.Errorf("%w: line %d: %v", ErrMalformedFrame, s.line, err)
	}

	idx := s.next
	if rec.Frame != nil {
		idx = *rec.Frame
	}
	s.next = idx + 1

	f := Frame{Index: idx, Width: rec.Width, Height: rec.Height}
	if rec.TS != nil {
		sec, frac := math.Modf(*rec.TS)
		f.Timestamp = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}

	f.Regions = make([]tracking.Region, 0, len(rec.Regions))
	for _, rr := range rec.Regions {
		box := tracking.Box{X: rr.X, Y: rr.Y, Width: rr.W, Height: rr.H}
		area := box.Area()
		if rr.Area != nil {
			area = *rr.Area
		}
		if area < s.MinArea {
			s.dropped++
			continue
		}
		region := tracking.RegionFromBox(box)
		if rr.CX != nil {
			region.Centroid.X = *rr.CX
		}
		if rr.CY != nil {
			region.Centroid.Y = *rr.CY
		}
		f.Regions = append(f.Regions, region)
	}
	monitoring.Debugf("regions: frame %d line %d kept %d of %d", f.Index, s.line, len(f.Regions), len(rec.Regions))
	return f, nil
}
