// Package pipeline drives the per-frame counting cycle.
//
// It is the composition root for a run: it pulls frames from a
// regions.Source, feeds them through the tracker and the crossing counter,
// and hands each frame's outcome to sinks (persistence, live stream). The
// loop goroutine is the only writer of the registry and counters; a frame's
// tracking update, crossing detection and counter update are applied together
// before the next frame is read.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/banshee-data/lanecount/internal/crossing"
	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/regions"
	"github.com/banshee-data/lanecount/internal/timeutil"
	"github.com/banshee-data/lanecount/internal/tracking"
)

// FrameResult is the outcome of one frame.
type FrameResult struct {
	Frame    regions.Frame
	Registry tracking.Registry
	Events   []crossing.Event
	Counters crossing.Counters
	// Skipped is set when the frame's regions were rejected; Registry is then
	// the previous frame's registry and Events is empty.
	Skipped bool
	Err     error
}

// Sink consumes frame results. Sinks are called from the loop goroutine in
// registration order; an error stops the run.
type Sink interface {
	RecordFrame(ctx context.Context, fr FrameResult) error
}

// Finisher is implemented by sinks that need the final result when the run
// ends, whether by end of stream or cancellation.
type Finisher interface {
	Finish(ctx context.Context, res Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, fr FrameResult) error

// RecordFrame calls f.
func (f SinkFunc) RecordFrame(ctx context.Context, fr FrameResult) error {
	return f(ctx, fr)
}

// Result summarises a run.
type Result struct {
	Counters      crossing.Counters
	Frames        int64
	SkippedFrames int64
	// Events holds every crossing of the run when Loop.KeepEvents is set.
	Events        []crossing.Event
	Registry      tracking.Registry
	Tracker       tracking.TrackerStats
	// Err is the error that ended the loop, nil at end of stream.
	Err error
}

// Snapshot is a read-only view of a running loop for reporting.
type Snapshot struct {
	Counters      crossing.Counters     `json:"counters"`
	Frames        int64                 `json:"frames"`
	SkippedFrames int64                 `json:"skipped_frames"`
	ActiveTracks  int                   `json:"active_tracks"`
	LastFrame     int64                 `json:"last_frame"`
	Tracker       tracking.TrackerStats `json:"tracker"`
	Boundaries    []crossing.Boundary   `json:"boundaries"`
	Running       bool                  `json:"running"`
}

// Loop is the frame loop controller.
type Loop struct {
	Source     regions.Source
	Tracker    tracking.TrackerInterface
	Boundaries []crossing.Boundary
	Sinks      []Sink
	Clock      timeutil.Clock

	// Layout, when set, rebuilds Boundaries whenever a frame reports a
	// height different from the last one seen. Frames without a height keep
	// the current boundaries. The labels it returns must not change.
	Layout func(frameHeight int) []crossing.Boundary
	// KeepEvents retains every crossing in Result.Events. Sinks see each
	// frame's events either way.
	KeepEvents bool

	mu           sync.RWMutex
	counters     crossing.Counters
	registry     tracking.Registry
	frames       int64
	skipped      int64
	last         int64
	layoutHeight int
	running      bool
}

// NewLoop validates the boundaries and returns a loop with zeroed counters.
func NewLoop(src regions.Source, tracker tracking.TrackerInterface, boundaries []crossing.Boundary, sinks ...Sink) (*Loop, error) {
	if src == nil {
		return nil, fmt.Errorf("pipeline: nil source")
	}
	if tracker == nil {
		return nil, fmt.Errorf("pipeline: nil tracker")
	}
	if err := crossing.ValidateBoundaries(boundaries); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Loop{
		Source:     src,
		Tracker:    tracker,
		Boundaries: boundaries,
		Sinks:      sinks,
		Clock:      timeutil.RealClock{},
		counters:   crossing.NewCounters(boundaries),
		last:       -1,
	}, nil
}

// Run processes frames until the source is exhausted, ctx is cancelled or a
// non-recoverable error occurs. Cancellation takes effect between frames and
// returns ctx.Err() alongside the counts accumulated so far. End of stream
// returns a nil error.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()

	var events []crossing.Event
	runErr := l.run(ctx, &events)

	l.mu.Lock()
	l.running = false
	res := Result{
		Counters:      l.counters.Clone(),
		Frames:        l.frames,
		SkippedFrames: l.skipped,
		Events:        events,
		Registry:      l.registry,
		Tracker:       l.Tracker.Stats(),
		Err:           runErr,
	}
	l.mu.Unlock()

	// Finishers get a context that survives cancellation so a stopped run is
	// still recorded.
	finishCtx := context.WithoutCancel(ctx)
	for _, s := range l.Sinks {
		if f, ok := s.(Finisher); ok {
			if err := f.Finish(finishCtx, res); err != nil {
				runErr = errors.Join(runErr, fmt.Errorf("finish sink: %w", err))
			}
		}
	}

	return res, runErr
}

func (l *Loop) run(ctx context.Context, events *[]crossing.Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := l.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if frame.Timestamp.IsZero() {
			frame.Timestamp = l.Clock.Now()
		}

		fr, err := l.step(frame)
		if err != nil {
			return err
		}
		if l.KeepEvents {
			*events = append(*events, fr.Events...)
		}

		for _, s := range l.Sinks {
			if err := s.RecordFrame(ctx, fr); err != nil {
				return fmt.Errorf("frame %d: sink: %w", frame.Index, err)
			}
		}
	}
}

// step applies one frame. It holds the write lock for the whole update so
// readers never see a registry from one frame with counters from another.
func (l *Loop) step(frame regions.Frame) (FrameResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.relayout(frame); err != nil {
		return FrameResult{}, err
	}

	prev := l.registry
	next, err := l.Tracker.Update(prev, frame.Regions)
	if err != nil {
		if errors.Is(err, tracking.ErrInvalidRegion) {
			l.frames++
			l.skipped++
			l.last = frame.Index
			monitoring.Logf("pipeline: skipping frame %d: %v", frame.Index, err)
			return FrameResult{Frame: frame, Registry: prev, Counters: l.counters.Clone(), Skipped: true, Err: err}, nil
		}
		return FrameResult{}, fmt.Errorf("frame %d: %w", frame.Index, err)
	}

	events := crossing.DetectCrossings(prev, next, l.Boundaries)
	for i := range events {
		events[i].Frame = frame.Index
	}
	l.counters = l.counters.Apply(events)
	l.registry = next
	l.frames++
	l.last = frame.Index

	for _, e := range events {
		monitoring.Debugf("pipeline: frame %d track %d crossed %s (total %d)", frame.Index, e.TrackID, e.Label, l.counters.Total)
	}

	return FrameResult{
		Frame:    frame,
		Registry: next,
		Events:   events,
		Counters: l.counters.Clone(),
	}, nil
}

// relayout applies Layout for a frame whose height differs from the last
// one laid out. Called with l.mu held.
func (l *Loop) relayout(frame regions.Frame) error {
	if l.Layout == nil || frame.Height <= 0 || frame.Height == l.layoutHeight {
		return nil
	}
	b := l.Layout(frame.Height)
	if err := crossing.ValidateBoundaries(b); err != nil {
		return fmt.Errorf("frame %d: layout for height %d: %w", frame.Index, frame.Height, err)
	}
	for _, nb := range b {
		if _, ok := l.counters.ByLabel[nb.Label]; !ok {
			return fmt.Errorf("frame %d: layout for height %d introduces label %q", frame.Index, frame.Height, nb.Label)
		}
	}
	l.Boundaries = b
	l.layoutHeight = frame.Height
	monitoring.Logf("pipeline: frame %d height %d, boundaries relaid out", frame.Index, frame.Height)
	return nil
}

// Snapshot returns the current counters and progress. Safe to call from any
// goroutine while Run is active.
func (l *Loop) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{
		Counters:      l.counters.Clone(),
		Frames:        l.frames,
		SkippedFrames: l.skipped,
		ActiveTracks:  l.registry.Len(),
		LastFrame:     l.last,
		Tracker:       l.Tracker.Stats(),
		Boundaries:    append([]crossing.Boundary(nil), l.Boundaries...),
		Running:       l.running,
	}
}
