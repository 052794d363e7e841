package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/lanecount/internal/crossing"
	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/pipeline"
	"github.com/banshee-data/lanecount/internal/timeutil"
)

// RunRecorder writes a run's crossing events to the store. It buffers events
// and flushes them in one transaction once FlushInterval has passed since the
// previous flush; a zero interval flushes every frame that has events.
type RunRecorder struct {
	db            *DB
	runID         string
	clock         timeutil.Clock
	flushInterval time.Duration

	mu        sync.Mutex
	pending   []crossing.Event
	lastFlush time.Time
	written   int64
}

// NewRunRecorder starts a run for source and returns a recorder for it.
func NewRunRecorder(ctx context.Context, db *DB, source string, clock timeutil.Clock, flushInterval time.Duration) (*RunRecorder, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	runID, err := db.StartRun(ctx, source, now)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("db: started run %s for %s", runID, source)
	return &RunRecorder{
		db:            db,
		runID:         runID,
		clock:         clock,
		flushInterval: flushInterval,
		lastFlush:     now,
	}, nil
}

// RunID returns the id of the run being recorded.
func (r *RunRecorder) RunID() string {
	return r.runID
}

// Written returns how many events have been committed.
func (r *RunRecorder) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// RecordFrame buffers the frame's events and flushes when due.
func (r *RunRecorder) RecordFrame(ctx context.Context, fr pipeline.FrameResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, fr.Events...)
	if len(r.pending) == 0 {
		return nil
	}
	if r.flushInterval > 0 && r.clock.Now().Sub(r.lastFlush) < r.flushInterval {
		return nil
	}
	return r.flushLocked(ctx)
}

// Flush writes any buffered events.
func (r *RunRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx)
}

func (r *RunRecorder) flushLocked(ctx context.Context) error {
	now := r.clock.Now()
	r.lastFlush = now
	if len(r.pending) == 0 {
		return nil
	}
	if err := r.db.RecordEvents(ctx, r.runID, now, r.pending); err != nil {
		return fmt.Errorf("run %s: %w", r.runID, err)
	}
	r.written += int64(len(r.pending))
	monitoring.Debugf("db: run %s flushed %d events", r.runID, len(r.pending))
	r.pending = r.pending[:0]
	return nil
}

// Finish flushes buffered events and closes the run with the final counters.
func (r *RunRecorder) Finish(ctx context.Context, res pipeline.Result) error {
	status := RunCompleted
	switch {
	case res.Err == nil:
	case errors.Is(res.Err, context.Canceled), errors.Is(res.Err, context.DeadlineExceeded):
		status = RunCancelled
	default:
		status = RunFailed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	flushErr := r.flushLocked(ctx)
	err := r.db.FinishRun(ctx, r.runID, RunSummary{
		Frames:        res.Frames,
		SkippedFrames: res.SkippedFrames,
		Counters:      res.Counters,
		Status:        status,
		FinishedAt:    r.clock.Now(),
	})
	if err == nil {
		monitoring.Logf("db: run %s %s: %d frames, %d crossings", r.runID, status, res.Frames, res.Counters.Total)
	}
	return errors.Join(flushErr, err)
}
