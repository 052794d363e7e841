package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lanecount/internal/crossing"
	"github.com/banshee-data/lanecount/internal/monitoring"
	"github.com/banshee-data/lanecount/internal/regions"
	"github.com/banshee-data/lanecount/internal/timeutil"
	"github.com/banshee-data/lanecount/internal/tracking"
)

func at(x, y float64) tracking.Region {
	return tracking.RegionFromBox(tracking.Box{X: x - 15, Y: y - 15, Width: 30, Height: 30})
}

func testBoundaries() []crossing.Boundary {
	return []crossing.Boundary{
		{Label: "left", Axis: crossing.AxisY, Coordinate: 150, Direction: crossing.Increasing},
		{Label: "right", Axis: crossing.AxisY, Coordinate: 160, Direction: crossing.Decreasing},
	}
}

type recordingSink struct {
	frames   []FrameResult
	finished *Result
	failAt   int64
}

func (s *recordingSink) RecordFrame(ctx context.Context, fr FrameResult) error {
	if s.failAt > 0 && fr.Frame.Index == s.failAt {
		return errors.New("disk full")
	}
	s.frames = append(s.frames, fr)
	return nil
}

func (s *recordingSink) Finish(ctx context.Context, res Result) error {
	s.finished = &res
	return nil
}

func muteLogs(t *testing.T) {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = orig })
}

func TestLoop_CountsBothLanes(t *testing.T) {
	frames := regions.FramesFromRegions(
		[]tracking.Region{at(100, 100), at(600, 220)},
		[]tracking.Region{at(100, 140), at(600, 180)},
		[]tracking.Region{at(100, 180), at(600, 150)}, // both cross here
		[]tracking.Region{at(100, 220), at(600, 110)},
	)
	sink := &recordingSink{}
	loop, err := NewLoop(regions.NewSliceSource(frames), tracking.NewTracker(tracking.DefaultTrackerConfig()), testBoundaries(), sink)
	require.NoError(t, err)
	loop.KeepEvents = true

	res, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.Frames)
	assert.Equal(t, 1, res.Counters.Count("left"))
	assert.Equal(t, 1, res.Counters.Count("right"))
	assert.Equal(t, 2, res.Counters.Total)
	assert.Equal(t, []crossing.Event{
		{TrackID: 0, Label: "left", Frame: 2},
		{TrackID: 1, Label: "right", Frame: 2},
	}, res.Events)

	require.Len(t, sink.frames, 4)
	assert.Len(t, sink.frames[2].Events, 2)
	assert.Equal(t, 2, sink.frames[2].Counters.Total)
	require.NotNil(t, sink.finished)
	assert.Equal(t, res.Counters, sink.finished.Counters)

	snap := loop.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, 2, snap.ActiveTracks)
	assert.Equal(t, int64(3), snap.LastFrame)
}

func TestLoop_NewObjectPastLineDoesNotCount(t *testing.T) {
	frames := regions.FramesFromRegions(
		[]tracking.Region{at(100, 100)},
		// The first object vanishes, a new one appears below the line.
		[]tracking.Region{at(400, 300)},
		[]tracking.Region{at(400, 320)},
	)
	loop, err := NewLoop(regions.NewSliceSource(frames), tracking.NewTracker(tracking.DefaultTrackerConfig()), testBoundaries())
	require.NoError(t, err)

	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Counters.Total)
	assert.Equal(t, int64(2), res.Tracker.Created)
}

func TestLoop_SkipsInvalidFrameAndKeepsRegistry(t *testing.T) {
	muteLogs(t)
	bad := tracking.Region{Centroid: tracking.Point{X: math.NaN()}}
	frames := regions.FramesFromRegions(
		[]tracking.Region{at(100, 130)},
		[]tracking.Region{at(100, 140), bad},
		[]tracking.Region{at(100, 170)},
	)
	sink := &recordingSink{}
	loop, err := NewLoop(regions.NewSliceSource(frames), tracking.NewTracker(tracking.DefaultTrackerConfig()), testBoundaries(), sink)
	require.NoError(t, err)
	loop.KeepEvents = true

	res, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.Frames)
	assert.Equal(t, int64(1), res.SkippedFrames)
	require.Len(t, sink.frames, 3)
	assert.True(t, sink.frames[1].Skipped)
	assert.ErrorIs(t, sink.frames[1].Err, tracking.ErrInvalidRegion)

	// Frame 2 is matched against frame 0's registry: 130 -> 170 crosses left.
	assert.Equal(t, []crossing.Event{{TrackID: 0, Label: "left", Frame: 2}}, res.Events)
}

type conflictTracker struct{ tracking.Tracker }

func (c *conflictTracker) Update(prev tracking.Registry, r []tracking.Region) (tracking.Registry, error) {
	return tracking.Registry{}, tracking.ErrIdentityConflict
}

func TestLoop_IdentityConflictStopsRun(t *testing.T) {
	frames := regions.FramesFromRegions([]tracking.Region{at(1, 1)})
	loop, err := NewLoop(regions.NewSliceSource(frames), &conflictTracker{}, testBoundaries())
	require.NoError(t, err)

	_, err = loop.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, tracking.ErrIdentityConflict)
}

func TestLoop_SinkErrorStopsRun(t *testing.T) {
	frames := regions.FramesFromRegions(nil, nil, nil)
	sink := &recordingSink{failAt: 1}
	loop, err := NewLoop(regions.NewSliceSource(frames), tracking.NewTracker(tracking.DefaultTrackerConfig()), testBoundaries(), sink)
	require.NoError(t, err)

	res, err := loop.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int64(2), res.Frames)
	require.NotNil(t, sink.finished, "finishers run even when a sink fails")
}

// cancelAfter cancels the context once n frames have been recorded.
type cancelAfter struct {
	n      int
	seen   int
	cancel context.CancelFunc
}

func (c *cancelAfter) RecordFrame(ctx context.Context, fr FrameResult) error {
	c.seen++
	if c.seen == c.n {
		c.cancel()
	}
	return nil
}

func TestLoop_CancelBetweenFrames(t *testing.T) {
	frames := regions.FramesFromRegions(
		[]tracking.Region{at(100, 140)},
		[]tracking.Region{at(100, 160)},
		[]tracking.Region{at(100, 180)},
		[]tracking.Region{at(100, 200)},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopper := &cancelAfter{n: 2, cancel: cancel}
	rec := &recordingSink{}

	loop, err := NewLoop(regions.NewSliceSource(frames), tracking.NewTracker(tracking.DefaultTrackerConfig()), testBoundaries(), stopper, rec)
	require.NoError(t, err)

	res, err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(2), res.Frames, "the frame in flight completes")
	assert.Equal(t, 1, res.Counters.Count("left"))
	require.NotNil(t, rec.finished)
	assert.Equal(t, int64(2), rec.finished.Frames)
}

func TestLoop_StampsMissingTimestamps(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	given := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	frames := []regions.Frame{{Index: 0}, {Index: 1, Timestamp: given}}
	sink := &recordingSink{}

	loop, err := NewLoop(regions.NewSliceSource(frames), tracking.NewTracker(tracking.DefaultTrackerConfig()), testBoundaries(), sink)
	require.NoError(t, err)
	loop.Clock = clock

	_, err = loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sink.frames, 2)
	assert.Equal(t, clock.Now(), sink.frames[0].Frame.Timestamp)
	assert.Equal(t, given, sink.frames[1].Frame.Timestamp)
}

func TestLoop_EventsNotRetainedByDefault(t *testing.T) {
	frames := regions.FramesFromRegions(
		[]tracking.Region{at(100, 130)},
		[]tracking.Region{at(100, 170)},
	)
	sink := &recordingSink{}
	loop, err := NewLoop(regions.NewSliceSource(frames), tracking.NewTracker(tracking.DefaultTrackerConfig()), testBoundaries(), sink)
	require.NoError(t, err)

	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters.Total)
	assert.Empty(t, res.Events)
	require.Len(t, sink.frames, 2)
	assert.Len(t, sink.frames[1].Events, 1, "sinks still see every event")
}

func TestLoop_LayoutFollowsFrameHeight(t *testing.T) {
	muteLogs(t)
	// A 1080-row clip puts the default lines at 560 and 570; the 720-row
	// fallback would put them at 380 and 390.
	frames := []regions.Frame{
		{Index: 0, Height: 1080, Regions: []tracking.Region{at(100, 550), at(600, 580)}},
		{Index: 1, Height: 1080, Regions: []tracking.Region{at(100, 565), at(600, 566)}},
	}
	loop, err := NewLoop(regions.NewSliceSource(frames), tracking.NewTracker(tracking.DefaultTrackerConfig()), crossing.DefaultBoundaries(720))
	require.NoError(t, err)
	loop.Layout = crossing.DefaultBoundaries

	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters.Count("left"))
	assert.Equal(t, 1, res.Counters.Count("right"))
	assert.Equal(t, crossing.DefaultBoundaries(1080), loop.Snapshot().Boundaries)
}

func TestLoop_LayoutKeepsBoundariesWithoutHeight(t *testing.T) {
	frames := regions.FramesFromRegions(
		[]tracking.Region{at(100, 130)},
		[]tracking.Region{at(100, 170)},
	)
	loop, err := NewLoop(regions.NewSliceSource(frames), tracking.NewTracker(tracking.DefaultTrackerConfig()), testBoundaries())
	require.NoError(t, err)
	loop.Layout = crossing.DefaultBoundaries

	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters.Count("left"))
	assert.Equal(t, testBoundaries(), loop.Snapshot().Boundaries)
}

func TestLoop_LayoutRejectsNewLabels(t *testing.T) {
	frames := []regions.Frame{{Index: 0, Height: 480}}
	loop, err := NewLoop(regions.NewSliceSource(frames), tracking.NewTracker(tracking.DefaultTrackerConfig()), testBoundaries())
	require.NoError(t, err)
	loop.Layout = func(h int) []crossing.Boundary {
		return []crossing.Boundary{{Label: "median", Axis: crossing.AxisY, Coordinate: float64(h / 2), Direction: crossing.Increasing}}
	}

	_, err = loop.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "median")
}

func TestLoop_FrameClockSpacesStamps(t *testing.T) {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	loop, err := NewLoop(regions.NewSliceSource(make([]regions.Frame, 3)), tracking.NewTracker(tracking.DefaultTrackerConfig()), testBoundaries(), sink)
	require.NoError(t, err)
	loop.Clock = timeutil.NewFrameClock(start, 40*time.Millisecond)

	_, err = loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sink.frames, 3)
	for i, fr := range sink.frames {
		assert.Equal(t, start.Add(time.Duration(i)*40*time.Millisecond), fr.Frame.Timestamp)
	}
}

func TestNewLoop_Validation(t *testing.T) {
	src := regions.NewSliceSource(nil)
	tr := tracking.NewTracker(tracking.DefaultTrackerConfig())

	_, err := NewLoop(nil, tr, testBoundaries())
	assert.Error(t, err)
	_, err = NewLoop(src, nil, testBoundaries())
	assert.Error(t, err)
	_, err = NewLoop(src, tr, []crossing.Boundary{{Label: "a", Axis: "q", Direction: crossing.Increasing}})
	assert.Error(t, err)
}

func TestSinkFunc(t *testing.T) {
	called := 0
	var s Sink = SinkFunc(func(ctx context.Context, fr FrameResult) error {
		called++
		return nil
	})
	require.NoError(t, s.RecordFrame(context.Background(), FrameResult{}))
	assert.Equal(t, 1, called)
}
