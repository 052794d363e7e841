package tracking

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// regionAt returns a 20x20 region centred on (x, y).
func regionAt(x, y float64) Region {
	return RegionFromBox(Box{X: x - 10, Y: y - 10, Width: 20, Height: 20})
}

func mustRegistry(t *testing.T, objects ...TrackedObject) Registry {
	t.Helper()
	r, err := NewRegistry(objects...)
	require.NoError(t, err)
	return r
}

func objectAt(id int, x, y float64) TrackedObject {
	r := regionAt(x, y)
	return TrackedObject{ID: id, Box: r.Box, Centroid: r.Centroid}
}

func TestRegionFromBox_Centroid(t *testing.T) {
	r := RegionFromBox(Box{X: 10, Y: 20, Width: 31, Height: 40})
	assert.Equal(t, Point{X: 25.5, Y: 40}, r.Centroid)
}

func TestTracker_FirstFrameAssignsSequentialIDsFromZero(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())

	next, err := tr.Update(Registry{}, []Region{regionAt(10, 10), regionAt(300, 300), regionAt(600, 50)})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, next.IDs())
	obj, ok := next.Get(1)
	require.True(t, ok)
	assert.Equal(t, Point{X: 300, Y: 300}, obj.Centroid)
	assert.Equal(t, 3, tr.NextID())
}

func TestTracker_IdentityStableUnderSmallMotion(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())

	reg, err := tr.Update(Registry{}, []Region{regionAt(100, 100)})
	require.NoError(t, err)
	require.Equal(t, []int{0}, reg.IDs())

	// 60px per frame stays under the 70px threshold.
	for step := 1; step <= 10; step++ {
		reg, err = tr.Update(reg, []Region{regionAt(100, 100+60*float64(step))})
		require.NoError(t, err)
		assert.Equal(t, []int{0}, reg.IDs(), "frame %d", step)
	}
	assert.Equal(t, int64(1), tr.Stats().Created)
	assert.Equal(t, int64(10), tr.Stats().Matched)
}

func TestTracker_ThresholdIsStrict(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	prev := mustRegistry(t, objectAt(0, 0, 0))
	tr.nextID = 1

	// Exactly 70px away does not match.
	next, err := tr.Update(prev, []Region{regionAt(70, 0)})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, next.IDs())

	next, err = tr.Update(prev, []Region{regionAt(69.999, 0)})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, next.IDs())
}

func TestTracker_DropOnMiss(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	prev := mustRegistry(t, objectAt(1, 50, 50), objectAt(2, 400, 400))
	tr.nextID = 3

	next, err := tr.Update(prev, []Region{regionAt(55, 52)})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, next.IDs())
	assert.False(t, next.Has(2))
	obj, _ := next.Get(1)
	assert.Equal(t, Point{X: 55, Y: 52}, obj.Centroid)
	assert.Equal(t, int64(1), tr.Stats().Dropped)
}

func TestTracker_ReappearanceGetsNewIdentity(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())

	reg, err := tr.Update(Registry{}, []Region{regionAt(100, 100)})
	require.NoError(t, err)

	// Occluded for one frame.
	reg, err = tr.Update(reg, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())

	reg, err = tr.Update(reg, []Region{regionAt(100, 100)})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, reg.IDs())
}

func TestTracker_IDsNeverReused(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	reg := Registry{}
	seen := map[int]bool{}
	last := -1

	for frame := 0; frame < 20; frame++ {
		// Each frame jumps far enough that nothing matches.
		var err error
		reg, err = tr.Update(reg, []Region{regionAt(float64(frame%2)*500, 0), regionAt(float64(frame%2)*500, 400)})
		require.NoError(t, err)
		for _, id := range reg.IDs() {
			assert.False(t, seen[id], "id %d reused", id)
			assert.Greater(t, id, last)
			seen[id] = true
			last = id
		}
	}
	assert.Len(t, seen, 40)
}

func TestTracker_FirstFitNotNearest(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	// id 3 is farther from the region than id 7 but comes first.
	prev := mustRegistry(t, objectAt(7, 101, 100), objectAt(3, 160, 100))
	tr.nextID = 8

	next, err := tr.Update(prev, []Region{regionAt(100, 100)})
	require.NoError(t, err)
	assert.Equal(t, []int{3}, next.IDs())
}

func TestTracker_ExclusiveMatching(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	prev := mustRegistry(t, objectAt(0, 100, 100))
	tr.nextID = 1

	// Both regions are within range of id 0; only the first may claim it.
	next, err := tr.Update(prev, []Region{regionAt(110, 100), regionAt(90, 100)})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, next.IDs())
	first, _ := next.Get(0)
	assert.Equal(t, 110.0, first.Centroid.X)
	second, _ := next.Get(1)
	assert.Equal(t, 90.0, second.Centroid.X)
}

func TestTracker_SharedMatchingLastWriterWins(t *testing.T) {
	tr := NewTracker(TrackerConfig{MatchDistance: DefaultMatchDistance, Policy: MatchShared})
	prev := mustRegistry(t, objectAt(0, 100, 100))
	tr.nextID = 1

	next, err := tr.Update(prev, []Region{regionAt(110, 100), regionAt(90, 100)})
	require.NoError(t, err)

	assert.Equal(t, []int{0}, next.IDs())
	obj, _ := next.Get(0)
	assert.Equal(t, 90.0, obj.Centroid.X)
	assert.Equal(t, 1, tr.NextID())
}

func TestTracker_ExclusiveFallsThroughToNextCandidate(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	prev := mustRegistry(t, objectAt(0, 100, 100), objectAt(1, 140, 100))
	tr.nextID = 2

	next, err := tr.Update(prev, []Region{regionAt(120, 100), regionAt(125, 100)})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, next.IDs())
	obj, _ := next.Get(1)
	assert.Equal(t, 125.0, obj.Centroid.X)
}

func TestTracker_InvalidRegionLeavesStateUntouched(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	prev, err := tr.Update(Registry{}, []Region{regionAt(10, 10)})
	require.NoError(t, err)
	before := tr.Stats()

	bad := Region{Box: Box{Width: 10, Height: 10}, Centroid: Point{X: math.NaN(), Y: 0}}
	_, err = tr.Update(prev, []Region{regionAt(12, 10), bad})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRegion))
	assert.Contains(t, err.Error(), "region 1")

	assert.Equal(t, before, tr.Stats())
	assert.Equal(t, 1, tr.NextID())

	// Retrying the frame with the same prev works.
	next, err := tr.Update(prev, []Region{regionAt(12, 10)})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, next.IDs())
}

func TestRegion_Validate(t *testing.T) {
	tests := []struct {
		name    string
		region  Region
		wantErr bool
	}{
		{name: "valid", region: regionAt(5, 5)},
		{name: "zero area", region: RegionFromBox(Box{X: 5, Y: 5})},
		{name: "inf centroid", region: Region{Centroid: Point{X: math.Inf(1)}}, wantErr: true},
		{name: "nan box", region: Region{Box: Box{Height: math.NaN()}}, wantErr: true},
		{name: "negative width", region: Region{Box: Box{Width: -1, Height: 4}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.region.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRegion)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTracker_IdentityConflictOnForeignRegistry(t *testing.T) {
	// A registry built elsewhere may already hold the id the tracker would
	// hand out next; exclusive mode refuses to overwrite it.
	tr := NewTracker(DefaultTrackerConfig())
	prev := mustRegistry(t, objectAt(0, 500, 500))

	_, err := tr.Update(prev, []Region{regionAt(500, 500), regionAt(10, 10)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdentityConflict)
	assert.Equal(t, 0, tr.NextID())
}

func TestTracker_PrevRegistryNotMutated(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	prev := mustRegistry(t, objectAt(0, 100, 100), objectAt(1, 300, 300))
	tr.nextID = 2
	snapshot := prev.Objects()

	_, err := tr.Update(prev, []Region{regionAt(110, 100)})
	require.NoError(t, err)

	assert.Equal(t, snapshot, prev.Objects())
}

func TestTracker_Deterministic(t *testing.T) {
	frames := [][]Region{
		{regionAt(100, 100), regionAt(400, 100)},
		{regionAt(120, 110), regionAt(380, 120), regionAt(700, 50)},
		{regionAt(140, 130), regionAt(690, 60)},
	}
	run := func() [][]TrackedObject {
		tr := NewTracker(DefaultTrackerConfig())
		reg := Registry{}
		var out [][]TrackedObject
		for _, f := range frames {
			var err error
			reg, err = tr.Update(reg, f)
			require.NoError(t, err)
			out = append(out, reg.Objects())
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestNewRegistry_DuplicateID(t *testing.T) {
	_, err := NewRegistry(objectAt(4, 0, 0), objectAt(4, 10, 10))
	assert.ErrorIs(t, err, ErrIdentityConflict)
}

func TestNewTracker_ZeroConfigUsesDefaults(t *testing.T) {
	for _, d := range []float64{0, -5, math.NaN()} {
		tr := NewTracker(TrackerConfig{MatchDistance: d})
		assert.Equal(t, DefaultMatchDistance, tr.Config.MatchDistance)
		assert.Equal(t, MatchExclusive, tr.Config.Policy)

		reg, err := tr.Update(Registry{}, []Region{regionAt(100, 100)})
		require.NoError(t, err)
		reg, err = tr.Update(reg, []Region{regionAt(100, 130)})
		require.NoError(t, err)
		assert.Equal(t, []int{0}, reg.IDs(), "a 30px move keeps its identity")
	}
}

func TestParseMatchPolicy(t *testing.T) {
	p, err := ParseMatchPolicy(" Shared ")
	require.NoError(t, err)
	assert.Equal(t, MatchShared, p)

	p, err = ParseMatchPolicy("exclusive")
	require.NoError(t, err)
	assert.Equal(t, MatchExclusive, p)

	_, err = ParseMatchPolicy("nearest")
	assert.Error(t, err)
}
