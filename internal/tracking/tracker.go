package tracking

import (
	"fmt"
	"strings"
	"sync"
)

// MatchPolicy controls whether a tracked object may be claimed by more than
// one region in the same frame.
type MatchPolicy string

const (
	// MatchExclusive removes a tracked object from the candidate pool once a
	// region has claimed it.
	MatchExclusive MatchPolicy = "exclusive"
	// MatchShared leaves matched objects in the pool, so later regions may
	// claim the same id and the last one written wins. This reproduces the
	// historical counter and is only useful for replay comparisons.
	MatchShared MatchPolicy = "shared"
)

// ParseMatchPolicy parses "exclusive" or "shared" (case-insensitive).
func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch MatchPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case MatchExclusive:
		return MatchExclusive, nil
	case MatchShared:
		return MatchShared, nil
	}
	return "", fmt.Errorf("unknown match policy %q (want %q or %q)", s, MatchExclusive, MatchShared)
}

// DefaultMatchDistance is the centroid distance (pixels) below which a
// region inherits a tracked object's identity.
const DefaultMatchDistance = 70.0

// TrackerConfig holds configuration parameters for the tracker.
type TrackerConfig struct {
	MatchDistance float64     // Strict upper bound on centroid distance for a match (pixels)
	Policy        MatchPolicy // Whether a matched object leaves the pool
}

// DefaultTrackerConfig returns the production defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MatchDistance: DefaultMatchDistance,
		Policy:        MatchExclusive,
	}
}

// TrackerStats are running totals since the tracker was constructed.
type TrackerStats struct {
	Frames  int64 `json:"frames"`
	Created int64 `json:"created"`
	Matched int64 `json:"matched"`
	Dropped int64 `json:"dropped"`
}

// TrackerInterface abstracts the identity tracker so the frame loop can be
// driven by a fake in tests.
type TrackerInterface interface {
	// Update matches regions against prev and returns the next registry.
	Update(prev Registry, regions []Region) (Registry, error)
	// Stats returns running totals.
	Stats() TrackerStats
	// NextID returns the id the next unmatched region will receive.
	NextID() int
}

// Verify at compile time that *Tracker implements TrackerInterface.
var _ TrackerInterface = (*Tracker)(nil)

// Tracker assigns identities to regions frame by frame. The id counter is
// the only state carried between calls; registries are passed in and out.
type Tracker struct {
	Config TrackerConfig

	nextID int
	stats  TrackerStats

	mu sync.RWMutex
}

// NewTracker creates a tracker whose first fresh id is 0. A missing policy
// or a match distance that is not positive takes the default.
func NewTracker(config TrackerConfig) *Tracker {
	if config.Policy == "" {
		config.Policy = MatchExclusive
	}
	if !(config.MatchDistance > 0) {
		config.MatchDistance = DefaultMatchDistance
	}
	return &Tracker{Config: config}
}

// Update builds the registry for the current frame.
//
// Regions are considered in input order. Each one takes the id of the first
// object in prev (ascending id) whose centroid lies strictly closer than
// MatchDistance; that is first-fit, not nearest. Regions without a match get
// a fresh id. Objects in prev that nothing matched are absent from the
// result. prev is never modified.
//
// On error the id counter and stats are left untouched so the caller may
// skip the frame and call again with the same prev.
func (t *Tracker) Update(prev Registry, regions []Region) (Registry, error) {
	for i, r := range regions {
		if err := r.Validate(); err != nil {
			return Registry{}, fmt.Errorf("region %d: %w", i, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	exclusive := t.Config.Policy != MatchShared
	candidates := prev.Objects()
	claimed := make([]bool, len(candidates))
	next := make(map[int]TrackedObject, len(regions))
	nextID := t.nextID
	var created, matched int64

	for _, r := range regions {
		id := -1
		for j, obj := range candidates {
			if exclusive && claimed[j] {
				continue
			}
			if r.Centroid.Distance(obj.Centroid) < t.Config.MatchDistance {
				id = obj.ID
				if !claimed[j] {
					matched++
				}
				claimed[j] = true
				break
			}
		}
		if id < 0 {
			id = nextID
			nextID++
			created++
		}
		if _, dup := next[id]; dup && exclusive {
			return Registry{}, fmt.Errorf("%w: id %d produced twice in one update", ErrIdentityConflict, id)
		}
		next[id] = TrackedObject{ID: id, Box: r.Box, Centroid: r.Centroid}
	}

	t.nextID = nextID
	t.stats.Frames++
	t.stats.Created += created
	t.stats.Matched += matched
	t.stats.Dropped += int64(len(candidates)) - matched

	return registryFromMap(next), nil
}

// Stats returns running totals.
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// NextID returns the id the next unmatched region will receive.
func (t *Tracker) NextID() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextID
}
