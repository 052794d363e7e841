package crossing

import (
	"maps"
	"slices"

	"github.com/banshee-data/lanecount/internal/tracking"
)

// Event records one tracked identity crossing one boundary during one
// frame transition. Frame is stamped by the caller; DetectCrossings leaves
// it zero.
type Event struct {
	TrackID int    `json:"track_id"`
	Label   string `json:"label"`
	Frame   int64  `json:"frame"`
}

// DetectCrossings compares every id present in both prev and next against
// each boundary and returns one event per qualifying (id, boundary) pair.
// Events are ordered by ascending id, then by boundary order. The function
// has no side effects; calling it twice with the same inputs yields the
// same events.
func DetectCrossings(prev, next tracking.Registry, boundaries []Boundary) []Event {
	var events []Event
	for _, before := range prev.Objects() {
		after, ok := next.Get(before.ID)
		if !ok {
			continue
		}
		for _, b := range boundaries {
			if b.Crossed(before.Centroid, after.Centroid) {
				events = append(events, Event{TrackID: before.ID, Label: b.Label})
			}
		}
	}
	return events
}

// Counters holds per-boundary crossing counts and their total. It is a
// value: Apply returns a new Counters and leaves the receiver unchanged.
type Counters struct {
	ByLabel map[string]int `json:"by_label"`
	Total   int            `json:"total"`
}

// NewCounters returns zeroed counters with an entry for every boundary.
func NewCounters(boundaries []Boundary) Counters {
	c := Counters{ByLabel: make(map[string]int, len(boundaries))}
	for _, b := range boundaries {
		c.ByLabel[b.Label] = 0
	}
	return c
}

// Apply adds one to the event's label and one to the total for every event.
func (c Counters) Apply(events []Event) Counters {
	out := Counters{ByLabel: maps.Clone(c.ByLabel), Total: c.Total}
	if out.ByLabel == nil {
		out.ByLabel = make(map[string]int)
	}
	for _, e := range events {
		out.ByLabel[e.Label]++
		out.Total++
	}
	return out
}

// Count returns the count for label (zero if unknown).
func (c Counters) Count(label string) int {
	return c.ByLabel[label]
}

// Labels returns the known labels in sorted order.
func (c Counters) Labels() []string {
	return slices.Sorted(maps.Keys(c.ByLabel))
}

// Clone returns a deep copy.
func (c Counters) Clone() Counters {
	return Counters{ByLabel: maps.Clone(c.ByLabel), Total: c.Total}
}
