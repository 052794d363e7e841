package tracking

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	// ErrInvalidRegion is returned when a region violates the input contract
	// (non-finite coordinates or negative extent).
	ErrInvalidRegion = errors.New("invalid region")
	// ErrIdentityConflict is returned when one update would place the same
	// id in a registry twice.
	ErrIdentityConflict = errors.New("identity conflict")
)

// Point is a position in frame-pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance between p and q.
func (p Point) Distance(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Box is an axis-aligned bounding box in frame-pixel coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

// Center returns the centre of the box.
func (b Box) Center() Point {
	return Point{X: b.X + b.Width/2.0, Y: b.Y + b.Height/2.0}
}

// Area returns width × height.
func (b Box) Area() float64 {
	return b.Width * b.Height
}

// Region is a single frame's motion blob. It carries no identity.
type Region struct {
	Box      Box   `json:"box"`
	Centroid Point `json:"centroid"`
}

// RegionFromBox builds a Region whose centroid is the centre of box.
func RegionFromBox(box Box) Region {
	return Region{Box: box, Centroid: box.Center()}
}

// Validate reports ErrInvalidRegion for non-finite coordinates or a
// negative width or height. Zero-area boxes are accepted.
func (r Region) Validate() error {
	for _, v := range [...]float64{r.Box.X, r.Box.Y, r.Box.Width, r.Box.Height, r.Centroid.X, r.Centroid.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate in %+v", ErrInvalidRegion, r)
		}
	}
	if r.Box.Width < 0 || r.Box.Height < 0 {
		return fmt.Errorf("%w: negative extent %.1fx%.1f", ErrInvalidRegion, r.Box.Width, r.Box.Height)
	}
	return nil
}

// TrackedObject is a Region associated with a persistent identity.
type TrackedObject struct {
	ID       int   `json:"id"`
	Box      Box   `json:"box"`
	Centroid Point `json:"centroid"`
}

// Registry is an immutable mapping from id to TrackedObject. Iteration
// order is ascending id. The zero value is an empty registry.
type Registry struct {
	objects map[int]TrackedObject
	ids     []int
}

// NewRegistry builds a registry from objects. A repeated id yields
// ErrIdentityConflict.
func NewRegistry(objects ...TrackedObject) (Registry, error) {
	m := make(map[int]TrackedObject, len(objects))
	for _, obj := range objects {
		if _, dup := m[obj.ID]; dup {
			return Registry{}, fmt.Errorf("%w: id %d", ErrIdentityConflict, obj.ID)
		}
		m[obj.ID] = obj
	}
	return registryFromMap(m), nil
}

func registryFromMap(m map[int]TrackedObject) Registry {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return Registry{objects: m, ids: ids}
}

// Len returns the number of tracked objects.
func (r Registry) Len() int {
	return len(r.ids)
}

// Get returns the object holding id.
func (r Registry) Get(id int) (TrackedObject, bool) {
	obj, ok := r.objects[id]
	return obj, ok
}

// Has reports whether id is present.
func (r Registry) Has(id int) bool {
	_, ok := r.objects[id]
	return ok
}

// IDs returns the ids in ascending order.
func (r Registry) IDs() []int {
	return slices.Clone(r.ids)
}

// Objects returns the tracked objects in ascending id order.
func (r Registry) Objects() []TrackedObject {
	out := make([]TrackedObject, len(r.ids))
	for i, id := range r.ids {
		out[i] = r.objects[id]
	}
	return out
}
