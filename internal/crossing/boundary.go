package crossing

import (
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/lanecount/internal/tracking"
)

// Axis names the centroid coordinate a boundary is tested against.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
)

// Direction is the sense in which a centroid must move to count.
type Direction string

const (
	Increasing Direction = "increasing" // coordinate goes from below to at-or-above
	Decreasing Direction = "decreasing" // coordinate goes from above to at-or-below
)

// ParseDirection accepts "increasing"/"decreasing" and the short forms
// "inc"/"dec", case-insensitive.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "increasing", "inc":
		return Increasing, nil
	case "decreasing", "dec":
		return Decreasing, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// ParseAxis accepts "x" or "y", case-insensitive.
func ParseAxis(s string) (Axis, error) {
	switch Axis(strings.ToLower(strings.TrimSpace(s))) {
	case AxisX:
		return AxisX, nil
	case AxisY:
		return AxisY, nil
	}
	return "", fmt.Errorf("unknown axis %q", s)
}

// Boundary is a fixed line plus the direction that counts as a crossing.
// Boundaries are immutable for the duration of a run.
type Boundary struct {
	Label      string    `json:"label"`
	Axis       Axis      `json:"axis"`
	Coordinate float64   `json:"coordinate"`
	Direction  Direction `json:"direction"`
}

// Validate checks the label, axis, direction and coordinate.
func (b Boundary) Validate() error {
	if strings.TrimSpace(b.Label) == "" {
		return fmt.Errorf("boundary label must not be empty")
	}
	if b.Axis != AxisX && b.Axis != AxisY {
		return fmt.Errorf("boundary %q: unknown axis %q", b.Label, b.Axis)
	}
	if b.Direction != Increasing && b.Direction != Decreasing {
		return fmt.Errorf("boundary %q: unknown direction %q", b.Label, b.Direction)
	}
	if math.IsNaN(b.Coordinate) || math.IsInf(b.Coordinate, 0) {
		return fmt.Errorf("boundary %q: coordinate must be finite", b.Label)
	}
	return nil
}

// ValidateBoundaries validates each boundary and rejects repeated labels.
func ValidateBoundaries(boundaries []Boundary) error {
	seen := make(map[string]bool, len(boundaries))
	for _, b := range boundaries {
		if err := b.Validate(); err != nil {
			return err
		}
		if seen[b.Label] {
			return fmt.Errorf("duplicate boundary label %q", b.Label)
		}
		seen[b.Label] = true
	}
	return nil
}

func (b Boundary) coord(p tracking.Point) float64 {
	if b.Axis == AxisX {
		return p.X
	}
	return p.Y
}

// Crossed reports whether moving from prev to next crosses b in its
// configured direction.
func (b Boundary) Crossed(prev, next tracking.Point) bool {
	before, after := b.coord(prev), b.coord(next)
	switch b.Direction {
	case Increasing:
		return before < b.Coordinate && after >= b.Coordinate
	case Decreasing:
		return before > b.Coordinate && after <= b.Coordinate
	}
	return false
}

// Lane offsets below the frame midline used by the default layout.
const (
	DefaultLeftLaneOffset  = 20
	DefaultRightLaneOffset = 30
)

// DefaultBoundaries returns the two-lane layout for a frame of the given
// height: traffic moving down the frame is counted on "left" just below the
// midline, traffic moving up is counted on "right" a little lower.
func DefaultBoundaries(frameHeight int) []Boundary {
	mid := frameHeight / 2
	return []Boundary{
		{Label: "left", Axis: AxisY, Coordinate: float64(mid + DefaultLeftLaneOffset), Direction: Increasing},
		{Label: "right", Axis: AxisY, Coordinate: float64(mid + DefaultRightLaneOffset), Direction: Decreasing},
	}
}
