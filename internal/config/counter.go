package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/lanecount/internal/crossing"
	"github.com/banshee-data/lanecount/internal/tracking"
)

// DefaultConfigPath is the path to the canonical counter defaults file.
const DefaultConfigPath = "config/counter.defaults.json"

// BoundaryConfig is the JSON form of a lane boundary.
type BoundaryConfig struct {
	Label      string  `json:"label"`
	Axis       string  `json:"axis,omitempty"` // "x" or "y"; defaults to "y"
	Coordinate float64 `json:"coordinate"`
	Direction  string  `json:"direction"` // "increasing" or "decreasing"
}

// CounterConfig is the root configuration for a counting run. Fields
// omitted from the JSON keep their defaults via the Get* methods, so
// partial configs are safe.
type CounterConfig struct {
	// Tracker params
	MatchDistance *float64 `json:"match_distance,omitempty"`
	MatchPolicy   *string  `json:"match_policy,omitempty"`

	// Region source params
	MinRegionArea *float64 `json:"min_region_area,omitempty"`
	FrameHeight   *int     `json:"frame_height,omitempty"`

	// Lane layout. Empty means the two-lane default derived from FrameHeight.
	Boundaries []BoundaryConfig `json:"boundaries,omitempty"`

	// Output params
	EventBuffer   *int    `json:"event_buffer,omitempty"`
	FlushInterval *string `json:"flush_interval,omitempty"` // duration string like "1s"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyCounterConfig returns a CounterConfig with all fields unset.
func EmptyCounterConfig() *CounterConfig {
	return &CounterConfig{}
}

// DefaultCounterConfig returns a CounterConfig with every field populated
// with its default.
func DefaultCounterConfig() *CounterConfig {
	return &CounterConfig{
		MatchDistance: ptrFloat64(tracking.DefaultMatchDistance),
		MatchPolicy:   ptrString(string(tracking.MatchExclusive)),
		MinRegionArea: ptrFloat64(500),
		FrameHeight:   ptrInt(720),
		EventBuffer:   ptrInt(64),
		FlushInterval: ptrString("1s"),
	}
}

// LoadCounterConfig loads a CounterConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadCounterConfig(path string) (*CounterConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCounterConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file cannot
// be loaded, intended for test setup.
func MustLoadDefaultConfig() *CounterConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadCounterConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *CounterConfig) Validate() error {
	if c.MatchDistance != nil && *c.MatchDistance <= 0 {
		return fmt.Errorf("match_distance must be positive, got %f", *c.MatchDistance)
	}

	if c.MatchPolicy != nil {
		if _, err := tracking.ParseMatchPolicy(*c.MatchPolicy); err != nil {
			return fmt.Errorf("match_policy: %w", err)
		}
	}

	if c.MinRegionArea != nil && *c.MinRegionArea < 0 {
		return fmt.Errorf("min_region_area must be non-negative, got %f", *c.MinRegionArea)
	}

	if c.FrameHeight != nil && *c.FrameHeight <= 0 {
		return fmt.Errorf("frame_height must be positive, got %d", *c.FrameHeight)
	}

	if c.EventBuffer != nil && *c.EventBuffer < 0 {
		return fmt.Errorf("event_buffer must be non-negative, got %d", *c.EventBuffer)
	}

	if c.FlushInterval != nil && *c.FlushInterval != "" {
		if _, err := time.ParseDuration(*c.FlushInterval); err != nil {
			return fmt.Errorf("invalid flush_interval '%s': %w", *c.FlushInterval, err)
		}
	}

	if _, err := c.GetBoundaries(); err != nil {
		return err
	}

	return nil
}

// GetMatchDistance returns the match_distance value or the default.
func (c *CounterConfig) GetMatchDistance() float64 {
	if c.MatchDistance == nil {
		return tracking.DefaultMatchDistance
	}
	return *c.MatchDistance
}

// GetMatchPolicy returns the match_policy value or the default. An
// unparseable value falls back to exclusive; Validate reports it.
func (c *CounterConfig) GetMatchPolicy() tracking.MatchPolicy {
	if c.MatchPolicy == nil {
		return tracking.MatchExclusive
	}
	p, err := tracking.ParseMatchPolicy(*c.MatchPolicy)
	if err != nil {
		return tracking.MatchExclusive
	}
	return p
}

// GetMinRegionArea returns the min_region_area value or the default.
func (c *CounterConfig) GetMinRegionArea() float64 {
	if c.MinRegionArea == nil {
		return 500
	}
	return *c.MinRegionArea
}

// GetFrameHeight returns the frame_height value or the default.
func (c *CounterConfig) GetFrameHeight() int {
	if c.FrameHeight == nil {
		return 720
	}
	return *c.FrameHeight
}

// GetEventBuffer returns the event_buffer value or the default.
func (c *CounterConfig) GetEventBuffer() int {
	if c.EventBuffer == nil {
		return 64
	}
	return *c.EventBuffer
}

// GetFlushInterval parses and returns the FlushInterval as a time.Duration.
func (c *CounterConfig) GetFlushInterval() time.Duration {
	if c.FlushInterval == nil || *c.FlushInterval == "" {
		return time.Second // default
	}
	d, err := time.ParseDuration(*c.FlushInterval)
	if err != nil {
		return time.Second // default on parse error
	}
	return d
}

// HasBoundaries reports whether the lane layout is configured explicitly.
// Without one the default layout follows the frame height.
func (c *CounterConfig) HasBoundaries() bool {
	return len(c.Boundaries) > 0
}

// GetBoundaries converts the configured boundaries, or returns the default
// two-lane layout for GetFrameHeight when none are configured.
func (c *CounterConfig) GetBoundaries() ([]crossing.Boundary, error) {
	if len(c.Boundaries) == 0 {
		return crossing.DefaultBoundaries(c.GetFrameHeight()), nil
	}
	out := make([]crossing.Boundary, 0, len(c.Boundaries))
	for i, bc := range c.Boundaries {
		axis := crossing.AxisY
		if bc.Axis != "" {
			a, err := crossing.ParseAxis(bc.Axis)
			if err != nil {
				return nil, fmt.Errorf("boundaries[%d]: %w", i, err)
			}
			axis = a
		}
		dir, err := crossing.ParseDirection(bc.Direction)
		if err != nil {
			return nil, fmt.Errorf("boundaries[%d]: %w", i, err)
		}
		out = append(out, crossing.Boundary{
			Label:      bc.Label,
			Axis:       axis,
			Coordinate: bc.Coordinate,
			Direction:  dir,
		})
	}
	if err := crossing.ValidateBoundaries(out); err != nil {
		return nil, err
	}
	return out, nil
}

// TrackerConfig builds the tracker configuration.
func (c *CounterConfig) TrackerConfig() tracking.TrackerConfig {
	return tracking.TrackerConfig{
		MatchDistance: c.GetMatchDistance(),
		Policy:        c.GetMatchPolicy(),
	}
}
