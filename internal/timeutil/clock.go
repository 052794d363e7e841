// Package timeutil supplies the time source that stamps frames and paces
// database flushes.
package timeutil

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// MockClock is a clock for tests. It reads a fixed instant until moved by
// Set or Advance. With a frame interval set, each reading moves it forward by
// that interval afterwards, so consecutive frames get evenly spaced stamps.
type MockClock struct {
	mu       sync.Mutex
	now      time.Time
	interval time.Duration
}

// NewMockClock returns a MockClock reading t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// NewFrameClock returns a MockClock starting at t that moves forward by
// interval on every reading.
func NewFrameClock(t time.Time, interval time.Duration) *MockClock {
	return &MockClock{now: t, interval: interval}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.interval)
	return t
}

// Set moves the clock to t.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
