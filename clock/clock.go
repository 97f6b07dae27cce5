// Package clock abstracts time so bucket refill math can run against real or virtual time.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Real delegates to the time package.
type Real struct{}

// NewReal returns a Clock backed by time.Now.
func NewReal() Real {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

// Virtual is a manually driven clock for tests and dry runs.
// Safe for concurrent use.
type Virtual struct {
	mu      sync.RWMutex
	current time.Time
}

// NewVirtual creates a Virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{current: start}
}

// Now returns the current virtual time.
func (c *Virtual) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Advance moves the clock forward by d. Negative durations move it backwards,
// which is how tests simulate clock skew between replicas.
func (c *Virtual) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set jumps the clock to t.
func (c *Virtual) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}
