// Package manual provides a clock that only moves when told to.
package manual

import (
	"sync"
	"time"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

var _ scrape.Clock = (*Clock)(nil)

// Clock is a settable scrape.Clock, safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// New returns a clock frozen at start.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the frozen time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
