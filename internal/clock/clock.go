// Package clock is the framework time source: a monotonic nanosecond clock
// with a sleep helper, pluggable so tests can run on a deterministic clock.
package clock

import "time"

// Clock supplies timestamps and sleeps.
type Clock interface {
	// NowNS is nanoseconds since an arbitrary epoch, monotonic.
	NowNS() uint64
	Sleep(d time.Duration)
}

// Monotonic is the production clock. Timestamps combine the wall epoch at
// construction with the runtime's monotonic reading, so intervals never go
// backwards across wall-clock adjustments.
type Monotonic struct {
	epochNS uint64
	start   time.Time
}

// NewMonotonic creates a clock anchored at the current wall time.
func NewMonotonic() *Monotonic {
	now := time.Now()
	return &Monotonic{epochNS: uint64(now.UnixNano()), start: now}
}

func (c *Monotonic) NowNS() uint64 {
	return c.epochNS + uint64(time.Since(c.start))
}

func (c *Monotonic) Sleep(d time.Duration) { time.Sleep(d) }

// Fake is a manually advanced clock for tests. Sleep advances it instantly.
type Fake struct {
	ns uint64
}

// NewFake creates a fake clock starting at the given nanosecond reading.
func NewFake(startNS uint64) *Fake { return &Fake{ns: startNS} }

func (c *Fake) NowNS() uint64 { return c.ns }

func (c *Fake) Sleep(d time.Duration) { c.ns += uint64(d) }

// Advance moves the fake clock forward.
func (c *Fake) Advance(d time.Duration) { c.ns += uint64(d) }
