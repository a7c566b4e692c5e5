package state

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic logical clock used for operation and subscription
// ids. Each Next call returns a unique, strictly increasing value.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Uint64
}

// NewClock creates a clock whose first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock positioned at start, so Next returns start+1.
// Used when restoring a queue to keep ids sequential across restarts.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next value.
func (c *Clock) Next() uint64 {
	return c.seq.Add(1)
}

// Current returns the last value handed out without advancing.
func (c *Clock) Current() uint64 {
	return c.seq.Load()
}

// AdvanceTo moves the clock forward to at least v. It never moves back.
func (c *Clock) AdvanceTo(v uint64) {
	for {
		cur := c.seq.Load()
		if cur >= v || c.seq.CompareAndSwap(cur, v) {
			return
		}
	}
}

// NowFunc supplies wall-clock time. Components take one so tests can
// pin timestamps.
type NowFunc func() time.Time

func systemNow() time.Time { return time.Now().UTC() }
