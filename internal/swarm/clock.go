package swarm

import (
	"sync/atomic"
	"time"
)

// Clock is the local time corrected by the offset to network time.
type Clock struct {
	offset atomic.Int64 // offset in milliseconds, network minus local
	now    func() time.Time
}

// NewClock creates a clock with a zero offset. now defaults to time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}

	return &Clock{now: now}
}

// NowMillis returns the offset-corrected time in milliseconds.
func (c *Clock) NowMillis() int64 {
	return c.now().UnixMilli() + c.offset.Load()
}

// Offset returns the current offset in milliseconds.
func (c *Clock) Offset() int64 {
	return c.offset.Load()
}

// SetOffset replaces the offset.
func (c *Clock) SetOffset(ms int64) {
	c.offset.Store(ms)
}

// syncTo sets the offset so NowMillis matches networkMillis.
func (c *Clock) syncTo(networkMillis int64) int64 {
	offset := networkMillis - c.now().UnixMilli()
	c.offset.Store(offset)

	return offset
}
