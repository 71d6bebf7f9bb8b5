// Package tick advances server time in fixed steps.
package tick

import (
	"context"
	"time"
)

// DefaultInterval is the server simulation step.
const DefaultInterval = 50 * time.Millisecond

// Driver converts wall-clock progress into a whole number of fixed ticks.
// When the caller falls behind, Advance reports every missed tick so none
// are skipped. A Driver is not safe for concurrent use.
type Driver struct {
	interval   time.Duration
	started    bool
	next       time.Time
	serverTime time.Duration
	ticks      uint64
}

// NewDriver creates a driver stepping by interval, or DefaultInterval when
// interval is not positive.
func NewDriver(interval time.Duration) *Driver {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Driver{interval: interval}
}

// Interval returns the tick length.
func (d *Driver) Interval() time.Duration {
	return d.interval
}

// Advance returns how many tick boundaries have passed since the previous
// call and moves server time forward by that many intervals. The first call
// anchors the schedule and returns 0.
func (d *Driver) Advance(now time.Time) int {
	if !d.started {
		d.started = true
		d.next = now.Add(d.interval)
		return 0
	}
	n := 0
	for !now.Before(d.next) {
		d.next = d.next.Add(d.interval)
		d.serverTime += d.interval
		d.ticks++
		n++
	}
	return n
}

// Remaining returns how long to wait before the next tick boundary. It is
// never negative and never exceeds the interval.
func (d *Driver) Remaining(now time.Time) time.Duration {
	if !d.started {
		return 0
	}
	wait := d.next.Sub(now)
	switch {
	case wait < 0:
		return 0
	case wait > d.interval:
		return d.interval
	}
	return wait
}

// ServerTime is the simulated time covered by all ticks so far.
func (d *Driver) ServerTime() time.Duration {
	return d.serverTime
}

// Ticks returns the number of ticks run.
func (d *Driver) Ticks() uint64 {
	return d.ticks
}

// Run loops until ctx is done. Each iteration calls wait with the time left
// until the next boundary, then step once per elapsed tick with the updated
// server time. wait is where the caller services its I/O.
func (d *Driver) Run(ctx context.Context, clock func() time.Time, wait func(time.Duration), step func(serverTime time.Duration)) {
	if clock == nil {
		clock = time.Now
	}
	d.Advance(clock())
	for ctx.Err() == nil {
		wait(d.Remaining(clock()))
		for n := d.Advance(clock()); n > 0; n-- {
			step(d.serverTime - time.Duration(n-1)*d.interval)
		}
	}
}
