// Package clock provides the nanosecond time source the dataplane stages
// timestamp aggregates and pace credits with.
package clock

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Clock returns a monotonic time in nanoseconds.
type Clock interface {
	NowNano() uint64
}

// Monotonic reads CLOCK_MONOTONIC.
type Monotonic struct{}

// NowNano returns the monotonic clock, or 0 if it cannot be read.
func (Monotonic) NowNano() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*uint64(time.Second) + uint64(ts.Nsec)
}

// Manual is a clock moved by hand. Replay drives it from capture timestamps.
type Manual struct {
	now atomic.Uint64
}

// NewManual returns a clock set to start.
func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.now.Store(start)
	return m
}

func (m *Manual) NowNano() uint64 { return m.now.Load() }

// Set moves the clock to ns. Going backwards is ignored.
func (m *Manual) Set(ns uint64) {
	for {
		cur := m.now.Load()
		if ns <= cur || m.now.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.now.Add(uint64(d))
}
