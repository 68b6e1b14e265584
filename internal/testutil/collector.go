package testutil

import (
	"time"

	"firestige.xyz/xpass/internal/core"
)

// Collector is a sink keeping a copy of every delivered frame. Delivered
// frames are returned to Alloc when it is set.
type Collector struct {
	Alloc      core.Allocator
	Frames     [][]byte
	Timestamps []time.Time
	Batches    []int
}

func (c *Collector) Deliver(frames []*core.Frame) {
	c.Batches = append(c.Batches, len(frames))
	for _, f := range frames {
		c.Frames = append(c.Frames, append([]byte(nil), f.Data()...))
		c.Timestamps = append(c.Timestamps, f.Timestamp)
		if c.Alloc != nil {
			c.Alloc.Free(f)
		}
	}
}

// Reset forgets collected frames.
func (c *Collector) Reset() {
	c.Frames = nil
	c.Timestamps = nil
	c.Batches = nil
}

// Frames copies each byte slice into a frame from alloc.
func Frames(alloc core.Allocator, data ...[]byte) []*core.Frame {
	out := make([]*core.Frame, len(data))
	for i, d := range data {
		out[i] = core.FrameFrom(alloc, d, time.Time{})
	}
	return out
}

// CountingAllocator wraps an allocator and tracks frames in use.
type CountingAllocator struct {
	core.Allocator
	Live int
}

func (a *CountingAllocator) Alloc() *core.Frame {
	a.Live++
	return a.Allocator.Alloc()
}

func (a *CountingAllocator) Free(f *core.Frame) {
	a.Live--
	a.Allocator.Free(f)
}
