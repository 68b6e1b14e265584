// Package pipeline implements pipeline metrics.
package pipeline

import (
	"sync/atomic"

	"firestige.xyz/xpass/internal/core"
)

// Metrics contains per-pipeline counters. They are written by the worker
// goroutine and may be read from any goroutine.
type Metrics struct {
	PipelineID int

	FromLocal      atomic.Uint64
	FromNetwork    atomic.Uint64
	ToNIC          atomic.Uint64
	ToLocal        atomic.Uint64
	TimeoutFlushes atomic.Uint64
	TimeoutBytes   atomic.Uint64
	DrainFlushes   atomic.Uint64
	CreditsDue     atomic.Uint64
	BackgroundRuns atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics(pipelineID int) *Metrics {
	return &Metrics{PipelineID: pipelineID}
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.FromLocal.Store(0)
	m.FromNetwork.Store(0)
	m.ToNIC.Store(0)
	m.ToLocal.Store(0)
	m.TimeoutFlushes.Store(0)
	m.TimeoutBytes.Store(0)
	m.DrainFlushes.Store(0)
	m.CreditsDue.Store(0)
	m.BackgroundRuns.Store(0)
}

// countingSink counts frames on their way to next.
type countingSink struct {
	counter *atomic.Uint64
	next    core.Sink
}

func (s countingSink) Deliver(frames []*core.Frame) {
	s.counter.Add(uint64(len(frames)))
	s.next.Deliver(frames)
}

// Stats represents pipeline statistics.
type Stats struct {
	FromLocal      uint64 `yaml:"from_local"`
	FromNetwork    uint64 `yaml:"from_network"`
	ToNIC          uint64 `yaml:"to_nic"`
	ToLocal        uint64 `yaml:"to_local"`
	TimeoutFlushes uint64 `yaml:"timeout_flushes"`
	TimeoutBytes   uint64 `yaml:"timeout_bytes"`
	DrainFlushes   uint64 `yaml:"drain_flushes"`
	CreditsDue     uint64 `yaml:"credits_due"`
	BackgroundRuns uint64 `yaml:"background_runs"`
	Flows          int    `yaml:"flows"`
}

// Add returns the sum of s and o.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		FromLocal:      s.FromLocal + o.FromLocal,
		FromNetwork:    s.FromNetwork + o.FromNetwork,
		ToNIC:          s.ToNIC + o.ToNIC,
		ToLocal:        s.ToLocal + o.ToLocal,
		TimeoutFlushes: s.TimeoutFlushes + o.TimeoutFlushes,
		TimeoutBytes:   s.TimeoutBytes + o.TimeoutBytes,
		DrainFlushes:   s.DrainFlushes + o.DrainFlushes,
		CreditsDue:     s.CreditsDue + o.CreditsDue,
		BackgroundRuns: s.BackgroundRuns + o.BackgroundRuns,
		Flows:          s.Flows + o.Flows,
	}
}
