package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"

	"firestige.xyz/xpass/internal/core"
	"firestige.xyz/xpass/internal/core/decoder"
	"firestige.xyz/xpass/internal/flow"
)

// DispatchStrategy determines how frames are distributed across pipelines.
type DispatchStrategy interface {
	// Dispatch returns the pipeline index (0-based) for the given frame.
	// numPipelines is guaranteed to be > 0.
	Dispatch(data []byte, numPipelines int) int

	// Name returns the strategy name for logging/metrics.
	Name() string
}

// FlowHashStrategy distributes frames by a direction-independent hash of
// the TCP 4-tuple, so both directions of a connection land on the worker
// that owns its flow state. Frames that are not TCP over IPv4 go to
// pipeline 0.
type FlowHashStrategy struct{}

func (s *FlowHashStrategy) Dispatch(data []byte, numPipelines int) int {
	if numPipelines <= 1 {
		return 0
	}
	off, err := decoder.Locate(data)
	if err != nil {
		return 0
	}
	return int(FlowHash(decoder.ForwardKey(data, off)) % uint64(numPipelines))
}

func (s *FlowHashStrategy) Name() string { return "flow-hash" }

// FlowHash hashes key and its reverse to the same value.
func FlowHash(key core.FlowKey) uint64 {
	a := endpoint(key.SrcIP, key.SrcPort)
	b := endpoint(key.DstIP, key.DstPort)
	if a > b {
		a, b = b, a
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], a)
	binary.BigEndian.PutUint64(buf[8:], b)
	return xxhash.Sum64(buf[:])
}

func endpoint(ip [4]byte, port [2]byte) uint64 {
	return uint64(binary.BigEndian.Uint32(ip[:]))<<16 | uint64(binary.BigEndian.Uint16(port[:]))
}

// NewDispatchStrategy creates a dispatch strategy by name.
// Supported strategies: "flow-hash" (default).
func NewDispatchStrategy(name string) DispatchStrategy {
	switch name {
	case "", "flow-hash":
		return &FlowHashStrategy{}
	default:
		slog.Warn("unknown dispatch strategy, using flow-hash", "strategy", name)
		return &FlowHashStrategy{}
	}
}

// Dispatcher fans batches out to a fixed set of pipelines. Frames of one
// batch keep their relative order within each pipeline.
type Dispatcher struct {
	pipelines []*Pipeline
	strategy  DispatchStrategy
	async     bool
}

// NewDispatcher creates a dispatcher over pipelines. With async set, batches
// are handed to each pipeline's goroutine with Submit; otherwise they are
// processed on the caller's goroutine.
func NewDispatcher(pipelines []*Pipeline, strategy DispatchStrategy, async bool) (*Dispatcher, error) {
	if len(pipelines) == 0 {
		return nil, fmt.Errorf("dispatcher needs at least one pipeline: %w", core.ErrConfigInvalid)
	}
	if strategy == nil {
		strategy = &FlowHashStrategy{}
	}
	return &Dispatcher{pipelines: pipelines, strategy: strategy, async: async}, nil
}

// Pipelines returns the dispatcher's pipelines.
func (d *Dispatcher) Pipelines() []*Pipeline { return d.pipelines }

// Start starts every pipeline's goroutine in async mode.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.async {
		return nil
	}
	for i, p := range d.pipelines {
		if err := p.Start(ctx); err != nil {
			for _, started := range d.pipelines[:i] {
				started.Stop()
			}
			return err
		}
	}
	return nil
}

// Dispatch splits frames by pipeline and hands each share over. In async
// mode the slice itself is handed over too and must not be reused.
func (d *Dispatcher) Dispatch(gate flow.InputGate, frames []*core.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	n := len(d.pipelines)
	if n == 1 {
		return d.handOver(0, gate, frames)
	}

	shares := make([][]*core.Frame, n)
	for _, f := range frames {
		i := d.strategy.Dispatch(f.Data(), n)
		shares[i] = append(shares[i], f)
	}
	var errs []error
	for i, share := range shares {
		if len(share) == 0 {
			continue
		}
		if err := d.handOver(i, gate, share); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) handOver(i int, gate flow.InputGate, frames []*core.Frame) error {
	p := d.pipelines[i]
	if !d.async {
		p.Handle(gate, frames)
		return nil
	}
	if err := p.Submit(gate, frames); err != nil {
		for _, f := range frames {
			p.alloc.Free(f)
		}
		return fmt.Errorf("pipeline %d: %w", p.ID(), err)
	}
	return nil
}

// RunBackground runs every pipeline's background tasks. Only valid in
// sync mode; async pipelines run their own.
func (d *Dispatcher) RunBackground(now uint64) {
	if d.async {
		return
	}
	for _, p := range d.pipelines {
		p.RunBackground(now)
	}
}

// Close drains every pipeline. Async pipelines are stopped first.
func (d *Dispatcher) Close() {
	for _, p := range d.pipelines {
		if d.async {
			p.Stop()
			continue
		}
		p.Drain()
	}
}

// Stats sums the statistics of all pipelines.
func (d *Dispatcher) Stats() Stats {
	var total Stats
	for _, p := range d.pipelines {
		total = total.Add(p.Stats())
	}
	return total
}
