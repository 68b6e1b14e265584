// Package reassembly coalesces consecutive inbound segments of a TCP stream
// into larger frames and strips the control header on the way.
package reassembly

import (
	"fmt"
	"log/slog"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"firestige.xyz/xpass/internal/clock"
	"firestige.xyz/xpass/internal/core"
	"firestige.xyz/xpass/internal/core/decoder"
	"firestige.xyz/xpass/internal/core/wire"
	"firestige.xyz/xpass/internal/metrics"
)

const (
	// PoolSize is the number of flows aggregated at once per worker.
	PoolSize = 16
	// DefaultMaxAggregate caps the length of an aggregate frame.
	DefaultMaxAggregate = 8192
	// DefaultFlushTimeout is how long an aggregate may be held.
	DefaultFlushTimeout = 100 * time.Microsecond

	// Any TCP flag but ACK forces a flush.
	nonACKFlags = ^uint8(header.TCPFlagAck)
)

// Flush reasons.
const (
	reasonTimeout  = "timeout"
	reasonEvict    = "evict"
	reasonMismatch = "mismatch"
	reasonCap      = "cap"
	reasonFlags    = "flags"
	reasonDrain    = "drain"
)

// Config is the reassembly configuration.
type Config struct {
	MaxAggregate int
	FlushTimeout time.Duration
	BatchSize    int
}

// FlushStats reports a time-based flush pass.
type FlushStats struct {
	Flows int
	Bytes uint64
}

// slot holds one aggregate. frame is nil when the slot is free.
type slot struct {
	frame   *core.Frame
	started uint64 // ns, when the aggregate was started
	key     core.FlowKey
	nextSeq uint32
	ipOff   int
	tcpOff  int
}

// Engine is the reassembly stage. Deliver, RunTask and Drain must be called
// from the same goroutine.
type Engine struct {
	slots        [PoolSize]slot
	maxAggregate int
	timeout      uint64
	clock        clock.Clock
	alloc        core.Allocator
	out          *core.Batch
}

// New creates a reassembly stage that hands its output to next.
func New(cfg Config, clk clock.Clock, alloc core.Allocator, next core.Sink) (*Engine, error) {
	if cfg.MaxAggregate == 0 {
		cfg.MaxAggregate = DefaultMaxAggregate
	}
	if cfg.FlushTimeout == 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.MaxAggregate < 0 || cfg.MaxAggregate > 0xffff || cfg.FlushTimeout < 0 {
		return nil, fmt.Errorf("reassembly max_aggregate %d flush_timeout %s: %w",
			cfg.MaxAggregate, cfg.FlushTimeout, core.ErrConfigInvalid)
	}
	return &Engine{
		maxAggregate: cfg.MaxAggregate,
		timeout:      uint64(cfg.FlushTimeout),
		clock:        clk,
		alloc:        alloc,
		out:          core.NewBatch(cfg.BatchSize, next),
	}, nil
}

// Deliver implements core.Sink.
func (e *Engine) Deliver(frames []*core.Frame) {
	start := time.Now()
	for _, f := range frames {
		e.process(f)
	}
	metrics.FramesTotal.WithLabelValues(metrics.StageReassembly, "from_network").Add(float64(len(frames)))
	e.out.Flush()
	metrics.BatchLatencySeconds.WithLabelValues(metrics.StageReassembly).Observe(time.Since(start).Seconds())
}

// RunTask flushes every aggregate older than the flush timeout. It is safe
// to call at any cadence.
func (e *Engine) RunTask(now uint64) FlushStats {
	var st FlushStats
	for i := range e.slots {
		s := &e.slots[i]
		if s.frame == nil || now <= s.started || now-s.started <= e.timeout {
			continue
		}
		st.Flows++
		st.Bytes += uint64(s.frame.Len())
		e.flush(s, reasonTimeout)
	}
	e.out.Flush()
	return st
}

// Drain flushes every aggregate regardless of age.
func (e *Engine) Drain() FlushStats {
	var st FlushStats
	for i := range e.slots {
		s := &e.slots[i]
		if s.frame == nil {
			continue
		}
		st.Flows++
		st.Bytes += uint64(s.frame.Len())
		e.flush(s, reasonDrain)
	}
	e.out.Flush()
	return st
}

// Active returns the number of slots holding an aggregate.
func (e *Engine) Active() int {
	n := 0
	for i := range e.slots {
		if e.slots[i].frame != nil {
			n++
		}
	}
	return n
}

func (e *Engine) process(f *core.Frame) {
	data := f.Data()
	off, err := decoder.Locate(data)
	if err != nil || wire.DSCP(data[off.IP:]) != wire.DSCPData {
		e.out.Push(f)
		return
	}
	end, err := decoder.End(data, off)
	if err == nil && end-off.Payload < wire.ControlHeaderLen {
		err = core.ErrFrameTooShort
	}
	if err != nil {
		slog.Warn("data frame without room for a control header", "len", len(data), "error", err)
		metrics.FramesDroppedTotal.WithLabelValues(metrics.StageReassembly, "malformed").Inc()
		e.alloc.Free(f)
		return
	}
	_ = f.Truncate(end)

	key := decoder.ForwardKey(data, off)
	free := -1
	for i := range e.slots {
		s := &e.slots[i]
		if s.frame == nil {
			if free == -1 {
				free = i
			}
			continue
		}
		if s.key == key {
			e.append(s, f, off)
			return
		}
	}

	if uint8(header.TCP(data[off.TCP:]).Flags())&nonACKFlags != 0 {
		e.bypass(f, off)
		return
	}
	if free == -1 {
		free = e.evict()
	}
	e.start(&e.slots[free], f, off, key)
}

// start makes f the aggregate of s.
func (e *Engine) start(s *slot, f *core.Frame, off decoder.Offsets, key core.FlowKey) {
	if err := strip(f, off); err != nil {
		slog.Warn("failed to strip control header", "flow", key.String(), "error", err)
		metrics.FramesDroppedTotal.WithLabelValues(metrics.StageReassembly, "malformed").Inc()
		e.alloc.Free(f)
		return
	}
	data := f.Data()
	s.frame = f
	s.started = e.clock.NowNano()
	s.key = key
	s.nextSeq = header.TCP(data[off.TCP:]).SequenceNumber() + uint32(len(data)-off.Payload)
	s.ipOff = off.IP
	s.tcpOff = off.TCP
	metrics.ReassemblyActiveSlots.Inc()
}

// append merges f into the aggregate of s, or flushes s when f does not
// continue it.
func (e *Engine) append(s *slot, f *core.Frame, off decoder.Offsets) {
	data := f.Data()
	ip := header.IPv4(data[off.IP:])
	tcp := header.TCP(data[off.TCP:])
	payload := data[off.Payload+wire.ControlHeaderLen:]

	agg := s.frame.Data()
	aggIP := header.IPv4(agg[s.ipOff:])
	aggTCP := header.TCP(agg[s.tcpOff:])

	if tcp.SequenceNumber() != s.nextSeq || tcp.AckNumber() != aggTCP.AckNumber() {
		e.flush(s, reasonMismatch)
		e.bypass(f, off)
		return
	}
	if len(agg)+len(payload) > e.maxAggregate {
		key := s.key
		e.flush(s, reasonCap)
		e.start(s, f, off, key)
		return
	}

	aggIP.SetTotalLength(aggIP.TotalLength() + uint16(len(payload)))
	flags := uint8(aggTCP.Flags()) | uint8(tcp.Flags())
	aggTCP.SetFlags(flags)
	aggTOS, _ := aggIP.TOS()
	tos, _ := ip.TOS()
	aggIP.SetTOS(aggTOS|tos&0x03, 0)

	buf, _ := s.frame.Append(len(payload))
	copy(buf, payload)
	s.nextSeq = tcp.SequenceNumber() + uint32(len(payload))
	e.alloc.Free(f)

	if flags&nonACKFlags != 0 {
		e.flush(s, reasonFlags)
	}
}

// bypass emits f on its own with the control header removed.
func (e *Engine) bypass(f *core.Frame, off decoder.Offsets) {
	if err := strip(f, off); err != nil {
		slog.Warn("failed to strip control header", "len", f.Len(), "error", err)
		metrics.FramesDroppedTotal.WithLabelValues(metrics.StageReassembly, "malformed").Inc()
		e.alloc.Free(f)
		return
	}
	if err := wire.UpdateChecksums(f.Data(), off.IP, off.TCP); err != nil {
		slog.Warn("checksum update failed", "len", f.Len(), "error", err)
	}
	e.out.Push(f)
}

// evict flushes the aggregate started first and returns its slot.
func (e *Engine) evict() int {
	oldest := 0
	for i := 1; i < PoolSize; i++ {
		if e.slots[i].started < e.slots[oldest].started {
			oldest = i
		}
	}
	e.flush(&e.slots[oldest], reasonEvict)
	return oldest
}

func (e *Engine) flush(s *slot, reason string) {
	if s.frame == nil {
		return
	}
	if err := wire.UpdateChecksums(s.frame.Data(), s.ipOff, s.tcpOff); err != nil {
		slog.Warn("checksum update failed", "flow", s.key.String(), "len", s.frame.Len(), "error", err)
	}
	e.out.Push(s.frame)
	*s = slot{}
	metrics.ReassemblyFlushesTotal.WithLabelValues(reason).Inc()
	metrics.ReassemblyActiveSlots.Dec()
}

// strip removes the control header in front of the payload and shrinks the
// IPv4 total length accordingly.
func strip(f *core.Frame, off decoder.Offsets) error {
	if err := f.RemoveGap(off.Payload, wire.ControlHeaderLen); err != nil {
		return err
	}
	ip := header.IPv4(f.Data()[off.IP:])
	ip.SetTotalLength(ip.TotalLength() - wire.ControlHeaderLen)
	return nil
}
