package flow

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"firestige.xyz/xpass/internal/clock"
	"firestige.xyz/xpass/internal/core"
	"firestige.xyz/xpass/internal/core/decoder"
	"firestige.xyz/xpass/internal/core/wire"
	"firestige.xyz/xpass/internal/metrics"
	"firestige.xyz/xpass/internal/pacing"
)

// InputGate is the direction a batch enters the engine from.
type InputGate int

const (
	GateFromLocal InputGate = iota
	GateFromNetwork
)

func (g InputGate) String() string {
	switch g {
	case GateFromLocal:
		return "from_local"
	case GateFromNetwork:
		return "from_network"
	default:
		return fmt.Sprintf("gate(%d)", int(g))
	}
}

// PacingConfig seeds every flow's token bucket.
type PacingConfig struct {
	RefillInterval uint64 // ns per token
	Burst          uint32
}

// Config is the engine configuration.
type Config struct {
	TableCapacity int
	BatchSize     int
	Pacing        PacingConfig
}

// Option configures an Engine.
type Option func(*Engine)

// WithCreditHandler installs h in place of the NopHandler.
func WithCreditHandler(h CreditHandler) Option {
	return func(e *Engine) {
		if h != nil {
			e.handler = h
		}
	}
}

// Engine is the flow-state stage. It owns one flow table and one timing
// wheel and must only be driven from a single goroutine.
type Engine struct {
	cfg     Config
	clock   clock.Clock
	alloc   core.Allocator
	table   *Table
	wheel   *pacing.TimingWheel
	handler CreditHandler

	toNIC   *core.Batch
	toLocal *core.Batch

	flows atomic.Int64
}

// NewEngine allocates the flow table and timing wheel. Allocation failures
// are returned so the worker never accepts traffic without them.
func NewEngine(cfg Config, clk clock.Clock, alloc core.Allocator, toNIC, toLocal core.Sink, opts ...Option) (*Engine, error) {
	table, err := NewTable(cfg.TableCapacity)
	if err != nil {
		return nil, err
	}
	wheel, err := pacing.NewTimingWheel(cfg.TableCapacity, clk.NowNano())
	if err != nil {
		return nil, fmt.Errorf("timing wheel for %d flows: %w", cfg.TableCapacity, err)
	}

	e := &Engine{
		cfg:     cfg,
		clock:   clk,
		alloc:   alloc,
		table:   table,
		wheel:   wheel,
		handler: NopHandler{Alloc: alloc},
		toNIC:   core.NewBatch(cfg.BatchSize, toNIC),
		toLocal: core.NewBatch(cfg.BatchSize, toLocal),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// FromLocal returns the sink for frames leaving the host.
func (e *Engine) FromLocal() core.Sink {
	return core.SinkFunc(func(frames []*core.Frame) { e.ProcessBatch(GateFromLocal, frames) })
}

// FromNetwork returns the sink for frames received from the NIC.
func (e *Engine) FromNetwork() core.Sink {
	return core.SinkFunc(func(frames []*core.Frame) { e.ProcessBatch(GateFromNetwork, frames) })
}

// ProcessBatch handles frames in order and flushes both outputs.
func (e *Engine) ProcessBatch(gate InputGate, frames []*core.Frame) {
	start := time.Now()

	switch gate {
	case GateFromLocal:
		for _, f := range frames {
			e.egress(f)
		}
	case GateFromNetwork:
		for _, f := range frames {
			e.ingress(f)
		}
	default:
		slog.Error("frames on unknown input gate", "gate", gate.String(), "len", len(frames), "error", core.ErrInvalidGate)
		metrics.FramesDroppedTotal.WithLabelValues(metrics.StageFlow, "invalid_gate").Add(float64(len(frames)))
		for _, f := range frames {
			e.alloc.Free(f)
		}
		return
	}
	metrics.FramesTotal.WithLabelValues(metrics.StageFlow, gate.String()).Add(float64(len(frames)))

	e.toNIC.Flush()
	e.toLocal.Flush()
	metrics.BatchLatencySeconds.WithLabelValues(metrics.StageFlow).Observe(time.Since(start).Seconds())
}

// Lookup returns the flow stored under key.
func (e *Engine) Lookup(key core.FlowKey) (*Connection, bool) {
	return e.table.Lookup(key)
}

// Table returns the engine's flow table.
func (e *Engine) Table() *Table { return e.table }

// Flows returns the number of tracked flows. Unlike Table().Len it may be
// read from any goroutine.
func (e *Engine) Flows() int { return int(e.flows.Load()) }

// Wheel returns the timing wheel that paces the engine's flows.
func (e *Engine) Wheel() *pacing.TimingWheel { return e.wheel }

// RunCreditTask pops the flows due at now and hands each to the credit
// handler. A pass pops at most as many flows as were pending on entry, so a
// handler rescheduling into the current slot is served on the next pass. It
// returns the number of flows popped.
func (e *Engine) RunCreditTask(now uint64) int {
	budget := e.wheel.Pending()
	n := 0
	for n < budget {
		id, ok := e.wheel.PollDue(now)
		if !ok {
			break
		}
		n++
		if c, ok := e.table.Get(ID(id)); ok {
			e.handler.OnCreditDue(c, now)
		}
	}
	return n
}

// egress tracks and marks a frame leaving the host. Every located frame is
// marked as data, whatever the flow's state.
func (e *Engine) egress(f *core.Frame) {
	data := f.Data()
	off, err := decoder.Locate(data)
	if err != nil {
		e.toNIC.Push(f)
		return
	}

	c := e.findOrCreate(decoder.ForwardKey(data, off))
	if c != nil {
		flags := header.TCP(data[off.TCP:]).Flags()
		syn := flags.Contains(header.TCPFlagSyn)
		ack := flags.Contains(header.TCPFlagAck)
		switch {
		case syn && !ack:
			e.initFlow(c)
			e.transition(c, TCPSynSent)
		case syn && ack:
			if c.TCPState == TCPSynReceived {
				e.transition(c, TCPSynAckSent)
			}
		case ack:
			if c.TCPState == TCPSynAckReceived {
				e.establish(c)
			}
		}
	}

	if err := wire.SetDSCP(data[off.IP:], wire.DSCPData); err != nil {
		slog.Info("skip DSCP marking", "len", len(data), "error", err)
	}
	if err := wire.UpdateChecksums(data, off.IP, off.TCP); err != nil {
		slog.Warn("checksum update failed", "len", len(data), "error", err)
	}
	e.toNIC.Push(f)
}

// ingress tracks a frame received from the network. Credit frames are
// handed to the credit handler and not forwarded.
func (e *Engine) ingress(f *core.Frame) {
	data := f.Data()
	off, err := decoder.Locate(data)
	if err != nil {
		e.toLocal.Push(f)
		return
	}

	c := e.findOrCreate(decoder.ReverseKey(data, off))
	dscp := wire.DSCP(data[off.IP:])
	if dscp == wire.DSCPCredit {
		e.handler.OnCreditFrame(c, f)
		return
	}
	if c == nil {
		e.toLocal.Push(f)
		return
	}

	flags := header.TCP(data[off.TCP:]).Flags()
	syn := flags.Contains(header.TCPFlagSyn)
	ack := flags.Contains(header.TCPFlagAck)
	if dscp == wire.DSCPData {
		switch {
		case syn && !ack:
			e.initFlow(c)
			e.captureTemplate(c, data, off)
			e.transition(c, TCPSynReceived)
		case syn && ack:
			if c.TCPState == TCPSynSent {
				e.transition(c, TCPSynAckReceived)
			}
		}
	}
	e.toLocal.Push(f)

	if ack && !syn && c.TCPState == TCPSynAckSent {
		e.establish(c)
	}
}

func (e *Engine) findOrCreate(key core.FlowKey) *Connection {
	c, created, err := e.table.Insert(key)
	if err != nil {
		slog.Warn("flow not tracked", "flow", key.String(), "error", err)
		metrics.FramesDroppedTotal.WithLabelValues(metrics.StageFlow, "table_full").Inc()
		return nil
	}
	if created {
		e.flows.Add(1)
		e.initFlow(c)
		metrics.FlowsCreatedTotal.Inc()
	}
	return c
}

// initFlow unschedules c and resets its state and token bucket.
func (e *Engine) initFlow(c *Connection) {
	e.wheel.Deschedule(uint32(c.ID()))
	burst := e.cfg.Pacing.Burst
	if burst == 0 {
		burst = pacing.DefaultBurst
	}
	c.Reset(pacing.NewTokenBucket(e.cfg.Pacing.RefillInterval, burst, e.clock.NowNano()))
}

// captureTemplate stores the frame from its Ethernet header through the
// control header.
func (e *Engine) captureTemplate(c *Connection, data []byte, off decoder.Offsets) {
	end := off.Payload + wire.ControlHeaderLen
	if end > len(data) {
		slog.Warn("SYN too short for credit template", "flow", c.Key.String(), "len", len(data))
		return
	}
	if err := c.SetCreditTemplate(data[:end]); err != nil {
		slog.Warn("credit template not captured", "flow", c.Key.String(), "len", end, "error", err)
		return
	}
	e.handler.OnTemplate(c)
}

func (e *Engine) establish(c *Connection) {
	e.transition(c, TCPEstablished)
	slog.Info("connection established", "flow", c.Key.String())
	e.handler.OnEstablished(c)
}

func (e *Engine) transition(c *Connection, s TCPState) {
	c.TCPState = s
	metrics.FlowTransitionsTotal.WithLabelValues(s.String()).Inc()
}
