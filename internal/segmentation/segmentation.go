// Package segmentation splits outbound TCP frames so that every frame still
// fits the interface MTU once the control header is inserted.
package segmentation

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

// DefaultMTU is the Ethernet frame size, header included.
const DefaultMTU = 1514

// minMTU holds Ethernet, minimal IPv4 and TCP headers and the control header.
const minMTU = 14 + header.IPv4MinimumSize + header.TCPMinimumSize + wire.ControlHeaderLen

// Flags kept only on the first and on the last segment.
const (
	firstOnlyFlags = uint8(header.TCPFlagCwr)
	lastOnlyFlags  = uint8(header.TCPFlagPsh | header.TCPFlagFin)
)

// Config is the segmentation configuration.
type Config struct {
	MTU       int
	BatchSize int
}

// Engine is the segmentation stage. It is not safe for concurrent use.
type Engine struct {
	budget int // largest frame before the control header is added
	clock  clock.Clock
	alloc  core.Allocator
	out    *core.Batch
}

// New creates a segmentation stage that hands its output to next.
func New(cfg Config, clk clock.Clock, alloc core.Allocator, next core.Sink) (*Engine, error) {
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}
	if mtu <= minMTU {
		return nil, fmt.Errorf("mtu %d below %d: %w", mtu, minMTU+1, core.ErrConfigInvalid)
	}
	return &Engine{
		budget: mtu - wire.ControlHeaderLen,
		clock:  clk,
		alloc:  alloc,
		out:    core.NewBatch(cfg.BatchSize, next),
	}, nil
}

// Budget returns the largest frame length that is only given a control
// header. Longer frames are split.
func (e *Engine) Budget() int { return e.budget }

// Deliver implements core.Sink.
func (e *Engine) Deliver(frames []*core.Frame) {
	start := time.Now()
	for _, f := range frames {
		e.process(f)
	}
	metrics.FramesTotal.WithLabelValues(metrics.StageSegmentation, "from_local").Add(float64(len(frames)))
	e.out.Flush()
	metrics.BatchLatencySeconds.WithLabelValues(metrics.StageSegmentation).Observe(time.Since(start).Seconds())
}

func (e *Engine) process(f *core.Frame) {
	data := f.Data()
	off, err := decoder.Locate(data)
	if err != nil {
		e.out.Push(f)
		return
	}
	end, err := decoder.End(data, off)
	if err != nil {
		slog.Warn("IPv4 total length disagrees with frame", "len", len(data), "error", err)
		e.out.Push(f)
		return
	}

	if end <= e.budget {
		if err := e.reserve(f, off, end); err != nil {
			slog.Warn("failed to reserve control header", "len", len(data), "error", err)
			metrics.FramesDroppedTotal.WithLabelValues(metrics.StageSegmentation, "no_headroom").Inc()
			e.alloc.Free(f)
			return
		}
		e.out.Push(f)
		return
	}

	maxSeg := e.budget - off.Payload
	if maxSeg <= 0 {
		slog.Warn("headers leave no room for payload", "len", len(data), "payload_offset", off.Payload)
		metrics.FramesDroppedTotal.WithLabelValues(metrics.StageSegmentation, "headers_too_long").Inc()
		e.alloc.Free(f)
		return
	}
	e.split(f, off, end, maxSeg)
}

// reserve opens the control header gap in front of the payload and grows
// the IPv4 total length by its size.
func (e *Engine) reserve(f *core.Frame, off decoder.Offsets, end int) error {
	if err := f.Truncate(end); err != nil {
		return err
	}
	if err := f.InsertGap(off.Payload, wire.ControlHeaderLen); err != nil {
		return err
	}
	data := f.Data()
	ip := header.IPv4(data[off.IP:])
	ip.SetTotalLength(ip.TotalLength() + wire.ControlHeaderLen)
	return e.controlHeader().MarshalTo(data[off.Payload:])
}

// split emits the payload in maxSeg strides, each in a new frame carrying a
// copy of the headers and a control header. The original frame is freed.
func (e *Engine) split(f *core.Frame, off decoder.Offsets, end, maxSeg int) {
	data := f.Data()
	seq := header.TCP(data[off.TCP:]).SequenceNumber()
	ctl := e.controlHeader()

	n := 0
	for i := off.Payload; i < end; i += maxSeg {
		first := i == off.Payload
		last := i+maxSeg >= end
		seg := min(end-i, maxSeg)

		nf := e.alloc.Alloc()
		buf, err := nf.Append(off.Payload + wire.ControlHeaderLen + seg)
		if err != nil {
			e.alloc.Free(nf)
			continue
		}
		copy(buf, data[:off.Payload])
		_ = ctl.MarshalTo(buf[off.Payload:])
		copy(buf[off.Payload+wire.ControlHeaderLen:], data[i:i+seg])

		header.IPv4(buf[off.IP:]).SetTotalLength(uint16(off.Payload - off.IP + seg + wire.ControlHeaderLen))
		tcp := header.TCP(buf[off.TCP:])
		tcp.SetSequenceNumber(seq)
		seq += uint32(seg)

		flags := uint8(tcp.Flags())
		if !first {
			flags &^= firstOnlyFlags
		}
		if !last {
			flags &^= lastOnlyFlags
		}
		tcp.SetFlags(flags)

		nf.Timestamp = f.Timestamp
		e.out.Push(nf)
		n++
	}
	metrics.SegmentsEmittedTotal.Add(float64(n))
	e.alloc.Free(f)
}

func (e *Engine) controlHeader() wire.ControlHeader {
	return wire.ControlHeader{Type: wire.PacketData, Timestamp: e.clock.NowNano()}
}
