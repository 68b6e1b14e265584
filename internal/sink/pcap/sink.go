// Package pcap writes dataplane output frames to pcap files.
package pcap

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/xpass/internal/core"
)

// SnapLen is written into the file header.
const SnapLen = 65535

// Sink is a core.Sink appending every delivered frame to a pcap stream and
// returning it to the allocator. It is safe for concurrent use.
type Sink struct {
	name  string
	alloc core.Allocator

	mu      sync.Mutex
	buf     *bufio.Writer
	w       *pcapgo.Writer
	closer  io.Closer
	written uint64
	errors  uint64
}

// Create truncates path and writes a pcap header to it.
func Create(name, path string, alloc core.Allocator) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s output %s: %w", name, path, err)
	}
	s, err := NewSink(name, f, alloc)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewSink writes a pcap header to w. Frames carry nanosecond timestamps.
func NewSink(name string, w io.Writer, alloc core.Allocator) (*Sink, error) {
	buf := bufio.NewWriter(w)
	pw := pcapgo.NewWriterNanos(buf)
	if err := pw.WriteFileHeader(SnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write %s pcap header: %w", name, err)
	}
	return &Sink{name: name, alloc: alloc, buf: buf, w: pw}, nil
}

// Deliver implements core.Sink.
func (s *Sink) Deliver(frames []*core.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range frames {
		data := f.Data()
		ts := f.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     ts,
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := s.w.WritePacket(ci, data); err != nil {
			s.errors++
			slog.Error("failed to write frame", "sink", s.name, "len", len(data), "error", err)
		} else {
			s.written++
		}
		if s.alloc != nil {
			s.alloc.Free(f)
		}
	}
}

// Written returns the number of frames written.
func (s *Sink) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Errors returns the number of frames that failed to write.
func (s *Sink) Errors() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}

// Close flushes buffered frames and closes the file opened by Create.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.buf.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
		s.closer = nil
	}
	if err != nil {
		return fmt.Errorf("close %s output: %w", s.name, err)
	}
	return nil
}
