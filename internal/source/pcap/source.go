// Package pcap reads captured Ethernet frames from pcap and pcapng files.
package pcap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/xpass/internal/core"
)

// Name is the source name used in logs.
const Name = "pcap"

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source yields frames from a capture file in file order.
type Source struct {
	path   string
	file   *os.File
	reader packetReader
	filter *PortFilter
	alloc  core.Allocator

	read     uint64
	filtered uint64
}

// Option configures a Source.
type Option func(*Source)

// WithFilter drops frames the filter does not match.
func WithFilter(f *PortFilter) Option {
	return func(s *Source) { s.filter = f }
}

// Open opens a capture file. Only Ethernet captures are accepted.
func Open(path string, alloc core.Allocator, opts ...Option) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("capture path is required: %w", core.ErrConfigInvalid)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	s, err := NewSource(f, alloc, opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("capture %s: %w", path, err)
	}
	s.path = path
	s.file = f
	return s, nil
}

// NewSource reads frames from r, which holds a pcap or pcapng stream.
func NewSource(r io.Reader, alloc core.Allocator, opts ...Option) (*Source, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	s := &Source{alloc: alloc}
	if bytes.Equal(magic, ngMagic) {
		s.reader, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		s.reader, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, err
	}
	if lt := s.reader.LinkType(); lt != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("link type %s, want Ethernet: %w", lt, core.ErrNotApplicable)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next returns the next frame passing the filter, stamped with its capture
// time. It returns io.EOF at the end of the capture.
func (s *Source) Next() (*core.Frame, error) {
	for {
		data, ci, err := s.reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to read packet: %w", err)
		}
		s.read++
		if !s.filter.Match(data) {
			s.filtered++
			continue
		}
		return core.FrameFrom(s.alloc, data, ci.Timestamp), nil
	}
}

// NextBatch reads up to n frames. A short batch with a nil error means the
// capture ended; the following call returns io.EOF.
func (s *Source) NextBatch(n int) ([]*core.Frame, error) {
	out := make([]*core.Frame, 0, n)
	for len(out) < n {
		f, err := s.Next()
		if err == io.EOF {
			if len(out) == 0 {
				return nil, io.EOF
			}
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Read returns the number of frames read, filtered ones included.
func (s *Source) Read() uint64 { return s.read }

// Filtered returns the number of frames dropped by the filter.
func (s *Source) Filtered() uint64 { return s.filtered }

// Close closes the capture file.
func (s *Source) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
