package pcap

import (
	"fmt"

	"golang.org/x/net/bpf"

	"firestige.xyz/xpass/internal/core"
)

// MaxFilterPorts bounds the port list so every jump fits in 8 bits.
const MaxFilterPorts = 100

// PortFilter keeps untagged IPv4 TCP frames whose source or destination
// port is listed. Every other frame (tagged, non-IPv4, non-TCP, fragments)
// is kept as well and left to the dataplane.
type PortFilter struct {
	vm    *bpf.VM
	ports []uint16
}

// NewPortFilter assembles the filter program. An empty list keeps all frames
// and returns a nil filter.
func NewPortFilter(ports []int) (*PortFilter, error) {
	if len(ports) == 0 {
		return nil, nil
	}
	if len(ports) > MaxFilterPorts {
		return nil, fmt.Errorf("%d filter ports, at most %d: %w", len(ports), MaxFilterPorts, core.ErrConfigInvalid)
	}
	p := &PortFilter{ports: make([]uint16, 0, len(ports))}
	for _, port := range ports {
		if port < 1 || port > 0xffff {
			return nil, fmt.Errorf("filter port %d: %w", port, core.ErrConfigInvalid)
		}
		p.ports = append(p.ports, uint16(port))
	}

	vm, err := bpf.NewVM(p.program())
	if err != nil {
		return nil, fmt.Errorf("assemble port filter: %w", err)
	}
	p.vm = vm
	return p, nil
}

// program is laid out as
//
//	ethertype != IPv4        -> accept
//	protocol != TCP          -> accept
//	fragment offset or MF    -> accept
//	x = IPv4 header length
//	source port in list      -> accept
//	destination port in list -> accept
//	reject
//	accept
func (p *PortFilter) program() []bpf.Instruction {
	n := len(p.ports)
	accept := 10 + 2*n

	prog := make([]bpf.Instruction, 0, accept+1)
	skip := func() uint8 { return uint8(accept - len(prog) - 1) }

	prog = append(prog, bpf.LoadAbsolute{Off: 12, Size: 2})
	prog = append(prog, bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 0x0800, SkipTrue: skip()})
	prog = append(prog, bpf.LoadAbsolute{Off: 23, Size: 1})
	prog = append(prog, bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 6, SkipTrue: skip()})
	prog = append(prog, bpf.LoadAbsolute{Off: 20, Size: 2})
	prog = append(prog, bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x3fff, SkipTrue: skip()})
	prog = append(prog, bpf.LoadMemShift{Off: 14})

	for _, off := range []uint32{14, 16} {
		prog = append(prog, bpf.LoadIndirect{Off: off, Size: 2})
		for _, port := range p.ports {
			prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(port), SkipTrue: skip()})
		}
	}
	prog = append(prog, bpf.RetConstant{Val: 0})
	prog = append(prog, bpf.RetConstant{Val: 0xffffffff})
	return prog
}

// Match reports whether data passes the filter. A nil filter matches
// everything.
func (p *PortFilter) Match(data []byte) bool {
	if p == nil {
		return true
	}
	n, err := p.vm.Run(data)
	return err == nil && n > 0
}

// Ports returns the filtered ports.
func (p *PortFilter) Ports() []uint16 {
	if p == nil {
		return nil
	}
	return p.ports
}
