// Package decoder locates the L2-L4 headers of Ethernet/IPv4/TCP frames.
package decoder

import (
	"encoding/binary"

	"firestige.xyz/xpass/internal/core"
)

// Offsets are byte positions inside a frame. The Ethernet header is always
// at offset 0.
type Offsets struct {
	VLANDepth int // Number of 802.1Q/802.1ad tags unwrapped (0~2)
	IP        int
	TCP       int
	Payload   int // First byte after the TCP header, options included
}

// IPHeaderLen returns the IPv4 header length.
func (o Offsets) IPHeaderLen() int { return o.TCP - o.IP }

// TCPHeaderLen returns the TCP header length.
func (o Offsets) TCPHeaderLen() int { return o.Payload - o.TCP }

// Locate finds the IPv4 and TCP headers of a frame. It returns
// core.ErrNotApplicable for anything that is not IPv4/TCP and
// core.ErrFrameTooShort for truncated headers; callers pass such frames
// through untouched.
func Locate(data []byte) (Offsets, error) {
	etherType, ipOff, depth, err := locateEthernet(data)
	if err != nil {
		return Offsets{}, err
	}
	if etherType != etherTypeIPv4 {
		return Offsets{}, core.ErrNotApplicable
	}

	ipLen, proto, err := locateIPv4(data, ipOff)
	if err != nil {
		return Offsets{}, err
	}
	if proto != protocolTCP {
		return Offsets{}, core.ErrNotApplicable
	}

	tcpOff := ipOff + ipLen
	tcpLen, err := locateTCP(data, tcpOff)
	if err != nil {
		return Offsets{}, err
	}

	return Offsets{
		VLANDepth: depth,
		IP:        ipOff,
		TCP:       tcpOff,
		Payload:   tcpOff + tcpLen,
	}, nil
}

// End returns the offset just past the IPv4 datagram, so link-layer padding
// is excluded. A total length that disagrees with the frame is reported as
// core.ErrFrameTooShort.
func End(data []byte, off Offsets) (int, error) {
	end := off.IP + int(binary.BigEndian.Uint16(data[off.IP+2:off.IP+4]))
	if end < off.Payload || end > len(data) {
		return 0, core.ErrFrameTooShort
	}
	return end, nil
}

// ForwardKey builds the flow key of a frame as it appears on the wire.
func ForwardKey(data []byte, off Offsets) core.FlowKey {
	var k core.FlowKey
	copy(k.SrcIP[:], data[off.IP+12:off.IP+16])
	copy(k.DstIP[:], data[off.IP+16:off.IP+20])
	copy(k.SrcPort[:], data[off.TCP:off.TCP+2])
	copy(k.DstPort[:], data[off.TCP+2:off.TCP+4])
	return k
}

// ReverseKey builds the flow key with source and destination swapped, so a
// frame received from the network resolves to the key its connection was
// stored under by the sending side.
func ReverseKey(data []byte, off Offsets) core.FlowKey {
	return ForwardKey(data, off).Reverse()
}
