// Package core defines the frame and flow primitives shared by every dataplane stage.
package core

import (
	"fmt"
	"net/netip"
)

// FlowKey identifies one TCP connection. Addresses and ports are kept in
// wire (big-endian) byte order and compared as opaque values.
type FlowKey struct {
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort [2]byte
	DstPort [2]byte
}

// Reverse returns the key as seen from the other endpoint.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{
		SrcIP:   k.DstIP,
		DstIP:   k.SrcIP,
		SrcPort: k.DstPort,
		DstPort: k.SrcPort,
	}
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d",
		netip.AddrFrom4(k.SrcIP), uint16(k.SrcPort[0])<<8|uint16(k.SrcPort[1]),
		netip.AddrFrom4(k.DstIP), uint16(k.DstPort[0])<<8|uint16(k.DstPort[1]))
}
