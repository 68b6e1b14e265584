// Package decoder implements protocol decoding.
package decoder

import (
	"encoding/binary"
	"log/slog"

	"firestige.xyz/xpass/internal/core"
)

const (
	// Ethernet constants
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4

	// EtherType values
	etherTypeIPv4 = 0x0800
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
)

// locateEthernet walks the Ethernet header and at most one QinQ tag followed
// by one VLAN tag. Returns the inner EtherType, the L3 offset and the number
// of tags unwrapped.
func locateEthernet(data []byte) (uint16, int, int, error) {
	if len(data) < ethernetHeaderLen {
		return 0, 0, 0, core.ErrFrameTooShort
	}

	etherType := binary.BigEndian.Uint16(data[12:14])
	offset := ethernetHeaderLen
	depth := 0

	if etherType == etherTypeQinQ {
		if len(data) < offset+vlanHeaderLen {
			return 0, 0, 0, core.ErrFrameTooShort
		}
		etherType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += vlanHeaderLen
		depth++
		if etherType != etherTypeVLAN {
			slog.Warn("QinQ tag not followed by a VLAN tag", "inner_ethertype", etherType)
		}
	}

	if etherType == etherTypeVLAN {
		if len(data) < offset+vlanHeaderLen {
			return 0, 0, 0, core.ErrFrameTooShort
		}
		etherType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += vlanHeaderLen
		depth++
	}

	return etherType, offset, depth, nil
}
