// Package decoder implements protocol decoding.
package decoder

import (
	"firestige.xyz/xpass/internal/core"
)

const (
	ipv4HeaderMinLen = 20

	protocolTCP = 6
)

// locateIPv4 validates the IPv4 header at data[off:] and returns its length
// and the carried protocol.
func locateIPv4(data []byte, off int) (int, uint8, error) {
	if len(data) < off+ipv4HeaderMinLen {
		return 0, 0, core.ErrFrameTooShort
	}
	ip := data[off:]

	// Version (upper 4 bits) and IHL (lower 4 bits, 32-bit words)
	if ip[0]>>4 != 4 {
		return 0, 0, core.ErrNotApplicable
	}
	headerLen := int(ip[0]&0x0F) * 4
	if headerLen < ipv4HeaderMinLen || len(ip) < headerLen {
		return 0, 0, core.ErrFrameTooShort
	}

	// Protocol (1 byte at offset 9)
	return headerLen, ip[9], nil
}
