// Package decoder implements protocol decoding.
package decoder

import (
	"firestige.xyz/xpass/internal/core"
)

const tcpHeaderMinLen = 20

// locateTCP validates the TCP header at data[off:] and returns its length,
// options included.
func locateTCP(data []byte, off int) (int, error) {
	if len(data) < off+tcpHeaderMinLen {
		return 0, core.ErrFrameTooShort
	}

	// Data Offset (upper 4 bits of byte 12, 32-bit words)
	headerLen := int(data[off+12]>>4) * 4
	if headerLen < tcpHeaderMinLen || len(data) < off+headerLen {
		return 0, core.ErrFrameTooShort
	}
	return headerLen, nil
}
