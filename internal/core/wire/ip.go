package wire

import (
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"firestige.xyz/xpass/internal/core"
)

// DSCP codepoints used to tag frames.
const (
	DSCPUntagged = 0
	DSCPData     = 1
	DSCPCredit   = 2

	maxDSCP = 63 // six bits of the type-of-service byte
)

// DSCP returns the differentiated-services codepoint of the IPv4 header at
// the start of ip (the type-of-service byte without its ECN bits).
func DSCP(ip []byte) int {
	tos, _ := header.IPv4(ip).TOS()
	return int(tos >> 2)
}

// SetDSCP rewrites the codepoint and keeps the two ECN bits. The IPv4
// checksum is left stale; callers follow up with UpdateChecksums.
func SetDSCP(ip []byte, dscp int) error {
	if dscp < 0 || dscp > maxDSCP {
		return core.ErrInvalidDSCP
	}
	h := header.IPv4(ip)
	tos, _ := h.TOS()
	h.SetTOS(uint8(dscp<<2)|tos&0x03, 0)
	return nil
}

// UpdateChecksums recomputes the IPv4 header checksum and the TCP checksum
// of the segment described by the IPv4 total length.
func UpdateChecksums(data []byte, ipOff, tcpOff int) error {
	if len(data) < tcpOff+header.TCPMinimumSize || ipOff+header.IPv4MinimumSize > tcpOff {
		return core.ErrFrameTooShort
	}
	ip := header.IPv4(data[ipOff:])
	end := ipOff + int(ip.TotalLength())
	if end > len(data) || end < tcpOff+header.TCPMinimumSize {
		return core.ErrFrameTooShort
	}

	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	tcp := header.TCP(data[tcpOff:end])
	hdrLen := int(tcp.DataOffset())
	if hdrLen < header.TCPMinimumSize || tcpOff+hdrLen > end {
		return core.ErrFrameTooShort
	}
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		ip.SourceAddress(), ip.DestinationAddress(), uint16(end-tcpOff))
	xsum = checksum.Checksum(data[tcpOff+hdrLen:end], xsum)
	tcp.SetChecksum(0)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))
	return nil
}
