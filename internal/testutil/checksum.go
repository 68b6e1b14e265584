package testutil

import (
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"firestige.xyz/xpass/internal/core/decoder"
)

// ChecksumsValid reports whether the IPv4 header checksum and the TCP
// checksum of data both fold to 0xffff.
func ChecksumsValid(data []byte) bool {
	off, err := decoder.Locate(data)
	if err != nil {
		return false
	}
	ip := header.IPv4(data[off.IP:])
	if checksum.Checksum(data[off.IP:off.TCP], 0) != 0xffff {
		return false
	}
	end := off.IP + int(ip.TotalLength())
	if end > len(data) {
		return false
	}
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		ip.SourceAddress(), ip.DestinationAddress(), uint16(end-off.TCP))
	return checksum.Checksum(data[off.TCP:end], xsum) == 0xffff
}
