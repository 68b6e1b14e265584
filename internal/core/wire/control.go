// Package wire reads and rewrites the on-wire fields the dataplane owns: the
// control header carried between TCP header and payload, the DSCP mark and
// the IPv4/TCP checksums.
package wire

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/xpass/internal/core"
)

// ControlHeaderLen is the size of the control header on the wire.
const ControlHeaderLen = 12

// PacketType is the first field of the control header.
type PacketType uint16

const (
	PacketRequest PacketType = 0x01
	PacketStop    PacketType = 0x02
	PacketCredit  PacketType = 0x03
	PacketData    PacketType = 0x04
)

func (t PacketType) String() string {
	switch t {
	case PacketRequest:
		return "request"
	case PacketStop:
		return "stop"
	case PacketCredit:
		return "credit"
	case PacketData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// ControlHeader is laid out as type(2) credit_seq(2) timestamp(8), network
// byte order.
type ControlHeader struct {
	Type      PacketType
	CreditSeq uint16
	Timestamp uint64
}

// MarshalTo writes h into b, which must hold at least ControlHeaderLen bytes.
func (h ControlHeader) MarshalTo(b []byte) error {
	if len(b) < ControlHeaderLen {
		return core.ErrFrameTooShort
	}
	binary.BigEndian.PutUint16(b[0:2], uint16(h.Type))
	binary.BigEndian.PutUint16(b[2:4], h.CreditSeq)
	binary.BigEndian.PutUint64(b[4:12], h.Timestamp)
	return nil
}

// ParseControlHeader decodes the control header at the start of b.
func ParseControlHeader(b []byte) (ControlHeader, error) {
	if len(b) < ControlHeaderLen {
		return ControlHeader{}, core.ErrFrameTooShort
	}
	return ControlHeader{
		Type:      PacketType(binary.BigEndian.Uint16(b[0:2])),
		CreditSeq: binary.BigEndian.Uint16(b[2:4]),
		Timestamp: binary.BigEndian.Uint64(b[4:12]),
	}, nil
}
