package decoder

import (
	"errors"
	"testing"

	"firestige.xyz/xpass/internal/core"
)

// makeTCPFrame builds Ethernet (+tags) + IPv4 + TCP with the given TCP
// header length and payload length.
func makeTCPFrame(tags []uint16, tcpHeaderLen, payloadLen int) []byte {
	frame := []byte{
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, // Dst MAC
		0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, // Src MAC
	}
	for _, tpid := range tags {
		frame = append(frame, byte(tpid>>8), byte(tpid), 0x00, 0x0A) // TPID + TCI (VLAN 10)
	}
	frame = append(frame, 0x08, 0x00) // EtherType: IPv4

	ip := make([]byte, 20)
	ip[0] = 0x45 // Version 4, IHL 5
	total := 20 + tcpHeaderLen + payloadLen
	ip[2], ip[3] = byte(total>>8), byte(total)
	ip[8] = 64 // TTL
	ip[9] = 6  // Protocol: TCP
	copy(ip[12:16], []byte{192, 168, 1, 1})
	copy(ip[16:20], []byte{192, 168, 1, 2})
	frame = append(frame, ip...)

	tcp := make([]byte, tcpHeaderLen)
	tcp[0], tcp[1] = 0x13, 0x88 // Src Port: 5000
	tcp[2], tcp[3] = 0x00, 0x50 // Dst Port: 80
	tcp[12] = byte(tcpHeaderLen/4) << 4
	tcp[13] = 0x10 // ACK
	frame = append(frame, tcp...)

	return append(frame, make([]byte, payloadLen)...)
}

func TestLocateUntagged(t *testing.T) {
	data := makeTCPFrame(nil, 20, 10)

	off, err := Locate(data)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if off.VLANDepth != 0 {
		t.Errorf("Expected VLAN depth 0, got %d", off.VLANDepth)
	}
	if off.IP != 14 || off.TCP != 34 || off.Payload != 54 {
		t.Errorf("Unexpected offsets: %+v", off)
	}
	if off.IPHeaderLen() != 20 || off.TCPHeaderLen() != 20 {
		t.Errorf("Unexpected header lengths: ip=%d tcp=%d", off.IPHeaderLen(), off.TCPHeaderLen())
	}
}

func TestLocateWithVLAN(t *testing.T) {
	data := makeTCPFrame([]uint16{etherTypeVLAN}, 20, 0)

	off, err := Locate(data)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if off.VLANDepth != 1 || off.IP != 18 {
		t.Errorf("Unexpected offsets for single tag: %+v", off)
	}
}

func TestLocateWithQinQ(t *testing.T) {
	data := makeTCPFrame([]uint16{etherTypeQinQ, etherTypeVLAN}, 20, 0)

	off, err := Locate(data)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if off.VLANDepth != 2 || off.IP != 22 || off.Payload != 62 {
		t.Errorf("Unexpected offsets for QinQ: %+v", off)
	}
}

func TestLocateMalformedQinQIsNotFatal(t *testing.T) {
	// Outer QinQ tag directly followed by IPv4: warned about, still located.
	data := makeTCPFrame([]uint16{etherTypeQinQ}, 20, 0)

	off, err := Locate(data)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if off.VLANDepth != 1 || off.IP != 18 {
		t.Errorf("Unexpected offsets: %+v", off)
	}
}

func TestLocateTCPOptions(t *testing.T) {
	data := makeTCPFrame(nil, 32, 5)

	off, err := Locate(data)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if off.Payload != 66 {
		t.Errorf("Expected payload offset 66, got %d", off.Payload)
	}
}

func TestLocateNotApplicable(t *testing.T) {
	arp := makeTCPFrame(nil, 20, 0)
	arp[12], arp[13] = 0x08, 0x06

	udp := makeTCPFrame(nil, 20, 0)
	udp[14+9] = 17

	v6 := makeTCPFrame(nil, 20, 0)
	v6[14] = 0x60

	tests := []struct {
		name string
		data []byte
	}{
		{"arp", arp},
		{"udp", udp},
		{"ip version 6 nibble", v6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Locate(tt.data)
			if !errors.Is(err, core.ErrNotApplicable) {
				t.Errorf("Expected ErrNotApplicable, got %v", err)
			}
		})
	}
}

func TestLocateTruncated(t *testing.T) {
	full := makeTCPFrame([]uint16{etherTypeVLAN}, 20, 0)
	for _, n := range []int{0, 13, 17, 30, 45} {
		if _, err := Locate(full[:n]); !errors.Is(err, core.ErrFrameTooShort) {
			t.Errorf("len %d: expected ErrFrameTooShort, got %v", n, err)
		}
	}
}

func TestLocateBadTCPDataOffset(t *testing.T) {
	data := makeTCPFrame(nil, 20, 0)
	data[34+12] = 0x40 // 16 bytes, below minimum

	if _, err := Locate(data); !errors.Is(err, core.ErrFrameTooShort) {
		t.Errorf("Expected ErrFrameTooShort, got %v", err)
	}
}

func TestEnd(t *testing.T) {
	data := append(makeTCPFrame(nil, 20, 4), 0, 0, 0) // link-layer padding
	off, err := Locate(data)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}

	end, err := End(data, off)
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if end != 58 {
		t.Errorf("Expected end 58, got %d", end)
	}

	data[16], data[17] = 0x00, 0x10 // total length shorter than the headers
	if _, err := End(data, off); !errors.Is(err, core.ErrFrameTooShort) {
		t.Errorf("Expected ErrFrameTooShort, got %v", err)
	}
	data[16], data[17] = 0x01, 0x00 // total length past the frame
	if _, err := End(data, off); !errors.Is(err, core.ErrFrameTooShort) {
		t.Errorf("Expected ErrFrameTooShort, got %v", err)
	}
}

func TestFlowKeys(t *testing.T) {
	data := makeTCPFrame(nil, 20, 0)
	off, err := Locate(data)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}

	fwd := ForwardKey(data, off)
	if fwd.String() != "192.168.1.1:5000 -> 192.168.1.2:80" {
		t.Errorf("Unexpected forward key: %s", fwd)
	}
	rev := ReverseKey(data, off)
	if rev.String() != "192.168.1.2:80 -> 192.168.1.1:5000" {
		t.Errorf("Unexpected reverse key: %s", rev)
	}
}

func BenchmarkLocate(b *testing.B) {
	data := makeTCPFrame([]uint16{etherTypeVLAN}, 20, 1400)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Locate(data); err != nil {
			b.Fatal(err)
		}
	}
}
