// Package testutil builds wire frames for dataplane tests.
package testutil

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TCPFrame describes one Ethernet/IPv4/TCP frame.
type TCPFrame struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	TOS              uint8
	SYN, ACK, PSH    bool
	FIN, RST, CWR    bool
	ECE, URG         bool
	VLAN             uint16 // 802.1Q tag when non-zero
	Options          []layers.TCPOption
	Payload          []byte
}

// Client returns a template frame from 10.0.0.1:40000 to 10.0.0.2:80.
func Client() TCPFrame {
	return TCPFrame{
		SrcIP:   net.IPv4(10, 0, 0, 1).To4(),
		DstIP:   net.IPv4(10, 0, 0, 2).To4(),
		SrcPort: 40000,
		DstPort: 80,
		Seq:     1000,
		Ack:     5000,
		ACK:     true,
	}
}

// Reply swaps addressing so the frame flows the other way.
func (f TCPFrame) Reply() TCPFrame {
	f.SrcIP, f.DstIP = f.DstIP, f.SrcIP
	f.SrcPort, f.DstPort = f.DstPort, f.SrcPort
	f.Seq, f.Ack = f.Ack, f.Seq
	return f
}

// Bytes serializes the frame with valid checksums and lengths.
func (f TCPFrame) Bytes() []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      f.TOS,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    f.SrcIP,
		DstIP:    f.DstIP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(f.SrcPort),
		DstPort: layers.TCPPort(f.DstPort),
		Seq:     f.Seq,
		Ack:     f.Ack,
		SYN:     f.SYN,
		ACK:     f.ACK,
		PSH:     f.PSH,
		FIN:     f.FIN,
		RST:     f.RST,
		CWR:     f.CWR,
		ECE:     f.ECE,
		URG:     f.URG,
		Window:  65535,
		Options: f.Options,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(err)
	}

	ls := []gopacket.SerializableLayer{eth}
	if f.VLAN != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{VLANIdentifier: f.VLAN, Type: layers.EthernetTypeIPv4})
	}
	ls = append(ls, ip, tcp, gopacket.Payload(f.Payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// UDPFrame serializes a UDP datagram, used to check pass-through of non-TCP
// traffic.
func UDPFrame(payload []byte) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
		DstIP:    net.IPv4(10, 0, 0, 2).To4(),
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 5353}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Decode parses a frame with gopacket for assertions.
func Decode(data []byte) (*layers.IPv4, *layers.TCP) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	var ip *layers.IPv4
	var tcp *layers.TCP
	if l := pkt.Layer(layers.LayerTypeIPv4); l != nil {
		ip = l.(*layers.IPv4)
	}
	if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
		tcp = l.(*layers.TCP)
	}
	return ip, tcp
}
