package pipeline

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/xpass/internal/flow"
)

// Classifier picks the input gate of a captured frame: frames whose IPv4
// source lies in one of the local prefixes leave the host, everything else
// arrives from the network. It is not safe for concurrent use.
type Classifier struct {
	local   []netip.Prefix
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewClassifier creates a classifier for the given local prefixes.
func NewClassifier(local []netip.Prefix) *Classifier {
	c := &Classifier{local: local}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &c.eth, &c.dot1q, &c.ip4)
	c.parser.IgnoreUnsupported = true
	c.decoded = make([]gopacket.LayerType, 0, 4)
	return c
}

// Gate returns the input gate for data.
func (c *Classifier) Gate(data []byte) flow.InputGate {
	// truncated frames surface as an error after the layers that did decode
	_ = c.parser.DecodeLayers(data, &c.decoded)
	for _, lt := range c.decoded {
		if lt != layers.LayerTypeIPv4 {
			continue
		}
		src, ok := netip.AddrFromSlice(c.ip4.SrcIP.To4())
		if !ok {
			break
		}
		for _, p := range c.local {
			if p.Contains(src) {
				return flow.GateFromLocal
			}
		}
		break
	}
	return flow.GateFromNetwork
}
