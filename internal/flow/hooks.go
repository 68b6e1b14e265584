package flow

import (
	"firestige.xyz/xpass/internal/core"
)

// CreditHandler is the extension point for a credit-issuance control loop.
// The engine calls it from the worker goroutine; implementations must not
// block and must not retain flows across table resets.
type CreditHandler interface {
	// OnCreditFrame receives a DSCP 2 frame from the network and takes
	// ownership of it. flow is nil when the flow table is full.
	OnCreditFrame(flow *Connection, f *core.Frame)
	// OnTemplate is called after a credit template was captured.
	OnTemplate(flow *Connection)
	// OnEstablished is called when the handshake completes.
	OnEstablished(flow *Connection)
	// OnCreditDue is called for each flow popped from the timing wheel.
	OnCreditDue(flow *Connection, now uint64)
}

// NopHandler frees credit frames and ignores every other event.
type NopHandler struct {
	Alloc core.Allocator
}

func (h NopHandler) OnCreditFrame(_ *Connection, f *core.Frame) {
	if h.Alloc != nil {
		h.Alloc.Free(f)
	}
}

func (NopHandler) OnTemplate(*Connection)          {}
func (NopHandler) OnEstablished(*Connection)       {}
func (NopHandler) OnCreditDue(*Connection, uint64) {}
