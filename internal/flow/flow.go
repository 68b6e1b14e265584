// Package flow tracks TCP connections crossing the dataplane and marks their
// frames for the credit protocol.
package flow

import (
	"firestige.xyz/xpass/internal/core"
	"firestige.xyz/xpass/internal/pacing"
)

// MaxCreditTemplateSize bounds the captured credit template.
const MaxCreditTemplateSize = 100

// ID is the arena index of a flow in its Table. It doubles as the flow's
// node in the timing wheel.
type ID uint32

// Connection is the per-connection record. It is only ever reached through
// the pointer returned by its Table, so mutations persist.
type Connection struct {
	id  ID
	Key core.FlowKey

	TCPState  TCPState
	SendState SendState
	RecvState RecvState

	// Reserved for credit pacing.
	MaxCreditRate int
	CurCreditRate int
	Alpha         float64
	W             float64

	Bucket pacing.TokenBucket

	template    [MaxCreditTemplateSize]byte
	templateLen int
}

// ID returns the flow's table index.
func (c *Connection) ID() ID { return c.id }

// Reset returns the flow to its initial state, keeping identity.
func (c *Connection) Reset(bucket pacing.TokenBucket) {
	c.TCPState = TCPClosed
	c.SendState = SendClosed
	c.RecvState = RecvClosed
	c.MaxCreditRate = 0
	c.CurCreditRate = 0
	c.Alpha = 0
	c.W = 0
	c.Bucket = bucket
	c.templateLen = 0
}

// SetCreditTemplate copies b as the seed for synthesized credit frames.
func (c *Connection) SetCreditTemplate(b []byte) error {
	if len(b) >= MaxCreditTemplateSize {
		return core.ErrTemplateTooLarge
	}
	c.templateLen = copy(c.template[:], b)
	return nil
}

// CreditTemplate returns the captured template, nil if none. The slice
// aliases the flow and is only valid until the next capture.
func (c *Connection) CreditTemplate() []byte {
	if c.templateLen == 0 {
		return nil
	}
	return c.template[:c.templateLen]
}
