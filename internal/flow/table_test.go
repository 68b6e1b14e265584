package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/xpass/internal/core"
)

func key(port byte) core.FlowKey {
	return core.FlowKey{
		SrcIP:   [4]byte{10, 0, 0, 1},
		DstIP:   [4]byte{10, 0, 0, 2},
		SrcPort: [2]byte{0x9c, port},
		DstPort: [2]byte{0, 80},
	}
}

func TestTableInsertLookup(t *testing.T) {
	tbl, err := NewTable(2)
	require.NoError(t, err)

	c, created, err := tbl.Insert(key(1))
	require.NoError(t, err)
	assert.True(t, created)
	c.TCPState = TCPSynSent

	again, created, err := tbl.Insert(key(1))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, c, again)

	got, ok := tbl.Lookup(key(1))
	require.True(t, ok)
	assert.Equal(t, TCPSynSent, got.TCPState, "mutations through the returned pointer persist")

	_, ok = tbl.Lookup(key(1).Reverse())
	assert.False(t, ok)
}

func TestTableFull(t *testing.T) {
	tbl, err := NewTable(1)
	require.NoError(t, err)

	first, _, err := tbl.Insert(key(1))
	require.NoError(t, err)
	_, _, err = tbl.Insert(key(2))
	assert.ErrorIs(t, err, core.ErrFlowTableFull)

	// Pointers stay valid after a failed insert.
	got, ok := tbl.Get(first.ID())
	require.True(t, ok)
	assert.Same(t, first, got)
	_, ok = tbl.Get(5)
	assert.False(t, ok)
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, 1, tbl.Capacity())
}

func TestNewTableRejectsZero(t *testing.T) {
	_, err := NewTable(0)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestTableRange(t *testing.T) {
	tbl, _ := NewTable(4)
	for i := byte(0); i < 3; i++ {
		_, _, err := tbl.Insert(key(i))
		require.NoError(t, err)
	}
	var ids []ID
	tbl.Range(func(c *Connection) bool {
		ids = append(ids, c.ID())
		return c.ID() < 1
	})
	assert.Equal(t, []ID{0, 1}, ids)
}

func TestCreditTemplate(t *testing.T) {
	var c Connection
	assert.Nil(t, c.CreditTemplate())

	assert.ErrorIs(t, c.SetCreditTemplate(make([]byte, MaxCreditTemplateSize)), core.ErrTemplateTooLarge)
	require.NoError(t, c.SetCreditTemplate([]byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, c.CreditTemplate())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "synack_received", TCPSynAckReceived.String())
	assert.Equal(t, "credit_stop_received", SendCreditStopReceived.String())
	assert.Equal(t, "credit_request_sent", RecvCreditRequestSent.String())
	assert.Equal(t, "from_network", GateFromNetwork.String())
}
