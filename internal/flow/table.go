package flow

import (
	"fmt"

	"firestige.xyz/xpass/internal/core"
)

// Table is a fixed-capacity flow table. Records live in one arena that is
// never reallocated, so pointers handed out stay valid for the table's
// lifetime.
type Table struct {
	flows []Connection
	index map[core.FlowKey]ID
}

// NewTable allocates a table for capacity flows.
func NewTable(capacity int) (*Table, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("flow table capacity %d: %w", capacity, core.ErrConfigInvalid)
	}
	return &Table{
		flows: make([]Connection, 0, capacity),
		index: make(map[core.FlowKey]ID, capacity),
	}, nil
}

// Lookup returns the flow stored under key.
func (t *Table) Lookup(key core.FlowKey) (*Connection, bool) {
	id, ok := t.index[key]
	if !ok {
		return nil, false
	}
	return &t.flows[id], true
}

// Insert adds a closed flow for key, or returns the existing one.
func (t *Table) Insert(key core.FlowKey) (*Connection, bool, error) {
	if c, ok := t.Lookup(key); ok {
		return c, false, nil
	}
	if len(t.flows) == cap(t.flows) {
		return nil, false, core.ErrFlowTableFull
	}
	id := ID(len(t.flows))
	t.flows = append(t.flows, Connection{id: id, Key: key})
	t.index[key] = id
	return &t.flows[id], true, nil
}

// Get returns the flow with the given id.
func (t *Table) Get(id ID) (*Connection, bool) {
	if int(id) >= len(t.flows) {
		return nil, false
	}
	return &t.flows[id], true
}

// Len returns the number of flows.
func (t *Table) Len() int { return len(t.flows) }

// Capacity returns the maximum number of flows.
func (t *Table) Capacity() int { return cap(t.flows) }

// Range calls fn for each flow in insertion order until fn returns false.
func (t *Table) Range(fn func(*Connection) bool) {
	for i := range t.flows {
		if !fn(&t.flows[i]) {
			return
		}
	}
}
