package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonotonicAdvances(t *testing.T) {
	var c Monotonic
	a := c.NowNano()
	time.Sleep(time.Millisecond)
	b := c.NowNano()

	assert.NotZero(t, a)
	assert.Greater(t, b, a)
}

func TestManual(t *testing.T) {
	m := NewManual(1000)
	assert.Equal(t, uint64(1000), m.NowNano())

	m.Advance(500 * time.Nanosecond)
	assert.Equal(t, uint64(1500), m.NowNano())

	m.Set(900) // backwards: ignored
	assert.Equal(t, uint64(1500), m.NowNano())

	m.Set(2000)
	assert.Equal(t, uint64(2000), m.NowNano())
}
