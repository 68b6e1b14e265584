package pacing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/xpass/internal/core"
)

func TestTokenBucketRefillWholeIntervals(t *testing.T) {
	b := NewTokenBucket(10, 100, 1000)
	assert.Equal(t, uint32(0), b.Available())

	// 9ns: not a full interval yet
	b.Refill(1009)
	assert.Equal(t, uint32(0), b.Available())

	// 25ns: two intervals, 5ns carried over
	b.Refill(1025)
	assert.Equal(t, uint32(2), b.Available())

	// 5ns more completes the third interval without drift
	b.Refill(1030)
	assert.Equal(t, uint32(3), b.Available())
}

func TestTokenBucketClampsToBurst(t *testing.T) {
	tests := []struct {
		name      string
		intervals uint64
		burst     uint32
		want      uint32
	}{
		{"below burst", 7, 100, 7},
		{"at burst", 100, 100, 100},
		{"past burst", 10000, 100, 100},
		{"default burst", 1 << 20, DefaultBurst, DefaultBurst},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewTokenBucket(8, tt.burst, 0)
			b.Refill(tt.intervals * 8)
			assert.Equal(t, tt.want, b.Available())
		})
	}
}

func TestTokenBucketConsumeStrictlyLess(t *testing.T) {
	b := NewTokenBucket(1, 50, 0)
	b.Refill(10)
	require.Equal(t, uint32(10), b.Available())

	assert.ErrorIs(t, b.Consume(11), core.ErrInsufficientTokens)
	assert.ErrorIs(t, b.Consume(10), core.ErrInsufficientTokens)
	assert.Equal(t, uint32(10), b.Available())

	require.NoError(t, b.Consume(9))
	assert.Equal(t, uint32(1), b.Available())
}

func TestTokenBucketBackwardsClock(t *testing.T) {
	b := NewTokenBucket(10, 100, 1000)
	b.Refill(500)
	assert.Equal(t, uint32(0), b.Available())
	b.Refill(1100)
	assert.Equal(t, uint32(10), b.Available())
}

func TestTokenBucketZeroValue(t *testing.T) {
	var b TokenBucket
	b.Refill(1 << 40)
	assert.Equal(t, uint32(0), b.Available())
	assert.Error(t, b.Consume(0))
}
