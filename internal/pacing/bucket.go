// Package pacing holds the per-flow credit pacing primitives: a lazily
// refilled token bucket and a fixed-horizon timing wheel.
package pacing

import (
	"firestige.xyz/xpass/internal/core"
)

// DefaultBurst is the token cap: eight minimal credit frames
// (Ethernet + IPv4 + TCP + control header).
const DefaultBurst = (14 + 20 + 20 + 12) * 8

// TokenBucket is a byte-denominated rate limiter. Tokens accrue one per
// interval nanoseconds and are only computed when Refill is called.
//
// The zero value holds no tokens and never refills.
type TokenBucket struct {
	tokens   uint32
	burst    uint32
	interval uint64 // ns per token
	last     uint64 // ns
}

// NewTokenBucket returns an empty bucket whose refill clock starts at now.
func NewTokenBucket(interval uint64, burst uint32, now uint64) TokenBucket {
	return TokenBucket{
		burst:    burst,
		interval: interval,
		last:     now,
	}
}

// Refill adds one token per whole interval elapsed since the last refill,
// clamped to the burst cap. Partial intervals are carried over.
func (b *TokenBucket) Refill(now uint64) {
	if b.interval == 0 || now < b.last+b.interval {
		return
	}
	n := (now - b.last) / b.interval
	b.last += n * b.interval

	total := uint64(b.tokens) + n
	if total > uint64(b.burst) {
		total = uint64(b.burst)
	}
	b.tokens = uint32(total)
}

// Available returns the current token count.
func (b *TokenBucket) Available() uint32 {
	return b.tokens
}

// Consume takes n tokens. The balance can never be drained to zero: n must
// be strictly less than Available.
func (b *TokenBucket) Consume(n uint32) error {
	if n >= b.tokens {
		return core.ErrInsufficientTokens
	}
	b.tokens -= n
	return nil
}

// Burst returns the token cap.
func (b *TokenBucket) Burst() uint32 {
	return b.burst
}
