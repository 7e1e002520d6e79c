// Package ratelimit paces inbound signaling messages per connection.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a deterministic token bucket refilled at an integer number
// of tokens per second from an injected Clock.
//
// Token accounting is done in nanosecond units (one token = 1e9 units) so
// refills stay exact without floating point.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock
	rate  int64 // tokens/sec; equals units/ns in the fixed-point encoding
	cap   int64 // units

	units int64
	last  time.Time
}

// NewTokenBucket returns a bucket that starts full. capacity and rate are in
// whole tokens; non-positive values yield a bucket that never allows.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	b := &TokenBucket{
		clock: clock,
		rate:  max64(rate, 0),
		cap:   toUnits(capacity),
		last:  clock.Now(),
	}
	b.units = b.cap
	return b
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if now.After(b.last) {
		elapsed := now.Sub(b.last).Nanoseconds()
		if b.rate > 0 && elapsed > (b.cap-b.units)/b.rate {
			// Enough time passed to fill completely; clamp instead of
			// multiplying (avoids overflow on long idle gaps).
			b.units = b.cap
		} else {
			b.units += elapsed * b.rate
		}
	}
	// Move the reference point even if time went backwards.
	b.last = now

	if b.units < oneToken {
		return false
	}
	b.units -= oneToken
	return true
}

const oneToken = int64(time.Second)

func toUnits(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	limit := int64(^uint64(0)>>1) / oneToken
	if tokens > limit {
		tokens = limit
	}
	return tokens * oneToken
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
