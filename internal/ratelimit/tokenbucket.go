// Package ratelimit implements the token-bucket gate in front of the
// chain client.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token bucket with capacity R and fill rate R/W. Refill is
// lazy: it is computed from the wall-clock delta on each call, there is
// no background tick.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	fillRate   float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

// New creates a bucket allowing `requests` acquisitions per `window`.
func New(requests int, window time.Duration) *Bucket {
	capacity := float64(requests)
	return &Bucket{
		capacity:   capacity,
		fillRate:   capacity / window.Seconds(),
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

// refill tops up tokens based on elapsed wall-clock time. Caller must
// hold b.mu.
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.fillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Acquire blocks until at least one token is available, then consumes
// one.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		// Tokens needed before one more token exists.
		deficit := 1 - b.tokens
		wait := time.Duration(deficit/b.fillRate*float64(time.Second)) + time.Millisecond
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
