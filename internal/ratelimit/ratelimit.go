// Package ratelimit implements the per-key request token bucket with lazy
// refill (no background goroutine).
package ratelimit

import "time"

// Result is the outcome of a bucket check.
type Result struct {
	Allowed   bool
	Remaining int64
	WaitMs    int64 // ms until one token is available, when not allowed
}

// Bucket is a token bucket refilled continuously at RatePerMinute, capped at
// Burst tokens. RatePerMinute == 0 disables the bucket (always allowed).
//
// Bucket is not internally synchronized: in the key pool it lives inside a
// credential and is mutated under the credential lock, per the shared
// resource policy.
type Bucket struct {
	ratePerMinute float64
	burst         float64
	tokens        float64
	lastRefill    time.Time
}

// NewBucket creates a bucket holding burst tokens. A non-positive burst with
// a positive rate defaults to the per-minute rate.
func NewBucket(ratePerMinute, burst int) *Bucket {
	if burst <= 0 {
		burst = ratePerMinute
	}
	return &Bucket{
		ratePerMinute: float64(ratePerMinute),
		burst:         float64(burst),
		tokens:        float64(burst),
		lastRefill:    time.Now(),
	}
}

// refill adds tokens for the elapsed time since the last refill.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.burst, b.tokens+elapsed.Minutes()*b.ratePerMinute)
	b.lastRefill = now
}

// Peek reports whether at least one token is available without consuming it.
// Used by the availability sweep so that losing candidates keep their tokens.
func (b *Bucket) Peek(now time.Time) bool {
	if b.ratePerMinute == 0 {
		return true
	}
	b.refill(now)
	return b.tokens >= 1
}

// TryConsume atomically refills and consumes one token. Returns false when
// no token is available (the acquisition race lost; caller rolls back).
func (b *Bucket) TryConsume(now time.Time) bool {
	if b.ratePerMinute == 0 {
		return true
	}
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Check refills and consumes one token, reporting the remaining count or the
// wait until the next token.
func (b *Bucket) Check(now time.Time) Result {
	if b.ratePerMinute == 0 {
		return Result{Allowed: true}
	}
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return Result{Allowed: true, Remaining: int64(b.tokens)}
	}
	deficit := 1 - b.tokens
	waitMs := int64(deficit / b.ratePerMinute * float64(time.Minute/time.Millisecond))
	return Result{Allowed: false, WaitMs: waitMs}
}

// Remaining returns the current token count after refill.
func (b *Bucket) Remaining(now time.Time) int64 {
	if b.ratePerMinute == 0 {
		return -1 // unlimited
	}
	b.refill(now)
	return int64(b.tokens)
}
