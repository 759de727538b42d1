// Package keypool implements the credential pool scheduler: key selection,
// acquisition and release, per-key counters and cooldowns, the account-level
// 429 detector, and the per-model concurrency gate.
package keypool

import (
	"sort"
	"sync"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/circuitbreaker"
	"github.com/eugener/shadowfax/internal/container"
	"github.com/eugener/shadowfax/internal/ratelimit"
)

// latencyWindow is the number of end-to-end latency samples retained per key.
const latencyWindow = 100

// Credential is one upstream API key plus its scheduling state. All mutable
// fields are guarded by mu; the breaker carries its own lock so that its
// state-change callback can fire without holding mu.
type Credential struct {
	mu sync.Mutex

	index int
	spec  relay.KeySpec

	inFlight      int
	totalRequests int64
	successCount  int64
	failureCount  int64

	latencies *container.Ring[int64] // ms, newest last

	lastUsed    time.Time
	lastSuccess time.Time
	lastFailure time.Time

	rateLimitedCount    int64
	rateLimitedAt       time.Time
	rateLimitCooldownMs int64

	breaker *circuitbreaker.Breaker
	bucket  *ratelimit.Bucket

	probe bool // this acquisition holds the breaker's half-open probe slot
}

// Index returns the credential's stable ordinal in the pool.
func (c *Credential) Index() int { return c.index }

// ID returns the redaction-safe key prefix.
func (c *Credential) ID() string { return c.spec.ID }

// Bearer returns the upstream Authorization header value. Never log it.
func (c *Credential) Bearer() string { return c.spec.Bearer() }

// Breaker exposes the per-key circuit for stats and tests.
func (c *Credential) Breaker() *circuitbreaker.Breaker { return c.breaker }

// InFlight returns the current in-flight count.
func (c *Credential) InFlight() int {
	c.mu.Lock()
	n := c.inFlight
	c.mu.Unlock()
	return n
}

// p95Locked returns the 95th percentile of the latency ring, or 0 with no
// samples. Caller holds c.mu.
func (c *Credential) p95Locked() int64 {
	n := c.latencies.Len()
	if n == 0 {
		return 0
	}
	samples := c.latencies.ToSlice()
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return samples[idx]
}

// P95Latency returns the key's p95 latency in milliseconds (0 = no samples).
func (c *Credential) P95Latency() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p95Locked()
}

// decayRateLimitLocked resets per-key rate-limit bookkeeping once the decay
// window has passed without further 429s. Caller holds c.mu.
func (c *Credential) decayRateLimitLocked(now time.Time, decayMs, baseMs int64) {
	if c.rateLimitedAt.IsZero() {
		return
	}
	if now.Sub(c.rateLimitedAt).Milliseconds() > decayMs {
		c.rateLimitedCount = 0
		c.rateLimitCooldownMs = baseMs
		c.rateLimitedAt = time.Time{}
	}
}

// KeySnapshot is a copy of one credential's state for read paths. Snapshots
// are taken under the credential lock and share no references with it.
type KeySnapshot struct {
	Index               int                    `json:"index"`
	KeyID               string                 `json:"keyId"`
	InFlight            int                    `json:"inFlight"`
	TotalRequests       int64                  `json:"totalRequests"`
	SuccessCount        int64                  `json:"successCount"`
	FailureCount        int64                  `json:"failureCount"`
	P95LatencyMs        int64                  `json:"p95LatencyMs"`
	AvgLatencyMs        int64                  `json:"avgLatencyMs"`
	LastUsed            *time.Time             `json:"lastUsed,omitempty"`
	LastSuccess         *time.Time             `json:"lastSuccess,omitempty"`
	LastFailure         *time.Time             `json:"lastFailure,omitempty"`
	RateLimitedCount    int64                  `json:"rateLimitedCount"`
	RateLimitedAt       *time.Time             `json:"rateLimitedAt,omitempty"`
	RateLimitCooldownMs int64                  `json:"rateLimitCooldownMs"`
	HealthScore         float64                `json:"healthScore"`
	Circuit             circuitbreaker.Snapshot `json:"circuit"`
}

// snapshot copies the credential state. globalMaxP95 feeds the health score.
func (c *Credential) snapshot(globalMaxP95 int64, maxConcurrency int) KeySnapshot {
	c.mu.Lock()
	s := KeySnapshot{
		Index:               c.index,
		KeyID:               c.spec.ID,
		InFlight:            c.inFlight,
		TotalRequests:       c.totalRequests,
		SuccessCount:        c.successCount,
		FailureCount:        c.failureCount,
		P95LatencyMs:        c.p95Locked(),
		RateLimitedCount:    c.rateLimitedCount,
		RateLimitCooldownMs: c.rateLimitCooldownMs,
		HealthScore:         c.scoreLocked(time.Now(), globalMaxP95, maxConcurrency),
	}
	if n := c.latencies.Len(); n > 0 {
		var sum int64
		for _, v := range c.latencies.ToSlice() {
			sum += v
		}
		s.AvgLatencyMs = sum / int64(n)
	}
	s.LastUsed = timePtr(c.lastUsed)
	s.LastSuccess = timePtr(c.lastSuccess)
	s.LastFailure = timePtr(c.lastFailure)
	if !c.rateLimitedAt.IsZero() {
		s.RateLimitedAt = timePtr(c.rateLimitedAt)
	}
	c.mu.Unlock()

	// Breaker has its own lock; taken after releasing c.mu.
	s.Circuit = c.breaker.GetSnapshot()
	return s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	tt := t
	return &tt
}
