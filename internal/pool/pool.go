// Package pool tracks per-model rate-limit cooldowns with exponential
// backoff, decay, and proactive pacing derived from upstream rate-limit
// headers.
package pool

import (
	"math/rand/v2"
	"sync"
	"time"
)

// GlobalPool is the pseudo-model used for 429s that cannot be attributed to
// a specific model.
const GlobalPool = "__global__"

// maxHitCount caps the exponential backoff exponent.
const maxHitCount = 10

// jitterSpread is the symmetric multiplicative jitter applied after the
// exponential step. Applied after backoff, so cooldowns at low counts can
// land below BaseMs.
const jitterSpread = 0.15

// Config holds pool cooldown parameters.
type Config struct {
	BaseMs             int64 // first-hit cooldown
	CapMs              int64 // cooldown ceiling
	DecayMs            int64 // idle time after which the hit count resets
	RemainingThreshold int64 // header pacing kicks in at or below this
	PacingDelayMs      int64 // max proactive pacing delay
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseMs:             500,
		CapMs:              5000,
		DecayMs:            10000,
		RemainingThreshold: 5,
		PacingDelayMs:      200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseMs <= 0 {
		c.BaseMs = d.BaseMs
	}
	if c.CapMs <= 0 {
		c.CapMs = d.CapMs
	}
	if c.DecayMs <= 0 {
		c.DecayMs = d.DecayMs
	}
	if c.RemainingThreshold <= 0 {
		c.RemainingThreshold = d.RemainingThreshold
	}
	if c.PacingDelayMs <= 0 {
		c.PacingDelayMs = d.PacingDelayMs
	}
	return c
}

// HeaderSnapshot is the last observed upstream rate-limit header set.
type HeaderSnapshot struct {
	Remaining  int64     `json:"remaining"`
	Limit      int64     `json:"limit"`
	Reset      string    `json:"reset,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// state is per-model cooldown bookkeeping.
type state struct {
	rateLimitedUntil time.Time
	count            int
	lastHitAt        time.Time
	pacingDelay      time.Duration
	headers          HeaderSnapshot
	headersSeen      bool
}

// Manager holds the model -> cooldown state map.
type Manager struct {
	mu    sync.Mutex
	pools map[string]*state
	cfg   Config
}

// NewManager creates a pool cooldown manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		pools: make(map[string]*state),
		cfg:   cfg.withDefaults(),
	}
}

func (m *Manager) pool(model string) *state {
	if model == "" {
		model = GlobalPool
	}
	p, ok := m.pools[model]
	if !ok {
		p = &state{}
		m.pools[model] = p
	}
	return p
}

// RecordRateLimitHit registers an upstream 429 attributed to model (or the
// global pool when model is empty) and returns the applied cooldown.
func (m *Manager) RecordRateLimitHit(model string) time.Duration {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pool(model)
	if p.count > 0 && now.Sub(p.lastHitAt).Milliseconds() > m.cfg.DecayMs {
		p.count = 0
	}
	p.count = min(p.count+1, maxHitCount)
	p.lastHitAt = now

	cooldownMs := min(m.cfg.BaseMs<<(p.count-1), m.cfg.CapMs)
	jitter := 1 + (rand.Float64()*2-1)*jitterSpread
	cooldown := time.Duration(float64(cooldownMs)*jitter) * time.Millisecond
	p.rateLimitedUntil = now.Add(cooldown)
	return cooldown
}

// RecordRateLimitHeaders stores the upstream header snapshot for model and,
// when remaining is at or below the threshold, applies a proportional soft
// cooldown. An existing longer cooldown is never shortened.
func (m *Manager) RecordRateLimitHeaders(model string, remaining, limit int64, reset string) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pool(model)
	p.headers = HeaderSnapshot{Remaining: remaining, Limit: limit, Reset: reset, ObservedAt: now}
	p.headersSeen = true

	if remaining > m.cfg.RemainingThreshold {
		p.pacingDelay = 0
		return
	}
	frac := 1 - float64(remaining)/float64(m.cfg.RemainingThreshold)
	delay := time.Duration(float64(m.cfg.PacingDelayMs)*frac) * time.Millisecond
	p.pacingDelay = delay
	if until := now.Add(delay); until.After(p.rateLimitedUntil) {
		p.rateLimitedUntil = until
	}
}

// IsRateLimited reports whether model (or the global pool) is cooling down.
func (m *Manager) IsRateLimited(model string) bool {
	return m.CooldownRemaining(model) > 0
}

// CooldownRemaining returns how long model must wait before the next call,
// taking the global pool into account.
func (m *Manager) CooldownRemaining(model string) time.Duration {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := m.remainingLocked(model, now)
	if model != GlobalPool {
		if g := m.remainingLocked(GlobalPool, now); g > remaining {
			remaining = g
		}
	}
	return remaining
}

func (m *Manager) remainingLocked(model string, now time.Time) time.Duration {
	p, ok := m.pools[poolName(model)]
	if !ok {
		return 0
	}
	if d := p.rateLimitedUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

// AnyCoolingDown reports whether any pool currently has an active cooldown
// and returns the longest remaining one.
func (m *Manager) AnyCoolingDown() (bool, time.Duration) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var longest time.Duration
	for _, p := range m.pools {
		if d := p.rateLimitedUntil.Sub(now); d > longest {
			longest = d
		}
	}
	return longest > 0, longest
}

// PacingDelay returns the current proactive pacing delay for model.
func (m *Manager) PacingDelay(model string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[poolName(model)]; ok {
		return p.pacingDelay
	}
	return 0
}

// HitCount returns the consecutive 429 count for model (tests and stats).
func (m *Manager) HitCount(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[poolName(model)]; ok {
		return p.count
	}
	return 0
}

// PoolSnapshot is a copy of one pool's state for the stats endpoint.
type PoolSnapshot struct {
	Model               string          `json:"model"`
	RateLimitedUntil    *time.Time      `json:"rateLimitedUntil,omitempty"`
	CooldownRemainingMs int64           `json:"cooldownRemainingMs"`
	HitCount            int             `json:"hitCount"`
	PacingDelayMs       int64           `json:"pacingDelayMs"`
	Headers             *HeaderSnapshot `json:"headers,omitempty"`
}

// Snapshot returns copies of all pool states.
func (m *Manager) Snapshot() []PoolSnapshot {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PoolSnapshot, 0, len(m.pools))
	for model, p := range m.pools {
		s := PoolSnapshot{
			Model:         model,
			HitCount:      p.count,
			PacingDelayMs: p.pacingDelay.Milliseconds(),
		}
		if d := p.rateLimitedUntil.Sub(now); d > 0 {
			until := p.rateLimitedUntil
			s.RateLimitedUntil = &until
			s.CooldownRemainingMs = d.Milliseconds()
		}
		if p.headersSeen {
			h := p.headers
			s.Headers = &h
		}
		out = append(out, s)
	}
	return out
}

func poolName(model string) string {
	if model == "" {
		return GlobalPool
	}
	return model
}
