package keypool

import (
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/circuitbreaker"
)

// Health score weights and penalties.
const (
	weightLatency      = 40.0
	weightSuccess      = 40.0
	weightErrorRecency = 20.0

	maxRecencyPenalty  = 10.0
	maxInFlightPenalty = 15.0

	errorRecencyDecay = 10 * time.Minute

	// Scores within this epsilon are considered tied and fall through to the
	// secondary ordering (in-flight, last-used, index).
	scoreEpsilon = 0.5
)

// scoreLocked computes the health score in [0, 100]. Caller holds c.mu.
// globalMaxP95 is the maximum p95 across all keys at selection time (the
// global reference the latency component is normalized against); a key with
// no samples scores the neutral maximum on both latency and success rate.
func (c *Credential) scoreLocked(now time.Time, globalMaxP95 int64, maxConcurrency int) float64 {
	latencyScore := 100.0
	if p95 := c.p95Locked(); p95 > 0 && globalMaxP95 > 0 {
		ratio := 1 - float64(p95)/float64(globalMaxP95)
		latencyScore = clamp(ratio, 0, 1) * 100
	}

	successScore := 100.0
	if completed := c.totalRequests - int64(c.inFlight); completed > 0 {
		successScore = 100 * float64(c.successCount) / float64(completed)
	}

	errorRecency := 0.0
	if !c.lastFailure.IsZero() {
		since := now.Sub(c.lastFailure)
		if since < errorRecencyDecay {
			errorRecency = 1 - float64(since)/float64(errorRecencyDecay)
		}
	}

	recencyPenalty := 0.0
	if !c.lastUsed.IsZero() {
		since := now.Sub(c.lastUsed)
		switch {
		case since <= time.Second:
			recencyPenalty = maxRecencyPenalty
		case since < 5*time.Second:
			recencyPenalty = maxRecencyPenalty * float64(5*time.Second-since) / float64(4*time.Second)
		}
	}

	inFlightPenalty := 0.0
	if maxConcurrency > 0 {
		inFlightPenalty = maxInFlightPenalty * float64(c.inFlight) / float64(maxConcurrency)
	}

	score := weightLatency/100*latencyScore +
		weightSuccess/100*successScore +
		weightErrorRecency*(1-errorRecency) -
		recencyPenalty - inFlightPenalty
	return clamp(score, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// availableLocked reports whether the credential may be selected in the
// primary sweep. Caller holds c.mu. Applies the per-key rate-limit cooldown
// decay before evaluating the cooldown.
func (m *Manager) availableLocked(c *Credential, now time.Time) bool {
	c.decayRateLimitLocked(now, m.cfg.CooldownDecayMs, m.cfg.BaseCooldownMs)
	if c.inFlight >= m.cfg.MaxConcurrencyPerKey {
		return false
	}
	if !c.bucket.Peek(now) {
		return false
	}
	if !c.rateLimitedAt.IsZero() &&
		now.Before(c.rateLimitedAt.Add(time.Duration(c.rateLimitCooldownMs)*time.Millisecond)) {
		return false
	}
	return true
}

// candidate is a scored selection entry.
type candidate struct {
	cred     *Credential
	score    float64
	inFlight int
	lastUsed time.Time
}

// AcquireKey selects and acquires a credential per the three-phase scheme:
// best-scored closed key, else a half-open probe, else the rescue path that
// forces the oldest open circuit to half-open. excluded holds key indices
// already attempted for this request.
//
// On success the credential's inFlight and totalRequests are incremented and
// one rate-bucket token is consumed; the caller must pair this with exactly
// one Record*/ReleaseKey call.
func (m *Manager) AcquireKey(excluded map[int]struct{}) (*Credential, error) {
	if limited, _ := m.IsAccountRateLimited(); limited {
		return nil, relay.ErrAccountRateLimited
	}

	m.mu.RLock()
	keys := make([]*Credential, len(m.keys))
	copy(keys, m.keys)
	m.mu.RUnlock()

	if len(keys) == 0 {
		return nil, relay.ErrNoKeysAvailable
	}

	// Global latency reference for score normalization.
	var globalMaxP95 int64
	for _, k := range keys {
		if p := k.P95Latency(); p > globalMaxP95 {
			globalMaxP95 = p
		}
	}

	// Bounded by the key count: every failed acquisition excludes its key.
	tried := make(map[int]struct{}, len(excluded))
	for i := range excluded {
		tried[i] = struct{}{}
	}

	for range len(keys) {
		now := time.Now()

		// Primary sweep: available keys with a closed circuit, best score first.
		var best *candidate
		for _, k := range keys {
			if _, skip := tried[k.index]; skip {
				continue
			}
			k.mu.Lock()
			ok := m.availableLocked(k, now) && k.breaker.State() == circuitbreaker.StateClosed
			var cand candidate
			if ok {
				cand = candidate{
					cred:     k,
					score:    k.scoreLocked(now, globalMaxP95, m.cfg.MaxConcurrencyPerKey),
					inFlight: k.inFlight,
					lastUsed: k.lastUsed,
				}
			}
			k.mu.Unlock()
			if ok && (best == nil || better(&cand, best)) {
				c := cand
				best = &c
			}
		}
		if best != nil {
			if m.tryAcquire(best.cred, false) {
				return best.cred, nil
			}
			tried[best.cred.index] = struct{}{}
			continue
		}

		// Half-open probe: least-loaded half-open key with tokens left.
		var probe *candidate
		for _, k := range keys {
			if _, skip := tried[k.index]; skip {
				continue
			}
			k.mu.Lock()
			ok := k.inFlight < m.cfg.MaxConcurrencyPerKey &&
				k.bucket.Peek(now) &&
				k.breaker.State() == circuitbreaker.StateHalfOpen
			cand := candidate{cred: k, inFlight: k.inFlight}
			k.mu.Unlock()
			if ok && (probe == nil || cand.inFlight < probe.inFlight) {
				c := cand
				probe = &c
			}
		}
		if probe != nil {
			if probe.cred.breaker.TryProbe() && m.tryAcquire(probe.cred, true) {
				return probe.cred, nil
			}
			tried[probe.cred.index] = struct{}{}
			continue
		}

		// Rescue path: force the longest-open circuit to half-open and probe it.
		var rescue *Credential
		var oldest time.Time
		for _, k := range keys {
			if _, skip := tried[k.index]; skip {
				continue
			}
			if k.breaker.State() != circuitbreaker.StateOpen {
				continue
			}
			if at := k.breaker.OpenedAt(); rescue == nil || at.Before(oldest) {
				rescue, oldest = k, at
			}
		}
		if rescue == nil {
			return nil, relay.ErrNoKeysAvailable
		}
		rescue.breaker.ForceState(circuitbreaker.StateHalfOpen)
		if m.tryAcquire(rescue, true) {
			return rescue, nil
		}
		tried[rescue.index] = struct{}{}
	}

	return nil, relay.ErrNoKeysAvailable
}

// better reports whether a should be preferred over b in the primary sweep.
func better(a, b *candidate) bool {
	if a.score > b.score+scoreEpsilon {
		return true
	}
	if b.score > a.score+scoreEpsilon {
		return false
	}
	if a.inFlight != b.inFlight {
		return a.inFlight < b.inFlight
	}
	if !a.lastUsed.Equal(b.lastUsed) {
		return a.lastUsed.Before(b.lastUsed)
	}
	return a.cred.index < b.cred.index
}

// tryAcquire atomically claims the credential: bumps in-flight and issued
// counters and consumes one rate-bucket token. On a lost token race the
// in-flight bump is rolled back and false is returned.
func (m *Manager) tryAcquire(c *Credential, probe bool) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight >= m.cfg.MaxConcurrencyPerKey {
		if probe {
			c.breaker.ReleaseProbe()
		}
		return false
	}
	c.inFlight++
	c.totalRequests++
	if !c.bucket.TryConsume(now) {
		c.inFlight--
		c.totalRequests--
		if probe {
			c.breaker.ReleaseProbe()
		}
		return false
	}
	c.lastUsed = now
	if probe {
		c.probe = true
	}
	return true
}
