package keypool

import (
	"log/slog"
	"sync"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/circuitbreaker"
	"github.com/eugener/shadowfax/internal/container"
	"github.com/eugener/shadowfax/internal/ratelimit"
)

// AccountConfig tunes the account-level 429 detector: when KeyThreshold
// distinct keys see a 429 within Window, the whole pool cools down.
type AccountConfig struct {
	Enabled      bool
	KeyThreshold int
	WindowMs     int64
	CooldownMs   int64
}

// Config holds key pool parameters.
type Config struct {
	MaxConcurrencyPerKey int
	RateLimitPerMinute   int
	RateLimitBurst       int

	Breaker circuitbreaker.Config

	// Per-key 429 cooldown escalation and decay.
	BaseCooldownMs  int64
	CooldownDecayMs int64

	Account AccountConfig

	// Per-model concurrency gate.
	DefaultModelConcurrency int
	ModelConcurrency        map[string]int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrencyPerKey: 5,
		Breaker:              circuitbreaker.DefaultConfig(),
		BaseCooldownMs:       1000,
		CooldownDecayMs:      30000,
		Account: AccountConfig{
			Enabled:      true,
			KeyThreshold: 3,
			WindowMs:     5000,
			CooldownMs:   10000,
		},
		DefaultModelConcurrency: 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrencyPerKey <= 0 {
		c.MaxConcurrencyPerKey = d.MaxConcurrencyPerKey
	}
	if c.BaseCooldownMs <= 0 {
		c.BaseCooldownMs = d.BaseCooldownMs
	}
	if c.CooldownDecayMs <= 0 {
		c.CooldownDecayMs = d.CooldownDecayMs
	}
	if c.Account.KeyThreshold <= 0 {
		c.Account.KeyThreshold = d.Account.KeyThreshold
	}
	if c.Account.WindowMs <= 0 {
		c.Account.WindowMs = d.Account.WindowMs
	}
	if c.Account.CooldownMs <= 0 {
		c.Account.CooldownMs = d.Account.CooldownMs
	}
	if c.DefaultModelConcurrency <= 0 {
		c.DefaultModelConcurrency = d.DefaultModelConcurrency
	}
	return c
}

// Manager owns the credential pool. Selection, acquisition, outcome
// recording, the account-level 429 detector, and the per-model concurrency
// gate all live here.
type Manager struct {
	mu   sync.RWMutex // guards keys slice (reload)
	keys []*Credential
	cfg  Config
	sink relay.EventSink

	// Account-level 429 detector.
	acctMu            sync.Mutex
	acctHits          []acctHit
	acctCooldownUntil time.Time

	// Per-model concurrency gate.
	gateMu        sync.Mutex
	modelInFlight map[string]int
}

type acctHit struct {
	at       time.Time
	keyIndex int
}

// NewManager builds a pool from the parsed key specs. sink receives circuit
// and rate-limit events; it must not block.
func NewManager(cfg Config, specs []relay.KeySpec, sink relay.EventSink) *Manager {
	if sink == nil {
		sink = relay.NopSink{}
	}
	m := &Manager{
		cfg:           cfg.withDefaults(),
		sink:          sink,
		modelInFlight: make(map[string]int),
	}
	for i, spec := range specs {
		m.keys = append(m.keys, m.newCredential(i, spec))
	}
	return m
}

func (m *Manager) newCredential(index int, spec relay.KeySpec) *Credential {
	c := &Credential{
		index:               index,
		spec:                spec,
		latencies:           container.NewRing[int64](latencyWindow),
		bucket:              ratelimit.NewBucket(m.cfg.RateLimitPerMinute, m.cfg.RateLimitBurst),
		rateLimitCooldownMs: m.cfg.BaseCooldownMs,
	}
	keyID := spec.ID
	c.breaker = circuitbreaker.New(m.cfg.Breaker, func(from, to circuitbreaker.State, info circuitbreaker.ChangeInfo) {
		slog.Info("circuit state change",
			"key", keyID, "from", from.String(), "to", to.String(), "reason", string(info.Reason))
		switch {
		case to == circuitbreaker.StateOpen:
			m.sink.Emit(relay.Event{
				Type:      relay.EventCircuitTrip,
				Timestamp: time.Now(),
				Payload:   map[string]any{"key": keyID, "reason": string(info.Reason), "lastError": info.LastError},
			})
		case from != circuitbreaker.StateClosed && to == circuitbreaker.StateClosed:
			m.sink.Emit(relay.Event{
				Type:      relay.EventCircuitRecover,
				Timestamp: time.Now(),
				Payload:   map[string]any{"key": keyID, "reason": string(info.Reason)},
			})
		}
	})
	return c
}

// --- Outcome recording ---

// RecordSuccess closes out a successful request: drops in-flight, stores the
// latency sample, clears per-key rate-limit state, and feeds the circuit.
func (m *Manager) RecordSuccess(c *Credential, latencyMs int64) {
	now := time.Now()
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.successCount++
	c.lastSuccess = now
	c.latencies.Push(latencyMs)
	c.rateLimitedCount = 0
	c.rateLimitCooldownMs = m.cfg.BaseCooldownMs
	c.rateLimitedAt = time.Time{}
	c.probe = false
	c.mu.Unlock()

	c.breaker.RecordSuccess()
}

// RecordFailure closes out a failed request. socket_hangup and the other
// non-circuit kinds are not fed to the breaker (client-side aborts must not
// trip a healthy key).
func (m *Manager) RecordFailure(c *Credential, kind relay.FailureKind) {
	now := time.Now()
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.failureCount++
	c.lastFailure = now
	wasProbe := c.probe
	c.probe = false
	c.mu.Unlock()

	if kind.CircuitCounted() {
		c.breaker.RecordFailure(string(kind))
	} else if wasProbe {
		c.breaker.ReleaseProbe()
	}
}

// RecordRateLimit closes out an upstream 429 on the key. cooldownMs comes
// from the upstream Retry-After when present; otherwise the per-key cooldown
// escalates (base << consecutive-1). Not counted against the circuit.
func (m *Manager) RecordRateLimit(c *Credential, cooldownMs int64) {
	now := time.Now()
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.rateLimitedCount++
	if cooldownMs <= 0 {
		shift := min(c.rateLimitedCount-1, 6)
		cooldownMs = m.cfg.BaseCooldownMs << shift
	}
	c.rateLimitCooldownMs = cooldownMs
	c.rateLimitedAt = now
	wasProbe := c.probe
	c.probe = false
	keyID := c.spec.ID
	c.mu.Unlock()

	if wasProbe {
		c.breaker.ReleaseProbe()
	}
	m.sink.Emit(relay.Event{
		Type:      relay.EventRateLimitHit,
		Timestamp: now,
		Payload:   map[string]any{"key": keyID, "cooldownMs": cooldownMs},
	})
}

// ReleaseKey drops the in-flight count without recording an outcome
// (cancellation before the upstream call).
func (m *Manager) ReleaseKey(c *Credential) {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	wasProbe := c.probe
	c.probe = false
	c.mu.Unlock()
	if wasProbe {
		c.breaker.ReleaseProbe()
	}
}

// --- Account-level 429 detection ---

// DetectAccountRateLimit records a 429 on the given key index, and when
// enough distinct keys hit 429 within the window, arms the account-level
// cooldown. Returns true when the cooldown is (or just became) active.
func (m *Manager) DetectAccountRateLimit(keyIndex int) bool {
	if !m.cfg.Account.Enabled {
		return false
	}
	now := time.Now()
	window := time.Duration(m.cfg.Account.WindowMs) * time.Millisecond

	m.acctMu.Lock()
	defer m.acctMu.Unlock()

	if now.Before(m.acctCooldownUntil) {
		return true
	}

	m.acctHits = append(m.acctHits, acctHit{at: now, keyIndex: keyIndex})
	cutoff := now.Add(-window)
	i := 0
	for i < len(m.acctHits) && m.acctHits[i].at.Before(cutoff) {
		i++
	}
	m.acctHits = m.acctHits[i:]

	distinct := make(map[int]struct{}, len(m.acctHits))
	for _, h := range m.acctHits {
		distinct[h.keyIndex] = struct{}{}
	}
	if len(distinct) < m.cfg.Account.KeyThreshold {
		return false
	}

	m.acctCooldownUntil = now.Add(time.Duration(m.cfg.Account.CooldownMs) * time.Millisecond)
	m.acctHits = m.acctHits[:0]
	slog.Warn("account-level rate limit detected",
		"distinctKeys", len(distinct), "cooldownMs", m.cfg.Account.CooldownMs)
	m.sink.Emit(relay.Event{
		Type:      relay.EventPoolExhausted,
		Timestamp: now,
		Payload:   map[string]any{"distinctKeys": len(distinct), "cooldownMs": m.cfg.Account.CooldownMs},
	})
	return true
}

// IsAccountRateLimited reports whether the account-wide cooldown is active
// and how long it has left.
func (m *Manager) IsAccountRateLimited() (bool, time.Duration) {
	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	remaining := time.Until(m.acctCooldownUntil)
	return remaining > 0, max(remaining, 0)
}

// --- Per-model concurrency gate ---

// modelLimit returns the concurrency cap for model.
func (m *Manager) modelLimit(model string) int {
	if n, ok := m.cfg.ModelConcurrency[model]; ok && n > 0 {
		return n
	}
	return m.cfg.DefaultModelConcurrency
}

// AcquireModelSlot claims one concurrency slot for model. Returns false when
// the model is saturated; the caller must not pick a credential then.
func (m *Manager) AcquireModelSlot(model string) bool {
	m.gateMu.Lock()
	defer m.gateMu.Unlock()
	if m.modelInFlight[model] >= m.modelLimit(model) {
		return false
	}
	m.modelInFlight[model]++
	return true
}

// ReleaseModelSlot returns a model slot, never going below zero.
func (m *Manager) ReleaseModelSlot(model string) {
	m.gateMu.Lock()
	if m.modelInFlight[model] > 0 {
		m.modelInFlight[model]--
	}
	m.gateMu.Unlock()
}

// ModelInFlight returns the current in-flight count for model.
func (m *Manager) ModelInFlight(model string) int {
	m.gateMu.Lock()
	n := m.modelInFlight[model]
	m.gateMu.Unlock()
	return n
}

// --- Reload ---

// ReloadKeys diffs the pool against newSpecs by key id: existing credentials
// keep all statistics and circuit state, new ones start fresh, dropped ones
// leave the pool (in-flight requests keep valid references to them and
// complete normally). Returns the number of added and removed keys.
func (m *Manager) ReloadKeys(newSpecs []relay.KeySpec) (added, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]*Credential, len(m.keys))
	for _, k := range m.keys {
		existing[k.spec.ID] = k
	}

	next := make([]*Credential, 0, len(newSpecs))
	seen := make(map[string]struct{}, len(newSpecs))
	for i, spec := range newSpecs {
		seen[spec.ID] = struct{}{}
		if k, ok := existing[spec.ID]; ok {
			k.mu.Lock()
			k.index = i
			k.spec = spec // secret may have rotated under the same prefix
			k.mu.Unlock()
			next = append(next, k)
			continue
		}
		next = append(next, m.newCredential(i, spec))
		added++
	}
	for id := range existing {
		if _, ok := seen[id]; !ok {
			removed++
		}
	}

	m.keys = next
	slog.Info("keys reloaded", "total", len(next), "added", added, "removed", removed)
	return added, removed
}

// --- Read projections ---

// Len returns the pool size.
func (m *Manager) Len() int {
	m.mu.RLock()
	n := len(m.keys)
	m.mu.RUnlock()
	return n
}

// TotalInFlight sums in-flight across all keys (the backpressure meter).
func (m *Manager) TotalInFlight() int {
	m.mu.RLock()
	keys := m.keys
	m.mu.RUnlock()
	total := 0
	for _, k := range keys {
		total += k.InFlight()
	}
	return total
}

// AnyAvailable reports whether at least one key could be selected right now.
func (m *Manager) AnyAvailable() bool {
	if limited, _ := m.IsAccountRateLimited(); limited {
		return false
	}
	m.mu.RLock()
	keys := m.keys
	m.mu.RUnlock()
	now := time.Now()
	for _, k := range keys {
		k.mu.Lock()
		ok := m.availableLocked(k, now)
		k.mu.Unlock()
		if ok && k.breaker.Available() {
			return true
		}
	}
	return false
}

// Snapshot copies every credential's state for the stats endpoint.
func (m *Manager) Snapshot() []KeySnapshot {
	m.mu.RLock()
	keys := make([]*Credential, len(m.keys))
	copy(keys, m.keys)
	m.mu.RUnlock()

	var globalMaxP95 int64
	for _, k := range keys {
		if p := k.P95Latency(); p > globalMaxP95 {
			globalMaxP95 = p
		}
	}
	out := make([]KeySnapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.snapshot(globalMaxP95, m.cfg.MaxConcurrencyPerKey))
	}
	return out
}
