// Package circuitbreaker implements a per-key circuit breaker with a sliding
// failure window. It short-circuits requests to known-bad keys, reducing
// failover latency from seconds (timeout + network) to nanoseconds (state check).
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Reason explains a state transition in the OnStateChange callback.
type Reason string

const (
	ReasonThreshold Reason = "threshold"
	ReasonCooldown  Reason = "cooldown"
	ReasonSuccess   Reason = "success"
	ReasonForced    Reason = "forced"
	ReasonReset     Reason = "reset"
)

// ChangeInfo carries context for a state transition.
type ChangeInfo struct {
	Reason    Reason
	LastError string
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // failures within the window to trip
	FailureWindow    time.Duration // sliding window duration
	CooldownPeriod   time.Duration // time in OPEN before a probe is allowed
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		CooldownPeriod:   30 * time.Second,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = d.CooldownPeriod
	}
	return c
}

// failure is one entry in the sliding window.
type failure struct {
	at   time.Time
	kind string
}

// Breaker is a per-key circuit breaker state machine. It never blocks and
// needs no background timer: OPEN -> HALF_OPEN happens lazily on the next
// UpdateState/Available call after the cooldown elapses.
type Breaker struct {
	mu           sync.Mutex
	state        State
	window       []failure // pruned on every mutation
	successCount int
	failureCount int
	openedAt     time.Time
	lastError    string
	probing      bool // a half-open probe is in flight
	cfg          Config
	onChange     func(from, to State, info ChangeInfo)
}

// New creates a breaker with the given config. onChange may be nil; when set
// it fires for every transition while the breaker lock is held, so it must
// not block.
func New(cfg Config, onChange func(from, to State, info ChangeInfo)) *Breaker {
	return &Breaker{
		state:    StateClosed,
		cfg:      cfg.withDefaults(),
		onChange: onChange,
	}
}

// transition moves the breaker to the given state and fires the callback.
// Caller holds b.mu.
func (b *Breaker) transition(to State, reason Reason) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	if to != StateHalfOpen {
		b.probing = false
	}
	if b.onChange != nil {
		b.onChange(from, to, ChangeInfo{Reason: reason, LastError: b.lastError})
	}
}

// prune drops window entries older than now - FailureWindow. Caller holds b.mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = b.window[i:]
	}
}

// RecordFailure appends a failure of the given kind to the window and trips
// the breaker when the pruned window reaches the threshold, or immediately
// when a half-open probe fails.
func (b *Breaker) RecordFailure(kind string) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window = append(b.window, failure{at: now, kind: kind})
	b.prune(now)
	b.failureCount++
	b.lastError = kind

	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen, ReasonThreshold)
	case StateClosed:
		if len(b.window) >= b.cfg.FailureThreshold {
			b.transition(StateOpen, ReasonThreshold)
		}
	}
}

// RecordSuccess records a successful outcome. A half-open probe success
// closes the breaker and clears the window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.window = b.window[:0]
		b.successCount++
		b.transition(StateClosed, ReasonSuccess)
	case StateClosed:
		b.successCount++
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// UpdateState lazily transitions OPEN -> HALF_OPEN once the cooldown has
// elapsed. Idempotent.
func (b *Breaker) UpdateState() {
	b.mu.Lock()
	b.updateLocked(time.Now())
	b.mu.Unlock()
}

func (b *Breaker) updateLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.CooldownPeriod {
		b.transition(StateHalfOpen, ReasonCooldown)
	}
}

// Available reports whether the key behind this breaker may be selected.
// A half-open breaker with a probe already in flight is not available.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateLocked(time.Now())
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !b.probing
	}
	return false
}

// State returns the current state after applying the lazy cooldown transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateLocked(time.Now())
	return b.state
}

// TryProbe reserves the single half-open probe slot. It returns true when the
// breaker is HALF_OPEN and no other probe is outstanding.
func (b *Breaker) TryProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateLocked(time.Now())
	if b.state != StateHalfOpen || b.probing {
		return false
	}
	b.probing = true
	return true
}

// ReleaseProbe frees the probe slot without recording an outcome
// (pre-upstream cancellation).
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// ForceState administratively overrides the state. Forcing CLOSED clears the
// failure window. Forcing HALF_OPEN from OPEN is how the rescue selection
// path claims the oldest open key for a probe; the probe slot is reserved.
func (b *Breaker) ForceState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s == StateClosed {
		b.window = b.window[:0]
	}
	b.transition(s, ReasonForced)
	if s == StateHalfOpen {
		b.probing = true
	}
}

// Reset forces CLOSED with an empty window and zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window = b.window[:0]
	b.successCount = 0
	b.failureCount = 0
	b.lastError = ""
	b.transition(StateClosed, ReasonReset)
}

// Snapshot is a copy of the breaker state for stats endpoints.
type Snapshot struct {
	State          string     `json:"state"`
	RecentFailures int        `json:"recentFailures"`
	SuccessCount   int        `json:"successCount"`
	FailureCount   int        `json:"failureCount"`
	OpenedAt       *time.Time `json:"openedAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

// GetSnapshot returns a copy of the current breaker state.
func (b *Breaker) GetSnapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(time.Now())
	s := Snapshot{
		State:          b.state.String(),
		RecentFailures: len(b.window),
		SuccessCount:   b.successCount,
		FailureCount:   b.failureCount,
		LastError:      b.lastError,
	}
	if b.state == StateOpen {
		opened := b.openedAt
		s.OpenedAt = &opened
	}
	return s
}

// OpenedAt returns when the breaker last opened (zero if never).
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	t := b.openedAt
	b.mu.Unlock()
	return t
}
