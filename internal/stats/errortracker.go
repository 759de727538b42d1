// Package stats holds the side-band collectors: categorized error counters,
// per-key token accounting, the aggregate read projection served by the
// stats endpoint, and the persisted snapshot file. Nothing here mutates
// scheduler state; all snapshots are copies.
package stats

import (
	"sync"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// spikeWindow is the sliding window the error-spike detector evaluates.
const spikeWindow = time.Minute

// ErrorTracker counts failures by kind and watches for error spikes.
type ErrorTracker struct {
	mu       sync.Mutex
	byKind   map[relay.FailureKind]uint64
	total    uint64
	recent   []time.Time // circuit-counted failures within spikeWindow
	spikeMin int         // failures within the window to call it a spike
}

// NewErrorTracker creates a tracker that reports a spike at spikeMin
// circuit-counted failures per minute (0 disables spike detection).
func NewErrorTracker(spikeMin int) *ErrorTracker {
	return &ErrorTracker{
		byKind:   make(map[relay.FailureKind]uint64),
		spikeMin: spikeMin,
	}
}

// Record counts one failure of the given kind. Returns true when this
// failure pushes the recent circuit-counted rate over the spike threshold.
func (t *ErrorTracker) Record(kind relay.FailureKind) (spike bool) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byKind[kind]++
	t.total++

	if t.spikeMin <= 0 || !kind.CircuitCounted() {
		return false
	}
	cutoff := now.Add(-spikeWindow)
	i := 0
	for i < len(t.recent) && t.recent[i].Before(cutoff) {
		i++
	}
	t.recent = append(t.recent[i:], now)
	// Report the spike once, on the crossing failure.
	return len(t.recent) == t.spikeMin
}

// Snapshot returns a copy of the per-kind counters.
func (t *ErrorTracker) Snapshot() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]uint64, len(t.byKind))
	for k, v := range t.byKind {
		out[string(k)] = v
	}
	return out
}

// Total returns the total failure count.
func (t *ErrorTracker) Total() uint64 {
	t.mu.Lock()
	n := t.total
	t.mu.Unlock()
	return n
}
