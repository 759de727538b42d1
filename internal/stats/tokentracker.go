package stats

import (
	"sync"

	"github.com/eugener/shadowfax/internal/container"
)

// TokenCounts is the per-key or aggregate token tally.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// TokenTracker accumulates input/output tokens per key, bounded to maxKeys
// by LRU eviction (evicted keys fold into the aggregate only).
type TokenTracker struct {
	mu     sync.Mutex
	perKey *container.LRUMap[string, *TokenCounts]
	total  TokenCounts
}

// NewTokenTracker creates a tracker retaining at most maxKeys per-key rows.
func NewTokenTracker(maxKeys int) *TokenTracker {
	if maxKeys <= 0 {
		maxKeys = 64
	}
	return &TokenTracker{
		perKey: container.NewLRUMap[string, *TokenCounts](maxKeys, nil),
	}
}

// Record adds a usage observation for keyID.
func (t *TokenTracker) Record(keyID string, input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total.Input += input
	t.total.Output += output
	if c, ok := t.perKey.Get(keyID); ok {
		c.Input += input
		c.Output += output
		return
	}
	t.perKey.Set(keyID, &TokenCounts{Input: input, Output: output})
}

// Snapshot returns copies of the per-key and aggregate tallies.
func (t *TokenTracker) Snapshot() (perKey map[string]TokenCounts, total TokenCounts) {
	t.mu.Lock()
	defer t.mu.Unlock()
	perKey = make(map[string]TokenCounts, t.perKey.Len())
	t.perKey.Range(func(k string, v *TokenCounts) bool {
		perKey[k] = *v
		return true
	})
	return perKey, t.total
}
