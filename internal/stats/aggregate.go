package stats

import (
	"time"

	"github.com/eugener/shadowfax/internal/keypool"
	"github.com/eugener/shadowfax/internal/pool"
)

// Aggregator is the pure read projection over the live scheduler state plus
// the side-band collectors. It holds no state of its own and never mutates
// its sources; every call returns fresh copies.
type Aggregator struct {
	keys    *keypool.Manager
	pools   *pool.Manager
	errs    *ErrorTracker
	tokens  *TokenTracker
	persist *Persistence
	started time.Time
}

// NewAggregator wires the aggregator. persist may be nil when snapshot
// persistence is disabled.
func NewAggregator(keys *keypool.Manager, pools *pool.Manager, errs *ErrorTracker, tokens *TokenTracker, persist *Persistence) *Aggregator {
	return &Aggregator{
		keys:    keys,
		pools:   pools,
		errs:    errs,
		tokens:  tokens,
		persist: persist,
		started: time.Now(),
	}
}

// Snapshot is the full stats document served by the stats endpoint.
type Snapshot struct {
	UptimeSeconds int64                  `json:"uptimeSeconds"`
	Keys          []keypool.KeySnapshot  `json:"keys"`
	Pools         []pool.PoolSnapshot    `json:"pools"`
	Errors        map[string]uint64      `json:"errors"`
	TokensPerKey  map[string]TokenCounts `json:"tokensPerKey"`
	TokensTotal   TokenCounts            `json:"tokensTotal"`
	Lifetime      *LifetimeSnapshot      `json:"lifetime,omitempty"`
}

// LifetimeSnapshot carries the persisted cross-restart counters.
type LifetimeSnapshot struct {
	Keys   map[string]KeyTotals `json:"keys"`
	Totals KeyTotals            `json:"totals"`
}

// Collect assembles a stats snapshot.
func (a *Aggregator) Collect() Snapshot {
	s := Snapshot{
		UptimeSeconds: int64(time.Since(a.started).Seconds()),
		Keys:          a.keys.Snapshot(),
		Pools:         a.pools.Snapshot(),
		Errors:        a.errs.Snapshot(),
	}
	s.TokensPerKey, s.TokensTotal = a.tokens.Snapshot()
	if a.persist != nil {
		keys, totals := a.persist.Snapshot()
		s.Lifetime = &LifetimeSnapshot{Keys: keys, Totals: totals}
	}
	return s
}

// UptimeSeconds returns seconds since the aggregator was created.
func (a *Aggregator) UptimeSeconds() int64 {
	return int64(time.Since(a.started).Seconds())
}
