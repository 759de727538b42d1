package worker

import (
	"context"
	"log/slog"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/circuitbreaker"
	"github.com/eugener/shadowfax/internal/keypool"
	"github.com/eugener/shadowfax/internal/stats"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// Health levels reported by the flusher as it watches pool availability.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthCritical = "critical"
)

// StatsFlusher periodically persists lifetime stats and keeps the
// keys-available gauge current. It also emits health transition events:
// degraded when fewer than half the keys are usable, critical when none are.
type StatsFlusher struct {
	keys     *keypool.Manager
	persist  *stats.Persistence
	metrics  *telemetry.Metrics
	events   relay.EventSink
	interval time.Duration

	lastLevel string
}

// NewStatsFlusher creates a StatsFlusher. persist, metrics and events may be
// nil; whatever is wired gets serviced.
func NewStatsFlusher(keys *keypool.Manager, persist *stats.Persistence, metrics *telemetry.Metrics, events relay.EventSink, interval time.Duration) *StatsFlusher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if events == nil {
		events = relay.NopSink{}
	}
	return &StatsFlusher{
		keys:      keys,
		persist:   persist,
		metrics:   metrics,
		events:    events,
		interval:  interval,
		lastLevel: healthOK,
	}
}

// Name returns the worker identifier.
func (f *StatsFlusher) Name() string { return "stats_flusher" }

// Run flushes on a fixed interval until ctx is cancelled, then performs one
// final flush so a clean shutdown never loses more than in-flight deltas.
func (f *StatsFlusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.tick(ctx)
		case <-ctx.Done():
			f.flush(ctx)
			return nil
		}
	}
}

func (f *StatsFlusher) tick(ctx context.Context) {
	f.flush(ctx)
	f.observeHealth()
}

func (f *StatsFlusher) flush(ctx context.Context) {
	if f.persist == nil {
		return
	}
	if err := f.persist.Flush(); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "stats flush failed",
			slog.String("error", err.Error()),
		)
	}
}

func (f *StatsFlusher) observeHealth() {
	total := f.keys.Len()
	available := availableKeys(f.keys.Snapshot())

	if f.metrics != nil {
		f.metrics.KeysAvailable.Set(float64(available))
	}

	level := healthOK
	switch {
	case total > 0 && available == 0:
		level = healthCritical
	case available*2 < total:
		level = healthDegraded
	}
	if level == f.lastLevel {
		return
	}
	f.lastLevel = level

	payload := map[string]any{
		"availableKeys": available,
		"totalKeys":     total,
	}
	switch level {
	case healthCritical:
		f.events.Emit(relay.Event{Type: relay.EventHealthCritical, Payload: payload})
	case healthDegraded:
		f.events.Emit(relay.Event{Type: relay.EventHealthDegraded, Payload: payload})
	}
	slog.Info("pool health changed", "level", level, "available", available, "total", total)
}

// availableKeys counts credentials that could serve a request right now:
// circuit not OPEN and no active rate-limit cooldown.
func availableKeys(snaps []keypool.KeySnapshot) int {
	now := time.Now()
	n := 0
	for _, k := range snaps {
		if k.Circuit.State == circuitbreaker.StateOpen.String() {
			continue
		}
		if k.RateLimitedAt != nil && k.RateLimitCooldownMs > 0 &&
			now.Before(k.RateLimitedAt.Add(time.Duration(k.RateLimitCooldownMs)*time.Millisecond)) {
			continue
		}
		n++
	}
	return n
}
