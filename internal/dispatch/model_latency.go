package dispatch

import (
	"sort"
	"sync"

	"github.com/eugener/shadowfax/internal/container"
)

const (
	modelLatencySamples = 100
	modelLatencyModels  = 64
)

// modelLatencies keeps bounded per-model latency rings so saturation
// responses can hint Retry-After from the model actually being requested
// rather than pool-wide latency.
type modelLatencies struct {
	mu    sync.Mutex
	rings *container.LRUMap[string, *container.Ring[int64]]
}

func newModelLatencies() *modelLatencies {
	return &modelLatencies{
		rings: container.NewLRUMap[string, *container.Ring[int64]](modelLatencyModels, nil),
	}
}

// Observe records one successful-request latency sample for model.
func (l *modelLatencies) Observe(model string, latencyMs int64) {
	if model == "" || latencyMs <= 0 {
		return
	}
	l.mu.Lock()
	r, ok := l.rings.Get(model)
	if !ok {
		r = container.NewRing[int64](modelLatencySamples)
		l.rings.Set(model, r)
	}
	r.Push(latencyMs)
	l.mu.Unlock()
}

// P95 returns the model's p95 latency in milliseconds, or 0 with no samples.
func (l *modelLatencies) P95(model string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rings.Get(model)
	if !ok || r.Len() == 0 {
		return 0
	}
	samples := r.ToSlice()
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := (len(samples) * 95) / 100
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}
