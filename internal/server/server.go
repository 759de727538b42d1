// Package server implements the HTTP transport layer for the Shadowfax proxy.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/keypool"
	"github.com/eugener/shadowfax/internal/pool"
	"github.com/eugener/shadowfax/internal/queue"
	"github.com/eugener/shadowfax/internal/replay"
	"github.com/eugener/shadowfax/internal/stats"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// TraceReader serves the trace lookup endpoint.
type TraceReader interface {
	QueryTraces(ctx context.Context, f relay.TraceFilter) ([]relay.TraceRecord, error)
}

// ReloadFunc re-reads the keys file and applies it to the pool. It reports
// the resulting key count and the reload delta.
type ReloadFunc func(ctx context.Context) (total, added, removed int, err error)

// ModelInfo is one catalog entry served by the models endpoint.
type ModelInfo struct {
	Name           string `json:"name"`
	Tier           string `json:"tier,omitempty"`
	MaxConcurrency int    `json:"maxConcurrency"`
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Proxy      http.Handler // the dispatcher; receives every non-admin request
	Keys       *keypool.Manager
	Pools      *pool.Manager
	Admission  *queue.Queue
	Stats      *stats.Aggregator
	Metrics    *telemetry.Metrics
	MetricsH   http.Handler // promhttp exposition handler
	Replays    *replay.Queue // nil disables the replay endpoints
	ReplaySend replay.SendFunc
	Traces     TraceReader // nil disables the traces endpoint
	Reload     ReloadFunc
	Models     []ModelInfo

	MaxBackpressure int
}

// New creates an http.Handler with all routes and middleware wired.
// draining, when set, makes proxied requests fail fast with 503.
func New(deps Deps, draining *atomic.Bool) http.Handler {
	s := &server{deps: deps, draining: draining, started: time.Now()}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	// Admin surface. Unregistered methods on these paths get chi's 405.
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/backpressure", s.handleBackpressure)
	r.Get("/models", s.handleModels)
	r.Post("/reload", s.handleReload)
	if deps.MetricsH != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsH)
	}
	if deps.Traces != nil {
		r.Get("/traces", s.handleTraces)
	}
	if deps.Replays != nil {
		r.Get("/replay", s.handleReplayList)
		r.Delete("/replay", s.handleReplayClear)
		r.Post("/replay/{traceID}", s.handleReplay)
		r.Delete("/replay/{traceID}", s.handleReplayRemove)
	}

	// Everything else is an upstream-shaped path: proxy it.
	r.NotFound(s.proxy)

	return r
}

type server struct {
	deps     Deps
	draining *atomic.Bool
	started  time.Time
}

// proxy forwards to the dispatcher unless the host is draining.
func (s *server) proxy(w http.ResponseWriter, r *http.Request) {
	if s.draining != nil && s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("draining", "server is shutting down"))
		return
	}
	s.deps.Proxy.ServeHTTP(w, r)
}
