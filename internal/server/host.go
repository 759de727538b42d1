package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Host owns the HTTP listener and lifecycle: connection tracking, the
// draining flag, and forced close of lingering connections after the
// graceful deadline.
type Host struct {
	srv      *http.Server
	draining atomic.Bool
	timeout  time.Duration

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	// onDrain runs after in-flight requests settle (or the deadline fires):
	// stats flush, webhook drain.
	onDrain func(context.Context)
}

// NewHost wraps handler in an http.Server with connection tracking.
// Deps.New should be called with the returned host's Draining flag.
func NewHost(addr string, shutdownTimeout time.Duration, onDrain func(context.Context)) *Host {
	h := &Host{
		timeout: shutdownTimeout,
		conns:   make(map[net.Conn]struct{}),
		onDrain: onDrain,
	}
	h.srv = &http.Server{
		Addr:         addr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses have no fixed bound
		ConnState:    h.trackConn,
	}
	return h
}

// Draining exposes the flag the router consults to fail fast during shutdown.
func (h *Host) Draining() *atomic.Bool { return &h.draining }

// SetHandler installs the router. Must be called before ListenAndServe.
func (h *Host) SetHandler(handler http.Handler) { h.srv.Handler = handler }

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// swallowed; it is the normal Shutdown result.
func (h *Host) ListenAndServe() error {
	err := h.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (h *Host) trackConn(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		h.mu.Lock()
		h.conns[conn] = struct{}{}
		h.mu.Unlock()
	case http.StateClosed, http.StateHijacked:
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}
}

// Shutdown drains gracefully: stop accepting, wait for in-flight requests up
// to the configured timeout, then forcibly close lingering connections.
func (h *Host) Shutdown(ctx context.Context) error {
	h.draining.Store(true)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.srv.Shutdown(ctx)
	if err != nil {
		// Deadline hit with connections still open: force them closed.
		h.mu.Lock()
		lingering := len(h.conns)
		for conn := range h.conns {
			conn.Close()
		}
		clear(h.conns)
		h.mu.Unlock()
		if lingering > 0 {
			slog.Warn("forced close of lingering connections", "count", lingering)
		}
	}

	if h.onDrain != nil {
		h.onDrain(context.WithoutCancel(ctx))
	}
	return err
}
