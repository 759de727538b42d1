// Package relay defines domain types and interfaces for the Shadowfax proxy.
// This package has no project imports -- it is the dependency root.
package relay

import (
	"context"
	"strings"
	"time"
)

// --- Credentials ---

// KeySpec is one parsed entry from the keys file. The raw form is
// "<id>.<secret>"; ID is the redaction-safe prefix and Secret is opaque.
type KeySpec struct {
	ID     string
	Secret string
}

// ParseKeySpec splits a raw "<id>.<secret>" key into its parts.
// Returns false when the raw form has no separator or an empty half.
func ParseKeySpec(raw string) (KeySpec, bool) {
	id, secret, ok := strings.Cut(raw, ".")
	if !ok || id == "" || secret == "" {
		return KeySpec{}, false
	}
	return KeySpec{ID: id, Secret: secret}, true
}

// Bearer returns the upstream Authorization header value for the key.
func (k KeySpec) Bearer() string { return "Bearer " + k.ID + "." + k.Secret }

// --- Failure taxonomy ---

// FailureKind categorizes a terminal or transient request failure.
type FailureKind string

const (
	FailTimeout           FailureKind = "timeout"
	FailServerError       FailureKind = "server_error"
	FailDNSError          FailureKind = "dns_error"
	FailTLSError          FailureKind = "tls_error"
	FailConnectionRefused FailureKind = "connection_refused"
	FailSocketHangup      FailureKind = "socket_hangup"
	FailClientDisconnect  FailureKind = "client_disconnect"
	FailRateLimited       FailureKind = "rate_limited"
	FailAuthError         FailureKind = "auth_error"
	FailBrokenPipe        FailureKind = "broken_pipe"
	FailStreamClosed      FailureKind = "stream_premature_close"
	FailConnectionAborted FailureKind = "connection_aborted"
	FailHTTPParse         FailureKind = "http_parse_error"
	FailOther             FailureKind = "other"
)

// CircuitCounted reports whether the kind counts against the key's circuit.
// Client-side and mid-stream aborts do not, nor do upstream 429s (those feed
// the rate-limit cooldowns instead).
func (k FailureKind) CircuitCounted() bool {
	switch k {
	case FailSocketHangup, FailClientDisconnect, FailRateLimited,
		FailBrokenPipe, FailStreamClosed, FailConnectionAborted:
		return false
	}
	return true
}

// Retryable reports whether the dispatcher may retry the request against a
// different key. Conditional kinds (mid-stream aborts) are retryable only
// before any response byte reached the client; the dispatcher checks that
// separately.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailTimeout, FailServerError, FailDNSError, FailTLSError,
		FailConnectionRefused, FailRateLimited,
		FailSocketHangup, FailBrokenPipe, FailStreamClosed, FailConnectionAborted:
		return true
	}
	return false
}

// --- Webhook events ---

// EventType identifies an outbound observability event.
type EventType string

const (
	EventCircuitTrip       EventType = "circuit.trip"
	EventCircuitRecover    EventType = "circuit.recover"
	EventRateLimitHit      EventType = "rate_limit.hit"
	EventPoolExhausted     EventType = "rate_limit.pool_exhausted"
	EventErrorSpike        EventType = "error.spike"
	EventHealthDegraded    EventType = "health.degraded"
	EventHealthCritical    EventType = "health.critical"
)

// Event is the core-emitted observability event shape.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// EventSink receives core-emitted events. Implementations must not block.
type EventSink interface {
	Emit(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// --- Trace records (side-band sink) ---

// TraceRecord is one terminal request outcome written to the trace store.
type TraceRecord struct {
	TraceID      string    `json:"trace_id"`
	KeyID        string    `json:"key_id"` // redacted prefix, never the secret
	Model        string    `json:"model"`
	StatusCode   int       `json:"status_code"`
	FailureKind  string    `json:"failure_kind,omitempty"`
	Attempts     int       `json:"attempts"`
	LatencyMs    int64     `json:"latency_ms"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// TraceFilter narrows trace store queries.
type TraceFilter struct {
	KeyID  string
	Model  string
	Since  string // RFC 3339, inclusive
	Limit  int
	Offset int
}

// --- Context keys ---

type contextKey int

const ctxKeyTrace contextKey = 0

// TraceIDFromContext extracts the per-request trace id from ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyTrace).(string)
	return id
}

// ContextWithTraceID returns a context carrying the given trace id.
func ContextWithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyTrace, id)
}
