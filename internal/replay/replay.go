// Package replay implements the post-failure replay buffer: failed requests
// are retained for a bounded period and can be re-sent individually or in
// bulk through a caller-supplied send function.
package replay

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// Entry is one retained failed request.
type Entry struct {
	TraceID     string      `json:"traceId"`
	Method      string      `json:"method"`
	Path        string      `json:"path"`
	Headers     http.Header `json:"headers"`
	Body        []byte      `json:"-"`
	Model       string      `json:"model,omitempty"`
	FailureKind string      `json:"failureKind"`
	StatusCode  int         `json:"statusCode"`
	EnqueuedAt  time.Time   `json:"enqueuedAt"`
	Attempts    int         `json:"attempts"`
}

// EventKind names a replay lifecycle event.
type EventKind string

const (
	EventEnqueued      EventKind = "enqueued"
	EventEvicted       EventKind = "evicted"
	EventReplayStart   EventKind = "replayStart"
	EventReplaySuccess EventKind = "replaySuccess"
	EventReplayError   EventKind = "replayError"
	EventExpired       EventKind = "expired"
)

// SendFunc re-issues a retained request. The queue bounds how often it is
// invoked per entry; implementations route through the normal dispatch path.
type SendFunc func(ctx context.Context, e Entry) error

// Options tweak a single replay invocation.
type Options struct {
	HeaderOverrides map[string]string
	BodyOverride    []byte
	DryRun          bool
}

// Config holds replay queue parameters.
type Config struct {
	MaxEntries      int
	RetentionPeriod time.Duration
	MaxRetries      int
	SweepInterval   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:      200,
		RetentionPeriod: 30 * time.Minute,
		MaxRetries:      3,
		SweepInterval:   time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = d.RetentionPeriod
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Stats is the read-only queue summary.
type Stats struct {
	Entries    int    `json:"entries"`
	MaxEntries int    `json:"maxEntries"`
	Enqueued   uint64 `json:"enqueued"`
	Evicted    uint64 `json:"evicted"`
	Expired    uint64 `json:"expired"`
	Replayed   uint64 `json:"replayed"`
	Failed     uint64 `json:"failed"`
}

// Queue is the retention-bounded replay buffer. Oldest entries are evicted
// on overflow; a background sweep (Run) expires entries past retention.
type Queue struct {
	mu      sync.Mutex
	order   *list.List // front = oldest; values are *Entry
	byID    map[string]*list.Element
	cfg     Config
	onEvent func(EventKind, Entry)
	stats   Stats
}

// New creates a replay queue. onEvent may be nil; it is invoked outside the
// queue lock.
func New(cfg Config, onEvent func(EventKind, Entry)) *Queue {
	c := cfg.withDefaults()
	return &Queue{
		order:   list.New(),
		byID:    make(map[string]*list.Element),
		cfg:     c,
		onEvent: onEvent,
	}
}

func (q *Queue) emit(kind EventKind, e Entry) {
	if q.onEvent != nil {
		q.onEvent(kind, e)
	}
}

// Enqueue retains a failed request, evicting the oldest entry on overflow.
// Re-enqueueing an existing trace id replaces the old entry in place.
func (q *Queue) Enqueue(e Entry) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}

	var evicted *Entry
	q.mu.Lock()
	if el, ok := q.byID[e.TraceID]; ok {
		*el.Value.(*Entry) = e
		q.mu.Unlock()
		return
	}
	if q.order.Len() >= q.cfg.MaxEntries {
		el := q.order.Front()
		old := el.Value.(*Entry)
		q.order.Remove(el)
		delete(q.byID, old.TraceID)
		q.stats.Evicted++
		evicted = old
	}
	q.byID[e.TraceID] = q.order.PushBack(&e)
	q.stats.Enqueued++
	q.mu.Unlock()

	if evicted != nil {
		q.emit(EventEvicted, *evicted)
	}
	q.emit(EventEnqueued, e)
}

// Get returns a copy of the entry for traceID.
func (q *Queue) Get(traceID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if el, ok := q.byID[traceID]; ok {
		return *el.Value.(*Entry), true
	}
	return Entry{}, false
}

// Replay re-sends the entry for traceID through send. Attempts are bounded
// by MaxRetries across the entry's lifetime; a successful replay removes the
// entry. DryRun reports what would be sent without invoking send.
func (q *Queue) Replay(ctx context.Context, traceID string, send SendFunc, opts Options) (Entry, error) {
	q.mu.Lock()
	el, ok := q.byID[traceID]
	if !ok {
		q.mu.Unlock()
		return Entry{}, relay.ErrNotFound
	}
	e := el.Value.(*Entry)
	if e.Attempts >= q.cfg.MaxRetries {
		snapshot := *e
		q.mu.Unlock()
		return snapshot, fmt.Errorf("replay %s: retry budget exhausted (%d)", traceID, q.cfg.MaxRetries)
	}

	attempt := *e
	if len(opts.BodyOverride) > 0 {
		attempt.Body = opts.BodyOverride
	}
	if len(opts.HeaderOverrides) > 0 {
		attempt.Headers = attempt.Headers.Clone()
		if attempt.Headers == nil {
			attempt.Headers = make(http.Header)
		}
		for k, v := range opts.HeaderOverrides {
			attempt.Headers.Set(k, v)
		}
	}
	if !opts.DryRun {
		e.Attempts++
		attempt.Attempts = e.Attempts
	}
	q.mu.Unlock()

	if opts.DryRun {
		return attempt, nil
	}

	q.emit(EventReplayStart, attempt)
	if err := send(ctx, attempt); err != nil {
		q.mu.Lock()
		q.stats.Failed++
		q.mu.Unlock()
		q.emit(EventReplayError, attempt)
		return attempt, fmt.Errorf("replay %s: %w", traceID, err)
	}

	q.mu.Lock()
	if el, ok := q.byID[traceID]; ok {
		q.order.Remove(el)
		delete(q.byID, traceID)
	}
	q.stats.Replayed++
	q.mu.Unlock()
	q.emit(EventReplaySuccess, attempt)
	return attempt, nil
}

// ReplayAll replays every entry matching filter (nil = all), oldest first.
// Returns the number of successful replays and the first error encountered.
func (q *Queue) ReplayAll(ctx context.Context, filter func(Entry) bool, send SendFunc) (int, error) {
	q.mu.Lock()
	ids := make([]string, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if filter == nil || filter(*e) {
			ids = append(ids, e.TraceID)
		}
	}
	q.mu.Unlock()

	replayed := 0
	var firstErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		if _, err := q.Replay(ctx, id, send, Options{}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		replayed++
	}
	return replayed, firstErr
}

// Remove drops the entry for traceID.
func (q *Queue) Remove(traceID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.byID[traceID]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.byID, traceID)
	return true
}

// Clear drops all entries.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.order.Init()
	q.byID = make(map[string]*list.Element)
	q.mu.Unlock()
}

// List returns copies of all entries, oldest first.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Entry))
	}
	return out
}

// GetStats returns a copy of the queue counters.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	s := q.stats
	s.Entries = q.order.Len()
	s.MaxEntries = q.cfg.MaxEntries
	q.mu.Unlock()
	return s
}

// Sweep expires entries older than the retention period. Returns how many
// were removed.
func (q *Queue) Sweep() int {
	cutoff := time.Now().Add(-q.cfg.RetentionPeriod)

	var expired []Entry
	q.mu.Lock()
	for el := q.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		if e.EnqueuedAt.After(cutoff) {
			break // ordered by enqueue time; the rest are fresher
		}
		q.order.Remove(el)
		delete(q.byID, e.TraceID)
		q.stats.Expired++
		expired = append(expired, *e)
		el = next
	}
	q.mu.Unlock()

	for _, e := range expired {
		q.emit(EventExpired, e)
	}
	return len(expired)
}

// Run sweeps expired entries on an interval until ctx is cancelled.
// Implements the worker interface.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := q.Sweep(); n > 0 {
				slog.Debug("replay entries expired", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
