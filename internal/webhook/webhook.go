// Package webhook delivers core-emitted observability events to configured
// HTTP endpoints. Emit never blocks the caller: events go through a bounded
// channel and are dropped with a warning when the consumer falls behind.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/container"
	"github.com/eugener/shadowfax/internal/redact"
)

const (
	eventChanSize  = 256
	dedupeCapacity = 512
	drainTime      = 10 * time.Second
)

// Endpoint is one webhook destination.
type Endpoint struct {
	URL    string
	Secret string // optional; enables the X-Signature header
}

// Config controls the manager.
type Config struct {
	Endpoints      []Endpoint
	DeliverTimeout time.Duration // per-POST timeout
	DedupeWindow   time.Duration // identical events within this window are sent once
}

func (c Config) withDefaults() Config {
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 5 * time.Second
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 30 * time.Second
	}
	return c
}

// Manager fans events out to the configured endpoints. It satisfies
// relay.EventSink and runs as a worker under the runner.
type Manager struct {
	cfg    Config
	ch     chan relay.Event
	client *http.Client

	// dedupe is keyed by event type + the subject it concerns, accessed
	// only from the Run goroutine.
	dedupe *container.LRUMap[string, time.Time]
}

// NewManager creates a Manager. client may be nil for a default client.
func NewManager(cfg Config, client *http.Client) *Manager {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.DeliverTimeout}
	}
	return &Manager{
		cfg:    cfg,
		ch:     make(chan relay.Event, eventChanSize),
		client: client,
		dedupe: container.NewLRUMap[string, time.Time](dedupeCapacity, nil),
	}
}

// Name returns the worker identifier.
func (m *Manager) Name() string { return "webhook_manager" }

// Emit enqueues an event for delivery. It never blocks; drops on full channel.
func (m *Manager) Emit(ev relay.Event) {
	if len(m.cfg.Endpoints) == 0 {
		return
	}
	select {
	case m.ch <- ev:
	default:
		slog.Warn("webhook event dropped, channel full", "type", ev.Type)
	}
}

// Run delivers events until ctx is cancelled, then drains the channel with
// a bounded grace period.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-m.ch:
			m.deliver(ctx, ev)
		case <-ctx.Done():
			m.Drain(context.Background())
			return nil
		}
	}
}

// Drain delivers any queued events, stopping when the channel is empty, the
// grace period elapses, or ctx is cancelled.
func (m *Manager) Drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTime)
	defer cancel()

	for {
		select {
		case ev := <-m.ch:
			m.deliver(ctx, ev)
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

func (m *Manager) deliver(ctx context.Context, ev relay.Event) {
	if m.isDuplicate(ev) {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.Must(uuid.NewV7()).String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("webhook event marshal failed", "type", ev.Type, "error", err)
		return
	}
	ts := strconv.FormatInt(ev.Timestamp.Unix(), 10)

	for _, ep := range m.cfg.Endpoints {
		if err := m.post(ctx, ep, ev, body, ts); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "webhook delivery failed",
				slog.String("url", ep.URL),
				slog.String("type", string(ev.Type)),
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Manager) post(ctx context.Context, ep Endpoint, ev relay.Event, body []byte, ts string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DeliverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event", string(ev.Type))
	req.Header.Set("X-Event-ID", ev.ID)
	req.Header.Set("X-Timestamp", ts)
	if ep.Secret != "" {
		req.Header.Set("X-Signature", redact.Sign(ep.Secret, ts, body))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// isDuplicate suppresses identical events inside the dedupe window. Two
// events are identical if they share a type and subject (the "key" or
// "model" payload field, when present).
func (m *Manager) isDuplicate(ev relay.Event) bool {
	key := string(ev.Type)
	if v, ok := ev.Payload["key"]; ok {
		key += "|" + fmt.Sprint(v)
	}
	if v, ok := ev.Payload["model"]; ok {
		key += "|" + fmt.Sprint(v)
	}

	now := time.Now()
	if last, ok := m.dedupe.Peek(key); ok && now.Sub(last) < m.cfg.DedupeWindow {
		return true
	}
	m.dedupe.Set(key, now)
	return false
}
