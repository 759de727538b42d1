package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/redact"
)

type capture struct {
	mu         sync.Mutex
	deliveries []delivery
}

type delivery struct {
	headers http.Header
	body    []byte
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.deliveries = append(c.deliveries, delivery{headers: r.Header.Clone(), body: body})
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *capture) wait(t *testing.T, n int) []delivery {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.deliveries)
		c.mu.Unlock()
		if got >= n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d deliveries, got %d", n, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery(nil), c.deliveries...)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

func TestManagerDeliversSignedEvent(t *testing.T) {
	t.Parallel()

	var rec capture
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	m := NewManager(Config{
		Endpoints: []Endpoint{{URL: srv.URL, Secret: "hook-secret"}},
	}, srv.Client())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); m.Run(ctx) }()

	m.Emit(relay.Event{
		Type:    relay.EventCircuitTrip,
		Payload: map[string]any{"key": "acct-1"},
	})

	got := rec.wait(t, 1)[0]
	cancel()
	<-done

	if got.headers.Get("X-Event") != string(relay.EventCircuitTrip) {
		t.Errorf("X-Event = %q", got.headers.Get("X-Event"))
	}
	if got.headers.Get("X-Event-ID") == "" {
		t.Error("X-Event-ID missing")
	}
	ts := got.headers.Get("X-Timestamp")
	if ts == "" {
		t.Fatal("X-Timestamp missing")
	}
	sig := got.headers.Get("X-Signature")
	if !redact.VerifySignature("hook-secret", ts, got.body, sig) {
		t.Errorf("signature does not verify: %q", sig)
	}

	var ev relay.Event
	if err := json.Unmarshal(got.body, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != relay.EventCircuitTrip || ev.ID == "" {
		t.Errorf("delivered event = %+v", ev)
	}
	if ev.Payload["key"] != "acct-1" {
		t.Errorf("payload = %v", ev.Payload)
	}
}

func TestManagerNoSignatureWithoutSecret(t *testing.T) {
	t.Parallel()

	var rec capture
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	m := NewManager(Config{Endpoints: []Endpoint{{URL: srv.URL}}}, srv.Client())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Emit(relay.Event{Type: relay.EventErrorSpike})

	got := rec.wait(t, 1)[0]
	if sig := got.headers.Get("X-Signature"); sig != "" {
		t.Errorf("unexpected X-Signature %q without a secret", sig)
	}
}

func TestManagerDedupesWithinWindow(t *testing.T) {
	t.Parallel()

	var rec capture
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	m := NewManager(Config{
		Endpoints:    []Endpoint{{URL: srv.URL}},
		DedupeWindow: time.Minute,
	}, srv.Client())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	for range 5 {
		m.Emit(relay.Event{Type: relay.EventRateLimitHit, Payload: map[string]any{"key": "acct-1"}})
	}
	// A different subject is not a duplicate.
	m.Emit(relay.Event{Type: relay.EventRateLimitHit, Payload: map[string]any{"key": "acct-2"}})

	rec.wait(t, 2)
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(); n != 2 {
		t.Errorf("deliveries = %d, want 2", n)
	}
}

func TestManagerFansOutToAllEndpoints(t *testing.T) {
	t.Parallel()

	var a, b capture
	srvA := httptest.NewServer(a.handler())
	defer srvA.Close()
	srvB := httptest.NewServer(b.handler())
	defer srvB.Close()

	m := NewManager(Config{
		Endpoints: []Endpoint{{URL: srvA.URL}, {URL: srvB.URL}},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Emit(relay.Event{Type: relay.EventHealthDegraded})

	a.wait(t, 1)
	b.wait(t, 1)
}

func TestManagerEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	// No Run loop consuming; fill the channel past capacity.
	m := NewManager(Config{Endpoints: []Endpoint{{URL: "http://127.0.0.1:0"}}}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < eventChanSize*2; i++ {
			m.Emit(relay.Event{Type: relay.EventErrorSpike})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on full channel")
	}
}

func TestManagerEmitNoEndpointsIsNoop(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{}, nil)
	for i := 0; i < eventChanSize*2; i++ {
		m.Emit(relay.Event{Type: relay.EventErrorSpike})
	}
	if len(m.ch) != 0 {
		t.Errorf("events queued with no endpoints: %d", len(m.ch))
	}
}

func TestManagerDrainFlushesQueued(t *testing.T) {
	t.Parallel()

	var rec capture
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	m := NewManager(Config{Endpoints: []Endpoint{{URL: srv.URL}}}, srv.Client())

	// Queue without a running worker, then drain.
	m.Emit(relay.Event{Type: relay.EventCircuitTrip, Payload: map[string]any{"key": "a"}})
	m.Emit(relay.Event{Type: relay.EventCircuitRecover, Payload: map[string]any{"key": "a"}})

	m.Drain(context.Background())

	if n := rec.count(); n != 2 {
		t.Errorf("deliveries after drain = %d, want 2", n)
	}
}
