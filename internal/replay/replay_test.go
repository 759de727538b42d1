package replay

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

func entry(id string) Entry {
	return Entry{
		TraceID:     id,
		Method:      http.MethodPost,
		Path:        "/v1/messages",
		Body:        []byte(`{"model":"claude-3"}`),
		Model:       "claude-3",
		FailureKind: "server_error",
	}
}

func TestQueue_OverflowEvictsOldest(t *testing.T) {
	t.Parallel()

	var events []EventKind
	q := New(Config{MaxEntries: 2}, func(k EventKind, _ Entry) { events = append(events, k) })

	q.Enqueue(entry("t1"))
	q.Enqueue(entry("t2"))
	q.Enqueue(entry("t3")) // evicts t1

	if _, ok := q.Get("t1"); ok {
		t.Fatal("t1 should have been evicted")
	}
	if s := q.GetStats(); s.Entries != 2 || s.Evicted != 1 {
		t.Fatalf("stats = %+v, want 2 entries, 1 evicted", s)
	}

	wantEvicted := false
	for _, e := range events {
		if e == EventEvicted {
			wantEvicted = true
		}
	}
	if !wantEvicted {
		t.Fatalf("events = %v, want an evicted event", events)
	}
}

func TestQueue_ReplaySuccessRemovesEntry(t *testing.T) {
	t.Parallel()

	q := New(Config{}, nil)
	q.Enqueue(entry("t1"))

	var sent Entry
	got, err := q.Replay(context.Background(), "t1", func(_ context.Context, e Entry) error {
		sent = e
		return nil
	}, Options{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if sent.TraceID != "t1" || got.Attempts != 1 {
		t.Fatalf("sent = %+v got = %+v, want t1 with attempt 1", sent, got)
	}
	if _, ok := q.Get("t1"); ok {
		t.Fatal("successful replay should remove the entry")
	}
}

func TestQueue_ReplayBoundedByRetries(t *testing.T) {
	t.Parallel()

	q := New(Config{MaxRetries: 2}, nil)
	q.Enqueue(entry("t1"))

	fail := func(context.Context, Entry) error { return errors.New("still broken") }
	for i := range 2 {
		if _, err := q.Replay(context.Background(), "t1", fail, Options{}); err == nil {
			t.Fatalf("replay %d should fail", i)
		}
	}

	// Budget exhausted: send must not run again.
	_, err := q.Replay(context.Background(), "t1", func(context.Context, Entry) error {
		t.Fatal("send invoked past retry budget")
		return nil
	}, Options{})
	if err == nil {
		t.Fatal("expected retry-budget error")
	}
}

func TestQueue_ReplayUnknownTrace(t *testing.T) {
	t.Parallel()

	q := New(Config{}, nil)
	_, err := q.Replay(context.Background(), "nope", func(context.Context, Entry) error { return nil }, Options{})
	if !errors.Is(err, relay.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestQueue_DryRunAndOverrides(t *testing.T) {
	t.Parallel()

	q := New(Config{}, nil)
	e := entry("t1")
	e.Headers = http.Header{"X-Original": []string{"1"}}
	q.Enqueue(e)

	got, err := q.Replay(context.Background(), "t1", func(context.Context, Entry) error {
		t.Fatal("dry run must not send")
		return nil
	}, Options{
		DryRun:          true,
		BodyOverride:    []byte(`{"model":"claude-4"}`),
		HeaderOverrides: map[string]string{"X-Extra": "yes"},
	})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if string(got.Body) != `{"model":"claude-4"}` {
		t.Fatalf("body = %s, want override applied", got.Body)
	}
	if got.Headers.Get("X-Extra") != "yes" || got.Headers.Get("X-Original") != "1" {
		t.Fatalf("headers = %v, want overrides merged", got.Headers)
	}

	// Dry run consumes no attempts and keeps the entry.
	kept, ok := q.Get("t1")
	if !ok || kept.Attempts != 0 {
		t.Fatalf("entry = %+v ok = %v, want retained with 0 attempts", kept, ok)
	}
	if kept.Headers.Get("X-Extra") != "" {
		t.Fatal("dry run must not mutate the stored entry")
	}
}

func TestQueue_ReplayAllWithFilter(t *testing.T) {
	t.Parallel()

	q := New(Config{}, nil)
	q.Enqueue(entry("t1"))
	e2 := entry("t2")
	e2.Model = "claude-4"
	q.Enqueue(e2)

	n, err := q.ReplayAll(context.Background(),
		func(e Entry) bool { return e.Model == "claude-4" },
		func(context.Context, Entry) error { return nil })
	if err != nil || n != 1 {
		t.Fatalf("replayAll = %d, %v; want 1, nil", n, err)
	}
	if _, ok := q.Get("t1"); !ok {
		t.Fatal("unmatched t1 must survive")
	}
	if _, ok := q.Get("t2"); ok {
		t.Fatal("matched t2 must be gone")
	}
}

func TestQueue_SweepExpiresOldEntries(t *testing.T) {
	t.Parallel()

	var expired []string
	q := New(Config{RetentionPeriod: 20 * time.Millisecond}, func(k EventKind, e Entry) {
		if k == EventExpired {
			expired = append(expired, e.TraceID)
		}
	})
	q.Enqueue(entry("old"))
	time.Sleep(30 * time.Millisecond)
	q.Enqueue(entry("fresh"))

	if n := q.Sweep(); n != 1 {
		t.Fatalf("sweep removed %d, want 1", n)
	}
	if len(expired) != 1 || expired[0] != "old" {
		t.Fatalf("expired = %v, want [old]", expired)
	}
	if _, ok := q.Get("fresh"); !ok {
		t.Fatal("fresh entry must survive the sweep")
	}
}

func TestQueue_RemoveAndClear(t *testing.T) {
	t.Parallel()

	q := New(Config{}, nil)
	q.Enqueue(entry("t1"))
	q.Enqueue(entry("t2"))

	if !q.Remove("t1") {
		t.Fatal("remove t1 should succeed")
	}
	if q.Remove("t1") {
		t.Fatal("second remove should fail")
	}

	q.Clear()
	if s := q.GetStats(); s.Entries != 0 {
		t.Fatalf("entries = %d after clear, want 0", s.Entries)
	}
	if got := q.List(); len(got) != 0 {
		t.Fatalf("list = %v after clear, want empty", got)
	}
}
