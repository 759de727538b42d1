package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func traceAt(ts time.Time, key, model string) relay.TraceRecord {
	return relay.TraceRecord{
		TraceID:      fmt.Sprintf("tr-%d-%s-%s", ts.Unix(), key, model),
		KeyID:        key,
		Model:        model,
		StatusCode:   200,
		Attempts:     1,
		LatencyMs:    42,
		InputTokens:  100,
		OutputTokens: 30,
		CreatedAt:    ts,
	}
}

func TestTraceRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	rec := relay.TraceRecord{
		TraceID:      "tr-1",
		KeyID:        "key-a",
		Model:        "sonnet",
		StatusCode:   502,
		FailureKind:  "server_error",
		Attempts:     3,
		LatencyMs:    1234,
		InputTokens:  512,
		OutputTokens: 0,
		CreatedAt:    now,
	}
	if err := s.InsertTraces(ctx, []relay.TraceRecord{rec}); err != nil {
		t.Fatal("insert:", err)
	}

	got, err := s.QueryTraces(ctx, relay.TraceFilter{})
	if err != nil {
		t.Fatal("query:", err)
	}
	if len(got) != 1 {
		t.Fatalf("count = %d, want 1", len(got))
	}
	if got[0] != rec {
		t.Errorf("record = %+v, want %+v", got[0], rec)
	}
}

func TestTraceEmptyInsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.InsertTraces(context.Background(), nil); err != nil {
		t.Fatal("empty insert:", err)
	}
}

func TestTraceQueryFilters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var recs []relay.TraceRecord
	for i := 0; i < 4; i++ {
		key := "key-a"
		if i%2 == 1 {
			key = "key-b"
		}
		model := "sonnet"
		if i >= 2 {
			model = "haiku"
		}
		recs = append(recs, traceAt(base.Add(time.Duration(i)*time.Minute), key, model))
	}
	if err := s.InsertTraces(ctx, recs); err != nil {
		t.Fatal("insert:", err)
	}

	tests := []struct {
		name   string
		filter relay.TraceFilter
		want   int
	}{
		{"all", relay.TraceFilter{}, 4},
		{"by key", relay.TraceFilter{KeyID: "key-a"}, 2},
		{"by model", relay.TraceFilter{Model: "haiku"}, 2},
		{"key and model", relay.TraceFilter{KeyID: "key-b", Model: "haiku"}, 1},
		{"since", relay.TraceFilter{Since: base.Add(2 * time.Minute).Format(time.RFC3339)}, 2},
		{"no match", relay.TraceFilter{KeyID: "key-z"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.QueryTraces(ctx, tc.filter)
			if err != nil {
				t.Fatal("query:", err)
			}
			if len(got) != tc.want {
				t.Errorf("count = %d, want %d", len(got), tc.want)
			}

			n, err := s.CountTraces(ctx, tc.filter)
			if err != nil {
				t.Fatal("count:", err)
			}
			if n != tc.want {
				t.Errorf("CountTraces = %d, want %d", n, tc.want)
			}
		})
	}
}

func TestTraceOrderAndPaging(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var recs []relay.TraceRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, traceAt(base.Add(time.Duration(i)*time.Minute), "key-a", "sonnet"))
	}
	if err := s.InsertTraces(ctx, recs); err != nil {
		t.Fatal("insert:", err)
	}

	got, err := s.QueryTraces(ctx, relay.TraceFilter{Limit: 2})
	if err != nil {
		t.Fatal("query:", err)
	}
	if len(got) != 2 {
		t.Fatalf("count = %d, want 2", len(got))
	}
	// Newest first.
	if !got[0].CreatedAt.After(got[1].CreatedAt) {
		t.Errorf("order: got[0]=%v not after got[1]=%v", got[0].CreatedAt, got[1].CreatedAt)
	}
	if want := base.Add(4 * time.Minute); !got[0].CreatedAt.Equal(want) {
		t.Errorf("first = %v, want %v", got[0].CreatedAt, want)
	}

	page2, err := s.QueryTraces(ctx, relay.TraceFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal("query offset:", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page2 count = %d, want 2", len(page2))
	}
	if want := base.Add(2 * time.Minute); !page2[0].CreatedAt.Equal(want) {
		t.Errorf("page2 first = %v, want %v", page2[0].CreatedAt, want)
	}
}

func TestTracePrune(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var recs []relay.TraceRecord
	for i := 0; i < 6; i++ {
		recs = append(recs, traceAt(base.Add(time.Duration(i)*time.Hour), "key-a", "sonnet"))
	}
	if err := s.InsertTraces(ctx, recs); err != nil {
		t.Fatal("insert:", err)
	}

	n, err := s.PruneTraces(ctx, base.Add(3*time.Hour))
	if err != nil {
		t.Fatal("prune:", err)
	}
	if n != 3 {
		t.Errorf("pruned = %d, want 3", n)
	}

	left, err := s.CountTraces(ctx, relay.TraceFilter{})
	if err != nil {
		t.Fatal("count:", err)
	}
	if left != 3 {
		t.Errorf("remaining = %d, want 3", left)
	}
}
