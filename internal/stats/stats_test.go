package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	relay "github.com/eugener/shadowfax/internal"
)

func TestErrorTrackerCounts(t *testing.T) {
	t.Parallel()

	tr := NewErrorTracker(0)
	tr.Record(relay.FailTimeout)
	tr.Record(relay.FailTimeout)
	tr.Record(relay.FailRateLimited)

	snap := tr.Snapshot()
	if snap[string(relay.FailTimeout)] != 2 {
		t.Errorf("timeout count = %d, want 2", snap[string(relay.FailTimeout)])
	}
	if snap[string(relay.FailRateLimited)] != 1 {
		t.Errorf("rate-limited count = %d, want 1", snap[string(relay.FailRateLimited)])
	}
	if tr.Total() != 3 {
		t.Errorf("total = %d, want 3", tr.Total())
	}
}

func TestErrorTrackerSpikeOnCrossing(t *testing.T) {
	t.Parallel()

	tr := NewErrorTracker(3)
	if tr.Record(relay.FailServerError) {
		t.Fatal("spike reported on first failure")
	}
	if tr.Record(relay.FailServerError) {
		t.Fatal("spike reported on second failure")
	}
	if !tr.Record(relay.FailServerError) {
		t.Fatal("spike not reported on threshold crossing")
	}
	// Further failures above the threshold do not re-report.
	if tr.Record(relay.FailServerError) {
		t.Fatal("spike re-reported while already above threshold")
	}
}

func TestErrorTrackerSpikeIgnoresNonCircuitKinds(t *testing.T) {
	t.Parallel()

	tr := NewErrorTracker(2)
	// Rate-limit and client-disconnect failures are counted but never feed
	// the spike window.
	for range 5 {
		if tr.Record(relay.FailRateLimited) {
			t.Fatal("spike from rate-limited failures")
		}
		if tr.Record(relay.FailClientDisconnect) {
			t.Fatal("spike from client disconnects")
		}
	}
	if tr.Record(relay.FailTimeout) {
		t.Fatal("spike after a single circuit-counted failure")
	}
	if !tr.Record(relay.FailTimeout) {
		t.Fatal("spike not reported at circuit-counted threshold")
	}
}

func TestTokenTrackerAccumulates(t *testing.T) {
	t.Parallel()

	tr := NewTokenTracker(8)
	tr.Record("alpha", 100, 40)
	tr.Record("alpha", 50, 10)
	tr.Record("beta", 7, 3)

	perKey, total := tr.Snapshot()
	if got := perKey["alpha"]; got != (TokenCounts{Input: 150, Output: 50}) {
		t.Errorf("alpha = %+v", got)
	}
	if got := perKey["beta"]; got != (TokenCounts{Input: 7, Output: 3}) {
		t.Errorf("beta = %+v", got)
	}
	if total != (TokenCounts{Input: 157, Output: 53}) {
		t.Errorf("total = %+v", total)
	}
}

func TestTokenTrackerBoundedByLRU(t *testing.T) {
	t.Parallel()

	tr := NewTokenTracker(2)
	tr.Record("a", 1, 1)
	tr.Record("b", 2, 2)
	tr.Record("c", 3, 3) // evicts a

	perKey, total := tr.Snapshot()
	if len(perKey) != 2 {
		t.Fatalf("per-key rows = %d, want 2", len(perKey))
	}
	if _, ok := perKey["a"]; ok {
		t.Error("oldest key survived eviction")
	}
	// Evicted keys still count in the aggregate.
	if total != (TokenCounts{Input: 6, Output: 6}) {
		t.Errorf("total = %+v", total)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stats.json")

	p, err := NewPersistence(path)
	if err != nil {
		t.Fatal(err)
	}
	p.RecordOutcome("alpha", true, 0)
	p.RecordOutcome("alpha", false, 2)
	p.RecordOutcome("beta", true, 1)
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewPersistence(path)
	if err != nil {
		t.Fatal(err)
	}
	keys, totals := reloaded.Snapshot()
	if got := keys["alpha"]; got != (KeyTotals{Requests: 2, Successes: 1, Failures: 1, Retries: 2}) {
		t.Errorf("alpha = %+v", got)
	}
	if got := keys["beta"]; got != (KeyTotals{Requests: 1, Successes: 1, Retries: 1}) {
		t.Errorf("beta = %+v", got)
	}
	if totals != (KeyTotals{Requests: 3, Successes: 2, Failures: 1, Retries: 3}) {
		t.Errorf("totals = %+v", totals)
	}
}

func TestPersistenceMissingFile(t *testing.T) {
	t.Parallel()

	p, err := NewPersistence(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing snapshot treated as error: %v", err)
	}
	keys, totals := p.Snapshot()
	if len(keys) != 0 || totals != (KeyTotals{}) {
		t.Errorf("fresh persistence not empty: keys=%v totals=%+v", keys, totals)
	}
}

func TestPersistenceCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stats.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	// An unreadable snapshot is abandoned, not fatal.
	p, err := NewPersistence(path)
	if err != nil {
		t.Fatalf("corrupt snapshot treated as fatal: %v", err)
	}
	keys, totals := p.Snapshot()
	if len(keys) != 0 || totals != (KeyTotals{}) {
		t.Errorf("counters not reset after corrupt snapshot: keys=%v totals=%+v", keys, totals)
	}
}

func TestPersistenceNewerSchemaBestEffort(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stats.json")
	raw, err := json.Marshal(map[string]any{
		"schemaVersion": schemaVersion + 1,
		"keys": map[string]KeyTotals{
			"alpha": {Requests: 5, Successes: 5},
		},
		"totals": KeyTotals{Requests: 5, Successes: 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := NewPersistence(path)
	if err != nil {
		t.Fatalf("newer schema rejected: %v", err)
	}
	keys, _ := p.Snapshot()
	if keys["alpha"].Requests != 5 {
		t.Errorf("known fields not carried: %+v", keys["alpha"])
	}
}

func TestPersistenceFlushAtomicity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")

	p, err := NewPersistence(path)
	if err != nil {
		t.Fatal(err)
	}
	p.RecordOutcome("alpha", true, 0)
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	// No temp files left behind after a successful flush.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "stats.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("unexpected directory contents: %v", names)
	}
}
