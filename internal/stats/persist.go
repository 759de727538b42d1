package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// schemaVersion is the persisted snapshot schema this build writes. Files
// with a strictly greater version are loaded best-effort with a warning.
const schemaVersion = 1

// KeyTotals are the persisted per-key counters.
type KeyTotals struct {
	Requests  uint64 `json:"requests"`
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
	Retries   uint64 `json:"retries"`
}

// snapshotFile is the on-disk layout.
type snapshotFile struct {
	SchemaVersion int                  `json:"schemaVersion"`
	FirstSeen     time.Time            `json:"firstSeen"`
	LastUpdated   time.Time            `json:"lastUpdated"`
	Keys          map[string]KeyTotals `json:"keys"`
	Totals        KeyTotals            `json:"totals"`
}

// Persistence accumulates lifetime counters across restarts and writes them
// atomically (temp file + rename) to a JSON snapshot.
type Persistence struct {
	mu        sync.Mutex
	path      string
	firstSeen time.Time
	keys      map[string]KeyTotals
	totals    KeyTotals
}

// NewPersistence creates a Persistence writing to path and loads any
// existing snapshot. A missing file is not an error.
func NewPersistence(path string) (*Persistence, error) {
	p := &Persistence{
		path:      path,
		firstSeen: time.Now(),
		keys:      make(map[string]KeyTotals),
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Persistence) load() error {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read stats snapshot: %w", err)
	}

	var f snapshotFile
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("stats snapshot unreadable, starting fresh", "path", p.path, "error", err)
		return nil
	}
	if f.SchemaVersion > schemaVersion {
		slog.Warn("stats snapshot from a newer schema, loading best-effort",
			"found", f.SchemaVersion, "supported", schemaVersion)
	}
	if !f.FirstSeen.IsZero() {
		p.firstSeen = f.FirstSeen
	}
	if f.Keys != nil {
		p.keys = f.Keys
	}
	p.totals = f.Totals
	return nil
}

// RecordOutcome folds one terminal request into the lifetime counters.
func (p *Persistence) RecordOutcome(keyID string, success bool, retries int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.keys[keyID]
	k.Requests++
	p.totals.Requests++
	if success {
		k.Successes++
		p.totals.Successes++
	} else {
		k.Failures++
		p.totals.Failures++
	}
	k.Retries += uint64(retries)
	p.totals.Retries += uint64(retries)
	p.keys[keyID] = k
}

// Snapshot returns copies of the lifetime counters.
func (p *Persistence) Snapshot() (keys map[string]KeyTotals, totals KeyTotals) {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys = make(map[string]KeyTotals, len(p.keys))
	for id, k := range p.keys {
		keys[id] = k
	}
	return keys, p.totals
}

// Flush writes the snapshot atomically: a temp file in the same directory is
// renamed over the target so readers never see a torn file.
func (p *Persistence) Flush() error {
	p.mu.Lock()
	f := snapshotFile{
		SchemaVersion: schemaVersion,
		FirstSeen:     p.firstSeen,
		LastUpdated:   time.Now(),
		Keys:          make(map[string]KeyTotals, len(p.keys)),
		Totals:        p.totals,
	}
	for id, k := range p.keys {
		f.Keys[id] = k
	}
	p.mu.Unlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats snapshot: %w", err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".stats-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
