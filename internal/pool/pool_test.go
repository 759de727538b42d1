package pool

import (
	"testing"
	"time"
)

func TestManager_ExponentialCooldownWithinJitterBounds(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{BaseMs: 500, CapMs: 5000, DecayMs: 60_000})

	// First hit: 500ms +/- 15%.
	d := m.RecordRateLimitHit("claude-3")
	if d < 425*time.Millisecond || d > 575*time.Millisecond {
		t.Fatalf("first cooldown = %v, want within 500ms +/- 15%%", d)
	}

	// Second hit: 1000ms +/- 15%.
	d = m.RecordRateLimitHit("claude-3")
	if d < 850*time.Millisecond || d > 1150*time.Millisecond {
		t.Fatalf("second cooldown = %v, want within 1000ms +/- 15%%", d)
	}

	if !m.IsRateLimited("claude-3") {
		t.Fatal("model should be rate limited after hits")
	}
}

func TestManager_CooldownCapAndHitCountCap(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{BaseMs: 500, CapMs: 5000, DecayMs: 60_000})
	for range 20 {
		d := m.RecordRateLimitHit("m")
		if d > time.Duration(5000*1.15)*time.Millisecond {
			t.Fatalf("cooldown = %v exceeds cap + jitter", d)
		}
	}
	if got := m.HitCount("m"); got != 10 {
		t.Fatalf("hit count = %d, want capped at 10", got)
	}
}

func TestManager_DecayResetsCount(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{BaseMs: 500, CapMs: 5000, DecayMs: 30})
	m.RecordRateLimitHit("m")
	m.RecordRateLimitHit("m")
	time.Sleep(40 * time.Millisecond)

	// Decay window elapsed: the next hit counts as the first again.
	m.RecordRateLimitHit("m")
	if got := m.HitCount("m"); got != 1 {
		t.Fatalf("hit count = %d after decay, want 1", got)
	}
}

func TestManager_GlobalPoolGatesAllModels(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig())
	m.RecordRateLimitHit("") // unattributed -> __global__

	if !m.IsRateLimited("any-model") {
		t.Fatal("global cooldown must gate every model")
	}
	if !m.IsRateLimited(GlobalPool) {
		t.Fatal("global pool itself should report limited")
	}
}

func TestManager_HeaderPacing(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{RemainingThreshold: 5, PacingDelayMs: 200})
	m.RecordRateLimitHeaders("claude-3", 2, 100, "2026-01-01T00:00:00Z")

	// 200ms * (1 - 2/5) = 120ms.
	got := m.PacingDelay("claude-3")
	if got != 120*time.Millisecond {
		t.Fatalf("pacing delay = %v, want 120ms", got)
	}
	if !m.IsRateLimited("claude-3") {
		t.Fatal("pacing should apply a soft cooldown")
	}

	// Above the threshold, pacing clears.
	m.RecordRateLimitHeaders("claude-3", 50, 100, "")
	if got := m.PacingDelay("claude-3"); got != 0 {
		t.Fatalf("pacing delay = %v after recovery, want 0", got)
	}
}

func TestManager_PacingNeverShortensCooldown(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{BaseMs: 4000, CapMs: 5000, RemainingThreshold: 5, PacingDelayMs: 200})
	m.RecordRateLimitHit("m")
	before := m.CooldownRemaining("m")

	m.RecordRateLimitHeaders("m", 1, 100, "")
	after := m.CooldownRemaining("m")
	if after < before-50*time.Millisecond {
		t.Fatalf("cooldown shortened by pacing: before %v, after %v", before, after)
	}
}

func TestManager_AnyCoolingDown(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig())
	if cooling, _ := m.AnyCoolingDown(); cooling {
		t.Fatal("fresh manager should not be cooling down")
	}

	m.RecordRateLimitHit("a")
	m.RecordRateLimitHit("b")
	cooling, longest := m.AnyCoolingDown()
	if !cooling || longest <= 0 {
		t.Fatalf("cooling = %v, longest = %v; want cooling with positive remainder", cooling, longest)
	}
}
