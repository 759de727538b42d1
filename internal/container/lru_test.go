package container

import "testing"

func TestLRUMap_EvictsOldestExactlyOnce(t *testing.T) {
	t.Parallel()

	type eviction struct {
		key string
		val int
	}
	var evicted []eviction
	m := NewLRUMap(2, func(k string, v int) {
		evicted = append(evicted, eviction{k, v})
	})

	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3) // evicts a

	if len(evicted) != 1 || evicted[0].key != "a" || evicted[0].val != 1 {
		t.Fatalf("evicted = %v, want [{a 1}]", evicted)
	}
	if _, ok := m.Get("a"); ok {
		t.Fatal("a should be gone")
	}
	if m.Len() != 2 {
		t.Fatalf("len = %d, want 2", m.Len())
	}
}

func TestLRUMap_GetRefreshesRecency(t *testing.T) {
	t.Parallel()

	m := NewLRUMap[string, int](2, nil)
	m.Set("a", 1)
	m.Set("b", 2)

	// Touch a; b becomes the oldest.
	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v", v, ok)
	}
	m.Set("c", 3)

	if _, ok := m.Get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	if _, ok := m.Get("a"); !ok {
		t.Fatal("a should have survived")
	}
}

func TestLRUMap_SetExistingUpdatesInPlace(t *testing.T) {
	t.Parallel()

	calls := 0
	m := NewLRUMap(2, func(string, int) { calls++ })
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 10) // update, no eviction

	if calls != 0 {
		t.Fatalf("onEvict fired %d times, want 0", calls)
	}
	if v, _ := m.Get("a"); v != 10 {
		t.Fatalf("a = %d, want 10", v)
	}
}

func TestLRUMap_RangeOldestFirst(t *testing.T) {
	t.Parallel()

	m := NewLRUMap[string, int](4, nil)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)
	m.Get("a") // a becomes newest

	var order []string
	m.Range(func(k string, _ int) bool {
		order = append(order, k)
		return true
	})

	want := []string{"b", "c", "a"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestLRUMap_DeleteDoesNotFireOnEvict(t *testing.T) {
	t.Parallel()

	calls := 0
	m := NewLRUMap(2, func(string, int) { calls++ })
	m.Set("a", 1)

	if !m.Delete("a") {
		t.Fatal("Delete(a) = false, want true")
	}
	if m.Delete("a") {
		t.Fatal("second Delete(a) = true, want false")
	}
	if calls != 0 {
		t.Fatalf("onEvict fired %d times, want 0", calls)
	}
}
