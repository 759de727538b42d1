package container

import "container/list"

// LRUMap is a map bounded to maxSize entries with least-recently-used
// eviction. Get moves the entry to most-recent. On overflow the single
// least-recent entry is evicted and onEvict (when non-nil) fires exactly once
// for it. Iteration order is deterministic, oldest first.
// Not safe for concurrent use.
type LRUMap[K comparable, V any] struct {
	maxSize int
	onEvict func(K, V)
	order   *list.List // front = oldest, back = newest
	items   map[K]*list.Element
}

type lruEntry[K comparable, V any] struct {
	key K
	val V
}

// NewLRUMap creates an LRUMap bounded to maxSize (minimum 1).
func NewLRUMap[K comparable, V any](maxSize int, onEvict func(K, V)) *LRUMap[K, V] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &LRUMap[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		order:   list.New(),
		items:   make(map[K]*list.Element),
	}
}

// Set stores v under k, marking it most-recent. Never fails; an insertion
// that takes the map past maxSize evicts the oldest entry first.
func (m *LRUMap[K, V]) Set(k K, v V) {
	if el, ok := m.items[k]; ok {
		el.Value.(*lruEntry[K, V]).val = v
		m.order.MoveToBack(el)
		return
	}
	if len(m.items) >= m.maxSize {
		m.evictOldest()
	}
	m.items[k] = m.order.PushBack(&lruEntry[K, V]{key: k, val: v})
}

// Get returns the value for k and marks it most-recent.
func (m *LRUMap[K, V]) Get(k K) (V, bool) {
	if el, ok := m.items[k]; ok {
		m.order.MoveToBack(el)
		return el.Value.(*lruEntry[K, V]).val, true
	}
	var zero V
	return zero, false
}

// Peek returns the value for k without touching recency.
func (m *LRUMap[K, V]) Peek(k K) (V, bool) {
	if el, ok := m.items[k]; ok {
		return el.Value.(*lruEntry[K, V]).val, true
	}
	var zero V
	return zero, false
}

// Delete removes k without firing onEvict.
func (m *LRUMap[K, V]) Delete(k K) bool {
	el, ok := m.items[k]
	if !ok {
		return false
	}
	m.order.Remove(el)
	delete(m.items, k)
	return true
}

// Len returns the number of stored entries.
func (m *LRUMap[K, V]) Len() int { return len(m.items) }

// Range calls fn for every entry in LRU order (oldest first) until fn
// returns false.
func (m *LRUMap[K, V]) Range(fn func(K, V) bool) {
	for el := m.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*lruEntry[K, V])
		if !fn(e.key, e.val) {
			return
		}
	}
}

func (m *LRUMap[K, V]) evictOldest() {
	el := m.order.Front()
	if el == nil {
		return
	}
	e := el.Value.(*lruEntry[K, V])
	m.order.Remove(el)
	delete(m.items, e.key)
	if m.onEvict != nil {
		m.onEvict(e.key, e.val)
	}
}
