// Package container provides the bounded collections used by the scheduler:
// a fixed-capacity overwrite ring and an LRU-evicting map with an eviction
// callback.
package container

// Ring is a fixed-capacity sequence of T. Push overwrites the oldest element
// once the ring is full. Not safe for concurrent use; callers hold their own
// lock (the credential lock in the key pool).
type Ring[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

// NewRing creates a ring with the given capacity (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, overwriting the oldest element when full.
func (r *Ring[T]) Push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// Get returns the i-th element in logical order (0 = oldest).
// The second return is false when i is out of range.
func (r *Ring[T]) Get(i int) (T, bool) {
	var zero T
	if i < 0 || i >= r.count {
		return zero, false
	}
	return r.buf[(r.head+i)%len(r.buf)], true
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// ToSlice returns the elements in logical order as a fresh slice.
func (r *Ring[T]) ToSlice() []T {
	out := make([]T, r.count)
	for i := range r.count {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Clear removes all elements.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.count = 0
}
