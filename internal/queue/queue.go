// Package queue implements the bounded admission queue: a FIFO waiting room
// with priority override and per-entry deadlines, used by the dispatcher when
// the backpressure meter is saturated.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// waiter is one queued request.
type waiter struct {
	priority int
	arrival  time.Time
	seq      uint64
	ready    chan struct{}
	index    int // heap index, -1 once removed
}

// waiterHeap orders by priority descending, then arrival ascending.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// Metrics are cumulative queue counters.
type Metrics struct {
	Enqueued uint64 `json:"enqueued"`
	Released uint64 `json:"released"`
	TimedOut uint64 `json:"timedOut"`
	Rejected uint64 `json:"rejected"`
	MaxDepth int    `json:"maxDepth"`
}

// Queue is a bounded priority waiting room. Wait blocks the caller until a
// Release wakes it, its timeout fires, or its context is cancelled.
type Queue struct {
	mu      sync.Mutex
	waiters waiterHeap
	cap     int
	timeout time.Duration
	seq     uint64
	empty   chan struct{} // closed and replaced whenever the queue drains
	metrics Metrics
}

// New creates a queue holding at most capacity entries, each waiting at most
// timeout before failing with ErrQueueTimeout.
func New(capacity int, timeout time.Duration) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		cap:     capacity,
		timeout: timeout,
		empty:   make(chan struct{}),
	}
}

// Wait enqueues the caller at the given priority and blocks until released.
// Returns ErrQueueFull immediately at capacity, ErrQueueTimeout when the
// per-entry deadline fires, or ctx.Err() on cancellation.
func (q *Queue) Wait(ctx context.Context, priority int) error {
	q.mu.Lock()
	if len(q.waiters) >= q.cap {
		q.metrics.Rejected++
		q.mu.Unlock()
		return relay.ErrQueueFull
	}
	w := &waiter{
		priority: priority,
		arrival:  time.Now(),
		seq:      q.seq,
		ready:    make(chan struct{}),
	}
	q.seq++
	heap.Push(&q.waiters, w)
	q.metrics.Enqueued++
	if d := len(q.waiters); d > q.metrics.MaxDepth {
		q.metrics.MaxDepth = d
	}
	q.mu.Unlock()

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		if q.evict(w) {
			q.mu.Lock()
			q.metrics.TimedOut++
			q.mu.Unlock()
			return relay.ErrQueueTimeout
		}
		// Lost the race with Release: the slot is ours after all.
		<-w.ready
		return nil
	case <-ctx.Done():
		if q.evict(w) {
			return ctx.Err()
		}
		<-w.ready
		return nil
	}
}

// evict removes w if it is still queued. Returns false when w was already
// released.
func (q *Queue) evict(w *waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.index < 0 {
		return false
	}
	heap.Remove(&q.waiters, w.index)
	q.notifyIfEmptyLocked()
	return true
}

// Release wakes the highest-priority earliest waiter, if any. Returns true
// when a waiter was woken.
func (q *Queue) Release() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 {
		return false
	}
	w := heap.Pop(&q.waiters).(*waiter)
	q.metrics.Released++
	close(w.ready)
	q.notifyIfEmptyLocked()
	return true
}

func (q *Queue) notifyIfEmptyLocked() {
	if len(q.waiters) == 0 {
		close(q.empty)
		q.empty = make(chan struct{})
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.waiters)
	q.mu.Unlock()
	return n
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.cap }

// Stats returns a copy of the cumulative counters.
func (q *Queue) Stats() Metrics {
	q.mu.Lock()
	m := q.metrics
	q.mu.Unlock()
	return m
}

// Drain blocks until the queue is empty or ctx expires. Waiters admitted
// after the call still count; callers stop admissions first.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.waiters) == 0 {
			q.mu.Unlock()
			return nil
		}
		empty := q.empty
		q.mu.Unlock()

		select {
		case <-empty:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
