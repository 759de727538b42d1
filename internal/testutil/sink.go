package testutil

import (
	"sync"

	relay "github.com/eugener/shadowfax/internal"
)

// Sink is an in-memory relay.EventSink that records everything emitted.
type Sink struct {
	mu     sync.Mutex
	events []relay.Event
}

// Emit records the event.
func (s *Sink) Emit(e relay.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (s *Sink) Events() []relay.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]relay.Event, len(s.events))
	copy(out, s.events)
	return out
}

// TypeCount returns how many events of the given type were recorded.
func (s *Sink) TypeCount(t relay.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
