package trace

import (
	"context"
	"fmt"
	"sync"
)

// MemorySink keeps events in memory. Used by tests and the scenario harness.
type MemorySink struct {
	mu     sync.Mutex
	events map[string][]Event
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make(map[string][]Event)}
}

// Append stores ev, rejecting out-of-order sequence numbers.
func (s *MemorySink) Append(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.events[ev.RunID]
	if want := int64(len(list) + 1); ev.Seq != want {
		return fmt.Errorf("append %s: seq %d, want %d", ev.RunID, ev.Seq, want)
	}
	s.events[ev.RunID] = append(list, ev)
	return nil
}

// Last returns the latest event for runID.
func (s *MemorySink) Last(_ context.Context, runID string) (Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.events[runID]
	if len(list) == 0 {
		return Event{}, false, nil
	}
	return list[len(list)-1], true, nil
}

// Events returns a copy of the events recorded for runID in seq order.
func (s *MemorySink) Events(runID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event{}, s.events[runID]...)
}

// ReadTrace matches the store's read signature.
func (s *MemorySink) ReadTrace(_ context.Context, runID string) ([]Event, error) {
	return s.Events(runID), nil
}
