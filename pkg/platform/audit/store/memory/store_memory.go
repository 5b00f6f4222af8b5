package memory

import (
	"context"
	"sync"

	audit "goalpay/pkg/platform/audit"
)

// InMemoryStore keeps audit events in process. With a capacity the oldest
// events are evicted first.
type InMemoryStore struct {
	mu       sync.RWMutex
	capacity int
	byUser   map[string][]audit.Event
	order    []audit.Event
}

// NewInMemoryStore returns an unbounded store.
func NewInMemoryStore() *InMemoryStore {
	return NewBoundedInMemoryStore(0)
}

// NewBoundedInMemoryStore keeps at most capacity events; zero means no limit.
func NewBoundedInMemoryStore(capacity int) *InMemoryStore {
	return &InMemoryStore{capacity: capacity, byUser: make(map[string][]audit.Event)}
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[event.Username] = append(s.byUser[event.Username], event)
	s.order = append(s.order, event)
	if s.capacity > 0 && len(s.order) > s.capacity {
		s.evictOldest()
	}
	return nil
}

// evictOldest drops order[0]. Per-user slices share emission order, so the
// evicted event is the head of its user's slice.
func (s *InMemoryStore) evictOldest() {
	oldest := s.order[0]
	s.order = s.order[1:]
	rest := s.byUser[oldest.Username][1:]
	if len(rest) == 0 {
		delete(s.byUser, oldest.Username)
		return
	}
	s.byUser[oldest.Username] = rest
}

// ListByUser returns the user's events, newest first.
func (s *InMemoryStore) ListByUser(_ context.Context, username string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reversed(s.byUser[username], 0), nil
}

// ListRecent returns up to limit events, newest first.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reversed(s.order, limit), nil
}

func reversed(events []audit.Event, limit int) []audit.Event {
	n := len(events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]audit.Event, 0, n)
	for i := len(events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, events[i])
	}
	return out
}
