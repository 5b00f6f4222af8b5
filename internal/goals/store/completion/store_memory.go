package completion

import (
	"context"
	"fmt"
	"sync"

	"goalpay/internal/goals/models"
	"goalpay/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu      sync.RWMutex
	byUser  map[string][]models.CompletionRecord
	seenIDs map[string]struct{}
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		byUser:  make(map[string][]models.CompletionRecord),
		seenIDs: make(map[string]struct{}),
	}
}

func (s *InMemoryStore) Append(_ context.Context, record *models.CompletionRecord) error {
	if record == nil {
		return fmt.Errorf("completion record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := record.ID.String()
	if _, dup := s.seenIDs[id]; dup {
		return fmt.Errorf("append completion %s: %w", id, sentinel.ErrConflict)
	}
	s.seenIDs[id] = struct{}{}
	s.byUser[record.Username] = append(s.byUser[record.Username], *record)
	return nil
}

// ListByUser returns records oldest first.
func (s *InMemoryStore) ListByUser(_ context.Context, username string) ([]models.CompletionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.CompletionRecord{}, s.byUser[username]...), nil
}
