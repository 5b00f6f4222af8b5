package ledger

import (
	"context"
	"fmt"
	"sync"

	"goalpay/internal/goals/models"
	"goalpay/pkg/platform/sentinel"
)

// InMemoryStore keeps ledgers in a map. Reads return copies so callers
// cannot mutate stored state.
type InMemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string]*models.Ledger
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{ledgers: make(map[string]*models.Ledger)}
}

func (s *InMemoryStore) FindByUsername(_ context.Context, username string) (*models.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.ledgers[username]
	if !ok {
		return nil, fmt.Errorf("find ledger %s: %w", username, sentinel.ErrNotFound)
	}
	return l.Clone(), nil
}

// Save stores the ledger if the stored revision is exactly one behind.
func (s *InMemoryStore) Save(_ context.Context, ledger *models.Ledger) error {
	if ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if existing, ok := s.ledgers[ledger.Username]; ok {
		current = existing.Revision
	}
	if ledger.Revision != current+1 {
		return fmt.Errorf("save ledger %s at revision %d: %w", ledger.Username, ledger.Revision, sentinel.ErrConflict)
	}
	s.ledgers[ledger.Username] = ledger.Clone()
	return nil
}
