package preferences

import (
	"context"
	"sync"
)

// MemoryStorage keeps preferences in a map.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]Preferences
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]Preferences)}
}

func (s *MemoryStorage) Get(_ context.Context, userID string) (Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.items[userID]
	if !ok {
		return Preferences{}, ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStorage) Save(_ context.Context, p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[p.UserID] = clone(p)
	return nil
}
