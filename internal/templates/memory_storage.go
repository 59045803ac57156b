package templates

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryStorage is an in-memory Storage for tests and development.
type MemoryStorage struct {
	mu     sync.RWMutex
	byID   map[string]Template
	byName map[string]string
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		byID:   make(map[string]Template),
		byName: make(map[string]string),
	}
}

func (s *MemoryStorage) Create(_ context.Context, t Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byName[t.Name]; taken {
		return ErrDuplicateName
	}
	s.byID[t.ID] = clone(t)
	s.byName[t.Name] = t.ID
	return nil
}

func (s *MemoryStorage) Get(_ context.Context, id string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byID[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return clone(t), nil
}

func (s *MemoryStorage) GetByName(_ context.Context, name string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return Template{}, ErrNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *MemoryStorage) ListByCategory(_ context.Context, category string) ([]Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Template, 0)
	for _, t := range s.byID {
		if t.Category == category {
			out = append(out, clone(t))
		}
	}
	slices.SortFunc(out, func(a, b Template) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *MemoryStorage) Update(_ context.Context, t Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.byID[t.ID]
	if !ok {
		return ErrNotFound
	}
	if old.Name != t.Name {
		if _, taken := s.byName[t.Name]; taken {
			return ErrDuplicateName
		}
		delete(s.byName, old.Name)
		s.byName[t.Name] = t.ID
	}
	s.byID[t.ID] = clone(t)
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	delete(s.byName, t.Name)
	return nil
}

func clone(t Template) Template {
	t.Variables = slices.Clone(t.Variables)
	return t
}
