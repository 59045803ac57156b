package notify

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStorage is an in-memory Storage for development and tests.
type MemoryStorage struct {
	notifications map[string]Notification
	byUser        map[string][]string // userID -> ids in insertion order
	mu            sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		notifications: make(map[string]Notification),
		byUser:        make(map[string][]string),
	}
}

func (s *MemoryStorage) Create(_ context.Context, n Notification) error {
	if n.ID == "" || n.UserID == "" {
		return ErrInvalidNotification
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications[n.ID] = clone(n)
	s.byUser[n.UserID] = append(s.byUser[n.UserID], n.ID)
	return nil
}

func (s *MemoryStorage) Get(_ context.Context, id string) (Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return clone(n), nil
}

func (s *MemoryStorage) List(_ context.Context, userID string, q Query) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filtered := make([]Notification, 0)
	for _, id := range s.byUser[userID] {
		n := s.notifications[id]
		if n.IsExpired(q.Now) {
			continue
		}
		if !q.IncludeRead && n.Read {
			continue
		}
		filtered = append(filtered, clone(n))
	}

	// Newest first; insertion order breaks ties.
	slices.Reverse(filtered)
	slices.SortStableFunc(filtered, func(a, b Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	start := min(q.Offset, len(filtered))
	end := len(filtered)
	if q.Limit > 0 {
		end = min(start+q.Limit, len(filtered))
	}
	return filtered[start:end], nil
}

func (s *MemoryStorage) MarkRead(_ context.Context, id string, at time.Time) (Notification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return Notification{}, false, ErrNotFound
	}
	if n.Read {
		return clone(n), false, nil
	}
	n.Read = true
	n.ReadAt = &at
	s.notifications[id] = n
	return clone(n), true, nil
}

func (s *MemoryStorage) MarkAllRead(_ context.Context, userID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0)
	for _, id := range s.byUser[userID] {
		n := s.notifications[id]
		if n.Read {
			continue
		}
		n.Read = true
		n.ReadAt = &at
		s.notifications[id] = n
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStorage) SetStatus(_ context.Context, id string, status Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	if status.Rank() <= n.Status.Rank() {
		return nil
	}
	n.Status = status
	if status == StatusProcessed {
		n.ProcessedAt = &at
	}
	s.notifications[id] = n
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.notifications, id)
	s.byUser[n.UserID] = slices.DeleteFunc(s.byUser[n.UserID], func(v string) bool { return v == id })
	return nil
}

func (s *MemoryStorage) CountUnread(_ context.Context, userID string, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, id := range s.byUser[userID] {
		n := s.notifications[id]
		if !n.Read && !n.IsExpired(now) {
			count++
		}
	}
	return count, nil
}

func clone(n Notification) Notification {
	n.Channels = slices.Clone(n.Channels)
	return n
}
