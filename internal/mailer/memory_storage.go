package mailer

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStorage is a Storage for tests and development.
type MemoryStorage struct {
	mu        sync.Mutex
	tracking  map[string]Tracking
	byMessage map[string]string
	events    []Event
	eventIDs  map[string]struct{}
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tracking:  make(map[string]Tracking),
		byMessage: make(map[string]string),
		eventIDs:  make(map[string]struct{}),
	}
}

func (s *MemoryStorage) SaveTracking(_ context.Context, t Tracking) (Tracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.tracking[t.ID]; ok {
		t.Status = MergeStatus(current.Status, t.Status)
		t.CreatedAt = current.CreatedAt
		if t.ProviderMessageID == "" {
			t.ProviderMessageID = current.ProviderMessageID
		}
	}
	t.Metadata = maps.Clone(t.Metadata)
	s.tracking[t.ID] = t
	if t.ProviderMessageID != "" {
		s.byMessage[t.ProviderMessageID] = t.ID
	}
	t.Metadata = maps.Clone(t.Metadata)
	return t, nil
}

func (s *MemoryStorage) GetTracking(_ context.Context, id string) (Tracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tracking[id]
	if !ok {
		return Tracking{}, ErrTrackingNotFound
	}
	t.Metadata = maps.Clone(t.Metadata)
	return t, nil
}

func (s *MemoryStorage) MergeTrackingStatus(_ context.Context, messageID string, next Status, at time.Time) (Tracking, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byMessage[messageID]
	if !ok {
		return Tracking{}, false, ErrTrackingNotFound
	}
	t := s.tracking[id]
	merged := MergeStatus(t.Status, next)
	changed := merged != t.Status
	if changed {
		t.Status = merged
		t.UpdatedAt = at
		s.tracking[id] = t
	}
	t.Metadata = maps.Clone(t.Metadata)
	return t, changed, nil
}

func (s *MemoryStorage) AppendEvent(_ context.Context, ev Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.eventIDs[ev.ID]; dup {
		return false, nil
	}
	ev.Metadata = maps.Clone(ev.Metadata)
	s.eventIDs[ev.ID] = struct{}{}
	s.events = append(s.events, ev)
	return true, nil
}

func (s *MemoryStorage) ListEvents(_ context.Context, messageID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0)
	for _, ev := range s.events {
		if ev.ProviderMessageID == messageID {
			out = append(out, ev)
		}
	}
	slices.SortStableFunc(out, func(a, b Event) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}
