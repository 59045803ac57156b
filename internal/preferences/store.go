package preferences

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// Store resolves preferences with lazy defaults.
type Store struct {
	storage  Storage
	defaults map[string]bool
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Store)

// WithDefaultChannels overrides the channel flags of a user without a record.
func WithDefaultChannels(channels map[string]bool) Option {
	return func(s *Store) {
		if channels != nil {
			s.defaults = maps.Clone(channels)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(storage Storage, opts ...Option) *Store {
	s := &Store{
		storage:  storage,
		defaults: DefaultChannels(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Defaults returns the preferences of a user who never changed anything.
func (s *Store) Defaults(userID string) Preferences {
	return Preferences{
		UserID:   userID,
		Channels: maps.Clone(s.defaults),
		Types:    map[string]bool{},
	}
}

// Get returns the stored preferences or the defaults. Defaults are not persisted.
func (s *Store) Get(ctx context.Context, userID string) (Preferences, error) {
	p, err := s.storage.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return s.Defaults(userID), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("failed to get preferences: %w", err)
	}

	// Channels added after the record was saved fall back to their default.
	for ch, on := range s.defaults {
		if _, ok := p.Channels[ch]; !ok {
			if p.Channels == nil {
				p.Channels = map[string]bool{}
			}
			p.Channels[ch] = on
		}
	}
	return p, nil
}

// Update merges u into the user's preferences and stores the result.
func (s *Store) Update(ctx context.Context, userID string, u Update) (Preferences, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return Preferences{}, err
	}
	p = clone(p)
	maps.Copy(p.Channels, u.Channels)
	maps.Copy(p.Types, u.Types)
	p.UpdatedAt = s.now().UTC()

	if err := s.storage.Save(ctx, p); err != nil {
		return Preferences{}, fmt.Errorf("failed to save preferences: %w", err)
	}

	s.logger.LogAttrs(ctx, slog.LevelDebug, "preferences updated", logger.UserID(userID))
	return p, nil
}
