package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrymomot/notifykit/internal/preferences"
	"github.com/dmitrymomot/notifykit/pkg/pg"
)

// PreferenceStorage implements preferences.Storage.
type PreferenceStorage struct {
	db DB
}

func NewPreferenceStorage(db DB) *PreferenceStorage {
	return &PreferenceStorage{db: db}
}

func (s *PreferenceStorage) Get(ctx context.Context, userID string) (preferences.Preferences, error) {
	var (
		p               = preferences.Preferences{UserID: userID}
		channels, types []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT channels, types, updated_at FROM user_preferences WHERE user_id = $1`,
		userID).Scan(&channels, &types, &p.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return preferences.Preferences{}, preferences.ErrNotFound
		}
		return preferences.Preferences{}, fmt.Errorf("failed to get preferences: %w", err)
	}

	if err := json.Unmarshal(channels, &p.Channels); err != nil {
		return preferences.Preferences{}, fmt.Errorf("failed to decode channel preferences: %w", err)
	}
	if err := json.Unmarshal(types, &p.Types); err != nil {
		return preferences.Preferences{}, fmt.Errorf("failed to decode type preferences: %w", err)
	}
	return p, nil
}

func (s *PreferenceStorage) Save(ctx context.Context, p preferences.Preferences) error {
	channels, err := jsonArg(p.Channels, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode channel preferences: %w", err)
	}
	types, err := jsonArg(p.Types, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode type preferences: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, channels, types, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET channels = EXCLUDED.channels, types = EXCLUDED.types, updated_at = EXCLUDED.updated_at`,
		p.UserID, channels, types, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}
