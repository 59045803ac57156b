// Package preferences stores per-user opt-in flags for notification channels
// and notification types. A user without a stored record gets the defaults.
package preferences

import (
	"context"
	"errors"
	"maps"
	"time"
)

var ErrNotFound = errors.New("preferences not found")

// Preferences holds the flags for one user.
// A type absent from Types is enabled; a channel absent from Channels is disabled.
type Preferences struct {
	UserID    string          `json:"user_id"`
	Channels  map[string]bool `json:"channels"`
	Types     map[string]bool `json:"types"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ChannelEnabled reports whether the channel is on.
func (p Preferences) ChannelEnabled(channel string) bool {
	return p.Channels[channel]
}

// TypeEnabled reports whether notifications of the given type are wanted.
func (p Preferences) TypeEnabled(notificationType string) bool {
	on, ok := p.Types[notificationType]
	return !ok || on
}

// Update is a partial change; only the listed keys are touched.
type Update struct {
	Channels map[string]bool `json:"channels,omitempty"`
	Types    map[string]bool `json:"types,omitempty"`
}

// Storage persists preferences. Get returns ErrNotFound when the user has no record.
type Storage interface {
	Get(ctx context.Context, userID string) (Preferences, error)
	Save(ctx context.Context, p Preferences) error
}

// DefaultChannels is used when no WithDefaultChannels option is given.
func DefaultChannels() map[string]bool {
	return map[string]bool{
		"in-app": true,
		"email":  true,
		"push":   false,
	}
}

func clone(p Preferences) Preferences {
	p.Channels = maps.Clone(p.Channels)
	p.Types = maps.Clone(p.Types)
	if p.Channels == nil {
		p.Channels = map[string]bool{}
	}
	if p.Types == nil {
		p.Types = map[string]bool{}
	}
	return p
}
