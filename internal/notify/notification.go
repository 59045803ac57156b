package notify

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrymomot/notifykit/pkg/queue"
)

// Type is one of the closed set of notification kinds.
type Type string

const (
	TypeSurveyCreated       Type = "survey-created"
	TypeSurveyCompleted     Type = "survey-completed"
	TypeSurveyReminder      Type = "survey-reminder"
	TypeAccountUpdate       Type = "account-update"
	TypeSystemAlert         Type = "system-alert"
	TypeFeatureAnnouncement Type = "feature-announcement"
)

// Types lists every known notification type.
func Types() []Type {
	return []Type{
		TypeSurveyCreated,
		TypeSurveyCompleted,
		TypeSurveyReminder,
		TypeAccountUpdate,
		TypeSystemAlert,
		TypeFeatureAnnouncement,
	}
}

func (t Type) Valid() bool {
	return slices.Contains(Types(), t)
}

// Channel is a delivery path.
type Channel string

const (
	ChannelInApp Channel = "in-app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

func (c Channel) Valid() bool {
	return c == ChannelInApp || c == ChannelEmail || c == ChannelPush
}

// Priority of a notification. It decides the queue priority of its processing task.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// QueuePriority maps p onto the job queue scale.
func (p Priority) QueuePriority() queue.Priority {
	switch p {
	case PriorityUrgent:
		return queue.PriorityUrgent
	case PriorityHigh:
		return queue.PriorityHigh
	case PriorityLow:
		return queue.PriorityLow
	default:
		return queue.PriorityMedium
	}
}

// Status tracks dispatch progress. Read state is kept separately.
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusProcessed Status = "processed"
)

// Rank orders statuses along the lifecycle. Unknown statuses rank lowest.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 1
	case StatusQueued:
		return 2
	case StatusProcessed:
		return 3
	}
	return 0
}

// Notification is a message for one user.
type Notification struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Type        Type       `json:"type"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Data        Payload    `json:"data,omitempty"`
	Channels    []Channel  `json:"channels"`
	Priority    Priority   `json:"priority"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the notification is past its expiry at now.
func (n Notification) IsExpired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

type notificationJSON struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Type        Type            `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
	Channels    []Channel       `json:"channels"`
	Priority    Priority        `json:"priority"`
	Read        bool            `json:"read"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

func (n Notification) MarshalJSON() ([]byte, error) {
	var data json.RawMessage
	if n.Data != nil {
		b, err := json.Marshal(n.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", n.Type, err)
		}
		data = b
	}
	return json.Marshal(notificationJSON{
		ID:          n.ID,
		UserID:      n.UserID,
		Type:        n.Type,
		Title:       n.Title,
		Message:     n.Message,
		Data:        data,
		Channels:    n.Channels,
		Priority:    n.Priority,
		Read:        n.Read,
		ReadAt:      n.ReadAt,
		Status:      n.Status,
		CreatedAt:   n.CreatedAt,
		ProcessedAt: n.ProcessedAt,
		ExpiresAt:   n.ExpiresAt,
	})
}

// UnmarshalJSON decodes Data into the payload struct selected by Type.
func (n *Notification) UnmarshalJSON(b []byte) error {
	var v notificationJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	data, err := DecodePayload(v.Type, v.Data)
	if err != nil {
		return err
	}
	*n = Notification{
		ID:          v.ID,
		UserID:      v.UserID,
		Type:        v.Type,
		Title:       v.Title,
		Message:     v.Message,
		Data:        data,
		Channels:    v.Channels,
		Priority:    v.Priority,
		Read:        v.Read,
		ReadAt:      v.ReadAt,
		Status:      v.Status,
		CreatedAt:   v.CreatedAt,
		ProcessedAt: v.ProcessedAt,
		ExpiresAt:   v.ExpiresAt,
	}
	return nil
}
