// Package mailer sends templated email through an email.Sender, keeps a
// tracking record per send and folds provider webhook events into it.
package mailer

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecipientSuppressed = errors.New("recipient suppressed after bounce or complaint")
	ErrTrackingNotFound    = errors.New("email tracking not found")
	ErrInvalidEmailData    = errors.New("invalid email data")
	ErrInvalidEvent        = errors.New("invalid email event")
)

// Status is the lifecycle state of one tracked email.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusOpened       Status = "opened"
	StatusClicked      Status = "clicked"
	StatusBounced      Status = "bounced"
	StatusComplained   Status = "complained"
	StatusUnsubscribed Status = "unsubscribed"
)

// EventType is a provider lifecycle event in our vocabulary.
type EventType string

const (
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventUnsubscribed EventType = "unsubscribed"
)

// Terminal reports whether no later event may change the status and no
// further send is allowed for the tracking id.
func (s Status) Terminal() bool {
	return s == StatusBounced || s == StatusComplained
}

var engagement = map[Status]int{
	StatusQueued:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusOpened:    3,
	StatusClicked:   4,
}

// MergeStatus folds next into current. Events arrive in any order, so the
// result only moves forward along queued < sent < delivered < opened < clicked.
// Unsubscribed beats any engagement state; bounced and complained are final.
func MergeStatus(current, next Status) Status {
	switch {
	case current.Terminal():
		return current
	case next.Terminal():
		return next
	case next == StatusUnsubscribed || current == StatusUnsubscribed:
		return StatusUnsubscribed
	}

	cr, ok := engagement[current]
	if !ok {
		return next
	}
	nr, ok := engagement[next]
	if !ok || nr <= cr {
		return current
	}
	return next
}

// Tracking correlates one outbound email with the events reported for it.
type Tracking struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id,omitempty"`
	CampaignID        string            `json:"campaign_id,omitempty"`
	Recipient         string            `json:"recipient"`
	TemplateID        string            `json:"template_id"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	Status            Status            `json:"status"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Event is one entry of the append-only provider event log.
type Event struct {
	ID                string            `json:"id"`
	Type              EventType         `json:"type"`
	Recipient         string            `json:"recipient"`
	ProviderMessageID string            `json:"provider_message_id"`
	Timestamp         time.Time         `json:"timestamp"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

func (e EventType) status() Status {
	return Status(e)
}

// EmailData is the per-recipient input of a send.
type EmailData struct {
	To        string         `json:"to"`
	Variables map[string]any `json:"variables,omitempty"`
	Tag       string         `json:"tag,omitempty"`
}

// Storage persists tracking rows and the event log.
type Storage interface {
	// SaveTracking inserts a tracking row or updates an existing one. The
	// stored status is folded in with MergeStatus, never replaced, and the
	// saved row is returned.
	SaveTracking(ctx context.Context, t Tracking) (Tracking, error)
	// GetTracking returns ErrTrackingNotFound for an unknown id.
	GetTracking(ctx context.Context, id string) (Tracking, error)
	// MergeTrackingStatus atomically applies MergeStatus to the row with the
	// given provider message id and returns the row and whether it changed.
	MergeTrackingStatus(ctx context.Context, providerMessageID string, next Status, at time.Time) (Tracking, bool, error)
	// AppendEvent stores ev unless an event with the same id exists.
	AppendEvent(ctx context.Context, ev Event) (inserted bool, err error)
	// ListEvents returns the events of one message, oldest first.
	ListEvents(ctx context.Context, providerMessageID string) ([]Event, error)
}
