package notify

import (
	"context"
	"time"
)

// Storage handles notification persistence. Methods addressing a single
// notification return ErrNotFound when it does not exist.
type Storage interface {
	// Create stores a new notification.
	Create(ctx context.Context, n Notification) error

	// Get retrieves a single notification.
	Get(ctx context.Context, id string) (Notification, error)

	// List returns a user's notifications, newest first.
	List(ctx context.Context, userID string, q Query) ([]Notification, error)

	// MarkRead sets read state. changed is false when it was already read.
	MarkRead(ctx context.Context, id string, at time.Time) (n Notification, changed bool, err error)

	// MarkAllRead marks every unread notification of the user as read and
	// returns the ids that changed.
	MarkAllRead(ctx context.Context, userID string, at time.Time) ([]string, error)

	// SetStatus advances dispatch progress. A status at or behind the stored
	// one is ignored, so a late queued write never undoes processed.
	// ProcessedAt is set with StatusProcessed.
	SetStatus(ctx context.Context, id string, status Status, at time.Time) error

	// Delete removes a notification.
	Delete(ctx context.Context, id string) error

	// CountUnread counts unread notifications not expired at now.
	CountUnread(ctx context.Context, userID string, now time.Time) (int, error)
}

// Query filters and pages List results.
type Query struct {
	Limit       int       // 0 means no limit
	Offset      int       // rows to skip
	IncludeRead bool      // include already read notifications
	Now         time.Time // notifications expired at Now are skipped
}
