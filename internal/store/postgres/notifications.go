package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/pkg/pg"
)

const notificationColumns = `id, user_id, type, title, message, data, channels, priority, status, read, read_at, expires_at, processed_at, created_at`

// NotificationStorage implements notify.Storage.
type NotificationStorage struct {
	db DB
}

func NewNotificationStorage(db DB) *NotificationStorage {
	return &NotificationStorage{db: db}
}

func (s *NotificationStorage) Create(ctx context.Context, n notify.Notification) error {
	var data []byte
	if n.Data != nil {
		b, err := json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("failed to encode notification data: %w", err)
		}
		data = b
	}
	channels, err := jsonArg(n.Channels, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode notification channels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, data, channels,
		string(n.Priority), string(n.Status), n.Read,
		nullTime(n.ReadAt), nullTime(n.ExpiresAt), nullTime(n.ProcessedAt), n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *NotificationStorage) Get(ctx context.Context, id string) (notify.Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return notify.Notification{}, notify.ErrNotFound
		}
		return notify.Notification{}, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

func (s *NotificationStorage) List(ctx context.Context, userID string, q notify.Query) ([]notify.Notification, error) {
	var limit sql.NullInt64
	if q.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(q.Limit), Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE user_id = $1
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND ($3 OR NOT read)
		ORDER BY created_at DESC, seq DESC
		LIMIT $4 OFFSET $5`,
		userID, q.Now, q.IncludeRead, limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	list := make([]notify.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return list, nil
}

func (s *NotificationStorage) MarkRead(ctx context.Context, id string, at time.Time) (notify.Notification, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE notifications SET read = TRUE, read_at = $2
		WHERE id = $1 AND NOT read
		RETURNING `+notificationColumns, id, at)
	n, err := scanNotification(row)
	if err == nil {
		return n, true, nil
	}
	if !pg.IsNotFoundError(err) {
		return notify.Notification{}, false, fmt.Errorf("failed to mark notification read: %w", err)
	}

	// Nothing updated: either unknown or already read.
	n, err = s.Get(ctx, id)
	if err != nil {
		return notify.Notification{}, false, err
	}
	return n, false, nil
}

func (s *NotificationStorage) MarkAllRead(ctx context.Context, userID string, at time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE notifications SET read = TRUE, read_at = $2
		WHERE user_id = $1 AND NOT read
		RETURNING id`, userID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan notification id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *NotificationStorage) SetStatus(ctx context.Context, id string, status notify.Status, at time.Time) error {
	var processedAt sql.NullTime
	if status == notify.StatusProcessed {
		processedAt = sql.NullTime{Time: at, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET
			status = CASE WHEN `+statusRank("status")+` < `+statusRank("$2")+` THEN $2 ELSE status END,
			processed_at = CASE WHEN `+statusRank("status")+` < `+statusRank("$2")+` THEN COALESCE($3, processed_at) ELSE processed_at END
		WHERE id = $1`, id, string(status), processedAt)
	if err != nil {
		return fmt.Errorf("failed to set notification status: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("failed to set notification status: %w", err)
	}
	if !ok {
		return notify.ErrNotFound
	}
	return nil
}

func (s *NotificationStorage) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	if !ok {
		return notify.ErrNotFound
	}
	return nil
}

func (s *NotificationStorage) CountUnread(ctx context.Context, userID string, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM notifications
		WHERE user_id = $1 AND NOT read AND (expires_at IS NULL OR expires_at > $2)`,
		userID, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

func scanNotification(row scanner) (notify.Notification, error) {
	var (
		n                              notify.Notification
		typ, priority, status          string
		data, channels                 []byte
		readAt, expiresAt, processedAt sql.NullTime
	)
	err := row.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &data, &channels,
		&priority, &status, &n.Read, &readAt, &expiresAt, &processedAt, &n.CreatedAt)
	if err != nil {
		return notify.Notification{}, err
	}

	n.Type = notify.Type(typ)
	n.Priority = notify.Priority(priority)
	n.Status = notify.Status(status)
	n.ReadAt = timePtr(readAt)
	n.ExpiresAt = timePtr(expiresAt)
	n.ProcessedAt = timePtr(processedAt)

	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &n.Channels); err != nil {
			return notify.Notification{}, fmt.Errorf("failed to decode channels: %w", err)
		}
	}
	payload, err := notify.DecodePayload(n.Type, data)
	if err != nil && !errors.Is(err, notify.ErrUnknownType) {
		return notify.Notification{}, err
	}
	n.Data = payload
	return n, nil
}

// statusRank is the SQL form of notify.Status.Rank.
func statusRank(expr string) string {
	return "(CASE " + expr + "::text WHEN 'created' THEN 1 WHEN 'queued' THEN 2 WHEN 'processed' THEN 3 ELSE 0 END)"
}
