package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/notifykit/internal/mailer"
	"github.com/dmitrymomot/notifykit/pkg/pg"
)

const trackingColumns = `id, user_id, campaign_id, recipient, template_id, provider_message_id, status, metadata, created_at, updated_at`

// MailerStorage implements mailer.Storage: email tracking rows and the
// provider event log.
type MailerStorage struct {
	db DB
}

func NewMailerStorage(db DB) *MailerStorage {
	return &MailerStorage{db: db}
}

// SaveTracking inserts t, or updates the locked row with t's fields while
// folding the stored status in with MergeStatus. A bounce recorded by a
// webhook during a send is never overwritten by the send's own save.
func (s *MailerStorage) SaveTracking(ctx context.Context, t mailer.Tracking) (mailer.Tracking, error) {
	meta, err := jsonArg(t.Metadata, "{}")
	if err != nil {
		return mailer.Tracking{}, fmt.Errorf("failed to encode tracking metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mailer.Tracking{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO email_tracking (`+trackingColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.UserID, t.CampaignID, t.Recipient, t.TemplateID, t.ProviderMessageID,
		string(t.Status), meta, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return mailer.Tracking{}, fmt.Errorf("failed to save email tracking: %w", err)
	}
	inserted, err := affected(res)
	if err != nil {
		return mailer.Tracking{}, fmt.Errorf("failed to save email tracking: %w", err)
	}
	if inserted {
		if err := tx.Commit(); err != nil {
			return mailer.Tracking{}, fmt.Errorf("failed to commit email tracking: %w", err)
		}
		return t, nil
	}

	row := tx.QueryRowContext(ctx, `SELECT `+trackingColumns+` FROM email_tracking WHERE id = $1 FOR UPDATE`, t.ID)
	current, err := scanTracking(row)
	if err != nil {
		return mailer.Tracking{}, fmt.Errorf("failed to lock email tracking: %w", err)
	}

	t.Status = mailer.MergeStatus(current.Status, t.Status)
	t.CreatedAt = current.CreatedAt
	if t.ProviderMessageID == "" {
		t.ProviderMessageID = current.ProviderMessageID
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE email_tracking SET
			user_id = $2,
			campaign_id = $3,
			recipient = $4,
			template_id = $5,
			provider_message_id = NULLIF($6, ''),
			status = $7,
			metadata = $8,
			updated_at = $9
		WHERE id = $1`,
		t.ID, t.UserID, t.CampaignID, t.Recipient, t.TemplateID, t.ProviderMessageID,
		string(t.Status), meta, t.UpdatedAt); err != nil {
		return mailer.Tracking{}, fmt.Errorf("failed to update email tracking: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return mailer.Tracking{}, fmt.Errorf("failed to commit email tracking: %w", err)
	}
	return t, nil
}

func (s *MailerStorage) GetTracking(ctx context.Context, id string) (mailer.Tracking, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+trackingColumns+` FROM email_tracking WHERE id = $1`, id)
	t, err := scanTracking(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return mailer.Tracking{}, mailer.ErrTrackingNotFound
		}
		return mailer.Tracking{}, fmt.Errorf("failed to get email tracking: %w", err)
	}
	return t, nil
}

// MergeTrackingStatus locks the row so concurrent webhook batches fold
// their events in one at a time.
func (s *MailerStorage) MergeTrackingStatus(ctx context.Context, messageID string, next mailer.Status, at time.Time) (mailer.Tracking, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mailer.Tracking{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+trackingColumns+` FROM email_tracking
		WHERE provider_message_id = $1 FOR UPDATE`, messageID)
	t, err := scanTracking(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return mailer.Tracking{}, false, mailer.ErrTrackingNotFound
		}
		return mailer.Tracking{}, false, fmt.Errorf("failed to lock email tracking: %w", err)
	}

	merged := mailer.MergeStatus(t.Status, next)
	if merged == t.Status {
		return t, false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE email_tracking SET status = $2, updated_at = $3 WHERE id = $1`,
		t.ID, string(merged), at); err != nil {
		return mailer.Tracking{}, false, fmt.Errorf("failed to update email tracking: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return mailer.Tracking{}, false, fmt.Errorf("failed to commit email tracking: %w", err)
	}

	t.Status = merged
	t.UpdatedAt = at
	return t, true, nil
}

func (s *MailerStorage) AppendEvent(ctx context.Context, ev mailer.Event) (bool, error) {
	meta, err := jsonArg(ev.Metadata, "{}")
	if err != nil {
		return false, fmt.Errorf("failed to encode event metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO email_events (id, type, recipient, provider_message_id, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Type), ev.Recipient, ev.ProviderMessageID, ev.Timestamp, meta)
	if err != nil {
		return false, fmt.Errorf("failed to append email event: %w", err)
	}
	inserted, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("failed to append email event: %w", err)
	}
	return inserted, nil
}

func (s *MailerStorage) ListEvents(ctx context.Context, messageID string) ([]mailer.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, recipient, provider_message_id, occurred_at, metadata
		FROM email_events WHERE provider_message_id = $1
		ORDER BY occurred_at, seq`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list email events: %w", err)
	}
	defer rows.Close()

	events := make([]mailer.Event, 0)
	for rows.Next() {
		var (
			ev   mailer.Event
			typ  string
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.Recipient, &ev.ProviderMessageID, &ev.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan email event: %w", err)
		}
		ev.Type = mailer.EventType(typ)
		if err := decodeMetadata(meta, &ev.Metadata); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanTracking(row scanner) (mailer.Tracking, error) {
	var (
		t         mailer.Tracking
		messageID sql.NullString
		status    string
		meta      []byte
	)
	err := row.Scan(&t.ID, &t.UserID, &t.CampaignID, &t.Recipient, &t.TemplateID,
		&messageID, &status, &meta, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return mailer.Tracking{}, err
	}
	t.ProviderMessageID = messageID.String
	t.Status = mailer.Status(status)
	if err := decodeMetadata(meta, &t.Metadata); err != nil {
		return mailer.Tracking{}, err
	}
	return t, nil
}

func decodeMetadata(b []byte, dst *map[string]string) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return errors.Join(errors.New("failed to decode metadata"), err)
	}
	if len(*dst) == 0 {
		*dst = nil
	}
	return nil
}
