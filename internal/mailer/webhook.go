package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// providerEventSchema describes one element of a webhook batch.
const providerEventSchema = `{
	"type": "object",
	"required": ["email", "event", "message_id", "timestamp"],
	"properties": {
		"email":      {"type": "string", "minLength": 3},
		"event":      {"type": "string", "minLength": 1},
		"message_id": {"type": "string", "minLength": 1},
		"timestamp":  {"type": ["integer", "string"]},
		"event_id":   {"type": "string"}
	}
}`

var eventSchema = gojsonschema.NewStringLoader(providerEventSchema)

// providerEventTypes maps provider event names to ours.
var providerEventTypes = map[string]EventType{
	"delivered":   EventDelivered,
	"open":        EventOpened,
	"click":       EventClicked,
	"bounce":      EventBounced,
	"spamreport":  EventComplained,
	"unsubscribe": EventUnsubscribed,
}

// eventNamespace seeds ids for provider events that carry none, so a
// redelivered batch maps to the same ids.
var eventNamespace = uuid.MustParse("6f1c0c52-4a4e-4f0b-9a51-0d7e4c3b8a11")

var reservedEventFields = map[string]bool{
	"email": true, "event": true, "message_id": true, "timestamp": true, "event_id": true,
}

// HandleWebhook ingests a batch of provider events. Invalid or unknown events
// are logged and skipped, and state updates that fail are logged. An error is
// returned only when the event log could not be written, in which case the
// provider should redeliver the whole batch.
func (s *Service) HandleWebhook(ctx context.Context, batch []json.RawMessage) error {
	var errs []error
	for i, raw := range batch {
		ev, err := s.parseEvent(raw)
		if err != nil {
			s.logger.LogAttrs(ctx, slog.LevelWarn, "skipping email event",
				slog.Int("index", i), logger.Error(err))
			continue
		}
		if err := s.ingest(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to process email events: %w", errors.Join(errs...))
	}
	return nil
}

func (s *Service) parseEvent(raw json.RawMessage) (Event, error) {
	result, err := gojsonschema.Validate(eventSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			msgs[i] = desc.String()
		}
		return Event{}, fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(msgs, "; "))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	var name, recipient, messageID, eventID string
	_ = json.Unmarshal(fields["event"], &name)
	_ = json.Unmarshal(fields["email"], &recipient)
	_ = json.Unmarshal(fields["message_id"], &messageID)
	if v, ok := fields["event_id"]; ok {
		_ = json.Unmarshal(v, &eventID)
	}

	typ, ok := providerEventTypes[name]
	if !ok {
		return Event{}, fmt.Errorf("unknown email event type %q", name)
	}

	ts, err := parseTimestamp(fields["timestamp"])
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	if eventID == "" {
		key := strings.Join([]string{messageID, name, strings.ToLower(recipient), strconv.FormatInt(ts.UnixNano(), 10)}, "|")
		eventID = uuid.NewSHA1(eventNamespace, []byte(key)).String()
	}

	metadata := make(map[string]string)
	for k, v := range fields {
		if reservedEventFields[k] {
			continue
		}
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			metadata[k] = str
			continue
		}
		metadata[k] = string(bytes.TrimSpace(v))
	}

	return Event{
		ID:                eventID,
		Type:              typ,
		Recipient:         recipient,
		ProviderMessageID: messageID,
		Timestamp:         ts,
		Metadata:          metadata,
	}, nil
}

// parseTimestamp accepts unix seconds as a number or string, or RFC 3339.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", raw)
	}
	if n, err := strconv.ParseInt(str, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", str)
	}
	return t.UTC(), nil
}

// ingest appends ev to the log and folds it into the tracking status. Only
// the append can fail the batch.
func (s *Service) ingest(ctx context.Context, ev Event) error {
	inserted, err := s.storage.AppendEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", ev.ID, err)
	}

	// Merging is idempotent, so a redelivered event is applied again in case
	// the previous attempt failed after the append.
	t, changed, err := s.storage.MergeTrackingStatus(ctx, ev.ProviderMessageID, ev.Type.status(), s.now().UTC())
	switch {
	case errors.Is(err, ErrTrackingNotFound):
		// The send may not have saved the message id yet; it replays the
		// logged events once it does.
		s.logger.LogAttrs(ctx, slog.LevelDebug, "email event for untracked message",
			logger.MessageID(ev.ProviderMessageID), logger.EventType(string(ev.Type)))
		return nil
	case err != nil:
		s.logger.LogAttrs(ctx, slog.LevelError, "failed to update email tracking",
			logger.MessageID(ev.ProviderMessageID), logger.EventType(string(ev.Type)), logger.Error(err))
		return nil
	}

	if changed {
		s.logger.LogAttrs(ctx, slog.LevelInfo, "email tracking updated",
			logger.TrackingID(t.ID), logger.MessageID(ev.ProviderMessageID), slog.String("status", string(t.Status)))
	}

	if inserted {
		for _, fn := range s.listeners {
			fn(ctx, ev, t)
		}
	}
	return nil
}
