package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmitrymomot/notifykit/internal/templates"
	"github.com/dmitrymomot/notifykit/pkg/email"
	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/queue"
)

const tracerName = "github.com/dmitrymomot/notifykit/internal/mailer"

// Templates is the part of the template store the mailer needs.
type Templates interface {
	Get(ctx context.Context, id string) (templates.Template, error)
	Render(t templates.Template, vars map[string]any) (templates.Rendered, error)
}

// Enqueuer schedules background tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) (uuid.UUID, error)
}

// EventListener is called once for every newly recorded webhook event whose
// message is tracked.
type EventListener func(ctx context.Context, ev Event, t Tracking)

// SendEmailTask is the queue payload of QueueEmail.
type SendEmailTask struct {
	TemplateID string    `json:"template_id"`
	TrackingID string    `json:"tracking_id"`
	Data       EmailData `json:"data"`
}

// Service sends tracked emails and ingests provider webhooks.
type Service struct {
	sender    email.Sender
	templates Templates
	storage   Storage
	enqueuer  Enqueuer
	listeners []EventListener
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEnqueuer enables QueueEmail.
func WithEnqueuer(e Enqueuer) Option {
	return func(s *Service) { s.enqueuer = e }
}

// WithEventListener registers a listener for applied webhook events.
func WithEventListener(fn EventListener) Option {
	return func(s *Service) {
		if fn != nil {
			s.listeners = append(s.listeners, fn)
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(sender email.Sender, tpls Templates, storage Storage, opts ...Option) *Service {
	s := &Service{
		sender:    sender,
		templates: tpls,
		storage:   storage,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send renders tpl and delivers it. When tracking carries the id of an
// existing row that row is updated; a bounced or complained row refuses the
// send with a permanent ErrRecipientSuppressed.
func (s *Service) Send(ctx context.Context, tpl templates.Template, data EmailData, tracking *Tracking) (Tracking, error) {
	ctx, span := s.tracer.Start(ctx, "mailer.Send", trace.WithAttributes(
		attribute.String("template.id", tpl.ID),
		attribute.String("template.name", tpl.Name),
	))
	defer span.End()

	t, err := s.send(ctx, tpl, data, tracking)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return t, err
	}
	span.SetAttributes(attribute.String("email.message_id", t.ProviderMessageID))
	return t, nil
}

func (s *Service) send(ctx context.Context, tpl templates.Template, data EmailData, tracking *Tracking) (Tracking, error) {
	if !email.ValidAddress(data.To) {
		return Tracking{}, queue.Permanent(fmt.Errorf("%w: invalid recipient %q", ErrInvalidEmailData, data.To))
	}

	t, err := s.resolveTracking(ctx, tpl.ID, data, tracking)
	if err != nil {
		return Tracking{}, err
	}
	if t.Status.Terminal() {
		s.logger.LogAttrs(ctx, slog.LevelInfo, "email suppressed",
			logger.TrackingID(t.ID), slog.String("status", string(t.Status)))
		return t, queue.Permanent(ErrRecipientSuppressed)
	}

	rendered, err := s.templates.Render(tpl, data.Variables)
	if err != nil {
		return t, queue.Permanent(fmt.Errorf("failed to render template %s: %w", tpl.ID, err))
	}

	metadata := maps.Clone(t.Metadata)
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["tracking_id"] = t.ID

	msgID, err := s.sender.Send(ctx, email.Message{
		To:       data.To,
		Subject:  rendered.Subject,
		HTML:     rendered.HTML,
		Text:     rendered.Text,
		Tag:      data.Tag,
		Metadata: metadata,
	})
	if err != nil {
		if errors.Is(err, email.ErrInvalidMessage) {
			err = queue.Permanent(err)
		}
		return t, fmt.Errorf("failed to send email: %w", err)
	}

	now := s.now().UTC()
	linked := t.ProviderMessageID == msgID
	t.ProviderMessageID = msgID
	t.Status = MergeStatus(t.Status, StatusSent)
	t.UpdatedAt = now
	saved, err := s.storage.SaveTracking(ctx, t)
	if err != nil {
		// The email is out; a retry would send it twice.
		s.logger.LogAttrs(ctx, slog.LevelError, "failed to save email tracking",
			logger.TrackingID(t.ID), logger.MessageID(msgID), logger.Error(err))
		return t, nil
	}
	t = saved
	if t.Status.Terminal() {
		s.logger.LogAttrs(ctx, slog.LevelInfo, "recipient suppressed while sending",
			logger.TrackingID(t.ID), logger.MessageID(msgID), slog.String("status", string(t.Status)))
	}

	if _, err := s.storage.AppendEvent(ctx, Event{
		ID:                uuid.NewString(),
		Type:              EventSent,
		Recipient:         t.Recipient,
		ProviderMessageID: msgID,
		Timestamp:         now,
		Metadata:          map[string]string{"tracking_id": t.ID},
	}); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelWarn, "failed to append sent event",
			logger.TrackingID(t.ID), logger.MessageID(msgID), logger.Error(err))
	}

	if !linked {
		t = s.replayEvents(ctx, t)
	}

	s.logger.LogAttrs(ctx, slog.LevelDebug, "email sent",
		logger.TrackingID(t.ID), logger.MessageID(msgID), logger.TemplateID(tpl.ID))
	return t, nil
}

// replayEvents folds in the events a webhook delivered for t's message
// before the tracking row carried its message id. Listeners see the events
// that change the status.
func (s *Service) replayEvents(ctx context.Context, t Tracking) Tracking {
	events, err := s.storage.ListEvents(ctx, t.ProviderMessageID)
	if err != nil {
		s.logger.LogAttrs(ctx, slog.LevelWarn, "failed to list early email events",
			logger.TrackingID(t.ID), logger.MessageID(t.ProviderMessageID), logger.Error(err))
		return t
	}

	for _, ev := range events {
		merged, changed, err := s.storage.MergeTrackingStatus(ctx, t.ProviderMessageID, ev.Type.status(), s.now().UTC())
		if err != nil {
			s.logger.LogAttrs(ctx, slog.LevelError, "failed to update email tracking",
				logger.TrackingID(t.ID), logger.EventType(string(ev.Type)), logger.Error(err))
			return t
		}
		t = merged
		if !changed {
			continue
		}
		s.logger.LogAttrs(ctx, slog.LevelInfo, "email tracking updated from early event",
			logger.TrackingID(t.ID), logger.MessageID(t.ProviderMessageID), slog.String("status", string(t.Status)))
		for _, fn := range s.listeners {
			fn(ctx, ev, t)
		}
	}
	return t
}

func (s *Service) resolveTracking(ctx context.Context, templateID string, data EmailData, tracking *Tracking) (Tracking, error) {
	now := s.now().UTC()
	var t Tracking
	if tracking != nil {
		t = *tracking
	}

	if t.ID != "" {
		existing, err := s.storage.GetTracking(ctx, t.ID)
		switch {
		case err == nil:
			existing.Metadata = mergeMetadata(existing.Metadata, t.Metadata)
			existing.Recipient = strings.TrimSpace(data.To)
			existing.TemplateID = templateID
			return existing, nil
		case !errors.Is(err, ErrTrackingNotFound):
			return Tracking{}, fmt.Errorf("failed to get email tracking: %w", err)
		}
	} else {
		t.ID = uuid.NewString()
	}

	t.Recipient = strings.TrimSpace(data.To)
	t.TemplateID = templateID
	t.Status = StatusQueued
	t.CreatedAt = now
	t.UpdatedAt = now
	return t, nil
}

// QueueEmail stores a queued tracking row and schedules the send on the job
// queue, which owns the retries.
func (s *Service) QueueEmail(ctx context.Context, templateID string, data EmailData, tracking *Tracking, priority queue.Priority) (Tracking, error) {
	if s.enqueuer == nil {
		return Tracking{}, errors.New("mailer: queue email requires an enqueuer")
	}
	if !email.ValidAddress(data.To) {
		return Tracking{}, fmt.Errorf("%w: invalid recipient %q", ErrInvalidEmailData, data.To)
	}

	t, err := s.resolveTracking(ctx, templateID, data, tracking)
	if err != nil {
		return Tracking{}, err
	}
	if t.Status.Terminal() {
		return t, ErrRecipientSuppressed
	}
	t, err = s.storage.SaveTracking(ctx, t)
	if err != nil {
		return Tracking{}, fmt.Errorf("failed to save email tracking: %w", err)
	}

	taskID, err := s.enqueuer.Enqueue(ctx, SendEmailTask{
		TemplateID: templateID,
		TrackingID: t.ID,
		Data:       data,
	}, queue.WithPriority(priority))
	if err != nil {
		return Tracking{}, fmt.Errorf("failed to enqueue email: %w", err)
	}

	s.logger.LogAttrs(ctx, slog.LevelDebug, "email queued",
		logger.TrackingID(t.ID), logger.TaskID(taskID), logger.TemplateID(templateID))
	return t, nil
}

// Handler returns the queue handler executing SendEmailTask.
func (s *Service) Handler() queue.Handler {
	return queue.NewTaskHandler(s.handleSendEmail)
}

func (s *Service) handleSendEmail(ctx context.Context, task SendEmailTask) error {
	tpl, err := s.templates.Get(ctx, task.TemplateID)
	if err != nil {
		if errors.Is(err, templates.ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}

	_, err = s.Send(ctx, tpl, task.Data, &Tracking{ID: task.TrackingID})
	return err
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(extra))
	}
	maps.Copy(out, extra)
	return out
}
