// Package notify creates notifications and fans them out over the in-app,
// email and push channels through the job queue.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmitrymomot/notifykit/internal/preferences"
	"github.com/dmitrymomot/notifykit/pkg/broadcast"
	"github.com/dmitrymomot/notifykit/pkg/dedup"
	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/queue"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	defaultDedupTTL  = 7 * 24 * time.Hour
	tracerName       = "github.com/dmitrymomot/notifykit/internal/notify"
)

// Preferences resolves a user's current preferences.
type Preferences interface {
	Get(ctx context.Context, userID string) (preferences.Preferences, error)
}

// Enqueuer schedules background tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) (uuid.UUID, error)
}

// ProcessTask is the queue payload carrying a notification to fan out.
type ProcessTask struct {
	Notification Notification `json:"notification"`
}

// Options are the optional inputs of Create.
type Options struct {
	Channels  []Channel
	Priority  Priority
	Data      Payload
	ExpiresAt *time.Time
}

// ListOptions pages ListNotifications. Page is 1-based. Expired
// notifications are never listed, IncludeRead only adds read ones.
type ListOptions struct {
	Page        int
	Limit       int
	IncludeRead bool
}

// Dispatcher owns the notification lifecycle.
type Dispatcher struct {
	storage  Storage
	prefs    Preferences
	enqueuer Enqueuer
	bus      broadcast.Bus[Event]
	senders  map[Channel]Sender
	dedup    dedup.Store
	dedupTTL time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithSender registers the sender of its channel, replacing a previous one.
func WithSender(s Sender) DispatcherOption {
	return func(d *Dispatcher) {
		if s != nil {
			d.senders[s.Channel()] = s
		}
	}
}

// WithDedup sets the store remembering delivered channels across task retries.
func WithDedup(store dedup.Store, ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if store != nil {
			d.dedup = store
		}
		if ttl > 0 {
			d.dedupTTL = ttl
		}
	}
}

func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher creates a Dispatcher. Events go to bus; senders are
// registered with WithSender.
func NewDispatcher(storage Storage, prefs Preferences, enqueuer Enqueuer, bus broadcast.Bus[Event], opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		storage:  storage,
		prefs:    prefs,
		enqueuer: enqueuer,
		bus:      bus,
		senders:  make(map[Channel]Sender),
		dedup:    dedup.NewMemoryStore(),
		dedupTTL: defaultDedupTTL,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Create stores a notification for the channels the user accepts and
// schedules its delivery. It returns once the record is queued.
func (d *Dispatcher) Create(ctx context.Context, userID string, typ Type, title, message string, opts Options) (Notification, error) {
	if !typ.Valid() {
		return Notification{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if strings.TrimSpace(userID) == "" {
		return Notification{}, fmt.Errorf("%w: user id is required", ErrInvalidNotification)
	}
	if strings.TrimSpace(title) == "" && strings.TrimSpace(message) == "" {
		return Notification{}, fmt.Errorf("%w: title or message is required", ErrInvalidNotification)
	}
	if opts.Data != nil && opts.Data.Type() != typ {
		return Notification{}, fmt.Errorf("%w: %s payload for %s notification", ErrInvalidPayload, opts.Data.Type(), typ)
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return Notification{}, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}

	requested := opts.Channels
	if len(requested) == 0 {
		requested = []Channel{ChannelInApp}
	}
	for _, ch := range requested {
		if !ch.Valid() {
			return Notification{}, fmt.Errorf("%w: %q", ErrInvalidChannel, ch)
		}
	}

	prefs, err := d.prefs.Get(ctx, userID)
	if err != nil {
		return Notification{}, fmt.Errorf("failed to resolve preferences: %w", err)
	}

	channels := enabledChannels(requested, prefs, typ)
	if len(channels) == 0 && enabled(prefs, typ, ChannelInApp) {
		channels = []Channel{ChannelInApp}
	}

	now := d.now().UTC()
	n := Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Message:   message,
		Data:      opts.Data,
		Channels:  channels,
		Priority:  priority,
		Status:    StatusCreated,
		CreatedAt: now,
		ExpiresAt: opts.ExpiresAt,
	}

	if err := d.storage.Create(ctx, n); err != nil {
		return Notification{}, fmt.Errorf("failed to store notification: %w", err)
	}

	if len(channels) == 0 {
		// Every channel is opted out; the record stays for the history only.
		if err := d.storage.SetStatus(ctx, n.ID, StatusProcessed, now); err != nil {
			d.logger.LogAttrs(ctx, slog.LevelWarn, "failed to mark notification processed",
				logger.NotificationID(n.ID), logger.Error(err))
			return n, nil
		}
		n.Status = StatusProcessed
		n.ProcessedAt = &now
		return n, nil
	}

	enqueueOpts := []queue.EnqueueOption{queue.WithPriority(priority.QueuePriority())}
	if n.ExpiresAt != nil {
		enqueueOpts = append(enqueueOpts, queue.WithExpiresAt(*n.ExpiresAt))
	}

	taskID, err := d.enqueuer.Enqueue(ctx, ProcessTask{Notification: n}, enqueueOpts...)
	if err != nil {
		if delErr := d.storage.Delete(ctx, n.ID); delErr != nil {
			d.logger.LogAttrs(ctx, slog.LevelError, "failed to remove unqueued notification",
				logger.NotificationID(n.ID), logger.Error(delErr))
		}
		return Notification{}, fmt.Errorf("failed to enqueue notification: %w", err)
	}

	// The worker may have processed n already; SetStatus never moves it back.
	if err := d.storage.SetStatus(ctx, n.ID, StatusQueued, now); err != nil {
		d.logger.LogAttrs(ctx, slog.LevelWarn, "failed to mark notification queued",
			logger.NotificationID(n.ID), logger.Error(err))
	} else if stored, err := d.storage.Get(ctx, n.ID); err == nil {
		n.Status, n.ProcessedAt = stored.Status, stored.ProcessedAt
	} else {
		n.Status = StatusQueued
	}

	d.logger.LogAttrs(ctx, slog.LevelDebug, "notification queued",
		logger.NotificationID(n.ID), logger.UserID(userID), logger.TaskID(taskID),
		slog.Any("channels", channels))
	return n, nil
}

// Handler returns the queue handler running Process.
func (d *Dispatcher) Handler() queue.Handler {
	return queue.NewTaskHandler(func(ctx context.Context, task ProcessTask) error {
		return d.Process(ctx, task.Notification)
	})
}

type channelResult struct {
	channel Channel
	err     error
}

// Process fans n out to the channels that are still enabled. Channels
// deliver independently; a transient failure makes Process return an error
// so the task is retried, and channels that already succeeded are skipped on
// the retry.
func (d *Dispatcher) Process(ctx context.Context, n Notification) (err error) {
	ctx, span := d.tracer.Start(ctx, "notify.Process", trace.WithAttributes(
		attribute.String("notification.id", n.ID),
		attribute.String("notification.type", string(n.Type)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	now := d.now().UTC()
	if n.IsExpired(now) {
		d.logger.LogAttrs(ctx, slog.LevelInfo, "notification expired before delivery",
			logger.NotificationID(n.ID))
		return nil
	}

	current, err := d.storage.Get(ctx, n.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		d.logger.LogAttrs(ctx, slog.LevelInfo, "notification deleted before delivery",
			logger.NotificationID(n.ID))
		return nil
	case err != nil:
		return fmt.Errorf("failed to load notification: %w", err)
	case current.Status == StatusProcessed:
		return nil
	}

	prefs, err := d.prefs.Get(ctx, current.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve preferences: %w", err)
	}
	channels := enabledChannels(current.Channels, prefs, current.Type)
	span.SetAttributes(attribute.Int("notification.channels", len(channels)))

	results := make([]channelResult, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = channelResult{channel: ch, err: d.deliver(ctx, current, ch)}
		}()
	}
	wg.Wait()

	var transient []error
	for _, r := range results {
		switch {
		case r.err == nil:
		case queue.IsPermanent(r.err):
			d.logger.LogAttrs(ctx, slog.LevelWarn, "notification channel failed permanently",
				logger.NotificationID(current.ID), logger.Channel(string(r.channel)), logger.Error(r.err))
		default:
			transient = append(transient, fmt.Errorf("%s: %w", r.channel, r.err))
		}
	}

	lastAttempt := true
	if info, ok := queue.TaskInfoFromContext(ctx); ok {
		lastAttempt = info.LastAttempt()
	}

	if len(transient) > 0 && !lastAttempt {
		return errors.Join(transient...)
	}

	if err := d.storage.SetStatus(ctx, current.ID, StatusProcessed, d.now().UTC()); err != nil {
		return errors.Join(append(transient, fmt.Errorf("failed to mark notification processed: %w", err))...)
	}
	return errors.Join(transient...)
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification, ch Channel) error {
	sender, ok := d.senders[ch]
	if !ok {
		return queue.Permanent(fmt.Errorf("no sender for channel %s", ch))
	}

	key := n.ID + ":" + string(ch)
	seen, err := d.dedup.Seen(ctx, key)
	if err != nil {
		d.logger.LogAttrs(ctx, slog.LevelWarn, "dedup lookup failed",
			logger.NotificationID(n.ID), logger.Channel(string(ch)), logger.Error(err))
	}
	if seen {
		return nil
	}

	if err := sender.Send(ctx, n); err != nil {
		return err
	}

	if err := d.dedup.Mark(ctx, key, d.dedupTTL); err != nil {
		d.logger.LogAttrs(ctx, slog.LevelWarn, "failed to record delivery",
			logger.NotificationID(n.ID), logger.Channel(string(ch)), logger.Error(err))
	}
	return nil
}

// MarkAsRead marks a notification read. Marking twice is the same as once;
// the read event is published only on the first call.
func (d *Dispatcher) MarkAsRead(ctx context.Context, id string) error {
	n, changed, err := d.storage.MarkRead(ctx, id, d.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark notification %s read: %w", id, err)
	}
	if changed {
		d.publish(ctx, n.UserID, Event{Type: EventRead, IDs: []string{id}})
	}
	return nil
}

// MarkAllAsRead marks every unread notification of the user read and
// returns how many changed.
func (d *Dispatcher) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	ids, err := d.storage.MarkAllRead(ctx, userID, d.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	if len(ids) > 0 {
		d.publish(ctx, userID, Event{Type: EventReadAll, IDs: ids})
	}
	return len(ids), nil
}

// GetUnreadCount counts unread notifications that have not expired.
func (d *Dispatcher) GetUnreadCount(ctx context.Context, userID string) (int, error) {
	count, err := d.storage.CountUnread(ctx, userID, d.now())
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// ListNotifications returns a page of the user's notifications, newest first.
func (d *Dispatcher) ListNotifications(ctx context.Context, userID string, opts ListOptions) ([]Notification, error) {
	page := max(opts.Page, 1)
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	limit = min(limit, maxPageLimit)

	list, err := d.storage.List(ctx, userID, Query{
		Limit:       limit,
		Offset:      (page - 1) * limit,
		IncludeRead: opts.IncludeRead,
		Now:         d.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return list, nil
}

func (d *Dispatcher) Get(ctx context.Context, id string) (Notification, error) {
	n, err := d.storage.Get(ctx, id)
	if err != nil {
		return Notification{}, fmt.Errorf("failed to get notification %s: %w", id, err)
	}
	return n, nil
}

func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	if err := d.storage.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete notification %s: %w", id, err)
	}
	return nil
}

// Subscribe streams the real-time events of a user.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (broadcast.Subscriber[Event], error) {
	return d.bus.Subscribe(ctx, userID)
}

func (d *Dispatcher) publish(ctx context.Context, userID string, ev Event) {
	ev.At = d.now().UTC()
	if err := d.bus.Publish(ctx, userID, ev); err != nil {
		d.logger.LogAttrs(ctx, slog.LevelWarn, "failed to publish notification event",
			logger.UserID(userID), logger.EventType(string(ev.Type)), logger.Error(err))
	}
}

func enabled(p preferences.Preferences, typ Type, ch Channel) bool {
	return p.TypeEnabled(string(typ)) && p.ChannelEnabled(string(ch))
}

// enabledChannels keeps the requested channels the user accepts for typ,
// in request order and without duplicates.
func enabledChannels(requested []Channel, p preferences.Preferences, typ Type) []Channel {
	out := make([]Channel, 0, len(requested))
	for _, ch := range requested {
		if enabled(p, typ, ch) && !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	return out
}
