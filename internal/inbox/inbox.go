// Package inbox is the client side of notifications: it loads the first
// page and unread count of a user, keeps them current from the user's bus
// channel and marks notifications read through the API.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/pkg/broadcast"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// ErrDisconnected is reported by Err once the bus ends the subscription on
// its own, for example after dropping a subscriber that fell behind. The
// inbox no longer updates; mount a new one to resume.
var ErrDisconnected = errors.New("inbox: event stream closed")

// API is the server side the inbox talks to. *notify.Dispatcher implements it.
type API interface {
	ListNotifications(ctx context.Context, userID string, opts notify.ListOptions) ([]notify.Notification, error)
	GetUnreadCount(ctx context.Context, userID string) (int, error)
	MarkAsRead(ctx context.Context, id string) error
}

// Bus provides the user's real-time events.
type Bus interface {
	Subscribe(ctx context.Context, key string) (broadcast.Subscriber[notify.Event], error)
}

// Inbox mirrors one user's notifications.
type Inbox struct {
	userID      string
	api         API
	logger      *slog.Logger
	onChange    func()
	pageSize    int
	concurrency int

	mu     sync.RWMutex
	items  []notify.Notification
	unread int
	err    error

	sub    broadcast.Subscriber[notify.Event]
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type Option func(*Inbox)

func WithLogger(l *slog.Logger) Option {
	return func(i *Inbox) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithOnChange sets a callback invoked after every local state change.
func WithOnChange(fn func()) Option {
	return func(i *Inbox) { i.onChange = fn }
}

// WithPageSize sets how many notifications are loaded on mount.
func WithPageSize(n int) Option {
	return func(i *Inbox) {
		if n > 0 {
			i.pageSize = n
		}
	}
}

// WithConcurrency bounds the parallel calls of MarkAllAsRead.
func WithConcurrency(n int) Option {
	return func(i *Inbox) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// Mount subscribes to the user's channel, then loads the first page and
// the unread count. Events racing the load are deduplicated by id.
func Mount(ctx context.Context, userID string, api API, bus Bus, opts ...Option) (*Inbox, error) {
	i := &Inbox{
		userID:      userID,
		api:         api,
		logger:      slog.Default(),
		onChange:    func() {},
		pageSize:    20,
		concurrency: 8,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := bus.Subscribe(subCtx, userID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	i.sub, i.cancel = sub, cancel

	items, err := api.ListNotifications(ctx, userID, notify.ListOptions{Page: 1, Limit: i.pageSize, IncludeRead: true})
	if err != nil {
		i.stop()
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}
	unread, err := api.GetUnreadCount(ctx, userID)
	if err != nil {
		i.stop()
		return nil, fmt.Errorf("failed to load unread count: %w", err)
	}

	i.mu.Lock()
	i.items = items
	i.unread = unread
	i.mu.Unlock()

	go i.listen(subCtx)
	return i, nil
}

// Unmount stops listening. It is safe to call more than once.
func (i *Inbox) Unmount() {
	i.stop()
	<-i.done
}

func (i *Inbox) stop() {
	i.once.Do(func() {
		i.cancel()
		_ = i.sub.Close()
	})
}

// Done is closed when the inbox stops receiving events, after Unmount or
// a disconnect.
func (i *Inbox) Done() <-chan struct{} {
	return i.done
}

// Err returns ErrDisconnected after the bus closed the subscription, nil
// otherwise.
func (i *Inbox) Err() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.err
}

func (i *Inbox) listen(ctx context.Context) {
	defer close(i.done)
	for msg := range i.sub.Receive(ctx) {
		i.apply(ctx, msg.Data)
	}
	if ctx.Err() != nil {
		return
	}

	i.mu.Lock()
	i.err = ErrDisconnected
	i.mu.Unlock()
	i.logger.Warn("inbox event stream closed", logger.UserID(i.userID))
	i.onChange()
}

func (i *Inbox) apply(ctx context.Context, ev notify.Event) {
	changed := false
	unknown := false

	i.mu.Lock()
	switch ev.Type {
	case notify.EventCreated:
		if ev.Notification != nil && i.index(ev.Notification.ID) < 0 {
			i.items = slices.Insert(i.items, 0, *ev.Notification)
			if !ev.Notification.Read {
				i.unread++
			}
			changed = true
		}
	case notify.EventRead:
		for _, id := range ev.IDs {
			if i.index(id) < 0 {
				unknown = true
				continue
			}
			changed = i.markLocal(id) || changed
		}
	case notify.EventReadAll:
		for _, id := range ev.IDs {
			changed = i.markLocal(id) || changed
		}
		if i.unread != 0 {
			i.unread = 0
			changed = true
		}
	}
	i.mu.Unlock()

	// Items beyond the loaded page only show up in the server count.
	if unknown && i.refreshUnread(ctx) {
		changed = true
	}
	if changed {
		i.onChange()
	}
}

func (i *Inbox) refreshUnread(ctx context.Context) bool {
	count, err := i.api.GetUnreadCount(ctx, i.userID)
	if err != nil {
		i.logger.Warn("failed to refresh unread count", logger.UserID(i.userID), logger.Error(err))
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.unread == count {
		return false
	}
	i.unread = count
	return true
}

// markLocal flips a locally unread item. Callers hold mu.
func (i *Inbox) markLocal(id string) bool {
	idx := i.index(id)
	if idx < 0 || i.items[idx].Read {
		return false
	}
	i.items[idx].Read = true
	if i.unread > 0 {
		i.unread--
	}
	return true
}

func (i *Inbox) index(id string) int {
	return slices.IndexFunc(i.items, func(n notify.Notification) bool { return n.ID == id })
}

// Items returns a snapshot of the loaded notifications, newest first.
func (i *Inbox) Items() []notify.Notification {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return slices.Clone(i.items)
}

func (i *Inbox) UnreadCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.unread
}

// MarkAsRead waits for the server before changing local state.
func (i *Inbox) MarkAsRead(ctx context.Context, id string) error {
	if err := i.api.MarkAsRead(ctx, id); err != nil {
		return err
	}

	i.mu.Lock()
	changed := i.markLocal(id)
	i.mu.Unlock()

	if changed {
		i.onChange()
	}
	return nil
}

// MarkAllAsRead marks every locally unread item read, in parallel. Successes
// are applied; the returned error joins one error per failed id.
func (i *Inbox) MarkAllAsRead(ctx context.Context) error {
	i.mu.RLock()
	var ids []string
	for _, n := range i.items {
		if !n.Read {
			ids = append(ids, n.ID)
		}
	}
	i.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
		ok   []string
	)
	g.SetLimit(i.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := i.api.MarkAsRead(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("notification %s: %w", id, err))
				return nil
			}
			ok = append(ok, id)
			return nil
		})
	}
	_ = g.Wait()

	changed := false
	i.mu.Lock()
	for _, id := range ok {
		changed = i.markLocal(id) || changed
	}
	i.mu.Unlock()
	if changed {
		i.onChange()
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		i.logger.Warn("some notifications were not marked read",
			logger.UserID(i.userID), slog.Int("failed", len(errs)), logger.Error(err))
		return err
	}
	return nil
}
