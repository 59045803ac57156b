package inbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/internal/inbox"
	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/internal/preferences"
	"github.com/dmitrymomot/notifykit/pkg/broadcast"
	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/queue"
)

// flakyAPI fails MarkAsRead for the listed ids.
type flakyAPI struct {
	*notify.Dispatcher
	fail map[string]bool
}

func (a flakyAPI) MarkAsRead(ctx context.Context, id string) error {
	if a.fail[id] {
		return errors.New("server unavailable")
	}
	return a.Dispatcher.MarkAsRead(ctx, id)
}

func setup(t *testing.T) (*notify.Dispatcher, *broadcast.MemoryBus[notify.Event]) {
	t.Helper()
	bus := broadcast.NewMemoryBus[notify.Event]()
	t.Cleanup(func() { _ = bus.Close() })

	enq, err := queue.NewEnqueuer(queue.NewMemoryStorage())
	require.NoError(t, err)
	d := notify.NewDispatcher(notify.NewMemoryStorage(),
		preferences.NewStore(preferences.NewMemoryStorage()), enq, bus,
		notify.WithLogger(logger.Discard()),
		notify.WithSender(notify.NewInAppSender(bus)))
	return d, bus
}

func create(t *testing.T, d *notify.Dispatcher, userID string) notify.Notification {
	t.Helper()
	n, err := d.Create(context.Background(), userID, notify.TypeSystemAlert, "Alert", uuid.NewString(), notify.Options{})
	require.NoError(t, err)
	return n
}

func TestMount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, bus := setup(t)

	first := create(t, d, "u")
	second := create(t, d, "u")
	require.NoError(t, d.MarkAsRead(ctx, first.ID))

	ib, err := inbox.Mount(ctx, "u", d, bus, inbox.WithLogger(logger.Discard()))
	require.NoError(t, err)
	defer ib.Unmount()

	assert.Len(t, ib.Items(), 2)
	assert.Equal(t, 1, ib.UnreadCount())

	// Delivery of a notification publishes a created event.
	third := create(t, d, "u")
	require.NoError(t, d.Process(context.Background(), third))

	require.Eventually(t, func() bool { return ib.UnreadCount() == 2 }, time.Second, 5*time.Millisecond)
	items := ib.Items()
	require.Len(t, items, 3)
	assert.Equal(t, third.ID, items[0].ID)

	// A duplicate created event is ignored.
	require.NoError(t, bus.Publish(ctx, "u", notify.Event{Type: notify.EventCreated, Notification: &third}))

	// Read elsewhere (another tab): the local copy follows.
	require.NoError(t, d.MarkAsRead(ctx, second.ID))
	require.Eventually(t, func() bool { return ib.UnreadCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, ib.Items(), 3)

	// A read event for an item that is already read locally does not decrement.
	require.NoError(t, bus.Publish(ctx, "u", notify.Event{Type: notify.EventRead, IDs: []string{first.ID, "unknown"}}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ib.UnreadCount())
}

func TestInbox_MarkAsRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, bus := setup(t)
	n := create(t, d, "u")

	changes := make(chan struct{}, 10)
	ib, err := inbox.Mount(ctx, "u", d, bus, inbox.WithOnChange(func() { changes <- struct{}{} }))
	require.NoError(t, err)
	defer ib.Unmount()

	require.NoError(t, ib.MarkAsRead(ctx, n.ID))
	assert.Equal(t, 0, ib.UnreadCount())
	assert.True(t, ib.Items()[0].Read)

	// The echo of our own read event changes nothing.
	require.NoError(t, ib.MarkAsRead(ctx, n.ID))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, changes, 1)

	err = ib.MarkAsRead(ctx, "missing")
	assert.ErrorIs(t, err, notify.ErrNotFound)
	assert.Equal(t, 0, ib.UnreadCount())
}

func TestInbox_MarkAllAsReadPartialFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, bus := setup(t)

	a := create(t, d, "u")
	b := create(t, d, "u")
	c := create(t, d, "u")

	api := flakyAPI{Dispatcher: d, fail: map[string]bool{b.ID: true}}
	ib, err := inbox.Mount(ctx, "u", api, bus, inbox.WithLogger(logger.Discard()), inbox.WithConcurrency(2))
	require.NoError(t, err)
	defer ib.Unmount()
	require.Equal(t, 3, ib.UnreadCount())

	err = ib.MarkAllAsRead(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), b.ID)
	assert.NotContains(t, err.Error(), a.ID)

	assert.Equal(t, 1, ib.UnreadCount())
	for _, n := range ib.Items() {
		assert.Equal(t, n.ID != b.ID, n.Read, n.ID)
	}

	count, err := d.GetUnreadCount(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	_ = c
}

func TestInbox_ReadAllEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, bus := setup(t)
	create(t, d, "u")
	create(t, d, "u")

	ib, err := inbox.Mount(ctx, "u", d, bus, inbox.WithPageSize(1))
	require.NoError(t, err)
	defer ib.Unmount()
	assert.Len(t, ib.Items(), 1)
	assert.Equal(t, 2, ib.UnreadCount())

	_, err = d.MarkAllAsRead(ctx, "u")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ib.UnreadCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, ib.Items()[0].Read)
}

func TestInbox_UnmountTwice(t *testing.T) {
	t.Parallel()
	d, bus := setup(t)

	ib, err := inbox.Mount(context.Background(), "u", d, bus)
	require.NoError(t, err)
	ib.Unmount()
	ib.Unmount()
}

func TestInbox_ReadEventOutsideLoadedPage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, bus := setup(t)
	a := create(t, d, "u")
	b := create(t, d, "u")

	ib, err := inbox.Mount(ctx, "u", d, bus, inbox.WithPageSize(1))
	require.NoError(t, err)
	defer ib.Unmount()
	require.Len(t, ib.Items(), 1)
	assert.Equal(t, 2, ib.UnreadCount())

	other := a.ID
	if ib.Items()[0].ID == a.ID {
		other = b.ID
	}
	require.NoError(t, d.MarkAsRead(ctx, other))

	require.Eventually(t, func() bool { return ib.UnreadCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, ib.Items()[0].Read)
}

func TestInbox_Disconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, bus := setup(t)

	ib, err := inbox.Mount(ctx, "u", d, bus)
	require.NoError(t, err)
	assert.NoError(t, ib.Err())

	require.NoError(t, bus.Close())
	select {
	case <-ib.Done():
	case <-time.After(time.Second):
		t.Fatal("inbox kept listening after the bus closed")
	}
	assert.ErrorIs(t, ib.Err(), inbox.ErrDisconnected)
	ib.Unmount()
}

func TestInbox_UnmountIsNotADisconnect(t *testing.T) {
	t.Parallel()
	d, bus := setup(t)

	ib, err := inbox.Mount(context.Background(), "u", d, bus)
	require.NoError(t, err)
	ib.Unmount()

	<-ib.Done()
	assert.NoError(t, ib.Err())
}
