package mailer_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/internal/mailer"
	"github.com/dmitrymomot/notifykit/internal/templates"
	"github.com/dmitrymomot/notifykit/pkg/email"
	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/queue"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg email.Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

type fixture struct {
	svc       *mailer.Service
	sender    *MockSender
	storage   *mailer.MemoryStorage
	templates *templates.Store
	tpl       templates.Template
	queue     *queue.MemoryStorage
}

func newFixture(t *testing.T, opts ...mailer.Option) *fixture {
	t.Helper()

	tpls := templates.NewStore(templates.NewMemoryStorage())
	tpl, err := tpls.Create(context.Background(), templates.Template{
		Name:      "survey.reminder",
		Subject:   "Reminder: {{.survey}}",
		HTMLBody:  "<p>Hi {{.name}}, please answer {{.survey}}.</p>",
		Variables: []string{"name", "survey"},
	})
	require.NoError(t, err)

	qs := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(qs)
	require.NoError(t, err)

	f := &fixture{
		sender:    &MockSender{},
		storage:   mailer.NewMemoryStorage(),
		templates: tpls,
		tpl:       tpl,
		queue:     qs,
	}
	opts = append([]mailer.Option{mailer.WithLogger(logger.Discard()), mailer.WithEnqueuer(enq)}, opts...)
	f.svc = mailer.NewService(f.sender, tpls, f.storage, opts...)
	return f
}

func data() mailer.EmailData {
	return mailer.EmailData{
		To:        "ada@example.com",
		Variables: map[string]any{"name": "Ada", "survey": "Pulse"},
		Tag:       "reminder",
	}
}

func TestMergeStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		current, next, want mailer.Status
	}{
		{mailer.StatusSent, mailer.StatusDelivered, mailer.StatusDelivered},
		{mailer.StatusOpened, mailer.StatusDelivered, mailer.StatusOpened},
		{mailer.StatusSent, mailer.StatusOpened, mailer.StatusOpened},
		{mailer.StatusClicked, mailer.StatusOpened, mailer.StatusClicked},
		{mailer.StatusClicked, mailer.StatusUnsubscribed, mailer.StatusUnsubscribed},
		{mailer.StatusUnsubscribed, mailer.StatusOpened, mailer.StatusUnsubscribed},
		{mailer.StatusUnsubscribed, mailer.StatusBounced, mailer.StatusBounced},
		{mailer.StatusBounced, mailer.StatusDelivered, mailer.StatusBounced},
		{mailer.StatusComplained, mailer.StatusBounced, mailer.StatusComplained},
		{mailer.StatusQueued, mailer.StatusSent, mailer.StatusSent},
		{"", mailer.StatusDelivered, mailer.StatusDelivered},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mailer.MergeStatus(tt.current, tt.next), "%s + %s", tt.current, tt.next)
	}
}

func TestService_Send(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.sender.On("Send", mock.Anything, mock.MatchedBy(func(m email.Message) bool {
		return m.To == "ada@example.com" &&
			m.Subject == "Reminder: Pulse" &&
			m.Text == "Hi Ada, please answer Pulse." &&
			m.Tag == "reminder" &&
			m.Metadata["tracking_id"] != "" &&
			m.Metadata["notification_id"] == "n-1"
	})).Return("msg-1", nil).Once()

	tr, err := f.svc.Send(ctx, f.tpl, data(), &mailer.Tracking{
		UserID:   "user-1",
		Metadata: map[string]string{"notification_id": "n-1"},
	})
	require.NoError(t, err)
	f.sender.AssertExpectations(t)

	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, mailer.StatusSent, tr.Status)
	assert.Equal(t, "msg-1", tr.ProviderMessageID)
	assert.Equal(t, "user-1", tr.UserID)
	assert.Equal(t, f.tpl.ID, tr.TemplateID)

	stored, err := f.storage.GetTracking(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ProviderMessageID, stored.ProviderMessageID)

	events, err := f.storage.ListEvents(ctx, "msg-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, mailer.EventSent, events[0].Type)
}

func TestService_SendErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("invalid recipient is permanent", func(t *testing.T) {
		f := newFixture(t)
		d := data()
		d.To = "nope"
		_, err := f.svc.Send(ctx, f.tpl, d, nil)
		assert.ErrorIs(t, err, mailer.ErrInvalidEmailData)
		assert.True(t, queue.IsPermanent(err))
		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("render failure is permanent", func(t *testing.T) {
		f := newFixture(t)
		tpl := f.tpl
		tpl.ID = ""
		tpl.Subject = "{{.unknown}}"
		_, err := f.svc.Send(ctx, tpl, data(), nil)
		assert.ErrorIs(t, err, templates.ErrRender)
		assert.True(t, queue.IsPermanent(err))
	})

	t.Run("transport failure is transient", func(t *testing.T) {
		f := newFixture(t)
		boom := errors.New("provider down")
		f.sender.On("Send", mock.Anything, mock.Anything).Return("", boom).Once()
		_, err := f.svc.Send(ctx, f.tpl, data(), nil)
		assert.ErrorIs(t, err, boom)
		assert.False(t, queue.IsPermanent(err))
	})

	t.Run("invalid message is permanent", func(t *testing.T) {
		f := newFixture(t)
		f.sender.On("Send", mock.Anything, mock.Anything).Return("", email.ErrInvalidMessage).Once()
		_, err := f.svc.Send(ctx, f.tpl, data(), nil)
		assert.True(t, queue.IsPermanent(err))
	})
}

func webhookBatch(t *testing.T, events ...map[string]any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(events))
	for i, ev := range events {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestService_BounceSuppressesFurtherSends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []mailer.Event
	)
	f := newFixture(t, mailer.WithEventListener(func(_ context.Context, ev mailer.Event, tr mailer.Tracking) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
		assert.Equal(t, "user-1", tr.UserID)
	}))

	f.sender.On("Send", mock.Anything, mock.Anything).Return("123", nil).Once()
	tr, err := f.svc.Send(ctx, f.tpl, data(), &mailer.Tracking{UserID: "user-1"})
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Unix()
	err = f.svc.HandleWebhook(ctx, webhookBatch(t, map[string]any{
		"email": "a@b.com", "event": "bounce", "message_id": "123", "timestamp": ts, "reason": "mailbox full",
	}))
	require.NoError(t, err)

	stored, err := f.storage.GetTracking(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, mailer.StatusBounced, stored.Status)

	_, err = f.svc.Send(ctx, f.tpl, data(), &mailer.Tracking{ID: tr.ID})
	assert.ErrorIs(t, err, mailer.ErrRecipientSuppressed)
	assert.True(t, queue.IsPermanent(err))
	f.sender.AssertNumberOfCalls(t, "Send", 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, mailer.EventBounced, received[0].Type)
	assert.Equal(t, "mailbox full", received[0].Metadata["reason"])
	assert.Equal(t, time.Unix(ts, 0).UTC(), received[0].Timestamp)
}

func TestService_BounceDuringResendIsKept(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.sender.On("Send", mock.Anything, mock.Anything).Return("m-1", nil).Once()
	tr, err := f.svc.Send(ctx, f.tpl, data(), nil)
	require.NoError(t, err)

	// The bounce for the first message lands while the second send is with the provider.
	f.sender.On("Send", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		require.NoError(t, f.svc.HandleWebhook(ctx, webhookBatch(t, map[string]any{
			"email": "ada@example.com", "event": "bounce", "message_id": "m-1", "timestamp": 1709287200,
		})))
	}).Return("m-2", nil).Once()

	resent, err := f.svc.Send(ctx, f.tpl, data(), &mailer.Tracking{ID: tr.ID})
	require.NoError(t, err)
	assert.Equal(t, mailer.StatusBounced, resent.Status)
	assert.Equal(t, "m-2", resent.ProviderMessageID)

	stored, err := f.storage.GetTracking(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, mailer.StatusBounced, stored.Status)

	_, err = f.svc.Send(ctx, f.tpl, data(), &mailer.Tracking{ID: tr.ID})
	assert.ErrorIs(t, err, mailer.ErrRecipientSuppressed)
	f.sender.AssertNumberOfCalls(t, "Send", 2)
}

func TestService_EventsBeforeTrackingAreReplayed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []mailer.Event
	)
	f := newFixture(t, mailer.WithEventListener(func(_ context.Context, ev mailer.Event, tr mailer.Tracking) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
		assert.Equal(t, "user-1", tr.UserID)
	}))

	// The provider reports the bounce before the send has saved the message id.
	f.sender.On("Send", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		require.NoError(t, f.svc.HandleWebhook(ctx, webhookBatch(t, map[string]any{
			"email": "ada@example.com", "event": "bounce", "message_id": "m-early", "timestamp": 1709287200,
		})))
	}).Return("m-early", nil).Once()

	tr, err := f.svc.Send(ctx, f.tpl, data(), &mailer.Tracking{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, mailer.StatusBounced, tr.Status)

	stored, err := f.storage.GetTracking(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, mailer.StatusBounced, stored.Status)

	_, err = f.svc.Send(ctx, f.tpl, data(), &mailer.Tracking{ID: tr.ID})
	assert.ErrorIs(t, err, mailer.ErrRecipientSuppressed)
	f.sender.AssertNumberOfCalls(t, "Send", 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, mailer.EventBounced, received[0].Type)
}

func TestMemoryStorage_SaveTrackingMergesStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := mailer.NewMemoryStorage()
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.SaveTracking(ctx, mailer.Tracking{ID: "tr-1", ProviderMessageID: "m-1", Status: mailer.StatusSent, CreatedAt: created})
	require.NoError(t, err)
	_, _, err = s.MergeTrackingStatus(ctx, "m-1", mailer.StatusComplained, created)
	require.NoError(t, err)

	saved, err := s.SaveTracking(ctx, mailer.Tracking{ID: "tr-1", Status: mailer.StatusSent, CreatedAt: created.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, mailer.StatusComplained, saved.Status)
	assert.Equal(t, "m-1", saved.ProviderMessageID)
	assert.Equal(t, created, saved.CreatedAt)
}

func TestService_HandleWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.sender.On("Send", mock.Anything, mock.Anything).Return("m-1", nil).Once()
	tr, err := f.svc.Send(ctx, f.tpl, data(), nil)
	require.NoError(t, err)

	batch := webhookBatch(t,
		map[string]any{"email": "ada@example.com", "event": "open", "message_id": "m-1", "timestamp": "2024-03-01T10:05:00Z"},
		map[string]any{"email": "ada@example.com", "event": "delivered", "message_id": "m-1", "timestamp": 1709287200},
		map[string]any{"email": "ada@example.com", "event": "processed", "message_id": "m-1", "timestamp": 1709287200},
		map[string]any{"event": "click"},
		map[string]any{"email": "x@example.com", "event": "bounce", "message_id": "unknown", "timestamp": 1},
	)
	batch = append(batch, json.RawMessage(`"not an object"`))

	require.NoError(t, f.svc.HandleWebhook(ctx, batch))

	stored, err := f.storage.GetTracking(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, mailer.StatusOpened, stored.Status, "late delivered must not move status back")

	events, err := f.storage.ListEvents(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, events, 3) // sent, delivered, opened

	// Redelivery of the same batch adds nothing.
	require.NoError(t, f.svc.HandleWebhook(ctx, batch))
	events, err = f.storage.ListEvents(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

type failingAppend struct {
	*mailer.MemoryStorage
}

func (failingAppend) AppendEvent(context.Context, mailer.Event) (bool, error) {
	return false, errors.New("db down")
}

func TestService_HandleWebhookAppendFailure(t *testing.T) {
	t.Parallel()
	tpls := templates.NewStore(templates.NewMemoryStorage())
	svc := mailer.NewService(&MockSender{}, tpls, failingAppend{mailer.NewMemoryStorage()},
		mailer.WithLogger(logger.Discard()))

	err := svc.HandleWebhook(context.Background(), webhookBatch(t, map[string]any{
		"email": "a@b.com", "event": "delivered", "message_id": "1", "timestamp": 1,
	}))
	assert.Error(t, err)
}

func TestService_QueueEmail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	tr, err := f.svc.QueueEmail(ctx, f.tpl.ID, data(), &mailer.Tracking{UserID: "user-1"}, queue.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, mailer.StatusQueued, tr.Status)

	f.sender.On("Send", mock.Anything, mock.Anything).Return("m-9", nil).Once()

	worker, err := queue.NewWorker(f.queue,
		queue.WithPullInterval(10*time.Millisecond),
		queue.WithWorkerLogger(logger.Discard()))
	require.NoError(t, err)
	require.NoError(t, worker.RegisterHandler(f.svc.Handler()))
	require.NoError(t, worker.Start(ctx))
	t.Cleanup(func() { _ = worker.Stop() })

	require.Eventually(t, func() bool {
		stored, err := f.storage.GetTracking(ctx, tr.ID)
		return err == nil && stored.Status == mailer.StatusSent && stored.ProviderMessageID == "m-9"
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := f.storage.GetTracking(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", stored.UserID)
}

func TestService_QueueEmailUnknownTemplate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.QueueEmail(ctx, uuid.NewString(), data(), nil, queue.PriorityLow)
	require.NoError(t, err)

	claimed, err := f.queue.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)

	err = f.svc.Handler().Handle(ctx, claimed.Payload)
	assert.ErrorIs(t, err, templates.ErrNotFound)
	assert.True(t, queue.IsPermanent(err))
}
