package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/queue"
)

type MockEnqueuerRepository struct {
	mock.Mock
}

func (m *MockEnqueuerRepository) CreateTask(ctx context.Context, task *queue.Task) error {
	return m.Called(ctx, task).Error(0)
}

func TestEnqueuer_Enqueue(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		repo := new(MockEnqueuerRepository)
		defer repo.AssertExpectations(t)

		var created *queue.Task
		repo.On("CreateTask", mock.Anything, mock.AnythingOfType("*queue.Task")).
			Run(func(args mock.Arguments) { created = args.Get(1).(*queue.Task) }).
			Return(nil)

		enq, err := queue.NewEnqueuer(repo)
		require.NoError(t, err)

		id, err := enq.Enqueue(context.Background(), testPayload{Message: "x"})
		require.NoError(t, err)

		require.NotNil(t, created)
		assert.Equal(t, id, created.ID)
		assert.Equal(t, "queue_test.testPayload", created.TaskName)
		assert.Equal(t, queue.DefaultQueueName, created.Queue)
		assert.Equal(t, queue.PriorityMedium, created.Priority)
		assert.Equal(t, int8(3), created.MaxAttempts)
		assert.Equal(t, int8(0), created.Attempts)
		assert.Equal(t, queue.TaskStatusPending, created.Status)
		assert.Nil(t, created.ExpiresAt)
		assert.JSONEq(t, `{"message":"x","value":0}`, string(created.Payload))
	})

	t.Run("options", func(t *testing.T) {
		t.Parallel()

		repo := new(MockEnqueuerRepository)
		var created *queue.Task
		repo.On("CreateTask", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { created = args.Get(1).(*queue.Task) }).
			Return(nil)

		enq, err := queue.NewEnqueuer(repo, queue.WithDefaultQueue("emails"))
		require.NoError(t, err)

		expires := time.Now().Add(time.Hour)
		before := time.Now()
		_, err = enq.Enqueue(context.Background(), &testPayload{},
			queue.WithPriority(queue.PriorityUrgent),
			queue.WithMaxAttempts(5),
			queue.WithDelay(time.Minute),
			queue.WithExpiresAt(expires),
			queue.WithTaskName("custom"),
		)
		require.NoError(t, err)

		assert.Equal(t, "emails", created.Queue)
		assert.Equal(t, "custom", created.TaskName)
		assert.Equal(t, queue.PriorityUrgent, created.Priority)
		assert.Equal(t, int8(5), created.MaxAttempts)
		assert.True(t, !created.ScheduledAt.Before(before.Add(time.Minute)))
		require.NotNil(t, created.ExpiresAt)
		assert.Equal(t, expires, *created.ExpiresAt)
	})

	t.Run("validation", func(t *testing.T) {
		t.Parallel()

		enq, err := queue.NewEnqueuer(new(MockEnqueuerRepository))
		require.NoError(t, err)

		_, err = enq.Enqueue(context.Background(), nil)
		assert.ErrorIs(t, err, queue.ErrPayloadNil)

		_, err = enq.Enqueue(context.Background(), testPayload{}, queue.WithPriority(0))
		assert.ErrorIs(t, err, queue.ErrInvalidPriority)

		_, err = queue.NewEnqueuer(nil)
		assert.ErrorIs(t, err, queue.ErrRepositoryNil)
	})

	t.Run("repository error", func(t *testing.T) {
		t.Parallel()

		repo := new(MockEnqueuerRepository)
		repo.On("CreateTask", mock.Anything, mock.Anything).Return(errors.New("db down"))

		enq, err := queue.NewEnqueuer(repo)
		require.NoError(t, err)

		_, err = enq.Enqueue(context.Background(), testPayload{})
		assert.ErrorContains(t, err, "db down")
	})
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	b := queue.ExponentialBackoff{InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2}

	assert.Zero(t, b.NextInterval(0))
	assert.Equal(t, time.Second, b.NextInterval(1))
	assert.Equal(t, 2*time.Second, b.NextInterval(2))
	assert.Equal(t, 4*time.Second, b.NextInterval(3))
	assert.Equal(t, time.Minute, b.NextInterval(10))

	var prev time.Duration
	d := queue.DefaultBackoff()
	for attempt := 1; attempt <= 5; attempt++ {
		next := d.NextInterval(attempt)
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	base := errors.New("bad input")
	err := queue.Permanent(base)

	assert.True(t, queue.IsPermanent(err))
	assert.True(t, queue.IsPermanent(errors.Join(errors.New("other"), err)))
	assert.ErrorIs(t, err, base)
	assert.False(t, queue.IsPermanent(base))
	assert.Nil(t, queue.Permanent(nil))
}

func TestTaskName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "queue_test.testPayload", queue.TaskName(testPayload{}))
	assert.Equal(t, "queue_test.testPayload", queue.TaskName(&testPayload{}))
	assert.Equal(t, "", queue.TaskName(nil))
}
