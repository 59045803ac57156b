package broadcast_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/broadcast"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

type event struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func TestMemoryBus(t *testing.T) {
	t.Parallel()

	t.Run("messages stay within their key", func(t *testing.T) {
		t.Parallel()

		bus := broadcast.NewMemoryBus[event](broadcast.WithMemoryBusLogger(logger.Discard()))
		defer bus.Close()

		ctx := context.Background()
		alice, err := bus.Subscribe(ctx, "alice")
		require.NoError(t, err)
		bob, err := bus.Subscribe(ctx, "bob")
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, "alice", event{Kind: "created", ID: "n1"}))

		got, ok := receive(t, alice)
		require.True(t, ok)
		assert.Equal(t, event{Kind: "created", ID: "n1"}, got)

		select {
		case msg := <-bob.Receive(ctx):
			t.Fatalf("bob received %v", msg)
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("publish without subscribers", func(t *testing.T) {
		t.Parallel()

		bus := broadcast.NewMemoryBus[event]()
		defer bus.Close()

		assert.NoError(t, bus.Publish(context.Background(), "nobody", event{}))
		assert.ErrorIs(t, bus.Publish(context.Background(), "", event{}), broadcast.ErrEmptyKey)
	})

	t.Run("evicted stream closes its subscribers", func(t *testing.T) {
		t.Parallel()

		bus := broadcast.NewMemoryBus[event](broadcast.WithMaxStreams(1))
		defer bus.Close()

		ctx := context.Background()
		first, err := bus.Subscribe(ctx, "first")
		require.NoError(t, err)
		_, err = bus.Subscribe(ctx, "second")
		require.NoError(t, err)

		_, ok := receive(t, first)
		assert.False(t, ok)
	})

	t.Run("closed bus", func(t *testing.T) {
		t.Parallel()

		bus := broadcast.NewMemoryBus[event]()
		sub, err := bus.Subscribe(context.Background(), "k")
		require.NoError(t, err)

		require.NoError(t, bus.Close())
		require.NoError(t, bus.Close())

		_, ok := receive(t, sub)
		assert.False(t, ok)

		_, err = bus.Subscribe(context.Background(), "k")
		assert.ErrorIs(t, err, broadcast.ErrBusClosed)
		assert.ErrorIs(t, bus.Publish(context.Background(), "k", event{}), broadcast.ErrBusClosed)
	})
}
