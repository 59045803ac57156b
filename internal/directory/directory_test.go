package directory_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/internal/directory"
	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

func TestClient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/users/u-1":
			_, _ = w.Write([]byte(`{"email":"ada@example.com"}`))
		case "/users/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	c := directory.New(srv.URL+"/", directory.WithCache(10, time.Minute), directory.WithLogger(logger.Discard()))
	ctx := context.Background()

	addr, err := c.EmailAddress(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", addr)

	_, err = c.PushTarget(ctx, "u-1")
	assert.ErrorIs(t, err, notify.ErrNoRecipient, "no device registered")
	assert.Equal(t, int32(1), calls.Load(), "second lookup served from cache")

	_, err = c.EmailAddress(ctx, "ghost")
	assert.ErrorIs(t, err, notify.ErrNoRecipient)

	_, err = c.EmailAddress(ctx, "broken")
	assert.ErrorIs(t, err, directory.ErrUnexpectedStatus)
	assert.NotErrorIs(t, err, notify.ErrNoRecipient)
}
