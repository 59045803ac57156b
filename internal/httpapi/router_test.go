package httpapi_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/internal/httpapi"
	"github.com/dmitrymomot/notifykit/internal/mailer"
	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/internal/preferences"
	"github.com/dmitrymomot/notifykit/internal/templates"
	"github.com/dmitrymomot/notifykit/pkg/broadcast"
	"github.com/dmitrymomot/notifykit/pkg/email"
	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/queue"
)

type MockWebhooks struct {
	mock.Mock
}

func (m *MockWebhooks) HandleWebhook(ctx context.Context, batch []json.RawMessage) error {
	return m.Called(ctx, batch).Error(0)
}

type env struct {
	handler    http.Handler
	dispatcher *notify.Dispatcher
	bus        *broadcast.MemoryBus[notify.Event]
	webhooks   *MockWebhooks
}

func newEnv(t *testing.T) *env {
	t.Helper()
	bus := broadcast.NewMemoryBus[notify.Event]()
	t.Cleanup(func() { _ = bus.Close() })

	enq, err := queue.NewEnqueuer(queue.NewMemoryStorage())
	require.NoError(t, err)
	prefs := preferences.NewStore(preferences.NewMemoryStorage())
	d := notify.NewDispatcher(notify.NewMemoryStorage(), prefs, enq, bus, notify.WithLogger(logger.Discard()))

	e := &env{dispatcher: d, bus: bus, webhooks: &MockWebhooks{}}
	e.handler = httpapi.NewRouter(httpapi.Deps{
		Notifications: d,
		Preferences:   prefs,
		Templates:     templates.NewStore(templates.NewMemoryStorage()),
		Webhooks:      e.webhooks,
		Health: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	}, httpapi.WithLogger(logger.Discard()), httpapi.WithStreamKeepAlive(50*time.Millisecond))
	return e
}

func (e *env) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, httpapi.JSONResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var resp httpapi.JSONResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec, resp
}

func TestEmailEvents(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		e := newEnv(t)
		e.webhooks.On("HandleWebhook", mock.Anything, mock.MatchedBy(func(b []json.RawMessage) bool { return len(b) == 1 })).
			Return(nil).Once()
		rec, _ := e.do(t, http.MethodPost, "/email-events",
			`[{"email":"a@b.com","event":"bounce","message_id":"123","timestamp":1700000000}]`)
		assert.Equal(t, http.StatusOK, rec.Code)
		e.webhooks.AssertExpectations(t)
	})

	t.Run("malformed json", func(t *testing.T) {
		e := newEnv(t)
		rec, resp := e.do(t, http.MethodPost, "/email-events", `[{"email":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "bad_request", resp.Error.Code)
		e.webhooks.AssertNotCalled(t, "HandleWebhook", mock.Anything, mock.Anything)
	})

	t.Run("batch failure", func(t *testing.T) {
		e := newEnv(t)
		e.webhooks.On("HandleWebhook", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
		rec, resp := e.do(t, http.MethodPost, "/email-events", `[]`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		require.NotNil(t, resp.Error)
		assert.NotContains(t, resp.Error.Message, "db down")
	})
}

func TestEmailEventsBounceScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tpls := templates.NewStore(templates.NewMemoryStorage())
	tpl, err := tpls.Create(ctx, templates.Template{Name: "t", Subject: "s", HTMLBody: "<p>b</p>"})
	require.NoError(t, err)

	sends := 0
	sender := email.SenderFunc(func(context.Context, email.Message) (string, error) {
		sends++
		return "123", nil
	})
	storage := mailer.NewMemoryStorage()
	m := mailer.NewService(sender, tpls, storage, mailer.WithLogger(logger.Discard()))

	tr, err := m.Send(ctx, tpl, mailer.EmailData{To: "a@b.com"}, nil)
	require.NoError(t, err)

	h := httpapi.NewRouter(httpapi.Deps{Webhooks: m}, httpapi.WithLogger(logger.Discard()))
	req := httptest.NewRequest(http.MethodPost, "/email-events",
		strings.NewReader(`[{"email":"a@b.com","event":"bounce","message_id":"123","timestamp":1700000000}]`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := storage.GetTracking(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, mailer.StatusBounced, stored.Status)

	_, err = m.Send(ctx, tpl, mailer.EmailData{To: "a@b.com"}, &mailer.Tracking{ID: tr.ID})
	assert.ErrorIs(t, err, mailer.ErrRecipientSuppressed)
	assert.Equal(t, 1, sends)
}

func TestNotificationEndpoints(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec, resp := e.do(t, http.MethodPost, "/users/u-1/notifications",
		`{"type":"survey-created","title":"New survey","message":"Answer it","priority":"high","data":{"survey_id":"s-1","survey_title":"Pulse"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := resp.Data.(map[string]any)
	id := created["id"].(string)
	assert.Equal(t, "queued", created["status"])
	assert.Equal(t, "s-1", created["data"].(map[string]any)["survey_id"])

	rec, resp = e.do(t, http.MethodGet, "/users/u-1/notifications/unread-count", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), resp.Data.(map[string]any)["count"])

	rec, resp = e.do(t, http.MethodGet, "/users/u-1/notifications?page=1&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data, 1)
	assert.Equal(t, float64(1), resp.Meta["count"])

	// Another user cannot see or read it.
	rec, _ = e.do(t, http.MethodGet, "/users/u-2/notifications/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/users/u-2/notifications/"+id+"/read", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/users/u-1/notifications/"+id+"/read", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/users/u-1/notifications/"+id+"/read", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, resp = e.do(t, http.MethodGet, "/users/u-1/notifications/unread-count", "")
	assert.Equal(t, float64(0), resp.Data.(map[string]any)["count"])

	_, resp = e.do(t, http.MethodGet, "/users/u-1/notifications", "")
	assert.Empty(t, resp.Data, "read notifications are hidden by default")
	_, resp = e.do(t, http.MethodGet, "/users/u-1/notifications?include_read=true", "")
	assert.Len(t, resp.Data, 1)

	rec, _ = e.do(t, http.MethodPost, "/users/u-1/notifications/missing/read", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp = e.do(t, http.MethodPost, "/users/u-1/notifications/read-all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), resp.Data.(map[string]any)["updated"])

	rec, _ = e.do(t, http.MethodDelete, "/users/u-1/notifications/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/users/u-1/notifications/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateNotificationValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec, resp := e.do(t, http.MethodPost, "/users/u-1/notifications", `{"type":"party","title":"x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_error", resp.Error.Code)

	rec, _ = e.do(t, http.MethodPost, "/users/u-1/notifications", `{"type":"system-alert","title":"x","data":{"severity":5}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/users/u-1/notifications", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreferencesEndpoints(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec, resp := e.do(t, http.MethodGet, "/users/u-1/preferences", "")
	require.Equal(t, http.StatusOK, rec.Code)
	channels := resp.Data.(map[string]any)["channels"].(map[string]any)
	assert.Equal(t, false, channels["push"])

	rec, resp = e.do(t, http.MethodPut, "/users/u-1/preferences", `{"channels":{"push":true},"types":{"survey-reminder":false}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	channels = resp.Data.(map[string]any)["channels"].(map[string]any)
	assert.Equal(t, true, channels["push"])
	assert.Equal(t, true, channels["email"])
}

func TestTemplateEndpoints(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec, resp := e.do(t, http.MethodPost, "/templates",
		`{"name":"notification.default","category":"notifications","subject":"{{.title}}","html_body":"<p>{{.message}}</p>","variables":["title","message"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := resp.Data.(map[string]any)["id"].(string)

	rec, _ = e.do(t, http.MethodPost, "/templates", `{"name":"notification.default","subject":"s","html_body":"<p>x</p>"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/templates", `{"name":"broken","subject":"{{.x","html_body":"<p>x</p>"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	_, resp = e.do(t, http.MethodGet, "/templates?category=notifications", "")
	assert.Len(t, resp.Data, 1)

	rec, resp = e.do(t, http.MethodPost, "/templates/"+id+"/render", `{"title":"Hi","message":"there"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out := resp.Data.(map[string]any)
	assert.Equal(t, "Hi", out["subject"])
	assert.Equal(t, "there", out["text"])

	rec, _ = e.do(t, http.MethodPut, "/templates/"+id,
		`{"name":"notification.default","category":"notifications","subject":"Re: {{.title}}","html_body":"<p>{{.message}}</p>","variables":["title","message"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, resp = e.do(t, http.MethodPost, "/templates/"+id+"/render", `{"title":"Hi","message":"there"}`)
	assert.Equal(t, "Re: Hi", resp.Data.(map[string]any)["subject"])

	rec, _ = e.do(t, http.MethodDelete, "/templates/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/templates/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	rec, _ := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStream(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	srv := httptest.NewServer(e.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/users/u-1/notifications/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription exists once the headers are flushed.
	require.NoError(t, e.bus.Publish(ctx, "u-1", notify.Event{Type: notify.EventReadAll, IDs: []string{"n-1"}}))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}
	assert.Equal(t, "event: read_all", lines[0])
	assert.Contains(t, lines[1], `"ids":["n-1"]`)
}
