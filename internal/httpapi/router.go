// Package httpapi exposes the notification engine over HTTP: the email
// provider webhook, per-user notification and preference endpoints with a
// server-sent event stream, and template management.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/internal/preferences"
	"github.com/dmitrymomot/notifykit/internal/templates"
	"github.com/dmitrymomot/notifykit/pkg/broadcast"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// Notifications is the dispatcher surface used by the API.
type Notifications interface {
	Create(ctx context.Context, userID string, typ notify.Type, title, message string, opts notify.Options) (notify.Notification, error)
	Get(ctx context.Context, id string) (notify.Notification, error)
	Delete(ctx context.Context, id string) error
	ListNotifications(ctx context.Context, userID string, opts notify.ListOptions) ([]notify.Notification, error)
	GetUnreadCount(ctx context.Context, userID string) (int, error)
	MarkAsRead(ctx context.Context, id string) error
	MarkAllAsRead(ctx context.Context, userID string) (int, error)
	Subscribe(ctx context.Context, userID string) (broadcast.Subscriber[notify.Event], error)
}

type Preferences interface {
	Get(ctx context.Context, userID string) (preferences.Preferences, error)
	Update(ctx context.Context, userID string, u preferences.Update) (preferences.Preferences, error)
}

type Templates interface {
	Get(ctx context.Context, id string) (templates.Template, error)
	ListByCategory(ctx context.Context, category string) ([]templates.Template, error)
	Create(ctx context.Context, t templates.Template) (templates.Template, error)
	Update(ctx context.Context, t templates.Template) (templates.Template, error)
	Delete(ctx context.Context, id string) error
	Render(t templates.Template, vars map[string]any) (templates.Rendered, error)
}

// Webhooks ingests provider email events.
type Webhooks interface {
	HandleWebhook(ctx context.Context, batch []json.RawMessage) error
}

// Deps are the collaborators of the router. Health and Metrics are optional.
type Deps struct {
	Notifications Notifications
	Preferences   Preferences
	Templates     Templates
	Webhooks      Webhooks
	Health        http.Handler
	Metrics       http.Handler
}

type api struct {
	Deps
	logger    *slog.Logger
	maxBody   int64
	keepAlive time.Duration
}

type Option func(*api)

func WithLogger(l *slog.Logger) Option {
	return func(a *api) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMaxBodySize limits request bodies. Default is 1 MiB.
func WithMaxBodySize(n int64) Option {
	return func(a *api) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithStreamKeepAlive sets the interval of SSE comment pings. Default is 25s.
func WithStreamKeepAlive(d time.Duration) Option {
	return func(a *api) {
		if d > 0 {
			a.keepAlive = d
		}
	}
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps, opts ...Option) http.Handler {
	a := &api{
		Deps:      deps,
		logger:    slog.Default(),
		maxBody:   1 << 20,
		keepAlive: 25 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, a.requestLogger, middleware.Recoverer)

	if a.Health != nil {
		r.Method(http.MethodGet, "/health", a.Health)
	}
	if a.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.Metrics)
	}

	r.Post("/email-events", a.handle(a.emailEvents))

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", a.handle(a.listNotifications))
			r.Post("/", a.handle(a.createNotification))
			r.Get("/unread-count", a.handle(a.unreadCount))
			r.Post("/read-all", a.handle(a.markAllRead))
			r.Get("/stream", a.stream)
			r.Get("/{id}", a.handle(a.getNotification))
			r.Delete("/{id}", a.handle(a.deleteNotification))
			r.Post("/{id}/read", a.handle(a.markRead))
		})
		r.Get("/preferences", a.handle(a.getPreferences))
		r.Put("/preferences", a.handle(a.updatePreferences))
	})

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", a.handle(a.listTemplates))
		r.Post("/", a.handle(a.createTemplate))
		r.Get("/{id}", a.handle(a.getTemplate))
		r.Put("/{id}", a.handle(a.updateTemplate))
		r.Delete("/{id}", a.handle(a.deleteTemplate))
		r.Post("/{id}/render", a.handle(a.renderTemplate))
	})

	return r
}

// handle adapts a Response-returning function to http.HandlerFunc.
func (a *api) handle(fn func(r *http.Request) Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
		if err := fn(r).Render(w, r); err != nil {
			a.logger.LogAttrs(r.Context(), slog.LevelError, "failed to render response",
				slog.String("path", r.URL.Path), logger.Error(err))
		}
	}
}

// fail logs server errors and renders the error envelope.
func (a *api) fail(r *http.Request, err error) Response {
	resp := JSONError(err)
	if status, _ := classify(err); status >= http.StatusInternalServerError {
		a.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), logger.Error(err))
	}
	return resp
}

func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.LogAttrs(r.Context(), slog.LevelDebug, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			logger.Duration(time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return ErrBadRequest
	}
	return nil
}
