package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

type createNotificationRequest struct {
	Type      notify.Type      `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Channels  []notify.Channel `json:"channels,omitempty"`
	Priority  notify.Priority  `json:"priority,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
}

func (a *api) createNotification(r *http.Request) Response {
	userID := chi.URLParam(r, "userID")

	var req createNotificationRequest
	if err := decodeJSON(r, &req); err != nil {
		return JSONError(err)
	}

	data, err := notify.DecodePayload(req.Type, req.Data)
	if err == nil {
		var n notify.Notification
		n, err = a.Notifications.Create(r.Context(), userID, req.Type, req.Title, req.Message, notify.Options{
			Channels:  req.Channels,
			Priority:  req.Priority,
			Data:      data,
			ExpiresAt: req.ExpiresAt,
		})
		if err == nil {
			return JSON(n, WithStatus(http.StatusCreated))
		}
	}

	if errors.Is(err, notify.ErrUnknownType) {
		a.logger.LogAttrs(r.Context(), slog.LevelWarn, "unknown notification type",
			logger.UserID(userID), slog.String("type", string(req.Type)))
	}
	return a.fail(r, err)
}

func (a *api) listNotifications(r *http.Request) Response {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	includeRead, _ := strconv.ParseBool(q.Get("include_read"))

	opts := notify.ListOptions{Page: page, Limit: limit, IncludeRead: includeRead}
	list, err := a.Notifications.ListNotifications(r.Context(), chi.URLParam(r, "userID"), opts)
	if err != nil {
		return a.fail(r, err)
	}
	return JSON(list, WithMeta(map[string]any{
		"page":         max(page, 1),
		"count":        len(list),
		"include_read": includeRead,
	}))
}

func (a *api) unreadCount(r *http.Request) Response {
	count, err := a.Notifications.GetUnreadCount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		return a.fail(r, err)
	}
	return JSON(map[string]int{"count": count})
}

// owned loads the notification in the path and checks it belongs to the
// user in the path.
func (a *api) owned(r *http.Request) (notify.Notification, error) {
	n, err := a.Notifications.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return notify.Notification{}, err
	}
	if n.UserID != chi.URLParam(r, "userID") {
		return notify.Notification{}, ErrNotFound
	}
	return n, nil
}

func (a *api) getNotification(r *http.Request) Response {
	n, err := a.owned(r)
	if err != nil {
		return a.fail(r, err)
	}
	return JSON(n)
}

func (a *api) deleteNotification(r *http.Request) Response {
	n, err := a.owned(r)
	if err != nil {
		return a.fail(r, err)
	}
	if err := a.Notifications.Delete(r.Context(), n.ID); err != nil {
		return a.fail(r, err)
	}
	return Empty()
}

func (a *api) markRead(r *http.Request) Response {
	n, err := a.owned(r)
	if err != nil {
		return a.fail(r, err)
	}
	if err := a.Notifications.MarkAsRead(r.Context(), n.ID); err != nil {
		return a.fail(r, err)
	}
	return Empty()
}

func (a *api) markAllRead(r *http.Request) Response {
	n, err := a.Notifications.MarkAllAsRead(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		return a.fail(r, err)
	}
	return JSON(map[string]int{"updated": n})
}

// stream writes the user's bus events as server-sent events until the
// client goes away.
func (a *api) stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = JSONError(HTTPError{Code: http.StatusNotImplemented, Key: "streaming_unsupported"}).Render(w, r)
		return
	}

	sub, err := a.Notifications.Subscribe(ctx, userID)
	if err != nil {
		_ = a.fail(r, err).Render(w, r)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(a.keepAlive)
	defer ping.Stop()

	events := sub.Receive(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, msg.Data); err != nil {
				a.logger.LogAttrs(ctx, slog.LevelDebug, "stream closed",
					logger.UserID(userID), logger.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev notify.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + string(ev.Type) + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
