package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dmitrymomot/notifykit/internal/mailer"
	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/internal/templates"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

type createFunc func(ctx context.Context, userID string, typ notify.Type, title, message string, opts notify.Options) (notify.Notification, error)

// bounceNotifier tells a user in-app that mail to them stopped being
// delivered. Only tracked sends tied to a user qualify.
func bounceNotifier(create createFunc, log *slog.Logger) mailer.EventListener {
	return func(ctx context.Context, ev mailer.Event, t mailer.Tracking) {
		if ev.Type != mailer.EventBounced && ev.Type != mailer.EventComplained {
			return
		}
		if t.UserID == "" {
			return
		}

		_, err := create(ctx, t.UserID, notify.TypeAccountUpdate,
			"Email delivery stopped",
			"We could not deliver email to "+t.Recipient+". Update your address to keep receiving email notifications.",
			notify.Options{
				Channels: []notify.Channel{notify.ChannelInApp},
				Priority: notify.PriorityHigh,
				Data: notify.AccountUpdate{
					Field:     "email",
					ChangedBy: "system",
					Extra:     map[string]any{"reason": string(ev.Type)},
				},
			})
		if err != nil {
			log.LogAttrs(ctx, slog.LevelError, "failed to raise undeliverable email notification",
				logger.UserID(t.UserID), logger.TrackingID(t.ID), logger.Error(err))
		}
	}
}

type templateSeeder interface {
	GetByName(ctx context.Context, name string) (templates.Template, error)
	Create(ctx context.Context, t templates.Template) (templates.Template, error)
}

// seedTemplates makes sure the fallback notification email exists.
func seedTemplates(ctx context.Context, tpls templateSeeder) error {
	_, err := tpls.GetByName(ctx, notify.DefaultEmailTemplate)
	if err == nil || !errors.Is(err, templates.ErrNotFound) {
		return err
	}
	_, err = tpls.Create(ctx, templates.Template{
		Name:      notify.DefaultEmailTemplate,
		Category:  "notifications",
		Subject:   "{{.title}}",
		HTMLBody:  "<h1>{{.title}}</h1><p>{{.message}}</p>",
		Variables: []string{"title", "message"},
	})
	if errors.Is(err, templates.ErrDuplicateName) {
		return nil
	}
	return err
}
