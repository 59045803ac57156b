package main

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/notifykit/internal/config"
	"github.com/dmitrymomot/notifykit/internal/mailer"
	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/internal/preferences"
	"github.com/dmitrymomot/notifykit/internal/store/postgres"
	"github.com/dmitrymomot/notifykit/internal/templates"
	"github.com/dmitrymomot/notifykit/pkg/httpserver"
	"github.com/dmitrymomot/notifykit/pkg/pg"
	"github.com/dmitrymomot/notifykit/pkg/queue"
)

type queueRepository interface {
	queue.EnqueuerRepository
	queue.WorkerRepository
}

type storage struct {
	notifications notify.Storage
	preferences   preferences.Storage
	templates     templates.Storage
	mailer        mailer.Storage
	queue         queueRepository

	checks []httpserver.Check
	close  func()
}

func openStorage(ctx context.Context, cfg config.Config, log *slog.Logger) (*storage, error) {
	if cfg.App.StorageDriver != config.DriverPostgres {
		log.Warn("using in-memory storage, data is lost on restart")
		return &storage{
			notifications: notify.NewMemoryStorage(),
			preferences:   preferences.NewMemoryStorage(),
			templates:     templates.NewMemoryStorage(),
			mailer:        mailer.NewMemoryStorage(),
			queue:         queue.NewMemoryStorage(),
			close:         func() {},
		}, nil
	}

	pool, err := pg.Connect(ctx, *cfg.Postgres)
	if err != nil {
		return nil, err
	}
	db := pg.OpenDB(pool)

	if cfg.Postgres.AutoMigrate {
		if err := pg.Migrate(ctx, db, postgres.Migrations(), *cfg.Postgres, log); err != nil {
			_ = db.Close()
			pool.Close()
			return nil, err
		}
	}

	return &storage{
		notifications: postgres.NewNotificationStorage(db),
		preferences:   postgres.NewPreferenceStorage(db),
		templates:     postgres.NewTemplateStorage(db),
		mailer:        postgres.NewMailerStorage(db),
		queue:         postgres.NewQueueStorage(db),
		checks:        []httpserver.Check{{Name: "postgres", Fn: pg.Healthcheck(pool)}},
		close: func() {
			_ = db.Close()
			pool.Close()
		},
	}, nil
}
