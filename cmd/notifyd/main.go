package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/notifykit/internal/config"
	"github.com/dmitrymomot/notifykit/internal/directory"
	"github.com/dmitrymomot/notifykit/internal/httpapi"
	"github.com/dmitrymomot/notifykit/internal/mailer"
	"github.com/dmitrymomot/notifykit/internal/metrics"
	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/internal/preferences"
	"github.com/dmitrymomot/notifykit/internal/templates"
	"github.com/dmitrymomot/notifykit/pkg/broadcast"
	"github.com/dmitrymomot/notifykit/pkg/dedup"
	"github.com/dmitrymomot/notifykit/pkg/email"
	"github.com/dmitrymomot/notifykit/pkg/httpserver"
	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/queue"
	"github.com/dmitrymomot/notifykit/pkg/redis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("notifyd stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	opts := []logger.Option{
		logger.WithEnvironment(cfg.App.Env, cfg.App.Name),
		logger.WithLevel(cfg.App.LogLevel),
	}
	if cfg.App.LogFormat != "" {
		opts = append(opts, logger.WithFormat(logger.Format(cfg.App.LogFormat)))
	}
	log := logger.New(opts...)
	logger.SetAsDefault(log)

	st, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	var rdb *goredis.Client
	if cfg.Redis != nil {
		rdb, err = redis.Connect(ctx, *cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		st.checks = append(st.checks, httpserver.Check{Name: "redis", Fn: redis.Healthcheck(rdb)})
	}

	var bus broadcast.Bus[notify.Event]
	if cfg.App.BusDriver == config.DriverRedis {
		bus = broadcast.NewRedisBus[notify.Event](rdb,
			broadcast.WithChannelPrefix(cfg.App.BusChannelPrefix),
			broadcast.WithRedisBusLogger(log))
	} else {
		bus = broadcast.NewMemoryBus[notify.Event](broadcast.WithMemoryBusLogger(log))
	}
	defer bus.Close()

	var seen dedup.Store = dedup.NewMemoryStore()
	if cfg.App.DedupDriver == config.DriverRedis {
		seen = dedup.NewRedisStore(rdb, cfg.App.DedupPrefix)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sender, err := email.New(ctx, cfg.Email, log)
	if err != nil {
		return err
	}

	enqueuer, err := queue.NewEnqueuer(st.queue, queue.WithDefaultMaxAttempts(cfg.Queue.MaxAttempts))
	if err != nil {
		return err
	}

	tpls := templates.NewStore(st.templates,
		templates.WithCacheSize(cfg.App.TemplateCacheSize),
		templates.WithLogger(log))
	if err := seedTemplates(ctx, tpls); err != nil {
		return err
	}

	prefs := preferences.NewStore(st.preferences, preferences.WithLogger(log))

	// The bounce listener needs the dispatcher, which needs the mailer.
	var dispatcher *notify.Dispatcher
	mail := mailer.NewService(sender, tpls, st.mailer,
		mailer.WithLogger(log),
		mailer.WithEnqueuer(enqueuer),
		mailer.WithEventListener(m.EmailEvent),
		mailer.WithEventListener(bounceNotifier(func(ctx context.Context, userID string, typ notify.Type, title, message string, opts notify.Options) (notify.Notification, error) {
			return dispatcher.Create(ctx, userID, typ, title, message, opts)
		}, log)),
	)

	contacts := newContacts(cfg.Directory, log)
	dispatcherOpts := []notify.DispatcherOption{
		notify.WithLogger(log),
		notify.WithDedup(seen, cfg.App.DedupTTL),
		notify.WithSender(m.Sender(notify.NewInAppSender(bus))),
		notify.WithSender(m.Sender(notify.NewEmailSender(mail, tpls, contacts))),
	}
	if cfg.Push.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Push.Region))
		if err != nil {
			return fmt.Errorf("failed to load aws config: %w", err)
		}
		dispatcherOpts = append(dispatcherOpts,
			notify.WithSender(m.Sender(notify.NewPushSender(sns.NewFromConfig(awsCfg), contacts))))
	}
	dispatcher = notify.NewDispatcher(st.notifications, prefs, enqueuer, bus, dispatcherOpts...)

	worker, err := queue.NewWorker(st.queue,
		queue.WithConfig(cfg.Queue),
		queue.WithObserver(m),
		queue.WithWorkerLogger(log))
	if err != nil {
		return err
	}
	if err := worker.RegisterHandlers(dispatcher.Handler(), mail.Handler()); err != nil {
		return err
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Notifications: dispatcher,
		Preferences:   prefs,
		Templates:     tpls,
		Webhooks:      mail,
		Health:        httpserver.HealthCheckHandler(log, cfg.App.HealthTimeout, st.checks...),
		Metrics:       m.Handler(),
	},
		httpapi.WithLogger(log),
		httpapi.WithMaxBodySize(cfg.App.MaxBodySize),
		httpapi.WithStreamKeepAlive(cfg.App.StreamKeepAlive),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(worker.Run(gctx))
	g.Go(func() error {
		return httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log)).Run(gctx, router)
	})

	log.InfoContext(ctx, "notifyd started",
		slog.String("storage", cfg.App.StorageDriver),
		slog.String("bus", cfg.App.BusDriver),
		slog.String("email_provider", cfg.Email.Provider),
		slog.Bool("push", cfg.Push.Enabled))

	return g.Wait()
}

func newContacts(cfg config.Directory, log *slog.Logger) interface {
	notify.Directory
	notify.PushTargets
} {
	if cfg.URL == "" {
		log.Warn("DIRECTORY_URL is not set, email and push deliveries will be rejected")
		return noContacts{}
	}
	return directory.New(cfg.URL,
		directory.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		directory.WithCache(cfg.CacheSize, cfg.CacheTTL),
		directory.WithLogger(log))
}

type noContacts struct{}

func (noContacts) EmailAddress(context.Context, string) (string, error) {
	return "", notify.ErrNoRecipient
}
func (noContacts) PushTarget(context.Context, string) (string, error) {
	return "", notify.ErrNoRecipient
}
