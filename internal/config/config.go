// Package config loads the process configuration from the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/dmitrymomot/notifykit/pkg/email"
	"github.com/dmitrymomot/notifykit/pkg/httpserver"
	"github.com/dmitrymomot/notifykit/pkg/pg"
	"github.com/dmitrymomot/notifykit/pkg/queue"
	"github.com/dmitrymomot/notifykit/pkg/redis"
)

var (
	ErrLoadEnvFile   = errors.New("failed to load env file")
	ErrParsingConfig = errors.New("failed to parse environment variables into config")
	ErrInvalidDriver = errors.New("invalid driver")
)

// Backends.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type App struct {
	Name string `env:"APP_NAME" envDefault:"notifyd"`
	Env  string `env:"APP_ENV" envDefault:"development"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string     `env:"LOG_FORMAT"` // json | text; empty follows APP_ENV

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"memory"` // memory | postgres
	BusDriver     string `env:"BUS_DRIVER" envDefault:"memory"`     // memory | redis
	DedupDriver   string `env:"DEDUP_DRIVER" envDefault:"memory"`   // memory | redis

	BusChannelPrefix string        `env:"BUS_CHANNEL_PREFIX" envDefault:"notifykit:bus:"`
	DedupPrefix      string        `env:"DEDUP_PREFIX" envDefault:"notifykit:dedup:"`
	DedupTTL         time.Duration `env:"DEDUP_TTL" envDefault:"168h"`

	TemplateCacheSize int           `env:"TEMPLATE_CACHE_SIZE" envDefault:"256"`
	MaxBodySize       int64         `env:"HTTP_MAX_BODY_SIZE" envDefault:"1048576"`
	StreamKeepAlive   time.Duration `env:"HTTP_STREAM_KEEPALIVE" envDefault:"25s"`
	HealthTimeout     time.Duration `env:"HEALTHCHECK_TIMEOUT" envDefault:"3s"`
}

// Push configures the SNS push channel. Device endpoints come from the
// user directory.
type Push struct {
	Enabled bool   `env:"PUSH_ENABLED" envDefault:"false"`
	Region  string `env:"PUSH_AWS_REGION" envDefault:"us-east-1"`
}

// Directory points at the external user directory. Without a URL no user
// has an email address or push target.
type Directory struct {
	URL       string        `env:"DIRECTORY_URL"`
	Timeout   time.Duration `env:"DIRECTORY_TIMEOUT" envDefault:"5s"`
	CacheSize int           `env:"DIRECTORY_CACHE_SIZE" envDefault:"1024"`
	CacheTTL  time.Duration `env:"DIRECTORY_CACHE_TTL" envDefault:"5m"`
}

type Config struct {
	App   App
	HTTP  httpserver.Config
	Queue queue.Config
	Email email.Config
	Push  Push

	Directory Directory

	// Set only when a driver needs them.
	Postgres *pg.Config
	Redis    *redis.Config
}

// Load reads the given .env files (".env" when none) and parses the
// environment. A missing file is not an error.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errors.Join(ErrLoadEnvFile, err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if cfg.App.StorageDriver == DriverPostgres {
		cfg.Postgres = &pg.Config{}
		if err := env.Parse(cfg.Postgres); err != nil {
			return Config{}, errors.Join(ErrParsingConfig, err)
		}
	}
	if cfg.App.BusDriver == DriverRedis || cfg.App.DedupDriver == DriverRedis {
		cfg.Redis = &redis.Config{}
		if err := env.Parse(cfg.Redis); err != nil {
			return Config{}, errors.Join(ErrParsingConfig, err)
		}
	}

	return cfg, nil
}

func (c Config) validate() error {
	check := func(name, value string, allowed ...string) error {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return fmt.Errorf("%w: %s=%q", ErrInvalidDriver, name, value)
	}
	return errors.Join(
		check("STORAGE_DRIVER", c.App.StorageDriver, DriverMemory, DriverPostgres),
		check("BUS_DRIVER", c.App.BusDriver, DriverMemory, DriverRedis),
		check("DEDUP_DRIVER", c.App.DedupDriver, DriverMemory, DriverRedis),
	)
}
