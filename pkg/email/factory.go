package email

import (
	"context"
	"fmt"
	"log/slog"
)

// New builds the sender selected by cfg.Provider, wrapped in a circuit
// breaker when cfg.BreakerEnabled is set.
func New(ctx context.Context, cfg Config, log *slog.Logger) (Sender, error) {
	if log == nil {
		log = slog.Default()
	}

	var (
		sender Sender
		err    error
	)

	switch cfg.Provider {
	case ProviderPostmark:
		sender, err = NewPostmarkClient(cfg)
	case ProviderSES:
		sender, err = NewSESSenderFromEnv(ctx, cfg)
	case ProviderDev, "":
		sender = NewDevSender(cfg.DevDir)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.BreakerEnabled && cfg.Provider != ProviderDev && cfg.Provider != "" {
		sender = NewCircuitBreaker(sender, "email-"+cfg.Provider, cfg.BreakerMaxFailures, cfg.BreakerOpenTimeout,
			WithBreakerStateLogger(log))
	}
	return sender, nil
}
