package email

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerOption configures NewCircuitBreaker.
type BreakerOption func(*gobreaker.Settings)

// WithBreakerStateLogger logs every state transition.
func WithBreakerStateLogger(l *slog.Logger) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.OnStateChange = func(name string, from, to gobreaker.State) {
			l.Warn("email circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}
	}
}

// NewCircuitBreaker stops calling next after maxFailures consecutive failures
// and fails fast with ErrCircuitOpen until openTimeout has passed.
// Invalid messages do not count as provider failures.
func NewCircuitBreaker(next Sender, name string, maxFailures uint32, openTimeout time.Duration, opts ...BreakerOption) Sender {
	if maxFailures == 0 {
		maxFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidMessage)
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}
	return &breakerSender{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

type breakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

func (b *breakerSender) Send(ctx context.Context, msg Message) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", errors.Join(ErrCircuitOpen, err)
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}
