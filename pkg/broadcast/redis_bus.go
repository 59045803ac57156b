package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// RedisBus publishes JSON-encoded messages over Redis pub/sub so that every
// replica sees events raised on any other one.
type RedisBus[T any] struct {
	client     redis.UniversalClient
	prefix     string
	bufferSize int
	logger     *slog.Logger

	closed atomic.Bool
	mu     sync.Mutex
	subs   map[*subscriber[T]]struct{}
	wg     sync.WaitGroup
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*redisBusOptions)

type redisBusOptions struct {
	prefix     string
	bufferSize int
	logger     *slog.Logger
}

// WithChannelPrefix sets the prefix prepended to every key. Default "broadcast:".
func WithChannelPrefix(prefix string) RedisBusOption {
	return func(o *redisBusOptions) {
		o.prefix = prefix
	}
}

// WithRedisBufferSize sets the per-subscriber buffer. Default is 16.
func WithRedisBufferSize(n int) RedisBusOption {
	return func(o *redisBusOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithRedisBusLogger sets the logger.
func WithRedisBusLogger(l *slog.Logger) RedisBusOption {
	return func(o *redisBusOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewRedisBus creates a bus on top of client. The client is not closed by Close.
func NewRedisBus[T any](client redis.UniversalClient, opts ...RedisBusOption) *RedisBus[T] {
	o := &redisBusOptions{
		prefix:     "broadcast:",
		bufferSize: 16,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &RedisBus[T]{
		client:     client,
		prefix:     o.prefix,
		bufferSize: o.bufferSize,
		logger:     o.logger,
		subs:       make(map[*subscriber[T]]struct{}),
	}
}

// Publish implements Bus.
func (b *RedisBus[T]) Publish(ctx context.Context, key string, msg T) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if key == "" {
		return ErrEmptyKey
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broadcast: encode message: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+key, payload).Err(); err != nil {
		return fmt.Errorf("broadcast: publish to %s: %w", key, err)
	}
	return nil
}

// Subscribe implements Bus. It returns once Redis has confirmed the subscription,
// so messages published after Subscribe returns are not missed.
func (b *RedisBus[T]) Subscribe(ctx context.Context, key string) (Subscriber[T], error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if key == "" {
		return nil, ErrEmptyKey
	}

	ps := b.client.Subscribe(ctx, b.prefix+key)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("broadcast: subscribe to %s: %w", key, err)
	}

	sub := newSubscriber[T](b.bufferSize)
	sub.onClose = func() {
		_ = ps.Close()
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		sub.closeWhenDone(ctx)
	}()
	go func() {
		defer b.wg.Done()
		defer sub.Close()
		b.pump(ps.Channel(), sub, key)
	}()

	return sub, nil
}

func (b *RedisBus[T]) pump(in <-chan *redis.Message, sub *subscriber[T], key string) {
	for {
		select {
		case <-sub.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			var data T
			if err := json.Unmarshal([]byte(m.Payload), &data); err != nil {
				b.logger.Warn("dropping undecodable broadcast message",
					slog.String("key", key),
					logger.Error(err))
				continue
			}
			if !sub.send(Message[T]{Data: data}) {
				// slow consumer
				return
			}
		}
	}
}

// Close ends every subscription created through this bus.
func (b *RedisBus[T]) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	subs := make([]*subscriber[T], 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	b.wg.Wait()
	return nil
}
