package broadcast

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/dmitrymomot/notifykit/pkg/cache"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// MemoryBus keeps one MemoryBroadcaster per key in an LRU cache.
// When the cache is full the least recently used stream is closed,
// which ends its subscriptions.
type MemoryBus[T any] struct {
	streams    *cache.LRUCache[string, *MemoryBroadcaster[T]]
	bufferSize int
	closed     atomic.Bool
	logger     *slog.Logger
}

// MemoryBusOption configures a MemoryBus.
type MemoryBusOption func(*memoryBusOptions)

type memoryBusOptions struct {
	bufferSize int
	maxStreams int
	logger     *slog.Logger
}

// WithBufferSize sets the per-subscriber buffer. Default is 16.
func WithBufferSize(n int) MemoryBusOption {
	return func(o *memoryBusOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithMaxStreams caps the number of live keys. Default is 10,000.
func WithMaxStreams(n int) MemoryBusOption {
	return func(o *memoryBusOptions) {
		if n > 0 {
			o.maxStreams = n
		}
	}
}

// WithMemoryBusLogger sets the logger.
func WithMemoryBusLogger(l *slog.Logger) MemoryBusOption {
	return func(o *memoryBusOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus[T any](opts ...MemoryBusOption) *MemoryBus[T] {
	o := &memoryBusOptions{
		bufferSize: 16,
		maxStreams: 10000,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	b := &MemoryBus[T]{
		streams:    cache.NewLRUCache[string, *MemoryBroadcaster[T]](o.maxStreams),
		bufferSize: o.bufferSize,
		logger:     o.logger,
	}
	b.streams.SetEvictCallback(func(key string, stream *MemoryBroadcaster[T]) {
		if err := stream.Close(); err != nil {
			b.logger.LogAttrs(context.Background(), slog.LevelError, "failed to close evicted stream",
				slog.String("key", key),
				logger.Error(err),
			)
		}
	})
	return b
}

func (b *MemoryBus[T]) stream(key string) *MemoryBroadcaster[T] {
	return b.streams.GetOrPut(key, func() *MemoryBroadcaster[T] {
		return NewMemoryBroadcaster[T](b.bufferSize)
	})
}

// Publish implements Bus. Publishing to a key nobody listens on is a no-op.
func (b *MemoryBus[T]) Publish(ctx context.Context, key string, msg T) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if key == "" {
		return ErrEmptyKey
	}

	stream, ok := b.streams.Get(key)
	if !ok {
		return nil
	}
	return stream.Broadcast(ctx, Message[T]{Data: msg})
}

// Subscribe implements Bus.
func (b *MemoryBus[T]) Subscribe(ctx context.Context, key string) (Subscriber[T], error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if key == "" {
		return nil, ErrEmptyKey
	}
	return b.stream(key).Subscribe(ctx), nil
}

// Close closes every stream.
func (b *MemoryBus[T]) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.streams.Clear()
	return nil
}
