package templates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/pkg/cache"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

const defaultCacheSize = 256

// Store manages templates and renders them through a cache of compiled renderers.
type Store struct {
	storage Storage
	logger  *slog.Logger
	now     func() time.Time

	// writes serializes cache invalidation against Update and Delete.
	writes sync.Mutex
	cache  *cache.LRUCache[string, *compiled]
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCacheSize sets how many compiled templates are kept.
func WithCacheSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.cache = cache.NewLRUCache[string, *compiled](n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source for CreatedAt and UpdatedAt.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a Store backed by storage.
func NewStore(storage Storage, opts ...StoreOption) *Store {
	s := &Store{
		storage: storage,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = cache.NewLRUCache[string, *compiled](defaultCacheSize)
	}
	return s
}

func (s *Store) Get(ctx context.Context, id string) (Template, error) {
	t, err := s.storage.Get(ctx, id)
	if err != nil {
		return Template{}, fmt.Errorf("failed to get template %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) GetByName(ctx context.Context, name string) (Template, error) {
	t, err := s.storage.GetByName(ctx, name)
	if err != nil {
		return Template{}, fmt.Errorf("failed to get template %q: %w", name, err)
	}
	return t, nil
}

func (s *Store) ListByCategory(ctx context.Context, category string) ([]Template, error) {
	list, err := s.storage.ListByCategory(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return list, nil
}

// Create validates and stores a new template. An empty ID is generated.
func (s *Store) Create(ctx context.Context, t Template) (Template, error) {
	c, err := validate(t)
	if err != nil {
		return Template{}, err
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	if err := s.storage.Create(ctx, t); err != nil {
		return Template{}, fmt.Errorf("failed to create template: %w", err)
	}
	s.cache.Put(t.ID, c)

	s.logger.LogAttrs(ctx, slog.LevelDebug, "template created",
		logger.TemplateID(t.ID), slog.String("name", t.Name))
	return t, nil
}

// Update replaces a template and drops its cached renderer.
func (s *Store) Update(ctx context.Context, t Template) (Template, error) {
	if _, err := validate(t); err != nil {
		return Template{}, err
	}

	existing, err := s.storage.Get(ctx, t.ID)
	if err != nil {
		return Template{}, fmt.Errorf("failed to get template %s: %w", t.ID, err)
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = s.now().UTC()

	s.writes.Lock()
	defer s.writes.Unlock()

	if err := s.storage.Update(ctx, t); err != nil {
		return Template{}, fmt.Errorf("failed to update template %s: %w", t.ID, err)
	}
	s.cache.Remove(t.ID)
	return t, nil
}

// Delete removes a template and its cached renderer.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writes.Lock()
	defer s.writes.Unlock()

	if err := s.storage.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete template %s: %w", id, err)
	}
	s.cache.Remove(id)
	return nil
}

// Render executes t with vars. The cached renderer is used only if its
// fingerprint matches t, otherwise t is recompiled and the cache refreshed.
func (s *Store) Render(t Template, vars map[string]any) (Rendered, error) {
	fp := fingerprint(t)

	c, ok := s.cache.Get(t.ID)
	if !ok || c.fingerprint != fp {
		var err error
		c, err = compile(t)
		if err != nil {
			return Rendered{}, err
		}
		if t.ID != "" {
			s.cache.Put(t.ID, c)
		}
	}

	return c.execute(vars)
}

// CacheLen reports the number of cached renderers.
func (s *Store) CacheLen() int {
	return s.cache.Len()
}

func validate(t Template) (*compiled, error) {
	var errs []error
	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(t.Subject) == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if strings.TrimSpace(t.HTMLBody) == "" {
		errs = append(errs, errors.New("html body is required"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, errors.Join(errs...))
	}
	return compile(t)
}
