// Package directory resolves user contact details from the external user
// directory service.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/pkg/cache"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

var ErrUnexpectedStatus = errors.New("unexpected directory response status")

// Contact is what the directory knows about a user.
type Contact struct {
	Email      string `json:"email"`
	PushTarget string `json:"push_target"`
}

type entry struct {
	contact Contact
	at      time.Time
}

// Client looks contacts up at GET <base>/users/{id} and caches them.
// It implements notify.Directory and notify.PushTargets.
type Client struct {
	base   string
	http   *http.Client
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	cache  *cache.LRUCache[string, entry]
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCache sets the number of cached contacts and how long they stay fresh.
func WithCache(size int, ttl time.Duration) Option {
	return func(c *Client) {
		if size > 0 {
			c.cache = cache.NewLRUCache[string, entry](size)
		}
		c.ttl = ttl
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 5 * time.Second},
		ttl:    5 * time.Minute,
		logger: slog.Default(),
		now:    time.Now,
		cache:  cache.NewLRUCache[string, entry](1024),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EmailAddress implements notify.Directory.
func (c *Client) EmailAddress(ctx context.Context, userID string) (string, error) {
	contact, err := c.Lookup(ctx, userID)
	if err != nil {
		return "", err
	}
	if contact.Email == "" {
		return "", notify.ErrNoRecipient
	}
	return contact.Email, nil
}

// PushTarget implements notify.PushTargets.
func (c *Client) PushTarget(ctx context.Context, userID string) (string, error) {
	contact, err := c.Lookup(ctx, userID)
	if err != nil {
		return "", err
	}
	if contact.PushTarget == "" {
		return "", notify.ErrNoRecipient
	}
	return contact.PushTarget, nil
}

// Lookup returns the user's contact. An unknown user yields notify.ErrNoRecipient.
func (c *Client) Lookup(ctx context.Context, userID string) (Contact, error) {
	if e, ok := c.cache.Get(userID); ok && c.now().Sub(e.at) < c.ttl {
		return e.contact, nil
	}

	contact, err := c.fetch(ctx, userID)
	if err != nil {
		return Contact{}, err
	}

	c.cache.Put(userID, entry{contact: contact, at: c.now()})
	return contact, nil
}

func (c *Client) fetch(ctx context.Context, userID string) (Contact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return Contact{}, fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Contact{}, fmt.Errorf("failed to query directory: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.logger.LogAttrs(ctx, slog.LevelDebug, "user not in directory", logger.UserID(userID))
		return Contact{}, notify.ErrNoRecipient
	case resp.StatusCode != http.StatusOK:
		return Contact{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var contact Contact
	if err := json.NewDecoder(resp.Body).Decode(&contact); err != nil {
		return Contact{}, fmt.Errorf("failed to decode directory response: %w", err)
	}
	return contact, nil
}

var (
	_ notify.Directory   = (*Client)(nil)
	_ notify.PushTargets = (*Client)(nil)
)
