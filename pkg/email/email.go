// Package email is the outbound transport boundary: it hands a fully
// rendered message to a provider and returns the provider's message id.
// Senders never retry; retries belong to the job queue.
package email

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Sender delivers one rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (string, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (string, error) { return f(ctx, msg) }

// Message is a rendered email ready for a provider.
type Message struct {
	To       string            `json:"to"`
	Subject  string            `json:"subject"`
	HTML     string            `json:"html"`
	Text     string            `json:"text,omitempty"`
	Tag      string            `json:"tag,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidAddress reports whether s looks like a deliverable address.
func ValidAddress(s string) bool {
	return emailRegex.MatchString(strings.TrimSpace(s))
}

// Validate checks the fields every provider requires.
func (m Message) Validate() error {
	var errs []error
	if strings.TrimSpace(m.To) == "" {
		errs = append(errs, errors.New("to is required"))
	} else if !ValidAddress(m.To) {
		errs = append(errs, errors.New("to must be a valid email address"))
	}
	if strings.TrimSpace(m.Subject) == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if strings.TrimSpace(m.HTML) == "" && strings.TrimSpace(m.Text) == "" {
		errs = append(errs, errors.New("html or text body is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, errors.Join(errs...))
	}
	return nil
}
