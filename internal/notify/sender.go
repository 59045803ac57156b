package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/internal/mailer"
	"github.com/dmitrymomot/notifykit/internal/templates"
	"github.com/dmitrymomot/notifykit/pkg/broadcast"
	"github.com/dmitrymomot/notifykit/pkg/queue"
)

// Sender delivers a notification over one channel. Errors wrapped with
// queue.Permanent are not retried.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, n Notification) error
}

// InAppSender publishes a created event on the user's bus channel.
type InAppSender struct {
	bus broadcast.Bus[Event]
	now func() time.Time
}

func NewInAppSender(bus broadcast.Bus[Event]) *InAppSender {
	return &InAppSender{bus: bus, now: time.Now}
}

func (s *InAppSender) Channel() Channel { return ChannelInApp }

func (s *InAppSender) Send(ctx context.Context, n Notification) error {
	if err := s.bus.Publish(ctx, n.UserID, Event{
		Type:         EventCreated,
		Notification: &n,
		At:           s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Directory resolves a user's email address.
// It returns ErrNoRecipient when the user has none.
type Directory interface {
	EmailAddress(ctx context.Context, userID string) (string, error)
}

// DirectoryFunc adapts a function to Directory.
type DirectoryFunc func(ctx context.Context, userID string) (string, error)

func (f DirectoryFunc) EmailAddress(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

// TemplateFinder looks up email templates by name.
type TemplateFinder interface {
	GetByName(ctx context.Context, name string) (templates.Template, error)
}

// Mailer sends a rendered, tracked email.
type Mailer interface {
	Send(ctx context.Context, tpl templates.Template, data mailer.EmailData, tracking *mailer.Tracking) (mailer.Tracking, error)
}

// DefaultEmailTemplate is used when no template exists for a notification type.
const DefaultEmailTemplate = "notification.default"

// EmailTemplateName returns the template name for notifications of type t.
func EmailTemplateName(t Type) string {
	return "notification." + string(t)
}

var trackingNamespace = uuid.MustParse("0d3b3f6e-2f0e-4d8a-8f4b-5b8e2a7c9e10")

// EmailSender renders the notification's template and sends it through the mailer.
type EmailSender struct {
	mailer    Mailer
	templates TemplateFinder
	directory Directory
}

func NewEmailSender(m Mailer, tpls TemplateFinder, dir Directory) *EmailSender {
	return &EmailSender{mailer: m, templates: tpls, directory: dir}
}

func (s *EmailSender) Channel() Channel { return ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, n Notification) error {
	to, err := s.directory.EmailAddress(ctx, n.UserID)
	if err != nil {
		if errors.Is(err, ErrNoRecipient) {
			return queue.Permanent(err)
		}
		return fmt.Errorf("failed to resolve email address: %w", err)
	}

	tpl, err := s.template(ctx, n.Type)
	if err != nil {
		return err
	}

	vars := map[string]any{}
	if n.Data != nil {
		vars = n.Data.Fields()
	}
	vars["notification_id"] = n.ID
	vars["title"] = n.Title
	vars["message"] = n.Message
	vars["type"] = string(n.Type)
	vars["priority"] = string(n.Priority)

	// Retries of the same notification reuse one tracking row, so a bounce
	// recorded in between stops them.
	trackingID := uuid.NewSHA1(trackingNamespace, []byte(n.ID+":email")).String()

	_, err = s.mailer.Send(ctx, tpl, mailer.EmailData{
		To:        to,
		Variables: vars,
		Tag:       string(n.Type),
	}, &mailer.Tracking{
		ID:       trackingID,
		UserID:   n.UserID,
		Metadata: map[string]string{"notification_id": n.ID},
	})
	return err
}

func (s *EmailSender) template(ctx context.Context, t Type) (templates.Template, error) {
	tpl, err := s.templates.GetByName(ctx, EmailTemplateName(t))
	if err == nil {
		return tpl, nil
	}
	if !errors.Is(err, templates.ErrNotFound) {
		return templates.Template{}, err
	}

	tpl, err = s.templates.GetByName(ctx, DefaultEmailTemplate)
	if errors.Is(err, templates.ErrNotFound) {
		return templates.Template{}, queue.Permanent(fmt.Errorf("no email template for %s: %w", t, err))
	}
	return tpl, err
}

// PushTargets resolves the SNS endpoint ARN of a user's device.
// It returns ErrNoRecipient when the user has none.
type PushTargets interface {
	PushTarget(ctx context.Context, userID string) (string, error)
}

// PushTargetsFunc adapts a function to PushTargets.
type PushTargetsFunc func(ctx context.Context, userID string) (string, error)

func (f PushTargetsFunc) PushTarget(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

// SNSAPI is the subset of the SNS client used for push.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// PushSender publishes notifications to device endpoints through AWS SNS.
type PushSender struct {
	api     SNSAPI
	targets PushTargets
}

func NewPushSender(api SNSAPI, targets PushTargets) *PushSender {
	return &PushSender{api: api, targets: targets}
}

func (s *PushSender) Channel() Channel { return ChannelPush }

func (s *PushSender) Send(ctx context.Context, n Notification) error {
	arn, err := s.targets.PushTarget(ctx, n.UserID)
	if err != nil {
		if errors.Is(err, ErrNoRecipient) {
			return queue.Permanent(err)
		}
		return fmt.Errorf("failed to resolve push target: %w", err)
	}

	body := n.Message
	if title := strings.TrimSpace(n.Title); title != "" {
		body = title + "\n" + n.Message
	}

	_, err = s.api.Publish(ctx, &sns.PublishInput{
		TargetArn: aws.String(arn),
		Message:   aws.String(body),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"notification_id": {DataType: aws.String("String"), StringValue: aws.String(n.ID)},
			"type":            {DataType: aws.String("String"), StringValue: aws.String(string(n.Type))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish push notification: %w", err)
	}
	return nil
}
