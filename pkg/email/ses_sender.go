package email

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the part of the SES client the sender uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type sesSender struct {
	api    SESAPI
	config Config
}

// NewSESSender wraps an SES client.
func NewSESSender(api SESAPI, cfg Config) (Sender, error) {
	if api == nil {
		return nil, fmt.Errorf("%w: SES client is required", ErrInvalidConfig)
	}
	if err := validateSender(cfg); err != nil {
		return nil, err
	}
	return &sesSender{api: api, config: cfg}, nil
}

// NewSESSenderFromEnv loads AWS credentials the default way for cfg.AWSRegion.
func NewSESSenderFromEnv(ctx context.Context, cfg Config) (Sender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", ErrInvalidConfig, err)
	}
	return NewSESSender(ses.NewFromConfig(awsCfg), cfg)
}

// Send implements Sender.
func (s *sesSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &ses.SendEmailInput{
		Source:      aws.String(s.config.SenderEmail),
		Destination: &types.Destination{ToAddresses: []string{msg.To}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
		Tags: sesTags(msg),
	}
	if s.config.SupportEmail != "" {
		input.ReplyToAddresses = []string{s.config.SupportEmail}
	}
	if s.config.SESConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.config.SESConfigurationSet)
	}

	out, err := s.api.SendEmail(ctx, input)
	if err != nil {
		return "", errors.Join(ErrFailedToSendEmail, err)
	}
	return aws.ToString(out.MessageId), nil
}

// sesTags maps tag and metadata onto SES message tags in a stable order.
func sesTags(msg Message) []types.MessageTag {
	var tags []types.MessageTag
	if msg.Tag != "" {
		tags = append(tags, types.MessageTag{Name: aws.String("tag"), Value: aws.String(msg.Tag)})
	}
	keys := make([]string, 0, len(msg.Metadata))
	for k := range msg.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, types.MessageTag{Name: aws.String(k), Value: aws.String(msg.Metadata[k])})
	}
	return tags
}
