package email_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/email"
)

type MockSESAPI struct {
	mock.Mock
}

func (m *MockSESAPI) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ses.SendEmailOutput), args.Error(1)
}

func TestSESSender_Send(t *testing.T) {
	t.Parallel()

	cfg := email.Config{SenderEmail: "sender@example.com", SupportEmail: "support@example.com", SESConfigurationSet: "tracking"}

	t.Run("maps message to input", func(t *testing.T) {
		t.Parallel()

		api := new(MockSESAPI)
		defer api.AssertExpectations(t)

		api.On("SendEmail", mock.Anything, mock.MatchedBy(func(in *ses.SendEmailInput) bool {
			return aws.ToString(in.Source) == "sender@example.com" &&
				in.Destination.ToAddresses[0] == "user@example.com" &&
				aws.ToString(in.Message.Subject.Data) == "Hello" &&
				aws.ToString(in.Message.Body.Html.Data) == "<p>Hi</p>" &&
				aws.ToString(in.Message.Body.Text.Data) == "Hi" &&
				aws.ToString(in.ConfigurationSetName) == "tracking" &&
				len(in.Tags) == 2 &&
				aws.ToString(in.Tags[0].Name) == "tag" &&
				aws.ToString(in.Tags[1].Name) == "notification_id"
		})).Return(&ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil)

		sender, err := email.NewSESSender(api, cfg)
		require.NoError(t, err)

		id, err := sender.Send(context.Background(), email.Message{
			To:       "user@example.com",
			Subject:  "Hello",
			HTML:     "<p>Hi</p>",
			Text:     "Hi",
			Tag:      "system-alert",
			Metadata: map[string]string{"notification_id": "n1"},
		})
		require.NoError(t, err)
		assert.Equal(t, "ses-1", id)
	})

	t.Run("api error", func(t *testing.T) {
		t.Parallel()

		api := new(MockSESAPI)
		api.On("SendEmail", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

		sender, err := email.NewSESSender(api, cfg)
		require.NoError(t, err)

		_, err = sender.Send(context.Background(), email.Message{To: "user@example.com", Subject: "Hello", HTML: "x"})
		assert.ErrorIs(t, err, email.ErrFailedToSendEmail)
		assert.ErrorContains(t, err, "throttled")
	})

	t.Run("nil client", func(t *testing.T) {
		t.Parallel()

		_, err := email.NewSESSender(nil, cfg)
		assert.ErrorIs(t, err, email.ErrInvalidConfig)
	})
}
