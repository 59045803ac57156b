package email_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/email"
)

func postmarkConfig() email.Config {
	return email.Config{
		PostmarkServerToken:  "server-token",
		PostmarkAccountToken: "account-token",
		PostmarkStream:       "outbound",
		SenderEmail:          "sender@example.com",
		SupportEmail:         "support@example.com",
	}
}

func TestNewPostmarkClient_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*email.Config)
		errMsg string
	}{
		{"empty server token", func(c *email.Config) { c.PostmarkServerToken = "" }, "PostmarkServerToken is required"},
		{"missing sender", func(c *email.Config) { c.SenderEmail = "" }, "SenderEmail is required"},
		{"invalid sender", func(c *email.Config) { c.SenderEmail = "nope" }, "SenderEmail must be a valid email address"},
		{"invalid support", func(c *email.Config) { c.SupportEmail = "nope" }, "SupportEmail must be a valid email address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := postmarkConfig()
			tt.mutate(&cfg)

			client, err := email.NewPostmarkClient(cfg)
			assert.Nil(t, client)
			assert.ErrorIs(t, err, email.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	assert.Panics(t, func() { email.MustNewPostmarkClient(email.Config{}) })
}

func TestPostmarkClient_Send(t *testing.T) {
	t.Parallel()

	t.Run("returns provider message id", func(t *testing.T) {
		t.Parallel()

		var got map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "server-token", r.Header.Get("X-Postmark-Server-Token"))
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"To":"user@example.com","MessageID":"pm-123","ErrorCode":0,"Message":"OK"}`))
		}))
		defer srv.Close()

		client, err := email.NewPostmarkClient(postmarkConfig(), email.WithPostmarkBaseURL(srv.URL))
		require.NoError(t, err)

		id, err := client.Send(context.Background(), email.Message{
			To:       "user@example.com",
			Subject:  "Hello",
			HTML:     "<p>Hello</p>",
			Text:     "Hello",
			Tag:      "survey-created",
			Metadata: map[string]string{"notification_id": "n1"},
		})
		require.NoError(t, err)
		assert.Equal(t, "pm-123", id)

		assert.Equal(t, "user@example.com", got["To"])
		assert.Equal(t, "sender@example.com", got["From"])
		assert.Equal(t, "Hello", got["TextBody"])
		assert.Equal(t, "survey-created", got["Tag"])
	})

	t.Run("provider error code", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ErrorCode":406,"Message":"Inactive recipient"}`))
		}))
		defer srv.Close()

		client, err := email.NewPostmarkClient(postmarkConfig(), email.WithPostmarkBaseURL(srv.URL))
		require.NoError(t, err)

		_, err = client.Send(context.Background(), email.Message{To: "user@example.com", Subject: "Hi", HTML: "x"})
		assert.ErrorIs(t, err, email.ErrFailedToSendEmail)
		assert.Contains(t, err.Error(), "406")
	})

	t.Run("invalid message is not sent", func(t *testing.T) {
		t.Parallel()

		client, err := email.NewPostmarkClient(postmarkConfig(), email.WithPostmarkBaseURL("http://127.0.0.1:1"))
		require.NoError(t, err)

		_, err = client.Send(context.Background(), email.Message{})
		assert.ErrorIs(t, err, email.ErrInvalidMessage)
	})
}
