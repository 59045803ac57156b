package email

import "time"

// Provider names accepted by Config.Provider.
const (
	ProviderPostmark = "postmark"
	ProviderSES      = "ses"
	ProviderDev      = "dev"
)

type Config struct {
	Provider             string `env:"EMAIL_PROVIDER" envDefault:"dev"`
	SenderEmail          string `env:"SENDER_EMAIL,required"`
	SupportEmail         string `env:"SUPPORT_EMAIL"`
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	PostmarkStream       string `env:"POSTMARK_MESSAGE_STREAM" envDefault:"outbound"`
	AWSRegion            string `env:"AWS_REGION" envDefault:"us-east-1"`
	SESConfigurationSet  string `env:"SES_CONFIGURATION_SET"`
	DevDir               string `env:"EMAIL_DEV_DIR" envDefault:"./tmp/emails"`

	BreakerEnabled     bool          `env:"EMAIL_BREAKER_ENABLED" envDefault:"true"`
	BreakerMaxFailures uint32        `env:"EMAIL_BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerOpenTimeout time.Duration `env:"EMAIL_BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
}
