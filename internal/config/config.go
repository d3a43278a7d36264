package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Debug             bool   `mapstructure:"debug"`
	TracerServiceName string `mapstructure:"tracer_service_name"`

	Broker BrokerConfig `mapstructure:"broker"`
	AWS    AWSConfig    `mapstructure:"aws"`
	Mail   MailConfig   `mapstructure:"mail"`
	HTTP   HTTPConfig   `mapstructure:"http"`
}

// BrokerConfig holds RabbitMQ connection and topology configuration.
type BrokerConfig struct {
	URI         string `mapstructure:"uri"`
	Queue       string `mapstructure:"queue"`
	ConsumerTag string `mapstructure:"consumer_tag"`
	// Exchange is the durable topic exchange all lifecycle and
	// provider events are published to.
	Exchange string `mapstructure:"exchange"`
}

// AWSConfig holds SES configuration.
type AWSConfig struct {
	Region string `mapstructure:"region"`
	// TrackingConfigSet is the SES configuration set attached to sends
	// that have event tracking enabled.
	TrackingConfigSet string `mapstructure:"tracking_config_set"`
	// SNSSubscriptionARN, when non-empty, is the only value accepted in
	// the x-amz-sns-subscription-arn header of inbound webhook calls.
	SNSSubscriptionARN string `mapstructure:"sns_subscription_arn"`
}

// MailConfig holds dispatch configuration.
type MailConfig struct {
	DefaultSender string `mapstructure:"default_sender"`
	// MaxSendOpsPerSecond caps SES SendEmail calls across every
	// concurrent request.
	MaxSendOpsPerSecond int `mapstructure:"max_send_ops_per_second"`
}

// HTTPConfig holds the webhook listener configuration.
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// Load reads configuration from the environment. Keys are prefixed with
// MAILER_ and nested levels are joined with underscores, so broker.uri is
// read from MAILER_BROKER_URI.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("MAILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("tracer_service_name", "mailer")

	v.SetDefault("broker.uri", "amqp://localhost:5672")
	v.SetDefault("broker.queue", "mailer")
	v.SetDefault("broker.consumer_tag", "mailer_service_consumer")
	v.SetDefault("broker.exchange", "email_events")

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.tracking_config_set", "")
	v.SetDefault("aws.sns_subscription_arn", "")

	v.SetDefault("mail.default_sender", "")
	v.SetDefault("mail.max_send_ops_per_second", 1)

	v.SetDefault("http.port", 3005)
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Broker.URI == "" {
		return fmt.Errorf("broker.uri is required")
	}
	if c.Broker.Queue == "" {
		return fmt.Errorf("broker.queue is required")
	}
	if c.Broker.Exchange == "" {
		return fmt.Errorf("broker.exchange is required")
	}
	if c.Mail.MaxSendOpsPerSecond < 1 {
		return fmt.Errorf("mail.max_send_ops_per_second must be >= 1, got %d", c.Mail.MaxSendOpsPerSecond)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	return nil
}
