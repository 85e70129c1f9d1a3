// Package config centralises configuration parsing for the pipeline service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "CHALLENGE"

	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultMaxBodyBytes   = 8 << 20
	defaultLogLevel       = "info"
	defaultDatabaseURL    = "sqlite://challenge.db"
	defaultWebhookHeader  = "X-Webhook-Source"
	defaultWebhookMaxBody = 64 << 20
	defaultJWTIssuer      = "challenge.identity"
	defaultOutboxInterval = 2 * time.Second
	defaultOutboxBatch    = 25
)

// Config captures runtime configuration values for the pipeline service.
type Config struct {
	HTTPAddress  string
	MaxBodyBytes int64
	LogLevel     string
	DatabaseURL  string

	KafkaBrokers       []string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int

	Scheduler SchedulerConfig
	Retry     RetryConfig

	JWTSecret             string
	JWTIssuer             string
	WebhookRequiredHeader string
	WebhookMaxBodyBytes   int64
	UploadSharedSecret    string

	RedisAddress  string
	RedisCacheTTL time.Duration

	FetchTimeout       time.Duration
	FetchRatePerSecond float64
	FetchBurst         int
}

// SchedulerConfig tunes the notification driver and worker pool.
type SchedulerConfig struct {
	Interval       time.Duration
	BatchSize      int
	Workers        int
	QueueSize      int
	AttemptTimeout time.Duration
	ClaimTTL       time.Duration
}

// RetryConfig is the backoff policy for failed notifications.
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.address", defaultHTTPAddress)
	v.SetDefault("http.max_body_bytes", defaultMaxBodyBytes)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("database.url", defaultDatabaseURL)

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("outbox.poll_interval", defaultOutboxInterval)
	v.SetDefault("outbox.batch_size", defaultOutboxBatch)
	v.SetDefault("outbox.max_attempts", 5)

	v.SetDefault("scheduler.interval", 5*time.Second)
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.queue_size", 100)
	v.SetDefault("scheduler.attempt_timeout", 30*time.Second)
	v.SetDefault("scheduler.claim_ttl", 10*time.Minute)

	v.SetDefault("retry.base_delay", 30*time.Second)
	v.SetDefault("retry.max_delay", time.Hour)
	v.SetDefault("retry.max_attempts", 8)

	v.SetDefault("auth.jwt_issuer", defaultJWTIssuer)
	v.SetDefault("webhook.required_header", defaultWebhookHeader)
	v.SetDefault("webhook.max_body_bytes", defaultWebhookMaxBody)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.cache_ttl", time.Minute)

	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.rate_per_second", 5.0)
	v.SetDefault("fetch.burst", 2)
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (Config, error) {
	cfg := read(v)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadStore reads configuration for the offline commands, which need the store and pipeline
// settings but neither the HTTP secrets nor the listener.
func LoadStore(v *viper.Viper) (Config, error) {
	cfg := read(v)
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("database.url is required")
	}
	return cfg, nil
}

func read(v *viper.Viper) Config {
	return Config{
		HTTPAddress:  v.GetString("http.address"),
		MaxBodyBytes: v.GetInt64("http.max_body_bytes"),
		LogLevel:     v.GetString("log.level"),
		DatabaseURL:  v.GetString("database.url"),

		KafkaBrokers:       splitAndTrim(v.GetString("kafka.brokers")),
		OutboxPollInterval: v.GetDuration("outbox.poll_interval"),
		OutboxBatchSize:    v.GetInt("outbox.batch_size"),
		OutboxMaxAttempts:  v.GetInt("outbox.max_attempts"),

		Scheduler: SchedulerConfig{
			Interval:       v.GetDuration("scheduler.interval"),
			BatchSize:      v.GetInt("scheduler.batch_size"),
			Workers:        v.GetInt("scheduler.workers"),
			QueueSize:      v.GetInt("scheduler.queue_size"),
			AttemptTimeout: v.GetDuration("scheduler.attempt_timeout"),
			ClaimTTL:       v.GetDuration("scheduler.claim_ttl"),
		},
		Retry: RetryConfig{
			BaseDelay:   v.GetDuration("retry.base_delay"),
			MaxDelay:    v.GetDuration("retry.max_delay"),
			MaxAttempts: v.GetInt("retry.max_attempts"),
		},

		JWTSecret:             v.GetString("auth.jwt_secret"),
		JWTIssuer:             v.GetString("auth.jwt_issuer"),
		WebhookRequiredHeader: v.GetString("webhook.required_header"),
		WebhookMaxBodyBytes:   v.GetInt64("webhook.max_body_bytes"),
		UploadSharedSecret:    v.GetString("upload.shared_secret"),

		RedisAddress:  v.GetString("redis.address"),
		RedisCacheTTL: v.GetDuration("redis.cache_ttl"),

		FetchTimeout:       v.GetDuration("fetch.timeout"),
		FetchRatePerSecond: v.GetFloat64("fetch.rate_per_second"),
		FetchBurst:         v.GetInt("fetch.burst"),
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database.url is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if strings.TrimSpace(c.UploadSharedSecret) == "" {
		return fmt.Errorf("upload.shared_secret is required")
	}
	if strings.TrimSpace(c.WebhookRequiredHeader) == "" {
		return fmt.Errorf("webhook.required_header is required")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be positive")
	}
	if c.WebhookMaxBodyBytes < c.MaxBodyBytes {
		return fmt.Errorf("webhook.max_body_bytes must be at least http.max_body_bytes")
	}
	return nil
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
