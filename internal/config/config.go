package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Configuration errors raised to callers that need a missing provider setting.
var (
	ErrMissingAPIKey        = errors.New("there is no Mailgun API key")
	ErrMissingDomain        = errors.New("a Mailgun domain value is needed")
	ErrMissingValidationKey = errors.New("mailgun.validation_key is needed to check mailbox validity")
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Mailgun  MailgunConfig  `yaml:"mailgun"`
	Tracking TrackingConfig `yaml:"tracking"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Feed     FeedConfig     `yaml:"feed"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the optional Redis connection used for the shared
// replay cache and per-record locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is enabled (default true).
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// MailgunConfig holds Mailgun API configuration
type MailgunConfig struct {
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	Domain            string `yaml:"domain"`
	ValidationKey     string `yaml:"validation_key"`
	WebhooksDomain    string `yaml:"webhooks_domain"`
	WebhookSigningKey string `yaml:"webhook_signing_key"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	MaxRetries        int    `yaml:"max_retries"`
	// RequestsPerSecond throttles API calls; 0 means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// Timeout returns the configured timeout as a duration
func (c MailgunConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Require returns a configuration error when the API key or the sending
// domain is missing.
func (c MailgunConfig) Require() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Domain == "" {
		return ErrMissingDomain
	}
	return nil
}

// RequireValidationKey is Require plus the address validation key.
func (c MailgunConfig) RequireValidationKey() error {
	if err := c.Require(); err != nil {
		return err
	}
	if c.ValidationKey == "" {
		return ErrMissingValidationKey
	}
	return nil
}

// TrackingConfig holds the ingestion pipeline and pixel settings.
type TrackingConfig struct {
	// Instance is the tenant tag stamped into outgoing mail and expected
	// back in provider events.
	Instance               string `yaml:"instance"`
	BaseURL                string `yaml:"base_url"`
	PixelDisabled          bool   `yaml:"pixel_disabled"`
	OpenDedupSeconds       int    `yaml:"open_dedup_seconds"`
	ClickDedupSeconds      int    `yaml:"click_dedup_seconds"`
	SignatureMaxAgeSeconds int    `yaml:"signature_max_age_seconds"`
	ReplayCacheSize        int    `yaml:"replay_cache_size"`
	LockTimeoutMillis      int    `yaml:"lock_timeout_ms"`
	BounceNoteTemplate     string `yaml:"bounce_note_template"`
}

// OpenWindow is the open-event dedup window.
func (c TrackingConfig) OpenWindow() time.Duration {
	return time.Duration(c.OpenDedupSeconds) * time.Second
}

// ClickWindow is the click-event dedup window.
func (c TrackingConfig) ClickWindow() time.Duration {
	return time.Duration(c.ClickDedupSeconds) * time.Second
}

// SignatureMaxAge bounds webhook timestamp skew in both directions.
func (c TrackingConfig) SignatureMaxAge() time.Duration {
	return time.Duration(c.SignatureMaxAgeSeconds) * time.Second
}

// LockTimeout bounds the wait for a per-record lock.
func (c TrackingConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMillis) * time.Millisecond
}

// SMTPConfig holds the outgoing SMTP relay.
type SMTPConfig struct {
	Addr     string `yaml:"addr"`
	Hostname string `yaml:"hostname"`
}

// FeedConfig holds the optional RabbitMQ event feed. An empty URL disables
// it.
type FeedConfig struct {
	AMQPURL string `yaml:"amqp_url"`
	Queue   string `yaml:"queue"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Mailgun.BaseURL == "" {
		cfg.Mailgun.BaseURL = "https://api.mailgun.net"
	}
	if cfg.Mailgun.TimeoutSeconds == 0 {
		cfg.Mailgun.TimeoutSeconds = 10
	}
	if cfg.Mailgun.MaxRetries < 0 {
		cfg.Mailgun.MaxRetries = 0
	}
	if cfg.Tracking.Instance == "" {
		cfg.Tracking.Instance = "default"
	}
	if cfg.Tracking.BaseURL == "" {
		cfg.Tracking.BaseURL = "http://localhost:8080"
	}
	if cfg.Mailgun.WebhooksDomain == "" {
		cfg.Mailgun.WebhooksDomain = cfg.Tracking.BaseURL
	}
	if cfg.Tracking.OpenDedupSeconds == 0 {
		cfg.Tracking.OpenDedupSeconds = 10
	}
	if cfg.Tracking.ClickDedupSeconds == 0 {
		cfg.Tracking.ClickDedupSeconds = 5
	}
	if cfg.Tracking.SignatureMaxAgeSeconds == 0 {
		cfg.Tracking.SignatureMaxAgeSeconds = 600
	}
	if cfg.Tracking.ReplayCacheSize == 0 {
		cfg.Tracking.ReplayCacheSize = 10000
	}
	if cfg.Tracking.LockTimeoutMillis == 0 {
		cfg.Tracking.LockTimeoutMillis = 2000
	}
	if cfg.SMTP.Addr == "" {
		cfg.SMTP.Addr = "localhost:25"
	}
	if cfg.SMTP.Hostname == "" {
		cfg.SMTP.Hostname = "localhost"
	}
	if cfg.Feed.Queue == "" {
		cfg.Feed.Queue = "mail_tracking_events"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
// An empty path skips the YAML file and starts from defaults.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}

	overrides := map[string]*string{
		"MAILGUN_API_KEY":             &cfg.Mailgun.APIKey,
		"MAILGUN_BASE_URL":            &cfg.Mailgun.BaseURL,
		"MAILGUN_DOMAIN":              &cfg.Mailgun.Domain,
		"MAILGUN_VALIDATION_KEY":      &cfg.Mailgun.ValidationKey,
		"MAILGUN_WEBHOOKS_DOMAIN":     &cfg.Mailgun.WebhooksDomain,
		"MAILGUN_WEBHOOK_SIGNING_KEY": &cfg.Mailgun.WebhookSigningKey,
		"DATABASE_URL":                &cfg.Database.URL,
		"REDIS_URL":                   &cfg.Redis.URL,
		"TRACKING_INSTANCE":           &cfg.Tracking.Instance,
		"TRACKING_BASE_URL":           &cfg.Tracking.BaseURL,
		"LOG_LEVEL":                   &cfg.Logging.Level,
		"SMTP_ADDR":                   &cfg.SMTP.Addr,
		"AMQP_URL":                    &cfg.Feed.AMQPURL,
	}
	for env, dst := range overrides {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MAILGUN_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Mailgun.TimeoutSeconds = secs
		}
	}

	return cfg, nil
}
