package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every error returned from Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration for the drip engine
type Config struct {
	Drip         DripConfig         `yaml:"drip"`
	Provider     ProviderConfig     `yaml:"provider"`
	SES          SESConfig          `yaml:"ses"`
	ContactStore ContactStoreConfig `yaml:"contact_store"`
	Progress     ProgressConfig     `yaml:"progress"`
	Redis        RedisConfig        `yaml:"redis"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Retry        RetryConfig        `yaml:"retry"`
	Log          LogConfig          `yaml:"log"`
}

// DripConfig holds sequencing, caps and guard settings.
type DripConfig struct {
	Sequence               string `yaml:"sequence"` // sequence identifier written on every send row
	Tag                    string `yaml:"tag"`      // CRM opt-in tag, e.g. "Lead Drip"
	AudienceName           string `yaml:"audience_name"`
	DefaultSegment         string `yaml:"default_segment"`
	SequencesFile          string `yaml:"sequences_file"` // empty uses the embedded definitions
	ReplyTo                string `yaml:"reply_to"`
	FromAddress            string `yaml:"from_address"`
	MaxSendsPerRun         int    `yaml:"max_sends_per_run"`
	MaxSendsPerStagePerRun int    `yaml:"max_sends_per_stage_per_run"`
	QuietPeriodHours       int    `yaml:"quiet_period_hours"`
	SendDelayMillis        int    `yaml:"send_delay_ms"`
	StatusDelayMillis      int    `yaml:"status_delay_ms"`
	RetentionDays          int    `yaml:"retention_days"`
}

// QuietPeriod returns the minimum gap between two sends to one contact.
func (c DripConfig) QuietPeriod() time.Duration {
	return time.Duration(c.QuietPeriodHours) * time.Hour
}

// SendDelay returns the pause between provider send calls.
func (c DripConfig) SendDelay() time.Duration {
	return time.Duration(c.SendDelayMillis) * time.Millisecond
}

// StatusDelay returns the pause between provider status lookups.
func (c DripConfig) StatusDelay() time.Duration {
	return time.Duration(c.StatusDelayMillis) * time.Millisecond
}

// Retention returns how long a send stays on the reconciliation worklist.
func (c DripConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ProviderConfig selects and configures the delivery provider.
type ProviderConfig struct {
	Type           string `yaml:"type"` // "resend" or "ses"
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	HistoryPages   int    `yaml:"history_pages"`
}

// Timeout returns the configured timeout as a duration
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKey       string `yaml:"access_key"`
	SecretKey       string `yaml:"secret_key"`
	ContactListName string `yaml:"contact_list_name"`
}

// ContactStoreConfig holds the CRM database settings.
type ContactStoreConfig struct {
	DatabaseURL    string `yaml:"database_url"`
	PageSize       int    `yaml:"page_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
}

// Timeout returns the configured timeout as a duration
func (c ContactStoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ProgressConfig holds local progress store settings.
type ProgressConfig struct {
	Type      string `yaml:"type"` // "file" or "s3"
	Path      string `yaml:"path"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Key     string `yaml:"s3_key"`
	AWSRegion string `yaml:"aws_region"`
}

// RedisConfig holds the optional Redis used for the run lock.
type RedisConfig struct {
	URL            string `yaml:"url"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

// LockTTL returns the run lock TTL.
func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// MetricsConfig holds Prometheus Pushgateway settings.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// RetryConfig holds the shared bounded retry policy.
type RetryConfig struct {
	MaxAttempts           int `yaml:"max_attempts"`
	InitialIntervalMillis int `yaml:"initial_interval_ms"`
	MaxIntervalMillis     int `yaml:"max_interval_ms"`
}

// InitialInterval returns the first backoff delay.
func (c RetryConfig) InitialInterval() time.Duration {
	return time.Duration(c.InitialIntervalMillis) * time.Millisecond
}

// MaxInterval returns the backoff ceiling.
func (c RetryConfig) MaxInterval() time.Duration {
	return time.Duration(c.MaxIntervalMillis) * time.Millisecond
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load reads and parses the configuration file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Drip.Sequence == "" {
		cfg.Drip.Sequence = "lead-drip"
	}
	if cfg.Drip.Tag == "" {
		cfg.Drip.Tag = "Lead Drip"
	}
	if cfg.Drip.AudienceName == "" {
		cfg.Drip.AudienceName = "Hedge Edge Waitlist"
	}
	if cfg.Drip.DefaultSegment == "" {
		cfg.Drip.DefaultSegment = "unsuccessful_unaware"
	}
	if cfg.Drip.MaxSendsPerRun == 0 {
		cfg.Drip.MaxSendsPerRun = 50
	}
	if cfg.Drip.MaxSendsPerStagePerRun == 0 {
		cfg.Drip.MaxSendsPerStagePerRun = 50
	}
	if cfg.Drip.QuietPeriodHours == 0 {
		cfg.Drip.QuietPeriodHours = 24
	}
	if cfg.Drip.SendDelayMillis == 0 {
		cfg.Drip.SendDelayMillis = 1200
	}
	if cfg.Drip.StatusDelayMillis == 0 {
		cfg.Drip.StatusDelayMillis = 500
	}
	if cfg.Drip.RetentionDays == 0 {
		cfg.Drip.RetentionDays = 7
	}
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = "resend"
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.resend.com"
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		cfg.Provider.TimeoutSeconds = 15
	}
	if cfg.Provider.HistoryPages == 0 {
		cfg.Provider.HistoryPages = 50
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.SES.ContactListName == "" {
		cfg.SES.ContactListName = strings.ReplaceAll(strings.ToLower(cfg.Drip.AudienceName), " ", "-")
	}
	if cfg.ContactStore.PageSize == 0 {
		cfg.ContactStore.PageSize = 100
	}
	if cfg.ContactStore.TimeoutSeconds == 0 {
		cfg.ContactStore.TimeoutSeconds = 20
	}
	if cfg.ContactStore.MaxOpenConns == 0 {
		cfg.ContactStore.MaxOpenConns = 5
	}
	if cfg.Progress.Type == "" {
		cfg.Progress.Type = "file"
	}
	if cfg.Progress.Path == "" {
		cfg.Progress.Path = "_lead_drip_state.json"
	}
	if cfg.Progress.S3Key == "" {
		cfg.Progress.S3Key = "lead-drip/state.json"
	}
	if cfg.Progress.AWSRegion == "" {
		cfg.Progress.AWSRegion = cfg.SES.Region
	}
	if cfg.Redis.LockTTLSeconds == 0 {
		cfg.Redis.LockTTLSeconds = 1800
	}
	if cfg.Metrics.Job == "" {
		cfg.Metrics.Job = "lead_drip"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialIntervalMillis == 0 {
		cfg.Retry.InitialIntervalMillis = 500
	}
	if cfg.Retry.MaxIntervalMillis == 0 {
		cfg.Retry.MaxIntervalMillis = 10000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in the cron container.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("RESEND_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("RESEND_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("DRIP_PROVIDER"); v != "" {
		cfg.Provider.Type = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.ContactStore.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("DRIP_STATE_BUCKET"); v != "" {
		cfg.Progress.S3Bucket = v
		cfg.Progress.Type = "s3"
	}
	if v := os.Getenv("DRIP_STATE_PATH"); v != "" {
		cfg.Progress.Path = v
	}
	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		cfg.Metrics.PushgatewayURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}

// Validate reports every missing credential or malformed setting at once.
// The run must not start sending when Validate fails.
func (c *Config) Validate() error {
	var problems []string

	switch c.Provider.Type {
	case "resend":
		if c.Provider.APIKey == "" {
			problems = append(problems, "provider.api_key (RESEND_API_KEY) is required")
		}
	case "ses":
		if c.SES.AccessKey == "" || c.SES.SecretKey == "" {
			problems = append(problems, "ses.access_key and ses.secret_key are required")
		}
	default:
		problems = append(problems, fmt.Sprintf("provider.type %q is not one of resend, ses", c.Provider.Type))
	}

	if c.ContactStore.DatabaseURL == "" {
		problems = append(problems, "contact_store.database_url (DATABASE_URL) is required")
	}

	switch c.Progress.Type {
	case "file":
	case "s3":
		if c.Progress.S3Bucket == "" {
			problems = append(problems, "progress.s3_bucket is required for s3 progress store")
		}
	default:
		problems = append(problems, fmt.Sprintf("progress.type %q is not one of file, s3", c.Progress.Type))
	}

	if c.Drip.MaxSendsPerRun < 0 || c.Drip.MaxSendsPerStagePerRun < 0 {
		problems = append(problems, "drip caps must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
