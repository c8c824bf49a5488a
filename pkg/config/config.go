// Package config loads the application configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig holds one mailbox account's connection settings.
type AccountConfig struct {
	// Identity is the login name, usually the email address.
	Identity string `mapstructure:"identity" yaml:"identity"`
	Secret   string `mapstructure:"secret" yaml:"secret"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	// Security is "tls", "starttls", or "none".
	Security string `mapstructure:"security" yaml:"security"`
	Mailbox  string `mapstructure:"mailbox" yaml:"mailbox"`
}

// SyncConfig tunes the per-account sync behavior.
type SyncConfig struct {
	BackfillDays      int `mapstructure:"backfill_days" yaml:"backfill_days"`
	BatchSize         int `mapstructure:"batch_size" yaml:"batch_size"`
	PipelineInFlight  int `mapstructure:"pipeline_in_flight" yaml:"pipeline_in_flight"`
	IdleTimeoutMin    int `mapstructure:"idle_timeout_min" yaml:"idle_timeout_min"`
	IdleMarginSec     int `mapstructure:"idle_margin_sec" yaml:"idle_margin_sec"`
	ShutdownGraceSec  int `mapstructure:"shutdown_grace_sec" yaml:"shutdown_grace_sec"`
}

// BackfillWindow returns the backfill window as a duration.
func (s SyncConfig) BackfillWindow() time.Duration {
	return time.Duration(s.BackfillDays) * 24 * time.Hour
}

// IdleTimeout returns the assumed server idle timeout.
func (s SyncConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMin) * time.Minute
}

// IdleMargin returns the renewal safety margin.
func (s SyncConfig) IdleMargin() time.Duration {
	return time.Duration(s.IdleMarginSec) * time.Second
}

// ShutdownGrace returns the bounded grace period for shutdown.
func (s SyncConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceSec) * time.Second
}

// ElasticsearchConfig points at the indexing capability.
type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses" yaml:"addresses"`
	Index     string   `mapstructure:"index" yaml:"index"`
}

// GeminiConfig points at the classification capability.
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	Model  string `mapstructure:"model" yaml:"model"`
}

// WebhookConfig points at the notification targets. Empty URLs disable the
// corresponding target.
type WebhookConfig struct {
	SlackURL   string `mapstructure:"slack_url" yaml:"slack_url"`
	GenericURL string `mapstructure:"generic_url" yaml:"generic_url"`
}

// CursorConfig locates the cursor database.
type CursorConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// Sanitized masks email addresses and subjects in logs.
	Sanitized bool `mapstructure:"sanitized" yaml:"sanitized"`
}

// Config is the top-level application configuration.
type Config struct {
	Accounts      []AccountConfig     `mapstructure:"accounts" yaml:"accounts"`
	Sync          SyncConfig          `mapstructure:"sync" yaml:"sync"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch" yaml:"elasticsearch"`
	Gemini        GeminiConfig        `mapstructure:"gemini" yaml:"gemini"`
	Webhooks      WebhookConfig       `mapstructure:"webhooks" yaml:"webhooks"`
	Cursor        CursorConfig        `mapstructure:"cursor" yaml:"cursor"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
}

// Load reads configuration from the given YAML file. Environment variables
// prefixed with ONEBOX_ override file values (ONEBOX_GEMINI_API_KEY etc.).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("onebox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].Port == 0 {
			cfg.Accounts[i].Port = 993
		}
		if cfg.Accounts[i].Security == "" {
			cfg.Accounts[i].Security = "tls"
		}
		if cfg.Accounts[i].Mailbox == "" {
			cfg.Accounts[i].Mailbox = "INBOX"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sync.backfill_days", 30)
	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.pipeline_in_flight", 3)
	v.SetDefault("sync.idle_timeout_min", 30)
	v.SetDefault("sync.idle_margin_sec", 60)
	v.SetDefault("sync.shutdown_grace_sec", 10)
	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.index", "emails")
	v.SetDefault("gemini.model", "gemini-pro")
	v.SetDefault("cursor.path", "onebox-cursors.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.sanitized", false)
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("config: at least one account is required")
	}
	for i, acct := range c.Accounts {
		if acct.Identity == "" {
			return fmt.Errorf("config: accounts[%d] is missing identity", i)
		}
		if acct.Host == "" {
			return fmt.Errorf("config: accounts[%d] (%s) is missing host", i, acct.Identity)
		}
		switch acct.Security {
		case "tls", "starttls", "none":
		default:
			return fmt.Errorf("config: accounts[%d] (%s) has invalid security mode %q", i, acct.Identity, acct.Security)
		}
	}
	return nil
}
