// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Source  SourceConfig  `mapstructure:"source"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Session SessionConfig `mapstructure:"session"`
	Browser BrowserConfig `mapstructure:"browser"`
	DB      DBConfig      `mapstructure:"db"`
	Archive ArchiveConfig `mapstructure:"archive"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SourceConfig identifies the upstream question/answer service.
type SourceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	PageSize       int    `mapstructure:"page_size"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CrawlConfig governs the dispatch controller and fetch engine.
type CrawlConfig struct {
	Workers             int     `mapstructure:"workers"`
	MaxPagesPerTarget   int     `mapstructure:"max_pages_per_target"`
	MaxRetries          int     `mapstructure:"max_retries"`
	MaxTargetRetries    int     `mapstructure:"max_target_retries"`
	BackoffInitialMs    int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int     `mapstructure:"backoff_max_ms"`
	SoftBlockEscalate   int     `mapstructure:"soft_block_escalate"`
	SoftBlockRateWindow int     `mapstructure:"soft_block_rate_window"`
	SoftBlockRateLimit  float64 `mapstructure:"soft_block_rate_limit"`
}

// SessionConfig governs the credential pool.
type SessionConfig struct {
	DBPath           string `mapstructure:"db_path"`
	LowWater         int    `mapstructure:"low_water"`
	MaxPool          int    `mapstructure:"max_pool"`
	DegradeAfter     int    `mapstructure:"degrade_after"`
	RetireAfter      int    `mapstructure:"retire_after"`
	MaxAgeMinutes    int    `mapstructure:"max_age_minutes"`
	MintTimeoutSec   int    `mapstructure:"mint_timeout_seconds"`
	MintFailureLimit int    `mapstructure:"mint_failure_limit"`
	MintRetrySec     int    `mapstructure:"mint_retry_seconds"`
}

// BrowserConfig configures the headless browser subsystem used for
// credential minting and the heavy fallback path.
type BrowserConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	ExtractScript string `mapstructure:"extract_script"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ArchiveConfig sets paths and content types for raw payload archival.
type ArchiveConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QACRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("source.page_size", 20)
	v.SetDefault("source.timeout_seconds", 15)
	v.SetDefault("source.user_agent", "qacrawl/0.1")
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.max_pages_per_target", 500)
	v.SetDefault("crawl.max_retries", 3)
	v.SetDefault("crawl.max_target_retries", 3)
	v.SetDefault("crawl.backoff_initial_ms", 250)
	v.SetDefault("crawl.backoff_max_ms", 5000)
	v.SetDefault("crawl.soft_block_escalate", 3)
	v.SetDefault("crawl.soft_block_rate_window", 50)
	v.SetDefault("crawl.soft_block_rate_limit", 0.5)
	v.SetDefault("session.db_path", "session_pool.db")
	v.SetDefault("session.low_water", 2)
	v.SetDefault("session.max_pool", 20)
	v.SetDefault("session.degrade_after", 3)
	v.SetDefault("session.retire_after", 8)
	v.SetDefault("session.max_age_minutes", 60)
	v.SetDefault("session.mint_timeout_seconds", 60)
	v.SetDefault("session.mint_failure_limit", 3)
	v.SetDefault("session.mint_retry_seconds", 30)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.max_parallel", 1)
	v.SetDefault("browser.nav_timeout_seconds", 25)
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "application/json")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url must be set")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.MaxPagesPerTarget <= 0 {
		return fmt.Errorf("crawl.max_pages_per_target must be > 0")
	}
	if c.Crawl.SoftBlockEscalate <= 0 {
		return fmt.Errorf("crawl.soft_block_escalate must be > 0")
	}
	if c.Session.LowWater < 0 {
		return fmt.Errorf("session.low_water must be >= 0")
	}
	if c.Session.DegradeAfter <= 0 || c.Session.RetireAfter <= 0 {
		return fmt.Errorf("session degrade/retire thresholds must be > 0")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when browser is enabled")
	}
	return nil
}

// SourceTimeout converts the configured source timeout into a duration.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}

// SessionMaxAge converts the configured credential age limit into a duration.
func (c Config) SessionMaxAge() time.Duration {
	return time.Duration(c.Session.MaxAgeMinutes) * time.Minute
}
