// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	ProxyPool ProxyPoolConfig `mapstructure:"proxy_pool"`
	AntiBot   AntiBotConfig   `mapstructure:"antibot"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// StandardJobs are named job presets operators can submit by name.
	StandardJobs map[string]JobPreset `mapstructure:"standard_jobs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs the worker pool and dispatch behavior.
type SchedulerConfig struct {
	Workers          int     `mapstructure:"workers"`
	TickMs           int     `mapstructure:"tick_ms"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	ExhaustedPauseMs int     `mapstructure:"exhausted_pause_ms"`
	DefaultRPS       float64 `mapstructure:"default_rps"`
	DefaultBurst     int     `mapstructure:"default_burst"`
	EventTopic       string  `mapstructure:"event_topic"`
}

// FetchConfig configures the fetch executor.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	PersistBodies  bool   `mapstructure:"persist_bodies"`
}

// HeadlessConfig configures the browser rendering transport.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs int  `mapstructure:"settle_delay_ms"`
}

// ProxyPoolConfig tunes proxy selection and health scoring.
type ProxyPoolConfig struct {
	MaxConcurrentUses int     `mapstructure:"max_concurrent_uses"`
	FailureThreshold  int     `mapstructure:"failure_threshold"`
	HealthAlpha       float64 `mapstructure:"health_alpha"`
	ProbeIntervalSec  int     `mapstructure:"probe_interval_seconds"`
	ProbeURL          string  `mapstructure:"probe_url"`
}

// AntiBotConfig tunes detection escalation.
type AntiBotConfig struct {
	StatusThreshold  int `mapstructure:"status_threshold"`
	SignalWindowSec  int `mapstructure:"signal_window_seconds"`
	CooldownSec      int `mapstructure:"cooldown_seconds"`
	LatencyAnomalyMs int `mapstructure:"latency_anomaly_ms"`
}

// StorageConfig selects store backends and blob placement.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`      // memory | postgres
	BlobBackend string `mapstructure:"blob_backend"` // memory | local | gcs
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeSec int    `mapstructure:"conn_lifetime_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// JobPreset is a reusable job definition submitted via the standard-jobs
// endpoint. Field meanings match ad-hoc job submission.
type JobPreset struct {
	Type            string       `mapstructure:"type"`
	Domain          string       `mapstructure:"domain"`
	SeedURLs        []string     `mapstructure:"seed_urls"`
	TemplateID      string       `mapstructure:"template_id"`
	TemplateVersion int          `mapstructure:"template_version"`
	Priority        int          `mapstructure:"priority"`
	Policy          PolicyPreset `mapstructure:"policy"`
}

// PolicyPreset mirrors the per-job policy options.
type PolicyPreset struct {
	Transport     string  `mapstructure:"transport"`
	MaxRetries    int     `mapstructure:"max_retries"`
	RPSPerDomain  float64 `mapstructure:"rps_per_domain"`
	RespectRobots bool    `mapstructure:"respect_robots"`
	MaxDepth      int     `mapstructure:"max_depth"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OWL")
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
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.tick_ms", 50)
	v.SetDefault("scheduler.backoff_initial_ms", 250)
	v.SetDefault("scheduler.backoff_max_ms", 30000)
	v.SetDefault("scheduler.exhausted_pause_ms", 2000)
	v.SetDefault("scheduler.default_rps", 1)
	v.SetDefault("scheduler.default_burst", 1)
	v.SetDefault("scheduler.event_topic", "jobs.terminal")
	v.SetDefault("fetch.user_agent", "sparkling-owl/0.1")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.persist_bodies", false)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_delay_ms", 500)
	v.SetDefault("proxy_pool.max_concurrent_uses", 4)
	v.SetDefault("proxy_pool.failure_threshold", 5)
	v.SetDefault("proxy_pool.health_alpha", 0.3)
	v.SetDefault("proxy_pool.probe_interval_seconds", 0)
	v.SetDefault("antibot.status_threshold", 2)
	v.SetDefault("antibot.signal_window_seconds", 60)
	v.SetDefault("antibot.cooldown_seconds", 300)
	v.SetDefault("antibot.latency_anomaly_ms", 10000)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.blob_backend", "memory")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
	}
	switch c.Storage.BlobBackend {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("storage.blob_backend must be memory, local or gcs, got %q", c.Storage.BlobBackend)
	}
	if c.Storage.BlobBackend == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set when storage.blob_backend is local")
	}
	if c.Storage.BlobBackend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.blob_backend is gcs")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	for name, preset := range c.StandardJobs {
		if preset.Domain == "" {
			return fmt.Errorf("standard_jobs.%s.domain must be set", name)
		}
		switch preset.Type {
		case "crawl", "scrape", "export-trigger":
		default:
			return fmt.Errorf("standard_jobs.%s.type must be crawl, scrape or export-trigger, got %q", name, preset.Type)
		}
		switch preset.Policy.Transport {
		case "", "auto", "http", "browser":
		default:
			return fmt.Errorf("standard_jobs.%s.policy.transport must be auto, http or browser, got %q", name, preset.Policy.Transport)
		}
	}
	return nil
}

// FetchTimeout converts the configured fetch timeout to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
