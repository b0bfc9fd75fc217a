package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
scheduler:
  workers: 8
  default_rps: 2.5
  event_topic: jobs.done
fetch:
  user_agent: owl-agent
  timeout_seconds: 45
  persist_bodies: true
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 30
proxy_pool:
  max_concurrent_uses: 2
  failure_threshold: 3
antibot:
  status_threshold: 4
  cooldown_seconds: 120
storage:
  backend: postgres
  blob_backend: gcs
  gcs_bucket: raw-pages
db:
  dsn: postgres://owl@localhost/engine
pubsub:
  enabled: true
  project_id: owl-project
logging:
  development: false
standard_jobs:
  price-refresh:
    type: scrape
    domain: shop.example.test
    seed_urls:
      - https://shop.example.test/p/1
    template_id: product-v1
    priority: 7
    policy:
      max_retries: 2
      rps_per_domain: 0.5
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Scheduler.Workers != 8 || cfg.Scheduler.DefaultRPS != 2.5 {
		t.Fatalf("expected scheduler overrides to apply: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.EventTopic != "jobs.done" {
		t.Fatalf("expected event topic override, got %q", cfg.Scheduler.EventTopic)
	}
	if !cfg.Fetch.PersistBodies || cfg.Fetch.UserAgent != "owl-agent" {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if cfg.Storage.Backend != "postgres" || cfg.Storage.GCSBucket != "raw-pages" {
		t.Fatalf("expected storage overrides to apply: %+v", cfg.Storage)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Scheduler.BackoffInitialMs != 250 {
		t.Fatalf("expected default backoff, got %d", cfg.Scheduler.BackoffInitialMs)
	}
	if cfg.AntiBot.SignalWindowSec != 60 {
		t.Fatalf("expected default signal window, got %d", cfg.AntiBot.SignalWindowSec)
	}
	preset, ok := cfg.StandardJobs["price-refresh"]
	if !ok {
		t.Fatalf("expected standard job to be loaded: %+v", cfg.StandardJobs)
	}
	if preset.Type != "scrape" || preset.TemplateID != "product-v1" || preset.Policy.MaxRetries != 2 {
		t.Fatalf("unexpected preset: %+v", preset)
	}
}

func TestLoadDefaultsOnly(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Scheduler.Workers != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Storage.Backend != "memory" || cfg.Storage.BlobBackend != "memory" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero workers", func(c *Config) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "dynamo" }, "storage.backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "db.dsn"},
		{"local without dir", func(c *Config) { c.Storage.BlobBackend = "local" }, "storage.local_dir"},
		{"gcs without bucket", func(c *Config) { c.Storage.BlobBackend = "gcs" }, "storage.gcs_bucket"},
		{"pubsub without project", func(c *Config) { c.PubSub.Enabled = true }, "pubsub.project_id"},
		{"headless without parallelism", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"preset without domain", func(c *Config) {
			c.StandardJobs = map[string]JobPreset{"nightly": {Type: "crawl"}}
		}, "standard_jobs.nightly.domain"},
		{"preset with bad type", func(c *Config) {
			c.StandardJobs = map[string]JobPreset{"nightly": {Type: "sweep", Domain: "x.test"}}
		}, "standard_jobs.nightly.type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
