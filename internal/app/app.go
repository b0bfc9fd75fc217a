// Package app initializes and holds the long-lived engine services, acting
// as the dependency injection container behind the serve command.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/antibot"
	"github.com/sax3l/sparkling-owl-spin/internal/api"
	clocksystem "github.com/sax3l/sparkling-owl-spin/internal/clock/system"
	"github.com/sax3l/sparkling-owl-spin/internal/config"
	"github.com/sax3l/sparkling-owl-spin/internal/engine"
	eventsmemory "github.com/sax3l/sparkling-owl-spin/internal/events/memory"
	eventspubsub "github.com/sax3l/sparkling-owl-spin/internal/events/pubsub"
	"github.com/sax3l/sparkling-owl-spin/internal/extract"
	"github.com/sax3l/sparkling-owl-spin/internal/fetch"
	"github.com/sax3l/sparkling-owl-spin/internal/fetch/collyhttp"
	"github.com/sax3l/sparkling-owl-spin/internal/fetch/headless"
	"github.com/sax3l/sparkling-owl-spin/internal/hash/sha256"
	uuidgen "github.com/sax3l/sparkling-owl-spin/internal/id/uuid"
	"github.com/sax3l/sparkling-owl-spin/internal/logging"
	"github.com/sax3l/sparkling-owl-spin/internal/metrics"
	"github.com/sax3l/sparkling-owl-spin/internal/proxypool"
	"github.com/sax3l/sparkling-owl-spin/internal/scheduler"
	"github.com/sax3l/sparkling-owl-spin/internal/storage/gcs"
	"github.com/sax3l/sparkling-owl-spin/internal/storage/local"
	"github.com/sax3l/sparkling-owl-spin/internal/storage/memory"
	"github.com/sax3l/sparkling-owl-spin/internal/storage/postgres"
)

// App holds all shared, long-lived services. It is initialized once at
// startup and torn down by Close.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	pool      *proxypool.Pool
	prober    *proxypool.Prober
	antibot   *antibot.Engine
	scheduler *scheduler.Scheduler
	server    *api.Server

	pgStore      *postgres.Store
	pubsubClient *pubsub.Client
	publisher    engine.Publisher
}

// New builds the full service graph from configuration. It fails fast when
// any backend cannot be reached.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	m := metrics.New()
	clk := clocksystem.New()
	ids := uuidgen.NewGenerator()
	hasher := sha256.New()

	a := &App{cfg: cfg, logger: logger, metrics: m}

	var stores api.Stores
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pgStore = pg
		stores = api.Stores{Jobs: pg, Attempts: pg, Results: pg, Templates: pg}
	default:
		stores = api.Stores{
			Jobs:      memory.NewJobStore(clk),
			Attempts:  memory.NewAttemptStore(),
			Results:   memory.NewResultStore(),
			Templates: memory.NewTemplateStore(),
		}
	}

	var blobs engine.BlobStore
	switch cfg.Storage.BlobBackend {
	case "local":
		blobs, err = local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		blobs, err = gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
	default:
		blobs = memory.NewBlobStore()
	}

	if cfg.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.pubsubClient = client
		a.publisher, err = eventspubsub.New(client)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
	} else {
		a.publisher = eventsmemory.New()
	}

	a.pool = proxypool.New(proxypool.Config{
		MaxConcurrentUses: cfg.ProxyPool.MaxConcurrentUses,
		FailureThreshold:  cfg.ProxyPool.FailureThreshold,
		HealthAlpha:       cfg.ProxyPool.HealthAlpha,
	}, clk, ids, logger, m)
	if cfg.ProxyPool.ProbeIntervalSec > 0 && cfg.ProxyPool.ProbeURL != "" {
		a.prober = proxypool.NewProber(
			a.pool,
			proxypool.HTTPProbe(cfg.ProxyPool.ProbeURL, 10*time.Second),
			time.Duration(cfg.ProxyPool.ProbeIntervalSec)*time.Second,
			logger,
		)
	}

	a.antibot = antibot.New(antibot.Config{
		StatusThreshold: cfg.AntiBot.StatusThreshold,
		SignalWindow:    time.Duration(cfg.AntiBot.SignalWindowSec) * time.Second,
		Cooldown:        time.Duration(cfg.AntiBot.CooldownSec) * time.Second,
	}, antibot.NewStore(clk), logger, m)
	classifier := antibot.NewClassifier(time.Duration(cfg.AntiBot.LatencyAnomalyMs) * time.Millisecond)

	transports := []fetch.Transport{collyhttp.New()}
	if cfg.Headless.Enabled {
		browser, err := headless.New(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			SettleDelay:       time.Duration(cfg.Headless.SettleDelayMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless transport: %w", err)
		}
		transports = append(transports, browser)
	}

	executor := fetch.NewExecutor(fetch.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		DefaultTimeout: cfg.FetchTimeout(),
		PersistBodies:  cfg.Fetch.PersistBodies,
	}, transports, a.pool, classifier, a.antibot, stores.Attempts, blobs, clk, ids, logger, m)

	registry := extract.NewRegistry()
	runtime := extract.NewRuntime(registry, hasher, clk, m)

	limiter := scheduler.NewLimiter(scheduler.LimiterConfig{
		DefaultRPS:   cfg.Scheduler.DefaultRPS,
		DefaultBurst: cfg.Scheduler.DefaultBurst,
	}, m)

	pipeline := scheduler.NewPipeline(
		scheduler.PipelineConfig{UserAgent: cfg.Fetch.UserAgent, PoolID: ""},
		executor, a.pool, a.antibot, runtime, stores.Templates, stores.Results, limiter, clk, logger,
	)

	a.scheduler = scheduler.New(scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		Tick:           time.Duration(cfg.Scheduler.TickMs) * time.Millisecond,
		BackoffBase:    time.Duration(cfg.Scheduler.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Scheduler.BackoffMaxMs) * time.Millisecond,
		ExhaustedPause: time.Duration(cfg.Scheduler.ExhaustedPauseMs) * time.Millisecond,
		EventTopic:     cfg.Scheduler.EventTopic,
	}, stores.Jobs, pipeline, limiter, a.antibot, a.publisher, clk, logger, m)

	a.server = api.NewServer(a.scheduler, stores, a.pool, a.antibot, registry, ids, clk, cfg, m, logger)
	return a, nil
}

// Logger exposes the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler exposes the HTTP API for embedding and tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run starts the scheduler and the HTTP server and blocks until the context
// finishes or the server fails.
func (a *App) Run(ctx context.Context) error {
	go a.scheduler.Run(ctx)
	if a.prober != nil {
		go a.prober.Run(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.Int("port", a.cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// Close tears down backend connections and flushes the logger.
func (a *App) Close() {
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if p, ok := a.publisher.(*eventspubsub.Publisher); ok {
		p.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("close pubsub client", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
