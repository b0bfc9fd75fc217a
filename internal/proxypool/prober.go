package proxypool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

// ProbeFunc checks whether a failed proxy can carry traffic again.
type ProbeFunc func(ctx context.Context, rec engine.ProxyRecord) error

// Prober periodically re-checks failed proxies and returns survivors to
// rotation.
type Prober struct {
	pool     *Pool
	probe    ProbeFunc
	interval time.Duration
	logger   *zap.Logger
}

// NewProber constructs a Prober.
func NewProber(pool *Pool, probe ProbeFunc, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		pool:     pool,
		probe:    probe,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks, probing on a fixed interval until the context finishes.
func (pr *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(pr.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pr.sweep(ctx)
		}
	}
}

// sweep probes every failed proxy once.
func (pr *Prober) sweep(ctx context.Context) {
	for _, rec := range pr.pool.failedRecords() {
		if err := pr.probe(ctx, rec); err != nil {
			pr.logger.Debug("health probe failed",
				zap.String("proxy_id", rec.ID),
				zap.String("host", rec.Host),
				zap.Error(err),
			)
			continue
		}
		pr.pool.reactivate(rec.ID)
		pr.logger.Info("proxy reactivated after successful probe",
			zap.String("proxy_id", rec.ID),
			zap.String("host", rec.Host),
		)
	}
}

// HTTPProbe returns a ProbeFunc that issues a GET against a cheap fixed
// endpoint through the proxy.
func HTTPProbe(endpoint string, timeout time.Duration) ProbeFunc {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(ctx context.Context, rec engine.ProxyRecord) error {
		proxyURL, err := url.Parse(rec.URL())
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client := &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("new probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("probe status %d", resp.StatusCode)
		}
		return nil
	}
}
