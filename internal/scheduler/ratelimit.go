package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sax3l/sparkling-owl-spin/internal/metrics"
)

// LimiterConfig holds per-domain rate limit defaults.
type LimiterConfig struct {
	DefaultRPS   float64
	DefaultBurst int
}

// Limiter manages per-domain token buckets. Job policies may override the
// rate for their domain; the override sticks for the domain's lifetime.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	metrics      *metrics.Metrics
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg LimiterConfig, m *metrics.Metrics) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		metrics:      m,
	}
}

// SetRate overrides the rate for one domain.
func (l *Limiter) SetRate(domain string, rps float64) {
	if rps <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[domain]; ok {
		limiter.SetLimit(rate.Limit(rps))
		return
	}
	l.limiters[domain] = rate.NewLimiter(rate.Limit(rps), l.defaultBurst)
}

// Allow reports whether the domain has a token available right now. It is
// the non-blocking admission check used by the dispatch loop.
func (l *Limiter) Allow(domain string) bool {
	return l.limiter(domain).Allow()
}

// Wait blocks until a token is available for the domain.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	start := time.Now()
	if err := l.limiter(domain).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", domain, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		l.metrics.ObserveRateLimitWait(domain, waited)
	}
	return nil
}

func (l *Limiter) limiter(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	return limiter
}
