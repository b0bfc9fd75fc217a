// Package frontier maintains the set of discovered-but-unfetched URLs for a
// crawl scope: dedup on canonical form, allowed-domain and depth limits, and
// robots exclusion.
package frontier

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

// Order selects the traversal discipline.
type Order string

// Traversal orders. Breadth-first is the default; depth-first is a policy
// choice exposed to callers.
const (
	OrderBFS Order = "bfs"
	OrderDFS Order = "dfs"
)

// Config controls the frontier's admission rules.
type Config struct {
	AllowedDomains []string
	MaxDepth       int
	Order          Order
}

// Frontier owns UrlRecord creation and dedup within one crawl scope.
type Frontier struct {
	mu     sync.Mutex
	cfg    Config
	robots RobotsPolicy
	clock  engine.Clock
	logger *zap.Logger
	seen   map[string]struct{}
	queue  []engine.UrlRecord
}

// New constructs a Frontier.
func New(cfg Config, robots RobotsPolicy, clock engine.Clock, logger *zap.Logger) *Frontier {
	if cfg.Order == "" {
		cfg.Order = OrderBFS
	}
	if robots == nil {
		robots = &allowAllPolicy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		cfg:    cfg,
		robots: robots,
		clock:  clock,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// Seed admits starting URLs at depth zero. Seeds bypass the depth limit but
// not dedup, domain or robots rules.
func (f *Frontier) Seed(ctx context.Context, urls []string) int {
	return f.admit(ctx, urls, 0)
}

// Discovered admits links found on a fetched page at the parent's depth plus
// one. Links outside the allowed domains, beyond the depth limit, disallowed
// by robots, or already seen are dropped.
func (f *Frontier) Discovered(ctx context.Context, from engine.UrlRecord, links []string) int {
	depth := from.Depth + 1
	if f.cfg.MaxDepth > 0 && depth > f.cfg.MaxDepth {
		return 0
	}
	return f.admit(ctx, links, depth)
}

// Next pops the next URL to fetch. The boolean is false when the frontier is
// empty.
func (f *Frontier) Next() (engine.UrlRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.queue) == 0 {
		return engine.UrlRecord{}, false
	}
	var rec engine.UrlRecord
	if f.cfg.Order == OrderDFS {
		rec = f.queue[len(f.queue)-1]
		f.queue = f.queue[:len(f.queue)-1]
	} else {
		rec = f.queue[0]
		f.queue = f.queue[1:]
	}
	return rec, true
}

// Len reports the number of pending URLs.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// CrawlDelay surfaces the robots crawl-delay directive for a host.
func (f *Frontier) CrawlDelay(ctx context.Context, host string) time.Duration {
	return f.robots.Delay(ctx, host)
}

func (f *Frontier) admit(ctx context.Context, urls []string, depth int) int {
	admitted := 0
	for _, raw := range urls {
		canonical, err := engine.CanonicalURL(raw)
		if err != nil {
			f.logger.Debug("dropping unparseable url", zap.String("url", raw), zap.Error(err))
			continue
		}
		parsed, err := url.Parse(canonical)
		if err != nil {
			continue
		}
		host := parsed.Hostname()
		if !f.domainAllowed(host) {
			continue
		}
		if !f.robots.Allowed(ctx, canonical) {
			f.logger.Debug("dropping robots-disallowed url", zap.String("url", canonical))
			continue
		}

		f.mu.Lock()
		if _, dup := f.seen[canonical]; dup {
			f.mu.Unlock()
			continue
		}
		f.seen[canonical] = struct{}{}
		f.queue = append(f.queue, engine.UrlRecord{
			Canonical:    canonical,
			Host:         host,
			Depth:        depth,
			DiscoveredAt: f.clock.Now(),
		})
		f.mu.Unlock()
		admitted++
	}
	return admitted
}

// domainAllowed accepts exact matches and subdomains of the configured
// domains; an empty allowlist accepts everything.
func (f *Frontier) domainAllowed(host string) bool {
	if len(f.cfg.AllowedDomains) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, domain := range f.cfg.AllowedDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
