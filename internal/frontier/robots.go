package frontier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// RobotsPolicy answers whether a URL may be fetched and what crawl delay the
// host requests.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
	Delay(ctx context.Context, host string) time.Duration
}

// robotsCacheSize bounds the per-host rules cache.
const robotsCacheSize = 512

// RobotsEnforcer fetches and caches robots.txt per host and enforces
// Allow/Disallow precedence and crawl-delay directives.
type RobotsEnforcer struct {
	client    *http.Client
	cache     *lru.Cache[string, *robotstxt.RobotsData]
	userAgent string
	logger    *zap.Logger
}

// NewRobotsPolicy builds a robots policy respecting the config toggle.
func NewRobotsPolicy(respect bool, userAgent string, logger *zap.Logger) (RobotsPolicy, error) {
	if !respect {
		return &allowAllPolicy{}, nil
	}
	cache, err := lru.New[string, *robotstxt.RobotsData](robotsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("build robots cache: %w", err)
	}
	return &RobotsEnforcer{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache:     cache,
		userAgent: userAgent,
		logger:    logger,
	}, nil
}

// Allowed implements RobotsPolicy.
func (r *RobotsEnforcer) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data, err := r.load(ctx, parsed)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.Path)
}

// Delay returns the crawl-delay directive for a host, zero when absent.
func (r *RobotsEnforcer) Delay(ctx context.Context, host string) time.Duration {
	parsed := &url.URL{Scheme: "https", Host: host}
	data, err := r.load(ctx, parsed)
	if err != nil {
		return 0
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (r *RobotsEnforcer) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Host)
	if data, ok := r.cache.Get(hostKey); ok {
		return data, nil
	}

	robotsURL := *parsed
	robotsURL.Path = path.Join("/", "robots.txt")
	robotsURL.RawQuery = ""
	robotsURL.Fragment = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	r.cache.Add(hostKey, data)
	return data, nil
}

type allowAllPolicy struct{}

func (a *allowAllPolicy) Allowed(context.Context, string) bool        { return true }
func (a *allowAllPolicy) Delay(context.Context, string) time.Duration { return 0 }
