package engine

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// UrlRecord tracks one discovered URL inside a crawl scope. Creation and
// dedup are owned by the frontier; the canonical form is the dedup key.
type UrlRecord struct {
	Canonical     string     `json:"canonical"`
	Host          string     `json:"host"`
	Depth         int        `json:"depth"`
	DiscoveredAt  time.Time  `json:"discovered_at"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	ETag          string     `json:"etag,omitempty"`
	LastModified  string     `json:"last_modified,omitempty"`
	TemplateHint  string     `json:"template_hint,omitempty"`
}

// CanonicalURL normalizes a URL to a single comparable form for dedup.
// It lowercases the scheme and host, strips default ports and fragments, and
// sorts query parameters.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	// Encode sorts query keys, collapsing order-only differences. A bare
	// trailing "?" sets ForceQuery on parse; clearing it keeps "/a?" and
	// "/a" on the same key.
	q := u.Query()
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	return u.String(), nil
}
