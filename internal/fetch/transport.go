// Package fetch executes single fetch attempts: it applies the anti-bot
// decision, drives one of the transports, classifies the outcome into the
// error taxonomy and records an append-only attempt.
package fetch

import (
	"context"
	"net/http"
	"time"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

// Request describes one outbound fetch.
type Request struct {
	URL       string
	UserAgent string
	Headers   http.Header
	ProxyURL  string
	Timeout   time.Duration
}

// Response is the raw transport result.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Transport fetches a single URL. Implementations are stateless per request
// and safe for concurrent use.
type Transport interface {
	Mode() engine.TransportMode
	Fetch(ctx context.Context, req Request) (Response, error)
}
