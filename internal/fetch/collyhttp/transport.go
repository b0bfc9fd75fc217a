// Package collyhttp implements the plain-HTTP transport on the Colly
// collector.
package collyhttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
	"github.com/sax3l/sparkling-owl-spin/internal/fetch"
)

// Transport fetches over HTTP using a fresh Colly collector per request.
// Robots enforcement happens in the frontier, so the collector never probes
// robots.txt on its own.
type Transport struct {
	base *colly.Collector
}

// New builds a Transport.
func New() *Transport {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	return &Transport{base: c}
}

// Mode reports the transport mode this implementation serves.
func (t *Transport) Mode() engine.TransportMode {
	return engine.TransportHTTP
}

// Fetch executes a single GET. Each call clones the base collector so proxy
// and header settings never leak between requests.
func (t *Transport) Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error) {
	collector := t.base.Clone()
	collector.IgnoreRobotsTxt = true
	if req.UserAgent != "" {
		collector.UserAgent = req.UserAgent
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	transport, err := httpTransport(req.ProxyURL)
	if err != nil {
		return fetch.Response{}, err
	}
	collector.WithTransport(transport)

	var (
		result   fetch.Response
		fetchErr error
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = fetch.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil && r.StatusCode > 0 {
			// Non-2xx bodies still matter: they carry challenge markup.
			result = fetch.Response{
				URL:        req.URL,
				StatusCode: r.StatusCode,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			if r.Headers != nil {
				result.Headers = r.Headers.Clone()
			}
			if r.Request != nil && r.Request.URL != nil {
				result.URL = r.Request.URL.String()
			}
			fetchErr = nil
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(req.URL)
	}()

	select {
	case <-ctx.Done():
		return fetch.Response{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case visitErr := <-done:
		if fetchErr != nil {
			return fetch.Response{Duration: time.Since(start)}, fetchErr
		}
		if result.StatusCode == 0 && visitErr != nil {
			return fetch.Response{Duration: time.Since(start)}, visitErr
		}
		if result.Headers == nil {
			result.Headers = http.Header{}
		}
		return result, nil
	}
}

func httpTransport(proxyURL string) (*http.Transport, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return transport, nil
}
