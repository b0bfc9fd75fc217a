package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/antibot"
	"github.com/sax3l/sparkling-owl-spin/internal/engine"
	"github.com/sax3l/sparkling-owl-spin/internal/metrics"
	"github.com/sax3l/sparkling-owl-spin/internal/proxypool"
)

// DetectionSink receives the signals a fetch produced so the per-domain
// detection level can react to them.
type DetectionSink interface {
	Observe(domain string, sig antibot.Signal) antibot.Level
}

// Config controls executor behavior.
type Config struct {
	UserAgent      string
	DefaultTimeout time.Duration
	// PersistBodies stores successful raw bodies in the blob store.
	PersistBodies bool
}

// Executor runs single fetch attempts. It owns the attempt audit trail:
// every call produces exactly one FetchAttempt, success or not.
type Executor struct {
	cfg        Config
	transports map[engine.TransportMode]Transport
	pool       *proxypool.Pool
	classifier *antibot.Classifier
	detector   DetectionSink
	attempts   engine.AttemptStore
	blobs      engine.BlobStore
	clock      engine.Clock
	ids        engine.IDGenerator
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewExecutor constructs an Executor. The blob store may be nil, in which
// case raw bodies are not persisted.
func NewExecutor(
	cfg Config,
	transports []Transport,
	pool *proxypool.Pool,
	classifier *antibot.Classifier,
	detector DetectionSink,
	attempts engine.AttemptStore,
	blobs engine.BlobStore,
	clock engine.Clock,
	ids engine.IDGenerator,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Executor {
	byMode := make(map[engine.TransportMode]Transport, len(transports))
	for _, t := range transports {
		byMode[t.Mode()] = t
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:        cfg,
		transports: byMode,
		pool:       pool,
		classifier: classifier,
		detector:   detector,
		attempts:   attempts,
		blobs:      blobs,
		clock:      clock,
		ids:        ids,
		logger:     logger,
		metrics:    m,
	}
}

// Fetch performs one attempt against rawURL through the reserved proxy,
// honoring the anti-bot decision. The handle is always released before
// returning, and an attempt record is always written, even on failure.
func (e *Executor) Fetch(
	ctx context.Context,
	jobID, rawURL string,
	handle *proxypool.Handle,
	decision antibot.Decision,
) (engine.FetchContent, engine.FetchAttempt, error) {
	attempt := engine.FetchAttempt{
		JobID:     jobID,
		URL:       rawURL,
		Transport: decision.Transport,
		StartedAt: e.clock.Now(),
	}
	if id, err := e.ids.NewID(); err == nil {
		attempt.ID = id
	}
	if handle != nil {
		attempt.ProxyID = handle.ProxyID
	}

	domain, err := domainOf(rawURL)
	if err != nil {
		e.pool.Release(handle, proxypool.Outcome{Skipped: true})
		return engine.FetchContent{}, e.finish(ctx, attempt, err), err
	}

	if decision.Suspend {
		// The domain is blocked; the proxy was never exercised, so the
		// slot comes back without a health sample.
		e.pool.Release(handle, proxypool.Outcome{Skipped: true})
		err := fmt.Errorf("domain %s: %w", domain, engine.ErrFetchBlocked)
		return engine.FetchContent{}, e.finish(ctx, attempt, err), err
	}

	if err := e.applyDelay(ctx, decision.Delay); err != nil {
		e.pool.Release(handle, proxypool.Outcome{Skipped: true})
		return engine.FetchContent{}, e.finish(ctx, attempt, err), err
	}

	transport, ok := e.transports[decision.Transport]
	if !ok {
		e.pool.Release(handle, proxypool.Outcome{Skipped: true})
		err := fmt.Errorf("no transport registered for mode %q", decision.Transport)
		return engine.FetchContent{}, e.finish(ctx, attempt, err), err
	}

	req := Request{
		URL:       rawURL,
		UserAgent: e.cfg.UserAgent,
		Headers:   ProfileHeaders(decision.HeaderProfile),
		Timeout:   e.cfg.DefaultTimeout,
	}
	if handle != nil {
		req.ProxyURL = handle.Record.URL()
	}

	resp, fetchErr := transport.Fetch(ctx, req)
	attempt.FinishedAt = e.clock.Now()
	attempt.DurationMs = resp.Duration.Milliseconds()

	if fetchErr != nil {
		classified := classifyError(fetchErr)
		attempt.Error = classified.Error()
		e.pool.Release(handle, proxypool.Outcome{Success: false, StatusCode: resp.StatusCode, Duration: resp.Duration})
		e.metrics.ObserveFetch(string(decision.Transport), "error", domain, resp.Duration, 0)
		e.record(ctx, attempt)
		return engine.FetchContent{}, attempt, classified
	}

	attempt.StatusCode = resp.StatusCode
	attempt.Bytes = int64(len(resp.Body))

	signals := e.classifier.Classify(resp.StatusCode, resp.Body, resp.Duration)
	attempt.Detection = strongestSignal(signals)
	for _, sig := range signals {
		e.detector.Observe(domain, sig)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := error(&engine.HTTPError{StatusCode: resp.StatusCode})
		if hasStrongSignal(signals) {
			httpErr = fmt.Errorf("%s: %w", httpErr.Error(), engine.ErrFetchBlocked)
		}
		attempt.Error = httpErr.Error()
		e.pool.Release(handle, proxypool.Outcome{Success: false, StatusCode: resp.StatusCode, Duration: resp.Duration})
		e.metrics.ObserveFetch(string(decision.Transport), "http_error", domain, resp.Duration, attempt.Bytes)
		e.record(ctx, attempt)
		return engine.FetchContent{}, attempt, httpErr
	}

	if hasStrongSignal(signals) {
		// A 2xx challenge page is still a blocked fetch: the body is not
		// the requested content.
		err := fmt.Errorf("challenge interstitial on %s: %w", domain, engine.ErrFetchBlocked)
		attempt.Error = err.Error()
		e.pool.Release(handle, proxypool.Outcome{Success: false, StatusCode: resp.StatusCode, Duration: resp.Duration})
		e.metrics.ObserveFetch(string(decision.Transport), "blocked", domain, resp.Duration, attempt.Bytes)
		e.record(ctx, attempt)
		return engine.FetchContent{}, attempt, err
	}

	e.pool.Release(handle, proxypool.Outcome{Success: true, StatusCode: resp.StatusCode, Duration: resp.Duration})
	e.metrics.ObserveFetch(string(decision.Transport), "success", domain, resp.Duration, attempt.Bytes)

	if e.cfg.PersistBodies && e.blobs != nil {
		e.persistBody(ctx, &attempt, resp)
	}

	e.record(ctx, attempt)

	content := engine.FetchContent{
		URL:          resp.URL,
		Body:         resp.Body,
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Headers.Get("Content-Type"),
		ETag:         resp.Headers.Get("Etag"),
		LastModified: resp.Headers.Get("Last-Modified"),
	}
	if content.URL == "" {
		content.URL = rawURL
	}
	return content, attempt, nil
}

func (e *Executor) persistBody(ctx context.Context, attempt *engine.FetchAttempt, resp Response) {
	path := fmt.Sprintf("raw/%s/%s.html", attempt.JobID, attempt.ID)
	uri, err := e.blobs.PutObject(ctx, path, resp.Headers.Get("Content-Type"), resp.Body)
	if err != nil {
		e.logger.Warn("persist raw body failed",
			zap.String("job_id", attempt.JobID),
			zap.String("url", attempt.URL),
			zap.Error(err),
		)
		return
	}
	attempt.BlobURI = uri
}

// finish stamps and records a pre-transport failure.
func (e *Executor) finish(ctx context.Context, attempt engine.FetchAttempt, err error) engine.FetchAttempt {
	attempt.FinishedAt = e.clock.Now()
	attempt.Error = err.Error()
	e.record(ctx, attempt)
	return attempt
}

func (e *Executor) record(ctx context.Context, attempt engine.FetchAttempt) {
	if err := e.attempts.RecordAttempt(ctx, attempt); err != nil {
		e.logger.Error("record fetch attempt failed",
			zap.String("job_id", attempt.JobID),
			zap.String("url", attempt.URL),
			zap.Error(err),
		)
	}
}

func (e *Executor) applyDelay(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delay wait: %w", ctx.Err())
	}
}

// classifyError maps transport failures onto the error taxonomy.
func classifyError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%v: %w", err, engine.ErrFetchTimeout)
	case errors.Is(err, context.Canceled):
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%v: %w", err, engine.ErrFetchTimeout)
	}
	return fmt.Errorf("%v: %w", err, engine.ErrFetchConnection)
}

// strongestSignal picks the label recorded on the attempt.
func strongestSignal(signals []antibot.Signal) string {
	rank := func(kind antibot.SignalKind) int {
		switch kind {
		case antibot.SignalCaptcha:
			return 3
		case antibot.SignalChallengePage:
			return 2
		case antibot.SignalHTTPStatus:
			return 1
		default:
			return 0
		}
	}
	best := ""
	bestRank := -1
	for _, sig := range signals {
		if r := rank(sig.Kind); r > bestRank {
			best = string(sig.Kind)
			bestRank = r
		}
	}
	return best
}

// hasStrongSignal reports whether the response carried challenge or CAPTCHA
// markup, which makes the body unusable regardless of status code.
func hasStrongSignal(signals []antibot.Signal) bool {
	for _, sig := range signals {
		if sig.Kind == antibot.SignalChallengePage || sig.Kind == antibot.SignalCaptcha {
			return true
		}
	}
	return false
}

func domainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("fetch url %q has no host", rawURL)
	}
	return u.Hostname(), nil
}
