package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/antibot"
	"github.com/sax3l/sparkling-owl-spin/internal/engine"
	"github.com/sax3l/sparkling-owl-spin/internal/proxypool"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("attempt-%d", g.n), nil
}

type fakeTransport struct {
	mode engine.TransportMode
	resp Response
	err  error

	mu      sync.Mutex
	lastReq Request
	calls   int
}

func (t *fakeTransport) Mode() engine.TransportMode { return t.mode }

func (t *fakeTransport) Fetch(_ context.Context, req Request) (Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastReq = req
	t.calls++
	return t.resp, t.err
}

type memAttempts struct {
	mu       sync.Mutex
	attempts []engine.FetchAttempt
}

func (s *memAttempts) RecordAttempt(_ context.Context, attempt engine.FetchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *memAttempts) ListAttempts(_ context.Context, jobID string) ([]engine.FetchAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []engine.FetchAttempt
	for _, a := range s.attempts {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

type recordingSink struct {
	mu      sync.Mutex
	signals []antibot.Signal
}

func (s *recordingSink) Observe(_ string, sig antibot.Signal) antibot.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return antibot.LevelNone
}

type fixture struct {
	executor  *Executor
	transport *fakeTransport
	pool      *proxypool.Pool
	attempts  *memAttempts
	sink      *recordingSink
}

func newFixture(t *testing.T, transport *fakeTransport) *fixture {
	t.Helper()
	pool := proxypool.New(proxypool.Config{}, &fakeClock{now: time.Unix(5000, 0)}, &seqIDGen{}, zap.NewNop(), nil)
	_, err := pool.Ingest("default", []engine.ProxyCandidate{
		{Host: "proxy0.example.net", Port: 8080, Protocol: engine.ProxyProtocolHTTP},
	})
	require.NoError(t, err)

	attempts := &memAttempts{}
	sink := &recordingSink{}
	executor := NewExecutor(
		Config{UserAgent: "sos-crawler/1.0", DefaultTimeout: 10 * time.Second},
		[]Transport{transport},
		pool,
		antibot.NewClassifier(0),
		sink,
		attempts,
		nil,
		&fakeClock{now: time.Unix(6000, 0)},
		&seqIDGen{},
		zap.NewNop(),
		nil,
	)
	return &fixture{executor: executor, transport: transport, pool: pool, attempts: attempts, sink: sink}
}

func (f *fixture) reserve(t *testing.T) *proxypool.Handle {
	t.Helper()
	handle, err := f.pool.Reserve(context.Background(), "default")
	require.NoError(t, err)
	return handle
}

func htmlResponse(status int, body string) Response {
	return Response{
		URL:        "https://shop.test/p/1",
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
		Duration:   120 * time.Millisecond,
	}
}

func httpDecision() antibot.Decision {
	return antibot.Decision{Transport: engine.TransportHTTP, HeaderProfile: "baseline"}
}

func TestFetch_SuccessReleasesProxyAndRecordsAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeTransport{mode: engine.TransportHTTP, resp: htmlResponse(200, "<html><body>ok</body></html>")})
	handle := f.reserve(t)

	content, attempt, err := f.executor.Fetch(context.Background(), "job-1", "https://shop.test/p/1", handle, httpDecision())
	require.NoError(t, err)
	require.Equal(t, 200, content.StatusCode)
	require.Equal(t, "text/html", content.ContentType)
	require.True(t, attempt.Succeeded())
	require.Equal(t, handle.ProxyID, attempt.ProxyID)

	recorded, err := f.attempts.ListAttempts(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	require.Equal(t, 200, recorded[0].StatusCode)

	// The slot is free again.
	again, err := f.pool.Reserve(context.Background(), "default")
	require.NoError(t, err)
	require.Equal(t, 1, again.Record.ConcurrentUses)
}

func TestFetch_SendsProfileHeadersAndProxy(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{mode: engine.TransportHTTP, resp: htmlResponse(200, "ok")}
	f := newFixture(t, transport)
	handle := f.reserve(t)

	decision := antibot.Decision{Transport: engine.TransportHTTP, HeaderProfile: "stealth"}
	_, _, err := f.executor.Fetch(context.Background(), "job-1", "https://shop.test/p/1", handle, decision)
	require.NoError(t, err)

	require.Equal(t, "sos-crawler/1.0", transport.lastReq.UserAgent)
	require.Equal(t, "?1", transport.lastReq.Headers.Get("Sec-Fetch-User"))
	require.Contains(t, transport.lastReq.ProxyURL, "proxy0.example.net:8080")
}

func TestFetch_TransportErrorClassifiedAsConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeTransport{mode: engine.TransportHTTP, err: errors.New("dial tcp: connection refused")})
	handle := f.reserve(t)

	_, attempt, err := f.executor.Fetch(context.Background(), "job-1", "https://shop.test/p/1", handle, httpDecision())
	require.ErrorIs(t, err, engine.ErrFetchConnection)
	require.NotEmpty(t, attempt.Error)

	recorded, _ := f.attempts.ListAttempts(context.Background(), "job-1")
	require.Len(t, recorded, 1)
}

func TestFetch_DeadlineClassifiedAsTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeTransport{mode: engine.TransportHTTP, err: fmt.Errorf("navigate: %w", context.DeadlineExceeded)})
	handle := f.reserve(t)

	_, _, err := f.executor.Fetch(context.Background(), "job-1", "https://shop.test/p/1", handle, httpDecision())
	require.ErrorIs(t, err, engine.ErrFetchTimeout)
}

func TestFetch_HTTPErrorCarriesStatusAndFeedsDetection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeTransport{mode: engine.TransportHTTP, resp: htmlResponse(429, "slow down")})
	handle := f.reserve(t)

	_, attempt, err := f.executor.Fetch(context.Background(), "job-1", "https://shop.test/p/1", handle, httpDecision())
	require.Error(t, err)
	var httpErr *engine.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, 429, httpErr.StatusCode)
	require.Equal(t, string(antibot.SignalHTTPStatus), attempt.Detection)

	require.Len(t, f.sink.signals, 1)
	require.Equal(t, antibot.SignalHTTPStatus, f.sink.signals[0].Kind)
}

func TestFetch_ChallengePageOn200IsBlocked(t *testing.T) {
	t.Parallel()

	body := `<html><body><div id="cf-challenge-running"></div></body></html>`
	f := newFixture(t, &fakeTransport{mode: engine.TransportHTTP, resp: htmlResponse(200, body)})
	handle := f.reserve(t)

	_, attempt, err := f.executor.Fetch(context.Background(), "job-1", "https://shop.test/p/1", handle, httpDecision())
	require.ErrorIs(t, err, engine.ErrFetchBlocked)
	require.Equal(t, string(antibot.SignalChallengePage), attempt.Detection)
}

func TestFetch_SuspendedDecisionShortCircuits(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{mode: engine.TransportHTTP, resp: htmlResponse(200, "ok")}
	f := newFixture(t, transport)
	handle := f.reserve(t)

	_, _, err := f.executor.Fetch(context.Background(), "job-1", "https://shop.test/p/1", handle, antibot.Decision{Suspend: true})
	require.ErrorIs(t, err, engine.ErrFetchBlocked)
	require.Zero(t, transport.calls)

	// The attempt is still recorded for the audit trail.
	recorded, _ := f.attempts.ListAttempts(context.Background(), "job-1")
	require.Len(t, recorded, 1)

	// The unexercised proxy keeps its health state and its slot comes back.
	proxy := f.pool.Health("default").Proxies[0]
	require.Equal(t, 0, proxy.ConcurrentUses)
	require.Nil(t, proxy.LastSuccessAt)
	require.Nil(t, proxy.LastFailureAt)
}

func TestFetch_UnknownTransportMode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeTransport{mode: engine.TransportHTTP, resp: htmlResponse(200, "ok")})
	handle := f.reserve(t)

	_, _, err := f.executor.Fetch(context.Background(), "job-1", "https://shop.test/p/1",
		handle, antibot.Decision{Transport: engine.TransportBrowser})
	require.Error(t, err)
}

func TestFetch_DecisionDelayHonorsContext(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{mode: engine.TransportHTTP, resp: htmlResponse(200, "ok")}
	f := newFixture(t, transport)
	handle := f.reserve(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	decision := httpDecision()
	decision.Delay = time.Minute

	_, _, err := f.executor.Fetch(ctx, "job-1", "https://shop.test/p/1", handle, decision)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, transport.calls)
}

func TestProfileHeaders_UnknownFallsBackToBaseline(t *testing.T) {
	t.Parallel()

	h := ProfileHeaders("no_such_profile")
	require.Equal(t, "en-US,en;q=0.9", h.Get("Accept-Language"))

	// Mutating the returned copy must not leak into the shared profile.
	h.Set("Accept-Language", "sv-SE")
	require.Equal(t, "en-US,en;q=0.9", ProfileHeaders("baseline").Get("Accept-Language"))
}
