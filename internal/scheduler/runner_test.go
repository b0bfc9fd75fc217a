package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sax3l/sparkling-owl-spin/internal/antibot"
	clocksystem "github.com/sax3l/sparkling-owl-spin/internal/clock/system"
	"github.com/sax3l/sparkling-owl-spin/internal/engine"
	"github.com/sax3l/sparkling-owl-spin/internal/extract"
	"github.com/sax3l/sparkling-owl-spin/internal/fetch"
	"github.com/sax3l/sparkling-owl-spin/internal/hash/sha256"
	uuidgen "github.com/sax3l/sparkling-owl-spin/internal/id/uuid"
	"github.com/sax3l/sparkling-owl-spin/internal/proxypool"
	"github.com/sax3l/sparkling-owl-spin/internal/storage/memory"
)

// siteTransport serves a canned site from memory.
type siteTransport struct {
	mu    sync.Mutex
	pages map[string]string
	hits  []string
}

func (t *siteTransport) Mode() engine.TransportMode { return engine.TransportHTTP }

func (t *siteTransport) Fetch(_ context.Context, req fetch.Request) (fetch.Response, error) {
	t.mu.Lock()
	t.hits = append(t.hits, req.URL)
	body, ok := t.pages[req.URL]
	t.mu.Unlock()
	if !ok {
		return fetch.Response{URL: req.URL, StatusCode: 404, Body: []byte("not here")}, nil
	}
	return fetch.Response{
		URL:        req.URL,
		StatusCode: 200,
		Body:       []byte(body),
		Duration:   time.Millisecond,
	}, nil
}

func (t *siteTransport) hitCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hits)
}

type pipelineFixture struct {
	pipeline  *Pipeline
	transport *siteTransport
	results   *memory.ResultStore
	attempts  *memory.AttemptStore
	templates *memory.TemplateStore
}

func newPipelineFixture(t *testing.T, pages map[string]string) *pipelineFixture {
	t.Helper()

	clk := clocksystem.New()
	ids := uuidgen.NewGenerator()

	pool := proxypool.New(proxypool.Config{}, clk, ids, nil, nil)
	_, err := pool.Ingest("default", []engine.ProxyCandidate{
		{Host: "proxy0.example.net", Port: 8080},
	})
	require.NoError(t, err)

	policy := antibot.New(antibot.Config{}, antibot.NewStore(clk), nil, nil)
	transport := &siteTransport{pages: pages}
	attempts := memory.NewAttemptStore()

	executor := fetch.NewExecutor(
		fetch.Config{UserAgent: "owl-test/1.0"},
		[]fetch.Transport{transport},
		pool,
		antibot.NewClassifier(0),
		policy,
		attempts,
		memory.NewBlobStore(),
		clk,
		ids,
		nil,
		nil,
	)

	templates := memory.NewTemplateStore()
	require.NoError(t, templates.PutTemplate(context.Background(), engine.Template{
		ID:      "product-v1",
		Version: 1,
		Status:  engine.TemplateStatusActive,
		Fields: []engine.TemplateField{
			{Name: "title", Selector: "h1", Kind: engine.SelectorCSS, Required: true, Transforms: []string{"trim"}},
		},
	}))

	results := memory.NewResultStore()
	runtime := extract.NewRuntime(extract.NewRegistry(), sha256.New(), clk, nil)

	pipeline := NewPipeline(
		PipelineConfig{UserAgent: "owl-test/1.0", PoolID: "default"},
		executor, pool, policy, runtime, templates, results,
		NewLimiter(LimiterConfig{}, nil), clk, nil,
	)
	return &pipelineFixture{
		pipeline:  pipeline,
		transport: transport,
		results:   results,
		attempts:  attempts,
		templates: templates,
	}
}

func TestPipeline_ScrapeExtractsSeeds(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, map[string]string{
		"https://shop.example.test/p/1": `<html><body><h1> Widget </h1></body></html>`,
		"https://shop.example.test/p/2": `<html><body><h1>Gadget</h1></body></html>`,
	})

	job := engine.Job{
		ID:         "job-scrape",
		Type:       engine.JobTypeScrape,
		Domain:     "shop.example.test",
		SeedURLs:   []string{"https://shop.example.test/p/1", "https://shop.example.test/p/2"},
		TemplateID: "product-v1",
	}
	outcome, err := f.pipeline.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "jobs/job-scrape/results", outcome.ResultRef)
	require.Equal(t, "pages=2 critical_issues=0", outcome.IssuesSummary)

	results, err := f.results.ListResults(context.Background(), "job-scrape")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].Success)
	require.Equal(t, "title", results[0].Payload[0].Name)
	require.Equal(t, "Widget", results[0].Payload[0].Value)

	attempts, err := f.attempts.ListAttempts(context.Background(), "job-scrape")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
}

func TestPipeline_ScrapeUnknownTemplate(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, nil)
	job := engine.Job{
		ID:         "job-x",
		Type:       engine.JobTypeScrape,
		Domain:     "shop.example.test",
		SeedURLs:   []string{"https://shop.example.test/"},
		TemplateID: "missing",
	}
	_, err := f.pipeline.Run(context.Background(), job)
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestPipeline_CrawlFollowsLinksWithinDomain(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, map[string]string{
		"https://shop.example.test/": `<html><body>
			<a href="/p/1">one</a>
			<a href="https://shop.example.test/p/2">two</a>
			<a href="https://elsewhere.test/out">external</a>
			<a href="mailto:sales@shop.example.test">mail</a>
		</body></html>`,
		"https://shop.example.test/p/1": `<html><body><h1>One</h1><a href="/p/deep">deeper</a></body></html>`,
		"https://shop.example.test/p/2": `<html><body><h1>Two</h1></body></html>`,
	})

	job := engine.Job{
		ID:       "job-crawl",
		Type:     engine.JobTypeCrawl,
		Domain:   "shop.example.test",
		SeedURLs: []string{"https://shop.example.test/"},
		Policy:   engine.JobPolicy{MaxDepth: 1},
	}
	outcome, err := f.pipeline.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "pages=3 critical_issues=0", outcome.IssuesSummary)

	// Seed plus its two in-domain links; the depth limit stops /p/deep and
	// the external link never enters the frontier.
	require.Equal(t, 3, f.transport.hitCount())
}

func TestPipeline_CrawlExtractsWhenTemplateSet(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, map[string]string{
		"https://shop.example.test/":    `<html><body><h1>Index</h1><a href="/p/1">one</a></body></html>`,
		"https://shop.example.test/p/1": `<html><body><h1>One</h1></body></html>`,
	})

	job := engine.Job{
		ID:         "job-crawl-x",
		Type:       engine.JobTypeCrawl,
		Domain:     "shop.example.test",
		SeedURLs:   []string{"https://shop.example.test/"},
		TemplateID: "product-v1",
		Policy:     engine.JobPolicy{MaxDepth: 2},
	}
	_, err := f.pipeline.Run(context.Background(), job)
	require.NoError(t, err)

	results, err := f.results.ListResults(context.Background(), "job-crawl-x")
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestPipeline_ExportTriggerCompletesWithoutFetching(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, nil)
	job := engine.Job{ID: "job-export", Type: engine.JobTypeExportTrigger, Domain: "shop.example.test"}

	outcome, err := f.pipeline.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "jobs/job-export/results", outcome.ResultRef)
	require.Zero(t, f.transport.hitCount())
}

func TestPipeline_UnknownJobType(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, nil)
	_, err := f.pipeline.Run(context.Background(), engine.Job{ID: "job-?", Type: "mystery"})
	require.ErrorContains(t, err, "unknown job type")
}

func TestDiscoverLinks(t *testing.T) {
	t.Parallel()

	content := engine.FetchContent{
		URL: "https://shop.example.test/catalog/",
		Body: []byte(`<html><body>
			<a href="page2">relative</a>
			<a href="/root">rooted</a>
			<a href="https://other.test/x">absolute</a>
			<a href="javascript:void(0)">script</a>
			<a href="mailto:a@b.test">mail</a>
		</body></html>`),
	}
	links := discoverLinks(content)
	require.Equal(t, []string{
		"https://shop.example.test/catalog/page2",
		"https://shop.example.test/root",
		"https://other.test/x",
	}, links)
}
