package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/antibot"
	"github.com/sax3l/sparkling-owl-spin/internal/engine"
	"github.com/sax3l/sparkling-owl-spin/internal/extract"
	"github.com/sax3l/sparkling-owl-spin/internal/fetch"
	"github.com/sax3l/sparkling-owl-spin/internal/frontier"
	"github.com/sax3l/sparkling-owl-spin/internal/proxypool"
)

// PipelineConfig controls the fetch+extract pipeline.
type PipelineConfig struct {
	UserAgent string
	PoolID    string
}

// Pipeline is the production Runner: it drives the frontier, reserves
// proxies, fetches pages through the executor and runs template extraction,
// recording results as it goes.
type Pipeline struct {
	cfg       PipelineConfig
	executor  *fetch.Executor
	pool      *proxypool.Pool
	policy    *antibot.Engine
	runtime   *extract.Runtime
	templates engine.TemplateStore
	results   engine.ResultStore
	limiter   *Limiter
	clock     engine.Clock
	logger    *zap.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(
	cfg PipelineConfig,
	executor *fetch.Executor,
	pool *proxypool.Pool,
	policy *antibot.Engine,
	runtime *extract.Runtime,
	templates engine.TemplateStore,
	results engine.ResultStore,
	limiter *Limiter,
	clock engine.Clock,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:       cfg,
		executor:  executor,
		pool:      pool,
		policy:    policy,
		runtime:   runtime,
		templates: templates,
		results:   results,
		limiter:   limiter,
		clock:     clock,
		logger:    logger,
	}
}

// Run implements Runner.
func (p *Pipeline) Run(ctx context.Context, job engine.Job) (RunOutcome, error) {
	switch job.Type {
	case engine.JobTypeScrape:
		return p.runScrape(ctx, job)
	case engine.JobTypeCrawl:
		return p.runCrawl(ctx, job)
	case engine.JobTypeExportTrigger:
		// Export delivery lives outside the engine; the terminal job event
		// is the trigger the export layer listens for.
		return RunOutcome{ResultRef: resultRef(job.ID)}, nil
	default:
		return RunOutcome{}, fmt.Errorf("unknown job type %q", job.Type)
	}
}

// runScrape fetches each seed URL and extracts with the job's template.
func (p *Pipeline) runScrape(ctx context.Context, job engine.Job) (RunOutcome, error) {
	tpl, err := p.resolveTemplate(ctx, job)
	if err != nil {
		return RunOutcome{}, err
	}

	var critical, pages int
	for _, seed := range job.SeedURLs {
		content, err := p.fetchOne(ctx, job, seed)
		if err != nil {
			return RunOutcome{}, err
		}
		issues, err := p.extractAndRecord(ctx, job, content, tpl)
		if err != nil {
			return RunOutcome{}, err
		}
		critical += issues
		pages++
	}
	return RunOutcome{
		ResultRef:     resultRef(job.ID),
		IssuesSummary: issuesSummary(pages, critical),
	}, nil
}

// runCrawl walks the frontier from the seeds, discovering links as it goes.
// Extraction runs only when the job names a template.
func (p *Pipeline) runCrawl(ctx context.Context, job engine.Job) (RunOutcome, error) {
	robots, err := frontier.NewRobotsPolicy(job.Policy.RespectRobots, p.cfg.UserAgent, p.logger)
	if err != nil {
		return RunOutcome{}, err
	}
	front := frontier.New(frontier.Config{
		AllowedDomains: []string{job.Domain},
		MaxDepth:       job.Policy.MaxDepth,
	}, robots, p.clock, p.logger)

	var tpl *engine.Template
	if job.TemplateID != "" {
		resolved, err := p.resolveTemplate(ctx, job)
		if err != nil {
			return RunOutcome{}, err
		}
		tpl = &resolved
	}

	front.Seed(ctx, job.SeedURLs)

	var critical, pages int
	for {
		rec, ok := front.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return RunOutcome{}, err
		}
		if delay := front.CrawlDelay(ctx, rec.Host); delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return RunOutcome{}, err
			}
		}

		content, err := p.fetchOne(ctx, job, rec.Canonical)
		if err != nil {
			return RunOutcome{}, err
		}
		pages++

		links := discoverLinks(content)
		front.Discovered(ctx, rec, links)

		if tpl != nil {
			issues, err := p.extractAndRecord(ctx, job, content, *tpl)
			if err != nil {
				return RunOutcome{}, err
			}
			critical += issues
		}
	}
	return RunOutcome{
		ResultRef:     resultRef(job.ID),
		IssuesSummary: issuesSummary(pages, critical),
	}, nil
}

// fetchOne runs one URL through rate limiting, the anti-bot decision, proxy
// reservation and the executor.
func (p *Pipeline) fetchOne(ctx context.Context, job engine.Job, rawURL string) (engine.FetchContent, error) {
	if err := p.limiter.Wait(ctx, job.Domain); err != nil {
		return engine.FetchContent{}, err
	}

	decision := p.policy.Decide(job.Domain, job.Policy.Transport)
	handle, err := p.pool.Reserve(ctx, p.cfg.PoolID)
	if err != nil {
		return engine.FetchContent{}, err
	}

	content, _, err := p.executor.Fetch(ctx, job.ID, rawURL, handle, decision)
	if err != nil {
		return engine.FetchContent{}, err
	}
	return content, nil
}

func (p *Pipeline) extractAndRecord(ctx context.Context, job engine.Job, content engine.FetchContent, tpl engine.Template) (int, error) {
	result, err := p.runtime.Extract(content, tpl)
	if err != nil {
		return 0, fmt.Errorf("extract %s: %w", content.URL, err)
	}
	if err := p.results.RecordResult(ctx, job.ID, result); err != nil {
		return 0, fmt.Errorf("record result: %w", err)
	}
	critical := 0
	for _, issue := range result.Issues {
		if issue.Severity == engine.SeverityCritical {
			critical++
		}
	}
	return critical, nil
}

func (p *Pipeline) resolveTemplate(ctx context.Context, job engine.Job) (engine.Template, error) {
	if job.TemplateID == "" {
		return engine.Template{}, fmt.Errorf("job %s has no template", job.ID)
	}
	if job.TemplateVersion > 0 {
		return p.templates.GetTemplate(ctx, job.TemplateID, job.TemplateVersion)
	}
	return p.templates.ActiveTemplate(ctx, job.TemplateID)
}

// discoverLinks pulls absolute href targets out of a fetched page.
func discoverLinks(content engine.FetchContent) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content.Body))
	if err != nil {
		return nil
	}
	base, err := url.Parse(content.URL)
	if err != nil {
		return nil
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		links = append(links, abs.String())
	})
	return links
}

func resultRef(jobID string) string {
	return fmt.Sprintf("jobs/%s/results", jobID)
}

func issuesSummary(pages, critical int) string {
	return fmt.Sprintf("pages=%d critical_issues=%d", pages, critical)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
