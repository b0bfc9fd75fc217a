// Package scheduler coordinates job admission, dependency resolution,
// per-domain rate limiting and the worker pool. It exclusively owns job
// lifecycle transitions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/antibot"
	"github.com/sax3l/sparkling-owl-spin/internal/engine"
	"github.com/sax3l/sparkling-owl-spin/internal/metrics"
)

// RunOutcome is what a Runner hands back for a finished job.
type RunOutcome struct {
	ResultRef     string
	IssuesSummary string
}

// Runner executes the fetch+extract pipeline for one job. The scheduler
// decides what happens with the outcome; the runner never touches job state.
type Runner interface {
	Run(ctx context.Context, job engine.Job) (RunOutcome, error)
}

// DomainLevels exposes the anti-bot detection level used to skip blocked
// domains at dispatch time.
type DomainLevels interface {
	Level(domain string) antibot.Level
}

// Config controls scheduler behavior.
type Config struct {
	Workers        int
	Tick           time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	ExhaustedPause time.Duration
	EventTopic     string
}

// Scheduler admits jobs, resolves dependencies and dispatches runnable work
// to a fixed worker pool. All dispatch decisions happen on one coordinating
// goroutine so they are free of races.
type Scheduler struct {
	cfg       Config
	store     engine.JobStore
	runner    Runner
	limiter   *Limiter
	levels    DomainLevels
	publisher engine.Publisher
	backoff   BackoffPolicy
	clock     engine.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	jobs        map[string]engine.Job
	graph       *depGraph
	cancelAsked map[string]bool
	notBefore   map[string]time.Time
	pausedUntil time.Time

	wake  chan struct{}
	tasks chan engine.Job
	slots chan struct{}
}

// New constructs a Scheduler.
func New(
	cfg Config,
	store engine.JobStore,
	runner Runner,
	limiter *Limiter,
	levels DomainLevels,
	publisher engine.Publisher,
	clock engine.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 25 * time.Millisecond
	}
	if cfg.ExhaustedPause <= 0 {
		cfg.ExhaustedPause = 2 * time.Second
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = "jobs.terminal"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	slots := make(chan struct{}, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		slots <- struct{}{}
	}
	return &Scheduler{
		cfg:         cfg,
		store:       store,
		runner:      runner,
		limiter:     limiter,
		levels:      levels,
		publisher:   publisher,
		backoff:     NewBackoffPolicy(cfg.BackoffBase, cfg.BackoffMax),
		clock:       clock,
		logger:      logger,
		metrics:     m,
		jobs:        make(map[string]engine.Job),
		graph:       newDepGraph(),
		cancelAsked: make(map[string]bool),
		notBefore:   make(map[string]time.Time),
		wake:        make(chan struct{}, 1),
		tasks:       make(chan engine.Job, cfg.Workers),
		slots:       slots,
	}
}

// Submit admits a new job. Dependencies must reference known jobs and must
// not close a cycle; violations reject the submission outright.
func (s *Scheduler) Submit(ctx context.Context, job engine.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Domain == "" {
		return fmt.Errorf("job domain is required")
	}
	job.Status = engine.JobStatusPending
	job.Submitted = s.clock.Now()

	s.mu.Lock()
	for _, dep := range job.DependsOn {
		// Self-dependency is a cycle, not a missing job.
		if dep == job.ID {
			s.mu.Unlock()
			return fmt.Errorf("job %s depends on itself: %w", job.ID, engine.ErrDependencyCycle)
		}
		if _, known := s.jobs[dep]; !known {
			s.mu.Unlock()
			return fmt.Errorf("unknown dependency %s", dep)
		}
	}
	if err := s.graph.add(job.ID, job.DependsOn); err != nil {
		s.mu.Unlock()
		return err
	}
	s.jobs[job.ID] = job
	s.mu.Unlock()

	if err := s.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	if job.Policy.RPSPerDomain > 0 {
		s.limiter.SetRate(job.Domain, job.Policy.RPSPerDomain)
	}
	s.metrics.ObserveTransition(string(engine.JobStatusPending))
	s.kick()
	return nil
}

// Cancel requests cancellation. Pending and queued jobs are cancelled
// immediately; a running job's in-flight fetch completes but its result is
// discarded and the job still ends cancelled.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s: %w", jobID, engine.ErrNotFound)
	}
	switch job.Status {
	case engine.JobStatusPending, engine.JobStatusQueued:
		s.mu.Unlock()
		s.finalize(ctx, jobID, engine.JobStatusCancelled, engine.ErrJobCancelled.Error(), RunOutcome{})
		return nil
	case engine.JobStatusRunning:
		s.cancelAsked[jobID] = true
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}
}

// Job returns the scheduler's current view of a job.
func (s *Scheduler) Job(jobID string) (engine.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// Run starts the worker pool and the coordinating loop, blocking until the
// context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.promote(ctx)
		s.dispatch(ctx)
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.tasks:
			s.metrics.IncActiveWorkers()
			outcome, err := s.runner.Run(ctx, job)
			s.metrics.DecActiveWorkers()
			s.settle(ctx, job, outcome, err)
			s.slots <- struct{}{}
		}
	}
}

// promote moves pending jobs whose blockers all completed to queued, and
// cascades cancellation from failed or cancelled blockers.
func (s *Scheduler) promote(ctx context.Context) {
	s.mu.Lock()
	type decision struct {
		id     string
		cancel bool
	}
	var decisions []decision
	for id, job := range s.jobs {
		if job.Status != engine.JobStatusPending {
			continue
		}
		ready := true
		for _, dep := range s.graph.blockersOf(id) {
			switch s.jobs[dep].Status {
			case engine.JobStatusCompleted:
			case engine.JobStatusFailed, engine.JobStatusCancelled:
				decisions = append(decisions, decision{id: id, cancel: true})
				ready = false
			default:
				ready = false
			}
			if !ready {
				break
			}
		}
		if ready {
			decisions = append(decisions, decision{id: id})
		}
	}
	s.mu.Unlock()

	for _, d := range decisions {
		if d.cancel {
			s.finalize(ctx, d.id, engine.JobStatusCancelled, engine.ErrDependencyFailed.Error(), RunOutcome{})
			continue
		}
		s.transition(ctx, d.id, engine.JobStatusQueued, "")
	}
}

// dispatch hands runnable queued jobs to the worker pool: highest priority
// first, FIFO within a priority, skipping blocked domains, domains without
// rate tokens, and jobs still in their backoff window.
func (s *Scheduler) dispatch(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	if now.Before(s.pausedUntil) {
		s.mu.Unlock()
		return
	}
	var runnable []engine.Job
	for id, job := range s.jobs {
		if job.Status != engine.JobStatusQueued {
			continue
		}
		if gate, gated := s.notBefore[id]; gated && now.Before(gate) {
			continue
		}
		runnable = append(runnable, job)
	}
	s.mu.Unlock()

	sort.Slice(runnable, func(i, j int) bool {
		if runnable[i].Priority != runnable[j].Priority {
			return runnable[i].Priority > runnable[j].Priority
		}
		return runnable[i].Submitted.Before(runnable[j].Submitted)
	})

	for _, job := range runnable {
		if s.levels != nil && s.levels.Level(job.Domain) == antibot.LevelBlocked {
			continue
		}
		select {
		case <-s.slots:
		default:
			// No free worker; everything else keeps waiting in the queue.
			return
		}
		if !s.limiter.Allow(job.Domain) {
			s.slots <- struct{}{}
			continue
		}
		s.transition(ctx, job.ID, engine.JobStatusRunning, "")
		running, _ := s.Job(job.ID)
		// The slot guarantees buffer room, so this never blocks.
		s.tasks <- running
	}
}

// settle folds a runner outcome back into job state.
func (s *Scheduler) settle(ctx context.Context, job engine.Job, outcome RunOutcome, err error) {
	s.mu.Lock()
	cancelled := s.cancelAsked[job.ID]
	delete(s.cancelAsked, job.ID)
	s.mu.Unlock()

	switch {
	case cancelled:
		// The in-flight work finished, its outcome is discarded.
		s.finalize(ctx, job.ID, engine.JobStatusCancelled, engine.ErrJobCancelled.Error(), RunOutcome{})
	case err == nil:
		s.finalize(ctx, job.ID, engine.JobStatusCompleted, "", outcome)
	case errors.Is(err, engine.ErrProxyExhausted):
		// Transient resource pressure: pause admission and requeue without
		// spending retry budget.
		s.mu.Lock()
		s.pausedUntil = s.clock.Now().Add(s.cfg.ExhaustedPause)
		s.notBefore[job.ID] = s.pausedUntil
		s.mu.Unlock()
		s.transition(ctx, job.ID, engine.JobStatusQueued, "")
		s.logger.Warn("proxy pool exhausted, pausing admission",
			zap.String("job_id", job.ID),
			zap.Duration("pause", s.cfg.ExhaustedPause),
		)
	case engine.Retryable(err):
		s.retryOrFail(ctx, job, err)
	default:
		s.fail(ctx, job.ID, err)
	}
	s.kick()
}

func (s *Scheduler) retryOrFail(ctx context.Context, job engine.Job, cause error) {
	count, err := s.store.IncrementRetry(ctx, job.ID)
	if err != nil {
		s.logger.Error("increment retry failed", zap.String("job_id", job.ID), zap.Error(err))
		s.fail(ctx, job.ID, cause)
		return
	}
	s.mu.Lock()
	stored := s.jobs[job.ID]
	stored.RetryCount = count
	s.jobs[job.ID] = stored
	s.mu.Unlock()

	if count >= job.MaxRetries {
		s.fail(ctx, job.ID, fmt.Errorf("%v: %w", cause, engine.ErrMaxRetriesExceeded))
		return
	}

	delay := s.backoff.Delay(count)
	s.mu.Lock()
	s.notBefore[job.ID] = s.clock.Now().Add(delay)
	s.mu.Unlock()
	s.transition(ctx, job.ID, engine.JobStatusQueued, cause.Error())
	s.logger.Info("job requeued after failure",
		zap.String("job_id", job.ID),
		zap.Int("retry", count),
		zap.Duration("backoff", delay),
		zap.String("cause", cause.Error()),
	)
}

// fail marks the job failed and cascades cancellation to every transitive
// dependent.
func (s *Scheduler) fail(ctx context.Context, jobID string, cause error) {
	s.finalize(ctx, jobID, engine.JobStatusFailed, cause.Error(), RunOutcome{})

	s.mu.Lock()
	var toCancel []string
	stack := append([]string(nil), s.graph.dependentsOf(jobID)...)
	seen := map[string]struct{}{}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if job, ok := s.jobs[id]; ok && !job.Status.Terminal() {
			toCancel = append(toCancel, id)
		}
		stack = append(stack, s.graph.dependentsOf(id)...)
	}
	s.mu.Unlock()

	for _, id := range toCancel {
		s.finalize(ctx, id, engine.JobStatusCancelled, engine.ErrDependencyFailed.Error(), RunOutcome{})
	}
}

// transition applies a non-terminal state change. Jobs already terminal
// (a cancel can race a dispatch) are left alone.
func (s *Scheduler) transition(ctx context.Context, jobID string, status engine.JobStatus, errText string) {
	if !s.applyStatus(jobID, status, errText) {
		return
	}
	if err := s.store.UpdateJobStatus(ctx, jobID, status, errText); err != nil {
		s.logger.Error("persist job status failed",
			zap.String("job_id", jobID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	s.metrics.ObserveTransition(string(status))
}

// finalize applies a terminal state change and emits the job event.
func (s *Scheduler) finalize(ctx context.Context, jobID string, status engine.JobStatus, errText string, outcome RunOutcome) {
	// Terminal states never transition again.
	if !s.applyStatus(jobID, status, errText) {
		return
	}
	if err := s.store.UpdateJobStatus(ctx, jobID, status, errText); err != nil {
		s.logger.Error("persist job status failed",
			zap.String("job_id", jobID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	if status == engine.JobStatusCompleted && outcome.ResultRef != "" {
		if err := s.store.SetResultRef(ctx, jobID, outcome.ResultRef); err != nil {
			s.logger.Error("persist result ref failed", zap.String("job_id", jobID), zap.Error(err))
		}
		s.mu.Lock()
		job := s.jobs[jobID]
		job.ResultRef = outcome.ResultRef
		s.jobs[jobID] = job
		s.mu.Unlock()
	}
	s.metrics.ObserveTransition(string(status))

	event := engine.JobEvent{
		JobID:         jobID,
		Status:        status,
		ResultRef:     outcome.ResultRef,
		IssuesSummary: outcome.IssuesSummary,
		FinishedAt:    s.clock.Now(),
	}
	if s.publisher != nil {
		if _, err := s.publisher.Publish(ctx, s.cfg.EventTopic, event); err != nil {
			s.logger.Warn("publish job event failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

func (s *Scheduler) applyStatus(jobID string, status engine.JobStatus, errText string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false
	}
	job.Status = status
	job.ErrorText = errText
	now := s.clock.Now()
	if status == engine.JobStatusRunning && job.Started == nil {
		job.Started = &now
	}
	if status.Terminal() {
		job.Finished = &now
	}
	s.jobs[jobID] = job
	if status != engine.JobStatusQueued {
		delete(s.notBefore, jobID)
	}
	return true
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
