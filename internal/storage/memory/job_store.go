// Package memory provides in-memory store implementations for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

// JobStore keeps jobs in a map guarded by a RWMutex.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]engine.Job
	order []string
	clock engine.Clock
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock engine.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]engine.Job),
		clock: clock,
	}
}

// CreateJob stores a new job. Duplicate IDs are rejected.
func (s *JobStore) CreateJob(_ context.Context, job engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return nil
}

// UpdateJobStatus moves the job to the given status, stamping start and
// finish times as the lifecycle progresses.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status engine.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, engine.ErrNotFound)
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
	return nil
}

// IncrementRetry bumps the retry counter and returns the new count.
func (s *JobStore) IncrementRetry(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return 0, fmt.Errorf("job %s: %w", jobID, engine.ErrNotFound)
	}
	job.RetryCount++
	s.jobs[jobID] = job
	return job.RetryCount, nil
}

// SetResultRef stores the pointer to the job's result set.
func (s *JobStore) SetResultRef(_ context.Context, jobID string, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, engine.ErrNotFound)
	}
	job.ResultRef = ref
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (engine.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return engine.Job{}, fmt.Errorf("job %s: %w", jobID, engine.ErrNotFound)
	}
	return job, nil
}

// ListJobs returns jobs in submission order. An empty status matches all.
func (s *JobStore) ListJobs(_ context.Context, status engine.JobStatus) ([]engine.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.Job, 0, len(s.order))
	for _, id := range s.order {
		job := s.jobs[id]
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}
