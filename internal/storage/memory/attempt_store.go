package memory

import (
	"context"
	"sync"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

// AttemptStore keeps append-only fetch attempts per job.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[string][]engine.FetchAttempt
}

// NewAttemptStore constructs an AttemptStore.
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{attempts: make(map[string][]engine.FetchAttempt)}
}

// RecordAttempt appends one attempt. Attempts are never mutated afterwards.
func (s *AttemptStore) RecordAttempt(_ context.Context, attempt engine.FetchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.JobID] = append(s.attempts[attempt.JobID], attempt)
	return nil
}

// ListAttempts returns the attempts for a job in record order.
func (s *AttemptStore) ListAttempts(_ context.Context, jobID string) ([]engine.FetchAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.attempts[jobID]
	out := make([]engine.FetchAttempt, len(src))
	copy(out, src)
	return out, nil
}
