package memory

import (
	"context"
	"sync"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

// ResultStore keeps extraction results per job. Results are write-once.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string][]engine.ExtractionResult
}

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string][]engine.ExtractionResult)}
}

// RecordResult appends one extraction result for a job.
func (s *ResultStore) RecordResult(_ context.Context, jobID string, result engine.ExtractionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[jobID] = append(s.results[jobID], result)
	return nil
}

// ListResults returns the results for a job in record order.
func (s *ResultStore) ListResults(_ context.Context, jobID string) ([]engine.ExtractionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.results[jobID]
	out := make([]engine.ExtractionResult, len(src))
	copy(out, src)
	return out, nil
}
