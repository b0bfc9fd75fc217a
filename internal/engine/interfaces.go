package engine

import (
	"context"
	"time"
)

// JobStore persists job metadata. The scheduler exclusively owns lifecycle
// transitions.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	IncrementRetry(ctx context.Context, jobID string) (int, error)
	SetResultRef(ctx context.Context, jobID string, ref string) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, status JobStatus) ([]Job, error)
}

// AttemptStore persists append-only fetch attempts.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt FetchAttempt) error
	ListAttempts(ctx context.Context, jobID string) ([]FetchAttempt, error)
}

// ResultStore persists write-once extraction results.
type ResultStore interface {
	RecordResult(ctx context.Context, jobID string, result ExtractionResult) error
	ListResults(ctx context.Context, jobID string) ([]ExtractionResult, error)
}

// TemplateStore persists template versions. Only schema-valid templates may
// be activated.
type TemplateStore interface {
	PutTemplate(ctx context.Context, tpl Template) error
	GetTemplate(ctx context.Context, id string, version int) (Template, error)
	ActiveTemplate(ctx context.Context, id string) (Template, error)
}

// BlobStore writes raw fetched artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal job events to external collaborators.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for fingerprints and blob keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and attempt IDs.
type IDGenerator interface {
	NewID() (string, error)
}
