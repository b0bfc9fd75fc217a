package engine

import "time"

// FetchAttempt records a single fetch attempt. Attempts are append-only and
// never mutated after creation, only superseded by newer attempts.
type FetchAttempt struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	URL        string        `json:"url"`
	ProxyID    string        `json:"proxy_id,omitempty"`
	Transport  TransportMode `json:"transport"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	StatusCode int           `json:"status_code,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	Bytes      int64         `json:"bytes"`
	Error      string        `json:"error,omitempty"`
	Detection  string        `json:"detection,omitempty"`
	BlobURI    string        `json:"blob_uri,omitempty"`
}

// Succeeded reports whether the attempt produced usable content.
func (a FetchAttempt) Succeeded() bool {
	return a.Error == "" && a.StatusCode >= 200 && a.StatusCode < 300
}

// FetchContent is the raw output of a successful attempt, handed to the
// extraction runtime.
type FetchContent struct {
	URL          string
	Body         []byte
	StatusCode   int
	ContentType  string
	ETag         string
	LastModified string
}
