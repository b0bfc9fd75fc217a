// Package engine defines the core types and interfaces shared across the
// crawl-fetch-extract pipeline: jobs, proxies, fetch attempts, templates and
// the error taxonomy the components translate failures into.
package engine

import "time"

// JobType discriminates what a submitted job does.
type JobType string

// Job types accepted by the submission interface.
const (
	JobTypeCrawl         JobType = "crawl"
	JobTypeScrape        JobType = "scrape"
	JobTypeExportTrigger JobType = "export-trigger"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// TransportMode selects how a fetch is executed.
type TransportMode string

// Transport modes recognized by the policy engine.
const (
	TransportAuto    TransportMode = "auto"
	TransportHTTP    TransportMode = "http"
	TransportBrowser TransportMode = "browser"
)

// JobPolicy captures the per-job policy configuration accepted at submission.
// Unrecognized options are rejected by the API layer, not silently ignored.
type JobPolicy struct {
	Transport     TransportMode `json:"transport" mapstructure:"transport"`
	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	RPSPerDomain  float64       `json:"rps_per_domain" mapstructure:"rps_per_domain"`
	RespectRobots bool          `json:"respect_robots" mapstructure:"respect_robots"`
	MaxDepth      int           `json:"max_depth" mapstructure:"max_depth"`
}

// Job represents the metadata persisted for each submitted job.
type Job struct {
	ID              string     `json:"id"`
	Type            JobType    `json:"type"`
	Status          JobStatus  `json:"status"`
	Priority        int        `json:"priority"`
	Domain          string     `json:"domain"`
	SeedURLs        []string   `json:"seed_urls,omitempty"`
	TemplateID      string     `json:"template_id,omitempty"`
	TemplateVersion int        `json:"template_version,omitempty"`
	Policy          JobPolicy  `json:"policy"`
	DependsOn       []string   `json:"depends_on,omitempty"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	Submitted       time.Time  `json:"submitted_at"`
	Started         *time.Time `json:"started_at,omitempty"`
	Finished        *time.Time `json:"finished_at,omitempty"`
	ErrorText       string     `json:"error_text,omitempty"`
	ResultRef       string     `json:"result_ref,omitempty"`
}

// JobEvent is emitted to external collaborators on every terminal state.
type JobEvent struct {
	JobID         string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	ResultRef     string    `json:"result_ref,omitempty"`
	IssuesSummary string    `json:"issues_summary,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}
