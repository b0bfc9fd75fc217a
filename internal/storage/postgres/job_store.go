package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

const jobColumns = `
	id,
	type,
	status,
	priority,
	domain,
	seed_urls,
	template_id,
	template_version,
	policy,
	depends_on,
	retry_count,
	max_retries,
	submitted_at,
	started_at,
	finished_at,
	error_text,
	result_ref`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job engine.Job) error {
	policyJSON, err := json.Marshal(job.Policy)
	if err != nil {
		return fmt.Errorf("marshal job policy: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO jobs (%s) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)`, jobColumns)
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		string(job.Type),
		string(job.Status),
		job.Priority,
		job.Domain,
		job.SeedURLs,
		job.TemplateID,
		job.TemplateVersion,
		policyJSON,
		job.DependsOn,
		job.RetryCount,
		job.MaxRetries,
		job.Submitted,
		job.Started,
		job.Finished,
		job.ErrorText,
		job.ResultRef,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus moves the job to the given status. Started and finished
// timestamps are stamped in SQL so they are written exactly once.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status engine.JobStatus, errText string) error {
	query := `
UPDATE jobs SET
	status = $2,
	error_text = $3,
	started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
	finished_at = CASE WHEN $2 IN ('completed','failed','cancelled') THEN NOW() ELSE finished_at END
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, engine.ErrNotFound)
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new count.
func (s *Store) IncrementRetry(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET retry_count = retry_count + 1 WHERE id = $1 RETURNING retry_count`,
		jobID,
	).Scan(&count)
	if err != nil {
		return 0, notFoundOr(fmt.Errorf("increment retry: %w", err), "job "+jobID)
	}
	return count, nil
}

// SetResultRef stores the pointer to the job's result set.
func (s *Store) SetResultRef(ctx context.Context, jobID string, ref string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET result_ref = $2 WHERE id = $1`, jobID, ref)
	if err != nil {
		return fmt.Errorf("set result ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, engine.ErrNotFound)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (engine.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		return engine.Job{}, notFoundOr(fmt.Errorf("get job: %w", err), "job "+jobID)
	}
	return job, nil
}

// ListJobs returns jobs in submission order. An empty status matches all.
func (s *Store) ListJobs(ctx context.Context, status engine.JobStatus) ([]engine.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE $1 = '' OR status = $1 ORDER BY submitted_at`, jobColumns)
	rows, err := s.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []engine.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (engine.Job, error) {
	var (
		job        engine.Job
		jobType    string
		status     string
		policyJSON []byte
	)
	err := row.Scan(
		&job.ID,
		&jobType,
		&status,
		&job.Priority,
		&job.Domain,
		&job.SeedURLs,
		&job.TemplateID,
		&job.TemplateVersion,
		&policyJSON,
		&job.DependsOn,
		&job.RetryCount,
		&job.MaxRetries,
		&job.Submitted,
		&job.Started,
		&job.Finished,
		&job.ErrorText,
		&job.ResultRef,
	)
	if err != nil {
		return engine.Job{}, err
	}
	job.Type = engine.JobType(jobType)
	job.Status = engine.JobStatus(status)
	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &job.Policy); err != nil {
			return engine.Job{}, fmt.Errorf("unmarshal job policy: %w", err)
		}
	}
	return job, nil
}
