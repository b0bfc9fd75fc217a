package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

// RecordAttempt inserts one append-only attempt row.
func (s *Store) RecordAttempt(ctx context.Context, attempt engine.FetchAttempt) error {
	query := `
INSERT INTO fetch_attempts (
	id,
	job_id,
	url,
	proxy_id,
	transport,
	started_at,
	finished_at,
	status_code,
	duration_ms,
	bytes,
	error_text,
	detection,
	blob_uri
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)`
	_, err := s.pool.Exec(ctx, query,
		attempt.ID,
		attempt.JobID,
		attempt.URL,
		attempt.ProxyID,
		string(attempt.Transport),
		attempt.StartedAt,
		attempt.FinishedAt,
		attempt.StatusCode,
		attempt.DurationMs,
		attempt.Bytes,
		attempt.Error,
		attempt.Detection,
		attempt.BlobURI,
	)
	if err != nil {
		return fmt.Errorf("insert fetch attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts for a job in start order.
func (s *Store) ListAttempts(ctx context.Context, jobID string) ([]engine.FetchAttempt, error) {
	query := `
SELECT id, job_id, url, proxy_id, transport, started_at, finished_at,
	status_code, duration_ms, bytes, error_text, detection, blob_uri
FROM fetch_attempts WHERE job_id = $1 ORDER BY started_at`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []engine.FetchAttempt
	for rows.Next() {
		var (
			a         engine.FetchAttempt
			transport string
		)
		if err := rows.Scan(
			&a.ID, &a.JobID, &a.URL, &a.ProxyID, &transport, &a.StartedAt,
			&a.FinishedAt, &a.StatusCode, &a.DurationMs, &a.Bytes, &a.Error,
			&a.Detection, &a.BlobURI,
		); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		a.Transport = engine.TransportMode(transport)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt rows: %w", err)
	}
	return attempts, nil
}

// RecordResult inserts one write-once extraction result row. The payload and
// issues travel as JSONB.
func (s *Store) RecordResult(ctx context.Context, jobID string, result engine.ExtractionResult) error {
	payloadJSON, err := json.Marshal(result.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	issuesJSON, err := json.Marshal(result.Issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	query := `
INSERT INTO extraction_results (
	job_id, url, template_id, template_version, payload, issues,
	fingerprint, success, extracted_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = s.pool.Exec(ctx, query,
		jobID,
		result.URL,
		result.TemplateID,
		result.TemplateVersion,
		payloadJSON,
		issuesJSON,
		result.Fingerprint,
		result.Success,
		result.ExtractedAt,
	)
	if err != nil {
		return fmt.Errorf("insert extraction result: %w", err)
	}
	return nil
}

// ListResults returns the extraction results for a job in extraction order.
func (s *Store) ListResults(ctx context.Context, jobID string) ([]engine.ExtractionResult, error) {
	query := `
SELECT url, template_id, template_version, payload, issues, fingerprint,
	success, extracted_at
FROM extraction_results WHERE job_id = $1 ORDER BY extracted_at`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []engine.ExtractionResult
	for rows.Next() {
		var (
			r           engine.ExtractionResult
			payloadJSON []byte
			issuesJSON  []byte
		)
		if err := rows.Scan(
			&r.URL, &r.TemplateID, &r.TemplateVersion, &payloadJSON,
			&issuesJSON, &r.Fingerprint, &r.Success, &r.ExtractedAt,
		); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		if len(issuesJSON) > 0 {
			if err := json.Unmarshal(issuesJSON, &r.Issues); err != nil {
				return nil, fmt.Errorf("unmarshal issues: %w", err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	return results, nil
}

// PutTemplate inserts a template version. The primary key on (id, version)
// makes stored versions immutable. Activating a version deprecates the
// previously active one.
func (s *Store) PutTemplate(ctx context.Context, tpl engine.Template) error {
	doc, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	if tpl.Status == engine.TemplateStatusActive {
		_, err := s.pool.Exec(ctx,
			`UPDATE templates SET status = 'deprecated' WHERE id = $1 AND status = 'active'`,
			tpl.ID,
		)
		if err != nil {
			return fmt.Errorf("deprecate previous template version: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO templates (id, version, status, document) VALUES ($1,$2,$3,$4)`,
		tpl.ID, tpl.Version, string(tpl.Status), doc,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate fetches one exact version.
func (s *Store) GetTemplate(ctx context.Context, id string, version int) (engine.Template, error) {
	return s.scanTemplate(
		s.pool.QueryRow(ctx,
			`SELECT document, status FROM templates WHERE id = $1 AND version = $2`,
			id, version),
		fmt.Sprintf("template %s version %d", id, version),
	)
}

// ActiveTemplate fetches the currently active version of a template.
func (s *Store) ActiveTemplate(ctx context.Context, id string) (engine.Template, error) {
	return s.scanTemplate(
		s.pool.QueryRow(ctx,
			`SELECT document, status FROM templates WHERE id = $1 AND status = 'active'`,
			id),
		fmt.Sprintf("active template %s", id),
	)
}

func (s *Store) scanTemplate(row rowScanner, what string) (engine.Template, error) {
	var (
		doc    []byte
		status string
	)
	if err := row.Scan(&doc, &status); err != nil {
		return engine.Template{}, notFoundOr(fmt.Errorf("get template: %w", err), what)
	}
	var tpl engine.Template
	if err := json.Unmarshal(doc, &tpl); err != nil {
		return engine.Template{}, fmt.Errorf("unmarshal template: %w", err)
	}
	tpl.Status = engine.TemplateStatus(status)
	return tpl, nil
}
