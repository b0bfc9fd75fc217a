package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	job := engine.Job{
		ID:         "job-1",
		Type:       engine.JobTypeScrape,
		Status:     engine.JobStatusPending,
		Priority:   5,
		Domain:     "shop.test",
		SeedURLs:   []string{"https://shop.test/p/1"},
		TemplateID: "product",
		Policy:     engine.JobPolicy{Transport: engine.TransportAuto, MaxRetries: 3},
		MaxRetries: 3,
		Submitted:  now,
	}
	policyJSON, err := json.Marshal(job.Policy)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			job.ID, string(job.Type), string(job.Status), job.Priority,
			job.Domain, job.SeedURLs, job.TemplateID, job.TemplateVersion,
			policyJSON, job.DependsOn, job.RetryCount, job.MaxRetries,
			job.Submitted, job.Started, job.Finished, job.ErrorText, job.ResultRef,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatus_NotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs("missing", "running", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateJobStatus(context.Background(), "missing", engine.JobStatusRunning, "")
	require.ErrorIs(t, err, engine.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementRetryReturnsNewCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE jobs SET retry_count").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"retry_count"}).AddRow(2))

	count, err := store.IncrementRetry(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAttemptInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	attempt := engine.FetchAttempt{
		ID:         "attempt-1",
		JobID:      "job-1",
		URL:        "https://shop.test/p/1",
		ProxyID:    "proxy-1",
		Transport:  engine.TransportHTTP,
		StartedAt:  now,
		FinishedAt: now.Add(150 * time.Millisecond),
		StatusCode: 200,
		DurationMs: 150,
		Bytes:      2048,
	}

	mock.ExpectExec("INSERT INTO fetch_attempts").
		WithArgs(
			attempt.ID, attempt.JobID, attempt.URL, attempt.ProxyID,
			string(attempt.Transport), attempt.StartedAt, attempt.FinishedAt,
			attempt.StatusCode, attempt.DurationMs, attempt.Bytes,
			attempt.Error, attempt.Detection, attempt.BlobURI,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordAttempt(context.Background(), attempt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutTemplate_ActiveDeprecatesPrevious(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	tpl := engine.Template{
		ID: "product", Version: 2, Status: engine.TemplateStatusActive,
		Fields: []engine.TemplateField{{Name: "title", Selector: "h1", Kind: engine.SelectorCSS}},
	}
	doc, err := json.Marshal(tpl)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE templates SET status = 'deprecated'").
		WithArgs("product").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO templates").
		WithArgs("product", 2, "active", doc).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.PutTemplate(context.Background(), tpl))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveTemplate_NotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT document, status FROM templates").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"document", "status"}))

	_, err := store.ActiveTemplate(context.Background(), "missing")
	require.ErrorIs(t, err, engine.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListResultsRoundTripsPayload(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	payload := engine.Payload{{Name: "title", Value: "Walnut Desk"}}
	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT url, template_id, template_version").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"url", "template_id", "template_version", "payload", "issues",
			"fingerprint", "success", "extracted_at",
		}).AddRow(
			"https://shop.test/p/1", "product", 2, payloadJSON, []byte("[]"),
			"fp-1", true, now,
		))

	results, err := store.ListResults(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Walnut Desk", results[0].Payload[0].Value)
	require.True(t, results[0].Success)
	require.NoError(t, mock.ExpectationsWereMet())
}
