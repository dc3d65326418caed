package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"cdr-pipeline/internal/apperr"
	"cdr-pipeline/internal/models"
)

const jobColumns = `id, call_record_id, tenant_id, job_type, status, priority, attempts, max_attempts,
	scheduled_for, started_at, completed_at, error_message, metadata, created_at, updated_at`

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// qualified prefixes every column in a column list with alias.
func qualified(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job    models.Job
		status string
		meta   []byte
	)
	err := row.Scan(&job.ID, &job.CallRecordID, &job.TenantID, &job.Type, &status, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &job.ScheduledFor, &job.StartedAt, &job.CompletedAt,
		&job.ErrorMessage, &meta, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Metadata); err != nil {
			return models.Job{}, eris.Wrapf(err, "store: decode metadata for job %s", job.ID)
		}
	}
	return job, nil
}

func encodeMetadata(meta models.JobMetadata) ([]byte, error) {
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, eris.Wrap(err, "store: encode job metadata")
	}
	return b, nil
}

// SetDefaultMaxAttempts sets the retry budget granted to operator-retried jobs.
func (s *Store) SetDefaultMaxAttempts(n int) {
	s.maxAttempts = n
}

func (s *Store) retryBudget() int {
	if s.maxAttempts > 0 {
		return s.maxAttempts
	}
	return models.DefaultMaxAttempts
}

// ClaimNext atomically moves the highest priority due job to processing.
// Rows locked by a concurrent claimer are skipped rather than waited on, so
// every due job is handed to at most one caller. It returns nil when nothing
// is due.
func (s *Store) ClaimNext(ctx context.Context) (*models.Job, error) {
	sql := `
		WITH next AS (
			SELECT id
			FROM jobs
			WHERE status = 'pending' AND scheduled_for <= NOW()
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'processing', attempts = j.attempts + 1, started_at = NOW(), updated_at = NOW()
		FROM next
		WHERE j.id = next.id
		RETURNING ` + qualified("j", jobColumns)

	job, err := scanJob(s.db.QueryRow(ctx, sql))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: claim next job")
	}
	return &job, nil
}

// CompleteJob marks a processing job completed.
func (s *Store) CompleteJob(ctx context.Context, id string, meta models.JobMetadata) error {
	metaJSON, err := encodeMetadata(meta)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', completed_at = NOW(), error_message = NULL, metadata = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, metaJSON)
	if err != nil {
		return eris.Wrapf(err, "store: complete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict(fmt.Sprintf("job %s is not processing", id))
	}
	return nil
}

// ScheduleRetry puts a processing job back to pending, due after delay. It
// returns the new scheduled time.
func (s *Store) ScheduleRetry(ctx context.Context, id string, delay time.Duration, meta models.JobMetadata, errMsg string) (time.Time, error) {
	metaJSON, err := encodeMetadata(meta)
	if err != nil {
		return time.Time{}, err
	}
	var scheduled time.Time
	err = s.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'pending',
		    scheduled_for = NOW() + make_interval(secs => $2),
		    error_message = $3,
		    metadata = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING scheduled_for
	`, id, delay.Seconds(), emptyToNil(errMsg), metaJSON).Scan(&scheduled)
	if isNoRows(err) {
		return time.Time{}, apperr.Conflict(fmt.Sprintf("job %s is not processing", id))
	}
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "store: schedule retry for job %s", id)
	}
	return scheduled, nil
}

// FailPermanently moves a processing job to failed.
func (s *Store) FailPermanently(ctx context.Context, id string, meta models.JobMetadata, errMsg string) error {
	metaJSON, err := encodeMetadata(meta)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', completed_at = NOW(), error_message = $2, metadata = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, emptyToNil(errMsg), metaJSON)
	if err != nil {
		return eris.Wrapf(err, "store: fail job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict(fmt.Sprintf("job %s is not processing", id))
	}
	return nil
}

// rearmSet is shared by single and bulk operator retry. Attempts are left
// alone; the budget is extended instead so the job gets a fresh set of tries.
const rearmSet = `
	status = 'pending',
	scheduled_for = NOW(),
	max_attempts = GREATEST(max_attempts, attempts + $1),
	error_message = NULL,
	completed_at = NULL,
	updated_at = NOW()`

// resetCallStatuses returns failed call record statuses to pending for the
// re-armed jobs in the rearmed CTE.
const resetCallStatuses = `
	UPDATE call_records c
	SET transcript_status = CASE WHEN c.transcript_status = 'failed' THEN 'pending' ELSE c.transcript_status END,
	    analysis_status = CASE WHEN c.analysis_status = 'failed' THEN 'pending' ELSE c.analysis_status END,
	    updated_at = NOW()
	FROM rearmed r
	WHERE c.id = r.call_record_id`

// RetryJob re-arms one failed or retry job. Jobs in any other state, and
// unknown ids, are reported as not found.
func (s *Store) RetryJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, apperr.NotFound("job not found")
	}
	sql := `
		WITH rearmed AS (
			UPDATE jobs SET ` + rearmSet + `
			WHERE id = $2 AND status IN ('failed', 'retry')
			RETURNING ` + jobColumns + `
		), reset AS (` + resetCallStatuses + `
			RETURNING c.id
		)
		SELECT ` + jobColumns + ` FROM rearmed`

	job, err := scanJob(s.db.QueryRow(ctx, sql, s.retryBudget(), id))
	if isNoRows(err) {
		return models.Job{}, apperr.NotFound("job not found or not in a retryable state")
	}
	if err != nil {
		return models.Job{}, eris.Wrapf(err, "store: retry job %s", id)
	}
	return job, nil
}

// RequeueFailed re-arms every failed or retry job and returns how many were
// requeued.
func (s *Store) RequeueFailed(ctx context.Context) (int64, error) {
	sql := `
		WITH rearmed AS (
			UPDATE jobs SET ` + rearmSet + `
			WHERE status IN ('failed', 'retry')
			RETURNING id, call_record_id
		), reset AS (` + resetCallStatuses + `
			RETURNING c.id
		)
		SELECT COUNT(*) FROM rearmed`

	var n int64
	if err := s.db.QueryRow(ctx, sql, s.retryBudget()).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "store: requeue failed jobs")
	}
	return n, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, apperr.NotFound("job not found")
	}
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if isNoRows(err) {
		return models.Job{}, apperr.NotFound("job not found")
	}
	if err != nil {
		return models.Job{}, eris.Wrapf(err, "store: get job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs newest first, narrowed by filter.
func (s *Store) ListJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.TenantID != "" {
		if _, err := uuid.Parse(filter.TenantID); err != nil {
			return []models.Job{}, nil
		}
		args = append(args, filter.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + jobColumns + ` FROM jobs`)
	if len(where) > 0 {
		b.WriteString(` WHERE ` + strings.Join(where, " AND "))
	}
	args = append(args, limit, offset)
	fmt.Fprintf(&b, ` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list jobs")
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, eris.Wrap(rows.Err(), "store: iterate jobs")
}

// CountByStatus reports the number of jobs per status, for queue depth gauges.
func (s *Store) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "store: count jobs")
	}
	defer rows.Close()

	out := make(map[models.JobStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "store: scan job count")
		}
		out[models.JobStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "store: iterate job counts")
}
