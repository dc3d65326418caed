package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"cdr-pipeline/internal/apperr"
	"cdr-pipeline/internal/models"
)

const callColumns = `id, tenant_id, connection_id, vendor_call_id, src, dst, caller_name, direction,
	start_time, answer_time, end_time, duration_seconds, billsec_seconds, disposition,
	recording_filename, recording_path, transcript_path, analysis_path,
	transcript_status, analysis_status, finalized_at, created_at, updated_at`

// IngestParams collects inputs required to persist one normalized CDR.
type IngestParams struct {
	TenantID     string
	ConnectionID string
	Call         models.CanonicalCall
	Priority     int
	MaxAttempts  int
}

// IngestResult reports what IngestCall did.
type IngestResult struct {
	CallRecordID string
	JobID        string
	Queued       bool
	Duplicate    bool
}

// IngestCall inserts a call record once per (connection, vendor call id) and,
// for eligible calls, its single pipeline job in the same transaction. A
// duplicate delivery returns the existing record without touching it.
func (s *Store) IngestCall(ctx context.Context, p IngestParams) (IngestResult, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = models.DefaultMaxAttempts
	}
	eligible := p.Call.ShouldProcess()
	status := models.ProcessingSkipped
	if eligible {
		status = models.ProcessingPending
	}
	raw := p.Call.RawPayload
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return IngestResult{}, eris.Wrap(err, "store: begin ingest tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c := p.Call
	var res IngestResult
	err = tx.QueryRow(ctx, `
		INSERT INTO call_records (
			tenant_id, connection_id, vendor_call_id, src, dst, caller_name, direction,
			start_time, answer_time, end_time, duration_seconds, billsec_seconds, disposition,
			recording_filename, transcript_status, analysis_status, raw_payload
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15, $16)
		ON CONFLICT (connection_id, vendor_call_id) DO NOTHING
		RETURNING id
	`, p.TenantID, p.ConnectionID, c.VendorCallID, c.Src, c.Dst, c.CallerName, string(c.Direction),
		c.StartTime, c.AnswerTime, c.EndTime, c.DurationSeconds, c.BillsecSeconds, string(c.Disposition),
		c.RecordingFilename, string(status), raw).Scan(&res.CallRecordID)

	switch {
	case isNoRows(err):
		res.Duplicate = true
		if err := tx.QueryRow(ctx, `
			SELECT id FROM call_records WHERE connection_id = $1 AND vendor_call_id = $2
		`, p.ConnectionID, c.VendorCallID).Scan(&res.CallRecordID); err != nil {
			return IngestResult{}, eris.Wrap(err, "store: load duplicate call record")
		}
		err := tx.QueryRow(ctx, `SELECT id FROM jobs WHERE call_record_id = $1`, res.CallRecordID).Scan(&res.JobID)
		if err != nil && !isNoRows(err) {
			return IngestResult{}, eris.Wrap(err, "store: load job for duplicate call record")
		}
		res.Queued = res.JobID != ""
	case err != nil:
		return IngestResult{}, eris.Wrap(err, "store: insert call record")
	case eligible:
		jobID := uuid.NewString()
		if _, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, call_record_id, tenant_id, job_type, status, priority, attempts, max_attempts, scheduled_for, metadata)
			VALUES ($1, $2, $3, $4, 'pending', $5, 0, $6, NOW(), '{}'::jsonb)
			ON CONFLICT (call_record_id) DO NOTHING
		`, jobID, res.CallRecordID, p.TenantID, models.JobTypeFullPipeline, p.Priority, p.MaxAttempts); err != nil {
			return IngestResult{}, eris.Wrap(err, "store: insert job")
		}
		res.JobID = jobID
		res.Queued = true
	}

	if err := tx.Commit(ctx); err != nil {
		return IngestResult{}, eris.Wrap(err, "store: commit ingest")
	}
	return res, nil
}

func scanCallRecord(row pgx.Row) (models.CallRecord, error) {
	var (
		rec                                    models.CallRecord
		direction, disposition, tStatus, aStat string
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.ConnectionID, &rec.VendorCallID, &rec.Src, &rec.Dst,
		&rec.CallerName, &direction, &rec.StartTime, &rec.AnswerTime, &rec.EndTime, &rec.DurationSeconds,
		&rec.BillsecSeconds, &disposition, &rec.RecordingFilename, &rec.RecordingPath, &rec.TranscriptPath,
		&rec.AnalysisPath, &tStatus, &aStat, &rec.FinalizedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return models.CallRecord{}, err
	}
	rec.Direction = models.Direction(direction)
	rec.Disposition = models.Disposition(disposition)
	rec.TranscriptStatus = models.ProcessingStatus(tStatus)
	rec.AnalysisStatus = models.ProcessingStatus(aStat)
	return rec, nil
}

// GetCallRecord fetches a call record by id.
func (s *Store) GetCallRecord(ctx context.Context, id string) (models.CallRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.CallRecord{}, apperr.NotFound("call record not found")
	}
	rec, err := scanCallRecord(s.db.QueryRow(ctx, `SELECT `+callColumns+` FROM call_records WHERE id = $1`, id))
	if isNoRows(err) {
		return models.CallRecord{}, apperr.NotFound("call record not found")
	}
	if err != nil {
		return models.CallRecord{}, eris.Wrapf(err, "store: get call record %s", id)
	}
	return rec, nil
}

func (s *Store) updateCall(ctx context.Context, id, what, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return eris.Wrapf(err, "store: %s for call record %s", what, id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(fmt.Sprintf("call record %s not found", id))
	}
	return nil
}

// SetTranscriptStatus updates transcript_status.
func (s *Store) SetTranscriptStatus(ctx context.Context, id string, status models.ProcessingStatus) error {
	return s.updateCall(ctx, id, "set transcript status", `
		UPDATE call_records SET transcript_status = $2, updated_at = NOW() WHERE id = $1
	`, string(status))
}

// SetAnalysisStatus updates analysis_status.
func (s *Store) SetAnalysisStatus(ctx context.Context, id string, status models.ProcessingStatus) error {
	return s.updateCall(ctx, id, "set analysis status", `
		UPDATE call_records SET analysis_status = $2, updated_at = NOW() WHERE id = $1
	`, string(status))
}

// SaveRecording records where the downloaded audio was stored.
func (s *Store) SaveRecording(ctx context.Context, id, path string, size int64) error {
	return s.updateCall(ctx, id, "save recording", `
		UPDATE call_records SET recording_path = $2, recording_size = $3, updated_at = NOW() WHERE id = $1
	`, path, size)
}

// SaveTranscript links the stored transcript and completes transcript_status.
func (s *Store) SaveTranscript(ctx context.Context, id, path string, wordCount int) error {
	return s.updateCall(ctx, id, "save transcript", `
		UPDATE call_records
		SET transcript_path = $2, word_count = $3, transcript_status = 'completed', updated_at = NOW()
		WHERE id = $1
	`, path, wordCount)
}

// SaveAnalysis links the stored analysis. analysis_status is completed by
// FinalizeCall.
func (s *Store) SaveAnalysis(ctx context.Context, id, path, sentiment, summary string) error {
	return s.updateCall(ctx, id, "save analysis", `
		UPDATE call_records SET analysis_path = $2, sentiment = $3, summary = $4, updated_at = NOW() WHERE id = $1
	`, path, sentiment, summary)
}

// MarkCallFailed fails every status that has not already completed or been skipped.
func (s *Store) MarkCallFailed(ctx context.Context, id string) error {
	return s.updateCall(ctx, id, "mark failed", `
		UPDATE call_records
		SET transcript_status = CASE WHEN transcript_status IN ('completed', 'skipped') THEN transcript_status ELSE 'failed' END,
		    analysis_status = CASE WHEN analysis_status IN ('completed', 'skipped') THEN analysis_status ELSE 'failed' END,
		    updated_at = NOW()
		WHERE id = $1
	`)
}
