package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdr-pipeline/internal/apperr"
	"cdr-pipeline/internal/models"
)

const testConnID = "c0ffee00-1111-4222-8333-444455556666"

var connCols = []string{
	"id", "tenant_id", "vendor", "webhook_secret", "is_active", "base_url",
	"api_username", "api_password", "recording_base_url",
	"tenant_id", "name", "status", "custom_keywords",
}

func answeredCall() models.CanonicalCall {
	return models.CanonicalCall{
		VendorCallID:      "1700000000.42",
		Direction:         models.DirectionInbound,
		Src:               "2125551212",
		Dst:               "1005",
		StartTime:         time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC),
		DurationSeconds:   120,
		BillsecSeconds:    115,
		Disposition:       models.DispositionAnswered,
		RecordingFilename: "auto-1700000000-2125551212-1005.wav",
		RawPayload:        []byte(`{"uniqueid":"1700000000.42"}`),
	}
}

func TestIngestCall_EligibleCreatesOneJob(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO call_records`).
		WithArgs(testTenantID, testConnID, "1700000000.42", "2125551212", "1005", "", "inbound",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), 120, 115, "answered",
			"auto-1700000000-2125551212-1005.wav", "pending", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(testCallID))
	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(pgxmock.AnyArg(), testCallID, testTenantID, models.JobTypeFullPipeline, 0, 3).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.IngestCall(context.Background(), IngestParams{
		TenantID: testTenantID, ConnectionID: testConnID, Call: answeredCall(),
	})
	require.NoError(t, err)
	assert.Equal(t, testCallID, res.CallRecordID)
	assert.True(t, res.Queued)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.JobID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestCall_IneligibleIsSkippedWithoutJob(t *testing.T) {
	s, mock := newMockStore(t)
	call := answeredCall()
	call.Disposition = models.DispositionNoAnswer
	call.RecordingFilename = ""

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO call_records`).
		WithArgs(testTenantID, testConnID, "1700000000.42", "2125551212", "1005", "", "inbound",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), 120, 115, "no_answer",
			"", "skipped", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(testCallID))
	mock.ExpectCommit()

	res, err := s.IngestCall(context.Background(), IngestParams{
		TenantID: testTenantID, ConnectionID: testConnID, Call: call,
	})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Empty(t, res.JobID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestCall_DuplicateReturnsExistingRecord(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO call_records`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT id FROM call_records WHERE connection_id = \$1 AND vendor_call_id = \$2`).
		WithArgs(testConnID, "1700000000.42").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(testCallID))
	mock.ExpectQuery(`SELECT id FROM jobs WHERE call_record_id = \$1`).
		WithArgs(testCallID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(testJobID))
	mock.ExpectCommit()

	res, err := s.IngestCall(context.Background(), IngestParams{
		TenantID: testTenantID, ConnectionID: testConnID, Call: answeredCall(),
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.Queued)
	assert.Equal(t, testCallID, res.CallRecordID)
	assert.Equal(t, testJobID, res.JobID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestCall_JobInsertFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO call_records`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(testCallID))
	mock.ExpectExec(`INSERT INTO jobs`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.IngestCall(context.Background(), IngestParams{
		TenantID: testTenantID, ConnectionID: testConnID, Call: answeredCall(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert job")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCallRecord(t *testing.T) {
	s, mock := newMockStore(t)
	start := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

	cols := []string{"id", "tenant_id", "connection_id", "vendor_call_id", "src", "dst", "caller_name",
		"direction", "start_time", "answer_time", "end_time", "duration_seconds", "billsec_seconds",
		"disposition", "recording_filename", "recording_path", "transcript_path", "analysis_path",
		"transcript_status", "analysis_status", "finalized_at", "created_at", "updated_at"}
	mock.ExpectQuery(`FROM call_records WHERE id = \$1`).
		WithArgs(testCallID).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			testCallID, testTenantID, testConnID, "1700000000.42", "2125551212", "1005", "",
			"inbound", start, nil, nil, 120, 115,
			"answered", "auto.wav", "recordings/t/c/auto.wav", "", "",
			"completed", "processing", nil, start, start,
		))

	rec, err := s.GetCallRecord(context.Background(), testCallID)
	require.NoError(t, err)
	assert.Equal(t, models.DispositionAnswered, rec.Disposition)
	assert.Equal(t, models.ProcessingCompleted, rec.TranscriptStatus)
	assert.Equal(t, models.ProcessingProcessing, rec.AnalysisStatus)
	assert.Nil(t, rec.FinalizedAt)
	assert.Equal(t, 115, rec.BillsecSeconds)
}

func TestSaveTranscript_UnknownRecord(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`SET transcript_path = \$2`).
		WithArgs(testCallID, "transcripts/t/c.json", 42).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SaveTranscript(context.Background(), testCallID, "transcripts/t/c.json", 42)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestMarkCallFailed_KeepsCompletedStatuses(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`CASE WHEN transcript_status IN \('completed', 'skipped'\)`).
		WithArgs(testCallID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkCallFailed(context.Background(), testCallID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConnection_JoinsTenant(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM pbx_connections c\s+JOIN tenants t`).
		WithArgs(testConnID).
		WillReturnRows(pgxmock.NewRows(connCols).AddRow(
			testConnID, testTenantID, "grandstream", "s3cret", true, "https://ucm.example:8089",
			"cdrapi", "pw", "",
			testTenantID, "Acme", "suspended", []string{"refund"},
		))

	got, err := s.GetConnection(context.Background(), testConnID)
	require.NoError(t, err)
	assert.Equal(t, models.VendorGrandstream, got.Connection.Vendor)
	assert.True(t, got.Connection.IsActive)
	assert.Equal(t, models.TenantSuspended, got.Tenant.Status)
	assert.Equal(t, []string{"refund"}, got.Tenant.CustomKeywords)
}

func TestGetConnection_UnknownAndMalformed(t *testing.T) {
	s, mock := newMockStore(t)

	_, err := s.GetConnection(context.Background(), "nope")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	mock.ExpectQuery(`FROM pbx_connections`).
		WithArgs(testConnID).
		WillReturnRows(pgxmock.NewRows(connCols))
	_, err = s.GetConnection(context.Background(), testConnID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestGetTenant(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM tenants WHERE id = \$1`).
		WithArgs(testTenantID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "status", "custom_keywords"}).
			AddRow(testTenantID, "Acme", "active", []string{"refund", "cancel"}))

	got, err := s.GetTenant(context.Background(), testTenantID)
	require.NoError(t, err)
	assert.Equal(t, models.TenantActive, got.Status)
	assert.Equal(t, "Acme", got.Name)

	_, err = s.GetTenant(context.Background(), "not-a-uuid")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}
