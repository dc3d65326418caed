package models

import "time"

// Direction of a call relative to the tenant's PBX.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

// Disposition is the closed set of call outcomes.
type Disposition string

const (
	DispositionAnswered   Disposition = "answered"
	DispositionNoAnswer   Disposition = "no_answer"
	DispositionBusy       Disposition = "busy"
	DispositionFailed     Disposition = "failed"
	DispositionCongestion Disposition = "congestion"
)

// ProcessingStatus is shared by transcript_status and analysis_status.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
	ProcessingSkipped    ProcessingStatus = "skipped"
)

// CanonicalCall is the vendor-neutral shape produced by the normalizer.
type CanonicalCall struct {
	VendorCallID      string      `json:"vendor_call_id"`
	Direction         Direction   `json:"direction"`
	Src               string      `json:"src"`
	Dst               string      `json:"dst"`
	CallerName        string      `json:"caller_name,omitempty"`
	StartTime         time.Time   `json:"start_time"`
	AnswerTime        *time.Time  `json:"answer_time,omitempty"`
	EndTime           *time.Time  `json:"end_time,omitempty"`
	DurationSeconds   int         `json:"duration_seconds"`
	BillsecSeconds    int         `json:"billsec_seconds"`
	Disposition       Disposition `json:"disposition"`
	RecordingFilename string      `json:"recording_filename,omitempty"`
	RawPayload        []byte      `json:"-"`
}

// ShouldProcess is the eligibility rule for creating a pipeline job.
func (c CanonicalCall) ShouldProcess() bool {
	return c.Disposition == DispositionAnswered && c.RecordingFilename != ""
}

// CallRecord is a persisted CDR.
type CallRecord struct {
	ID                string           `json:"id"`
	TenantID          string           `json:"tenant_id"`
	ConnectionID      string           `json:"connection_id"`
	VendorCallID      string           `json:"vendor_call_id"`
	Src               string           `json:"src"`
	Dst               string           `json:"dst"`
	CallerName        string           `json:"caller_name,omitempty"`
	Direction         Direction        `json:"direction"`
	StartTime         time.Time        `json:"start_time"`
	AnswerTime        *time.Time       `json:"answer_time,omitempty"`
	EndTime           *time.Time       `json:"end_time,omitempty"`
	DurationSeconds   int              `json:"duration_seconds"`
	BillsecSeconds    int              `json:"billsec_seconds"`
	Disposition       Disposition      `json:"disposition"`
	RecordingFilename string           `json:"recording_filename,omitempty"`
	RecordingPath     string           `json:"recording_path,omitempty"`
	TranscriptPath    string           `json:"transcript_path,omitempty"`
	AnalysisPath      string           `json:"analysis_path,omitempty"`
	TranscriptStatus  ProcessingStatus `json:"transcript_status"`
	AnalysisStatus    ProcessingStatus `json:"analysis_status"`
	FinalizedAt       *time.Time       `json:"finalized_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}
