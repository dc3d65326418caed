package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetry      JobStatus = "retry"
)

// JobTypeFullPipeline is the only job type produced by the webhook gateway.
const JobTypeFullPipeline = "full_pipeline"

// DefaultMaxAttempts applies when a job is created without an explicit budget.
const DefaultMaxAttempts = 3

// Job is one unit of pipeline work bound to a single call record.
type Job struct {
	ID           string      `json:"id"`
	CallRecordID string      `json:"call_record_id"`
	TenantID     string      `json:"tenant_id"`
	Type         string      `json:"job_type"`
	Status       JobStatus   `json:"status"`
	Priority     int         `json:"priority"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	Metadata     JobMetadata `json:"metadata"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// CanRetry reports whether another attempt is allowed after the current one failed.
func (j Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// JobMetadata records stage progress on a job. Keys written by other tools are
// kept in Extra and written back unchanged.
type JobMetadata struct {
	CurrentStep  string         `json:"current_step,omitempty"`
	FailedStep   string         `json:"failed_step,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	ProcessingMs int64          `json:"processing_ms,omitempty"`
	Extra        map[string]any `json:"-"`
}

var metadataKeys = map[string]struct{}{
	"current_step":  {},
	"failed_step":   {},
	"last_error":    {},
	"processing_ms": {},
}

// MarshalJSON flattens Extra next to the known fields.
func (m JobMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		if _, known := metadataKeys[k]; known {
			continue
		}
		out[k] = v
	}
	if m.CurrentStep != "" {
		out["current_step"] = m.CurrentStep
	}
	if m.FailedStep != "" {
		out["failed_step"] = m.FailedStep
	}
	if m.LastError != "" {
		out["last_error"] = m.LastError
	}
	if m.ProcessingMs != 0 {
		out["processing_ms"] = m.ProcessingMs
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the known fields and keeps everything else in Extra.
func (m *JobMetadata) UnmarshalJSON(data []byte) error {
	type known struct {
		CurrentStep  string `json:"current_step"`
		FailedStep   string `json:"failed_step"`
		LastError    string `json:"last_error"`
		ProcessingMs int64  `json:"processing_ms"`
	}
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	m.CurrentStep = k.CurrentStep
	m.FailedStep = k.FailedStep
	m.LastError = k.LastError
	m.ProcessingMs = k.ProcessingMs
	m.Extra = nil
	for key, v := range all {
		if _, ok := metadataKeys[key]; ok {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[key] = v
	}
	return nil
}

// JobFilter narrows operator job listings.
type JobFilter struct {
	Status   JobStatus
	TenantID string
	Limit    int
	Offset   int
}
