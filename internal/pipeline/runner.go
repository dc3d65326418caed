// Package pipeline runs one claimed job through download, transcribe, analyze
// and finalize, and turns stage failures into retry or failure transitions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"cdr-pipeline/internal/analysis"
	"cdr-pipeline/internal/models"
	"cdr-pipeline/internal/notify"
	"cdr-pipeline/internal/recording"
	"cdr-pipeline/internal/storage"
	"cdr-pipeline/internal/telemetry"
	"cdr-pipeline/internal/transcribe"
)

// Stage names, in execution order.
const (
	StepDownload   = "download"
	StepTranscribe = "transcribe"
	StepAnalyze    = "analyze"
	StepFinalize   = "finalize"
)

// DefaultBackoff is indexed by attempts-1 and saturates at the last entry.
var DefaultBackoff = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}

// StageError tags a failure with the stage that produced it.
type StageError struct {
	Step string
	Err  error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// JobStore holds the job transitions the runner performs.
type JobStore interface {
	CompleteJob(ctx context.Context, id string, meta models.JobMetadata) error
	ScheduleRetry(ctx context.Context, id string, delay time.Duration, meta models.JobMetadata, errMsg string) (time.Time, error)
	FailPermanently(ctx context.Context, id string, meta models.JobMetadata, errMsg string) error
}

// CallStore holds the call record reads and writes the stages perform.
type CallStore interface {
	GetCallRecord(ctx context.Context, id string) (models.CallRecord, error)
	GetConnection(ctx context.Context, id string) (models.ConnectionWithTenant, error)
	SetTranscriptStatus(ctx context.Context, id string, status models.ProcessingStatus) error
	SetAnalysisStatus(ctx context.Context, id string, status models.ProcessingStatus) error
	SaveRecording(ctx context.Context, id, path string, size int64) error
	SaveTranscript(ctx context.Context, id, path string, wordCount int) error
	SaveAnalysis(ctx context.Context, id, path, sentiment, summary string) error
	MarkCallFailed(ctx context.Context, id string) error
}

// Store is everything the runner needs from Postgres.
type Store interface {
	JobStore
	CallStore
}

type Fetcher interface {
	Fetch(ctx context.Context, conn models.PbxConnection, filename string) (recording.Recording, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Transcript, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input) (analysis.Result, error)
}

type Ledger interface {
	Record(ctx context.Context, call models.CallRecord) (bool, error)
}

// Notifier receives terminal job events without blocking.
type Notifier interface {
	Send(ev notify.Event)
}

// Deps wires the runner's collaborators.
type Deps struct {
	Store       Store
	Blobs       storage.Store
	Fetcher     Fetcher
	Transcriber Transcriber
	Analyzer    Analyzer
	Ledger      Ledger
	Notifier    Notifier
	Backoff     []time.Duration
	// StageTimeout bounds each stage; zero means no limit beyond the caller's context.
	StageTimeout time.Duration
}

// Runner executes jobs. It is safe for concurrent use.
type Runner struct {
	Deps
	now func() time.Time
}

func NewRunner(d Deps) *Runner {
	if len(d.Backoff) == 0 {
		d.Backoff = DefaultBackoff
	}
	return &Runner{Deps: d, now: time.Now}
}

// RetryDelay picks the backoff for a job that has been attempted attempts times.
func RetryDelay(table []time.Duration, attempts int) time.Duration {
	if len(table) == 0 {
		return 0
	}
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(table) {
		i = len(table) - 1
	}
	return table[i]
}

// Run drives a claimed job to completed, pending-with-backoff, or failed.
// Stage errors are absorbed into those transitions; only errors writing the
// transition itself are returned.
func (r *Runner) Run(ctx context.Context, job models.Job) error {
	start := r.now()
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("cdr_id", job.CallRecordID),
		zap.String("tenant_id", job.TenantID),
		zap.Int("attempt", job.Attempts),
	)
	log.Info("job started")

	meta := job.Metadata
	state, err := r.execute(ctx, job, &meta)
	meta.ProcessingMs = r.now().Sub(start).Milliseconds()
	if err == nil {
		return r.complete(ctx, job, meta, state, log)
	}
	return r.fail(ctx, job, meta, err, log)
}

func (r *Runner) complete(ctx context.Context, job models.Job, meta models.JobMetadata, st *jobState, log *zap.Logger) error {
	meta.FailedStep = ""
	meta.LastError = ""
	if meta.Extra == nil {
		meta.Extra = make(map[string]any)
	}
	meta.Extra["usage_counted"] = st.usageCounted
	if err := r.Store.CompleteJob(ctx, job.ID, meta); err != nil {
		return eris.Wrapf(err, "complete job %s", job.ID)
	}
	telemetry.JobsCompleted.Inc()
	log.Info("job completed", zap.Int64("processing_ms", meta.ProcessingMs), zap.Bool("usage_counted", st.usageCounted))
	r.notify(notify.Event{
		Type:         notify.EventJobCompleted,
		JobID:        job.ID,
		CallRecordID: job.CallRecordID,
		TenantID:     job.TenantID,
		Attempts:     job.Attempts,
		Sentiment:    st.sentiment,
		OccurredAt:   r.now().UTC(),
	})
	return nil
}

func (r *Runner) fail(ctx context.Context, job models.Job, meta models.JobMetadata, err error, log *zap.Logger) error {
	step := StepDownload
	var se *StageError
	if errors.As(err, &se) {
		step = se.Step
	}
	msg := err.Error()
	meta.FailedStep = step
	meta.LastError = msg

	if job.CanRetry() {
		delay := RetryDelay(r.Backoff, job.Attempts)
		at, serr := r.Store.ScheduleRetry(ctx, job.ID, delay, meta, msg)
		if serr != nil {
			return eris.Wrapf(serr, "schedule retry for job %s", job.ID)
		}
		telemetry.JobsRetried.WithLabelValues(step).Inc()
		log.Warn("job failed, retry scheduled",
			zap.String("step", step),
			zap.Duration("delay", delay),
			zap.Time("scheduled_for", at),
			zap.Error(err),
		)
		return nil
	}

	if ferr := r.Store.FailPermanently(ctx, job.ID, meta, msg); ferr != nil {
		return eris.Wrapf(ferr, "fail job %s", job.ID)
	}
	telemetry.JobsFailed.WithLabelValues(step).Inc()
	log.Error("job failed permanently",
		zap.String("step", step),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(err),
	)
	if merr := r.Store.MarkCallFailed(ctx, job.CallRecordID); merr != nil {
		return eris.Wrapf(merr, "mark call %s failed", job.CallRecordID)
	}
	r.notify(notify.Event{
		Type:         notify.EventJobFailed,
		JobID:        job.ID,
		CallRecordID: job.CallRecordID,
		TenantID:     job.TenantID,
		Attempts:     job.Attempts,
		FailedStep:   step,
		Error:        msg,
		OccurredAt:   r.now().UTC(),
	})
	return nil
}

func (r *Runner) notify(ev notify.Event) {
	if r.Notifier != nil {
		r.Notifier.Send(ev)
	}
}

// stage runs fn under the stage timeout, records its latency and tags any
// error with the step name.
func (r *Runner) stage(ctx context.Context, step string, meta *models.JobMetadata, fn func(context.Context) error) error {
	meta.CurrentStep = step
	if r.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.StageTimeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.StageDuration.WithLabelValues(step, outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		return &StageError{Step: step, Err: err}
	}
	return nil
}
