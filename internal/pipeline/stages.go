package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"cdr-pipeline/internal/analysis"
	"cdr-pipeline/internal/models"
	"cdr-pipeline/internal/storage"
	"cdr-pipeline/internal/transcribe"
)

// jobState carries each stage's output to the next one.
type jobState struct {
	call   models.CallRecord
	conn   models.PbxConnection
	tenant models.Tenant

	audio       []byte
	contentType string

	transcript transcribe.Transcript

	sentiment    string
	usageCounted bool
}

func (r *Runner) execute(ctx context.Context, job models.Job, meta *models.JobMetadata) (*jobState, error) {
	st := &jobState{}
	steps := []struct {
		name string
		fn   func(context.Context, *jobState) error
	}{
		{StepDownload, func(ctx context.Context, st *jobState) error { return r.download(ctx, job, st) }},
		{StepTranscribe, r.transcribe},
		{StepAnalyze, r.analyze},
		{StepFinalize, r.finalize},
	}
	for _, s := range steps {
		fn := s.fn
		if err := r.stage(ctx, s.name, meta, func(ctx context.Context) error { return fn(ctx, st) }); err != nil {
			return st, err
		}
	}
	return st, nil
}

// download loads the call and its connection, then fetches the recording from
// the PBX unless an earlier attempt already stored it.
func (r *Runner) download(ctx context.Context, job models.Job, st *jobState) error {
	call, err := r.Store.GetCallRecord(ctx, job.CallRecordID)
	if err != nil {
		return eris.Wrap(err, "load call record")
	}
	ct, err := r.Store.GetConnection(ctx, call.ConnectionID)
	if err != nil {
		return eris.Wrap(err, "load connection")
	}
	st.call, st.conn, st.tenant = call, ct.Connection, ct.Tenant

	if call.RecordingPath != "" {
		body, err := r.Blobs.Get(ctx, call.RecordingPath)
		if err == nil {
			st.audio = body
			st.contentType = storage.ContentTypeFor(call.RecordingPath)
			zap.L().Debug("recording already stored", zap.String("cdr_id", call.ID), zap.String("path", call.RecordingPath))
			return nil
		}
		if !eris.Is(err, storage.ErrNotFound) {
			return eris.Wrap(err, "read stored recording")
		}
	}

	rec, err := r.Fetcher.Fetch(ctx, st.conn, call.RecordingFilename)
	if err != nil {
		return err
	}
	key := storage.RecordingKey(call.TenantID, call.ID, call.RecordingFilename)
	contentType := rec.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = storage.ContentTypeFor(call.RecordingFilename)
	}
	if err := r.Blobs.Put(ctx, key, rec.Body, contentType); err != nil {
		return eris.Wrap(err, "store recording")
	}
	if err := r.Store.SaveRecording(ctx, call.ID, key, int64(len(rec.Body))); err != nil {
		return eris.Wrap(err, "save recording path")
	}
	st.call.RecordingPath = key
	st.audio = rec.Body
	st.contentType = contentType
	return nil
}

func (r *Runner) transcribe(ctx context.Context, st *jobState) error {
	call := st.call
	if call.TranscriptStatus == models.ProcessingCompleted && call.TranscriptPath != "" {
		if raw, err := r.Blobs.Get(ctx, call.TranscriptPath); err == nil {
			if json.Unmarshal(raw, &st.transcript) == nil {
				return nil
			}
		}
	}

	if err := r.Store.SetTranscriptStatus(ctx, call.ID, models.ProcessingProcessing); err != nil {
		return eris.Wrap(err, "mark transcript processing")
	}
	tr, err := r.Transcriber.Transcribe(ctx, transcribe.Request{
		Audio:       st.audio,
		ContentType: st.contentType,
		Keywords:    st.tenant.CustomKeywords,
	})
	if err != nil {
		return err
	}
	raw, err := json.Marshal(tr)
	if err != nil {
		return eris.Wrap(err, "encode transcript")
	}
	key := storage.TranscriptKey(call.TenantID, call.ID)
	if err := r.Blobs.Put(ctx, key, raw, "application/json"); err != nil {
		return eris.Wrap(err, "store transcript")
	}
	if err := r.Store.SaveTranscript(ctx, call.ID, key, tr.WordCount()); err != nil {
		return eris.Wrap(err, "save transcript path")
	}
	st.transcript = tr
	st.call.TranscriptPath = key
	st.call.TranscriptStatus = models.ProcessingCompleted
	zap.L().Info("transcript stored",
		zap.String("cdr_id", call.ID),
		zap.Int("word_count", tr.WordCount()),
		zap.Float64("duration_seconds", tr.DurationSeconds),
	)
	return nil
}

func (r *Runner) analyze(ctx context.Context, st *jobState) error {
	call := st.call
	if err := r.Store.SetAnalysisStatus(ctx, call.ID, models.ProcessingProcessing); err != nil {
		return eris.Wrap(err, "mark analysis processing")
	}
	res, err := r.Analyzer.Analyze(ctx, analysis.Input{
		Transcript: st.transcript.Text,
		Keywords:   st.tenant.CustomKeywords,
		Direction:  string(call.Direction),
		Duration:   st.transcript.DurationSeconds,
	})
	if err != nil {
		return err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return eris.Wrap(err, "encode analysis")
	}
	key := storage.AnalysisKey(call.TenantID, call.ID)
	if err := r.Blobs.Put(ctx, key, raw, "application/json"); err != nil {
		return eris.Wrap(err, "store analysis")
	}
	if err := r.Store.SaveAnalysis(ctx, call.ID, key, res.Sentiment, res.Summary); err != nil {
		return eris.Wrap(err, "save analysis path")
	}
	st.sentiment = res.Sentiment
	st.call.AnalysisPath = key
	return nil
}

// finalize marks the call done and counts usage once, however many attempts
// reach this stage.
func (r *Runner) finalize(ctx context.Context, st *jobState) error {
	counted, err := r.Ledger.Record(ctx, st.call)
	if err != nil {
		return eris.Wrap(err, "record usage")
	}
	st.usageCounted = counted
	return nil
}
