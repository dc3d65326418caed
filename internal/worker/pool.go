package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"cdr-pipeline/internal/models"
	"cdr-pipeline/internal/telemetry"
)

// Claimer hands out due jobs, each to exactly one caller.
type Claimer interface {
	ClaimNext(ctx context.Context) (*models.Job, error)
}

// Runner executes one claimed job and performs its terminal transition.
type Runner interface {
	Run(ctx context.Context, job models.Job) error
}

// statusCounter is implemented by the Postgres store and feeds the queue gauges.
type statusCounter interface {
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
}

// Config sizes the pool.
type Config struct {
	MaxConcurrency int
	PollInterval   time.Duration
	DrainTimeout   time.Duration
	WorkerID       string
}

// Pool polls the job store and runs up to MaxConcurrency jobs at once.
type Pool struct {
	claimer Claimer
	runner  Runner
	cfg     Config
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	active  atomic.Int64
}

func NewPool(c Claimer, r Runner, cfg Config) *Pool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 60 * time.Second
	}
	return &Pool{
		claimer: c,
		runner:  r,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}
}

// Active is the number of jobs currently running.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Run claims and dispatches jobs until ctx is cancelled or a claim fails. On
// shutdown it stops claiming and waits up to DrainTimeout for running jobs.
// A claim failure is returned after the same drain.
func (p *Pool) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("worker_id", p.cfg.WorkerID))
	log.Info("worker pool started",
		zap.Int("max_concurrency", p.cfg.MaxConcurrency),
		zap.Duration("poll_interval", p.cfg.PollInterval),
	)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.fill(ctx); err != nil {
			log.Error("claim failed, stopping worker pool", zap.Error(err))
			p.drain(log)
			return err
		}
		p.refreshGauges(ctx)

		select {
		case <-ctx.Done():
			log.Info("shutdown requested, draining", zap.Int64("active", p.Active()))
			p.drain(log)
			return nil
		case <-ticker.C:
		}
	}
}

// fill claims jobs while slots are free. It stops at the first empty claim.
func (p *Pool) fill(ctx context.Context) error {
	for ctx.Err() == nil && p.sem.TryAcquire(1) {
		job, err := p.claimer.ClaimNext(ctx)
		if err != nil {
			p.sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			return eris.Wrap(err, "claim next job")
		}
		if job == nil {
			p.sem.Release(1)
			return nil
		}
		p.dispatch(ctx, *job)
	}
	return nil
}

func (p *Pool) dispatch(ctx context.Context, job models.Job) {
	telemetry.JobsClaimed.Inc()
	telemetry.InFlightGauge.Inc()
	p.active.Add(1)
	p.wg.Add(1)

	// Jobs keep running through shutdown; only the drain timeout gives up on them.
	jobCtx := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.active.Add(-1)
		defer telemetry.InFlightGauge.Dec()

		if err := p.runner.Run(jobCtx, job); err != nil {
			zap.L().Error("job transition failed",
				zap.String("job_id", job.ID),
				zap.String("cdr_id", job.CallRecordID),
				zap.Error(err),
			)
		}
	}()
}

func (p *Pool) drain(log *zap.Logger) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained")
	case <-time.After(p.cfg.DrainTimeout):
		abandoned := p.Active()
		telemetry.JobsAbandoned.Add(float64(abandoned))
		log.Warn("drain timeout expired, jobs left in processing",
			zap.Int64("abandoned", abandoned),
			zap.Duration("drain_timeout", p.cfg.DrainTimeout),
		)
	}
}

func (p *Pool) refreshGauges(ctx context.Context) {
	sc, ok := p.claimer.(statusCounter)
	if !ok || ctx.Err() != nil {
		return
	}
	counts, err := sc.CountByStatus(ctx)
	if err != nil {
		zap.L().Debug("queue depth refresh failed", zap.Error(err))
		return
	}
	for _, s := range []models.JobStatus{models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed, models.JobRetry} {
		telemetry.QueueDepthGauge.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
