package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cdr-pipeline/internal/analysis"
	"cdr-pipeline/internal/billing"
	"cdr-pipeline/internal/config"
	"cdr-pipeline/internal/models"
	"cdr-pipeline/internal/notify"
	"cdr-pipeline/internal/pipeline"
	"cdr-pipeline/internal/recording"
	"cdr-pipeline/internal/storage"
	"cdr-pipeline/internal/store"
	"cdr-pipeline/internal/telemetry"
	"cdr-pipeline/internal/transcribe"
	"cdr-pipeline/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.InitLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	defer func() { _ = zap.L().Sync() }()
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}
	telemetry.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN, store.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MaxConnLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return err
	}
	st.SetDefaultMaxAttempts(cfg.MaxAttempts)

	blobs, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}

	var sink notify.Notifier = notify.LogNotifier{}
	if cfg.NotifyWebhookURL != "" {
		sink = notify.Multi{sink, notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, 10*time.Second)}
	}
	notifier := notify.NewAsync(sink, 15*time.Second)
	defer notifier.Wait()

	ledger := billing.NewLedger(st, billing.Pricing{
		PerCallCents:   cfg.BillingPerCallCents,
		PerMinuteCents: cfg.BillingPerMinuteCents,
	}, func(_ string, charge models.UsageCharge) {
		telemetry.UsageCalls.Add(float64(charge.Calls))
		telemetry.UsageSeconds.Add(float64(charge.BillableSeconds))
	})

	runner := pipeline.NewRunner(pipeline.Deps{
		Store: st,
		Blobs: blobs,
		Fetcher: recording.NewFetcher(recording.Options{
			Timeout:       cfg.RecordingTimeout,
			MaxBytes:      cfg.RecordingMaxBytes,
			RatePerSecond: cfg.RecordingRatePerSec,
		}),
		Transcriber: transcribe.New(transcribe.Config{
			BaseURL:       cfg.TranscribeBaseURL,
			APIKey:        cfg.TranscribeAPIKey,
			PollInterval:  cfg.TranscribePollInterval,
			Timeout:       cfg.TranscribeTimeout,
			RatePerSecond: cfg.TranscribeRatePerSec,
			Language:      cfg.TranscribeLanguage,
		}),
		Analyzer: analysis.NewAnalyzer(
			analysis.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL),
			analysis.Config{Model: cfg.AnthropicModel, MaxTokens: cfg.AnthropicMaxTokens},
		),
		Ledger:       ledger,
		Notifier:     notifier,
		StageTimeout: cfg.StageTimeout,
	})

	workerID := cfg.WorkerID
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	pool := worker.NewPool(st, runner, worker.Config{
		MaxConcurrency: cfg.WorkerMaxConcurrency,
		PollInterval:   cfg.WorkerPollInterval,
		DrainTimeout:   cfg.WorkerDrainTimeout,
		WorkerID:       workerID,
	})
	zap.L().Info("worker started",
		zap.String("worker_id", workerID),
		zap.Int("max_concurrency", cfg.WorkerMaxConcurrency),
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
		zap.String("storage", cfg.StorageBackend),
	)
	return pool.Run(ctx)
}

func openStorage(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.StorageBackend == "s3" {
		return storage.NewS3(ctx, storage.S3Config{
			Bucket:    cfg.StorageS3Bucket,
			Region:    cfg.StorageS3Region,
			Endpoint:  cfg.StorageS3Endpoint,
			PathStyle: cfg.StorageS3PathStyle,
			Prefix:    cfg.StorageS3Prefix,
		})
	}
	return storage.NewLocal(cfg.StorageLocalDir), nil
}
