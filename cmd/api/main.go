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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cdr-pipeline/internal/api"
	"cdr-pipeline/internal/config"
	"cdr-pipeline/internal/gateway"
	"cdr-pipeline/internal/normalize"
	"cdr-pipeline/internal/ratelimit"
	"cdr-pipeline/internal/store"
	"cdr-pipeline/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
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
	if err := cfg.Validate(); err != nil {
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

	opts := gateway.Options{MaxAttempts: cfg.MaxAttempts}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		opts.Limiter = ratelimit.NewTokenBucket(rdb, "webhook:", cfg.RateLimitCap, cfg.RateLimitRefill, time.Hour)
		zap.L().Info("webhook rate limiting enabled",
			zap.String("redis_addr", cfg.RedisAddr),
			zap.Int("capacity", cfg.RateLimitCap),
			zap.Float64("refill_per_sec", cfg.RateLimitRefill),
		)
	}

	gw := gateway.New(st, normalize.New(cfg.Location()), opts)
	server := api.New(gw, st, st, api.Options{
		JWTSecret:   cfg.AdminJWTSecret,
		CORSOrigins: cfg.CORSOrigins,
	})
	if cfg.AdminJWTSecret == "" {
		zap.L().Warn("ADMIN_JWT_SECRET is empty, operator routes are unauthenticated")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("api listening", zap.String("addr", httpServer.Addr), zap.String("env", cfg.Env))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.L().Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
