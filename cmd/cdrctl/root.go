package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cdr-pipeline/internal/config"
	"cdr-pipeline/internal/store"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "cdrctl",
	Short:         "Operate the CDR pipeline",
	Long:          "Applies migrations, inspects and re-arms pipeline jobs, and reports tenant usage against the pipeline database.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// initStore connects with the shared pool settings.
func initStore(ctx context.Context) (*store.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := store.New(ctx, cfg.PostgresDSN, store.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MaxConnLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	st.SetDefaultMaxAttempts(cfg.MaxAttempts)
	return st, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cdrctl: %v\n", err)
		os.Exit(1)
	}
}
