package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cdr-pipeline/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  "Applies all pending embedded SQL migrations in lexicographic order. The api and worker do the same on start-up.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.RunMigrations(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}
		zap.L().Info("all migrations applied", zap.Strings("migrations", store.MigrationNames()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
