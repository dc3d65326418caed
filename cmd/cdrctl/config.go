package main

import (
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cdr-pipeline/internal/api"
	"cdr-pipeline/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect effective configuration",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the merged configuration as YAML with secrets masked",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return writeConfig(os.Stdout, cfg)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration the worker would start with",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cfg.ValidateWorker()
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Sign an operator token for the job endpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.AdminJWTSecret == "" {
			return eris.New("ADMIN_JWT_SECRET is not set")
		}
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		tok, err := api.IssueOperatorToken([]byte(cfg.AdminJWTSecret), args[0], role, ttl)
		if err != nil {
			return eris.Wrap(err, "sign token")
		}
		_, err = io.WriteString(os.Stdout, tok+"\n")
		return err
	},
}

func writeConfig(w io.Writer, c config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return eris.Wrap(err, "encode config")
	}
	return enc.Close()
}

func init() {
	tokenCmd.Flags().String("role", "operator", "token role (operator or admin)")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")

	configCmd.AddCommand(configPrintCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd, tokenCmd)
}
