package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"cdr-pipeline/internal/billing"
)

var usageCmd = &cobra.Command{
	Use:   "usage <tenant-id>",
	Short: "Show a tenant's billed usage for a month",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		month, _ := cmd.Flags().GetString("month")
		if month == "" {
			month = billing.MonthKey(time.Now())
		}
		if _, err := time.Parse("2006-01", month); err != nil {
			return eris.Errorf("month must look like 2024-03, got %q", month)
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		tenant, err := st.GetTenant(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "usage")
		}
		u, err := st.GetUsage(ctx, tenant.ID, month)
		if err != nil {
			return eris.Wrap(err, "usage")
		}
		if asJSON {
			return printJSON(os.Stdout, u)
		}
		fmt.Fprintf(os.Stdout, "%s (%s) %s: %d calls, %d billable seconds, %s\n",
			tenant.Name, tenant.Status, u.Month, u.Calls, u.BillableSeconds, formatCents(u.AmountCents))
		return nil
	},
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}

func init() {
	usageCmd.Flags().String("month", "", "billing month as YYYY-MM (default: current UTC month)")
	usageCmd.Flags().Bool("json", false, "print the usage row as JSON")
	rootCmd.AddCommand(usageCmd)
}
