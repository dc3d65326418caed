package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cdr-pipeline/internal/models"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and re-arm pipeline jobs",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		tenant, _ := cmd.Flags().GetString("tenant")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		filter := models.JobFilter{Status: models.JobStatus(status), TenantID: tenant, Limit: limit, Offset: offset}
		if err := validateFilter(filter); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		jobs, err := st.ListJobs(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}
		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs get --

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs get")
		}
		return printJSON(os.Stdout, job)
	},
}

// -- jobs retry --

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-arm one failed or retry job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		job, err := st.RetryJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs retry")
		}
		zap.L().Info("job re-armed",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
		)
		return printJSON(os.Stdout, job)
	},
}

// -- jobs requeue --

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Re-arm every failed job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.RequeueFailed(ctx)
		if err != nil {
			return eris.Wrap(err, "jobs requeue")
		}
		fmt.Fprintf(os.Stdout, "Requeued %d failed job(s).\n", n)
		return nil
	},
}

func validateFilter(f models.JobFilter) error {
	switch f.Status {
	case "", models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed, models.JobRetry:
	default:
		return eris.Errorf("unknown job status %q", f.Status)
	}
	if f.Limit < 0 || f.Offset < 0 {
		return eris.New("limit and offset must be non-negative")
	}
	return nil
}

func formatJobsList(w io.Writer, jobs []models.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tPRIORITY\tSTEP\tSCHEDULED\tERROR")
	for _, j := range jobs {
		step := j.Metadata.CurrentStep
		if j.Metadata.FailedStep != "" {
			step = j.Metadata.FailedStep
		}
		errMsg := ""
		if j.ErrorMessage != nil {
			errMsg = truncate(*j.ErrorMessage, 60)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\t%s\t%s\n",
			j.ID, j.Status, j.Attempts, j.MaxAttempts, j.Priority,
			orDash(step), j.ScheduledFor.UTC().Format(time.RFC3339), orDash(errMsg))
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed, retry)")
	jobsListCmd.Flags().String("tenant", "", "filter by tenant id")
	jobsListCmd.Flags().Int("limit", 50, "maximum rows")
	jobsListCmd.Flags().Int("offset", 0, "rows to skip")

	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsRetryCmd, jobsRequeueCmd)
	rootCmd.AddCommand(jobsCmd)
}
