package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/scangate/scangate/internal/db"
)

// Jobs command flags.
var (
	jobsOlderThan    time.Duration
	jobsLimit        int
	jobsCancelReason string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Operate on scan jobs",
	Long: `Find and resolve scan jobs that never got a worker callback.

Requeue dispatches a queued job again. Cancel fails an open job and refunds
its reserved unit through the same path worker callbacks use, so a late
callback cannot refund it twice.`,
	Example: `  scangate jobs stale --older-than 2h
  scangate jobs requeue 3f0c...
  scangate jobs cancel 3f0c... --reason "worker lost"`,
}

var jobsStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List open jobs older than a threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(commandContext(cmd), func(ctx context.Context, a *app) error {
			jobs, err := a.sweeper.Stale(ctx, jobsOlderThan, jobsLimit)
			if err != nil {
				return err
			}
			renderJobs(cmd.OutOrStdout(), jobs, time.Now())
			return nil
		})
	},
}

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Dispatch a queued job again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(commandContext(cmd), func(ctx context.Context, a *app) error {
			summary, err := a.sweeper.Requeue(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", summary.ID, summary.Status)
			return nil
		})
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Fail an open job and refund its unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(commandContext(cmd), func(ctx context.Context, a *app) error {
			result, err := a.sweeper.Cancel(ctx, args[0], jobsCancelReason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s (ledger applied: %s, delta: %d)\n",
				result.ScanID, result.Status, yesNo(result.LedgerApplied), result.LedgerDelta)
			if result.LedgerError != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: ledger not updated: %s\n", result.LedgerError)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsStaleCmd, jobsRequeueCmd, jobsCancelCmd)

	jobsStaleCmd.Flags().DurationVar(&jobsOlderThan, "older-than", 0, "age threshold (default sweeper.stale_after)")
	jobsStaleCmd.Flags().IntVar(&jobsLimit, "limit", 0, "maximum jobs listed (default sweeper.limit)")

	jobsCancelCmd.Flags().StringVar(&jobsCancelReason, "reason", "", "error message recorded on the job")
}

func renderJobs(w io.Writer, jobs []*db.Job, now time.Time) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No stale jobs")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "User", "Scanner", "Target", "Status", "Age")
	for _, job := range jobs {
		_ = table.Append([]string{
			job.ID,
			job.UserID,
			string(job.Kind),
			truncate(job.Target, 40),
			string(job.Status),
			now.Sub(job.CreatedAt).Round(time.Second).String(),
		})
	}
	_ = table.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
