package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/client"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/spf13/cobra"
)

func newSchedulerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Inspect or trigger the job cleanup scheduler",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show scheduler configuration and job counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				status, err := a.client.SchedulerStatus(cmd.Context())
				if err != nil {
					return fmt.Errorf("scheduler status: %w", err)
				}
				printSchedulerStatus(cmd.OutOrStdout(), status)
				return nil
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Run a cleanup sweep now",
			Long: `Run a cleanup sweep now instead of waiting for the next interval: expire
restores nobody approved in time, purge finished jobs past retention and
reclaim jobs left running by a crashed server.`,
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				report, err := a.client.TriggerCleanup(cmd.Context())
				if err != nil {
					return fmt.Errorf("trigger cleanup: %w", err)
				}
				printSweepReport(cmd.OutOrStdout(), report)
				if len(report.Errors) > 0 {
					return fmt.Errorf("cleanup finished with %d errors", len(report.Errors))
				}
				return nil
			},
		},
	)
	return cmd
}

func printSchedulerStatus(w io.Writer, s *client.SchedulerStatus) {
	state := "stopped"
	if s.Running {
		state = "running"
	}
	fmt.Fprintf(w, "Scheduler:           %s\n", state)
	fmt.Fprintf(w, "Cleanup interval:    %s\n", s.Config.CleanupInterval)
	fmt.Fprintf(w, "Approval timeout:    %s\n", s.Config.ApprovalTimeout)
	fmt.Fprintf(w, "Completed retention: %s\n", s.Config.CompletedRetention)
	fmt.Fprintf(w, "Failed retention:    %s\n", s.Config.FailedRetention)
	fmt.Fprintf(w, "Last cleanup:        %s\n", formatOptionalTime(s.Stats.LastCleanup))
	fmt.Fprintf(w, "Next cleanup:        %s\n", formatOptionalTime(s.Stats.NextCleanup))

	fmt.Fprintln(w, "\nJobs:")
	for _, st := range jobs.AllStatuses {
		fmt.Fprintf(w, "  %-18s %d\n", st, s.Stats.JobsByStatus[st])
	}
}

func printSweepReport(w io.Writer, r *client.SweepReport) {
	fmt.Fprintf(w, "Cleanup (%s) at %s\n", r.Trigger, r.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "  Expired approvals: %s\n", idList(r.Expired))
	fmt.Fprintf(w, "  Purged jobs:       %s\n", idList(r.Purged))
	fmt.Fprintf(w, "  Reclaimed jobs:    %s\n", idList(r.Reclaimed))
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}

func idList(ids []string) string {
	if len(ids) == 0 {
		return "0"
	}
	return fmt.Sprintf("%d (%s)", len(ids), strings.Join(ids, ", "))
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
