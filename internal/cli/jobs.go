package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/client"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/spf13/cobra"
)

func newJobsCmd(a *app) *cobra.Command {
	var opts struct {
		statuses []string
		kinds    []string
		limit    int
	}

	cmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List or inspect background jobs",
		Long: `List background jobs or inspect a specific job by ID.

Examples:
  graphkeeper jobs                       # List recent jobs
  graphkeeper jobs --status failed       # Only failed jobs
  graphkeeper jobs abc123                # Show details for job abc123
  graphkeeper jobs watch abc123          # Follow a job until it ends`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return a.runShowJob(cmd, args[0])
			}
			filter, err := parseJobFilter(opts.statuses, opts.kinds, opts.limit)
			if err != nil {
				return err
			}
			return a.runListJobs(cmd, filter)
		},
	}
	cmd.Flags().StringSliceVar(&opts.statuses, "status", nil, "filter by status (repeatable or comma-separated)")
	cmd.Flags().StringSliceVar(&opts.kinds, "kind", nil, "filter by job type: backup, restore, extraction")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "maximum jobs to list (0 for all)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "watch <job-id>",
			Short: "Follow a job until it finishes",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				job, finished, err := a.follow(cmd, args[0])
				if err != nil || !finished {
					return err
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			},
		},
		&cobra.Command{
			Use:   "cancel <job-id>",
			Short: "Cancel a pending or unapproved job",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				job, err := a.client.CancelJob(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("cancel job: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", job.ID, job.Status)
				return nil
			},
		},
		newApproveCmd(a),
	)
	return cmd
}

func newApproveCmd(a *app) *cobra.Command {
	var (
		actor  string
		detach bool
	)
	cmd := &cobra.Command{
		Use:   "approve <job-id>",
		Short: "Approve a job waiting for approval",
		Long: `Approve a destructive job (a restore) that is waiting for approval.
The job starts immediately; by default its progress is followed until it
finishes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.client.ApproveJob(cmd.Context(), args[0], actor)
			if err != nil {
				return fmt.Errorf("approve job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s approved\n", job.ID)
			if detach {
				return nil
			}
			job, finished, err := a.follow(cmd, job.ID)
			if err != nil || !finished {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", currentUser(), "name recorded as the approver")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return once approved")
	return cmd
}

func parseJobFilter(statuses, kinds []string, limit int) (client.ListJobsOptions, error) {
	opts := client.ListJobsOptions{Limit: limit}
	for _, s := range statuses {
		st, err := jobs.ParseStatus(strings.TrimSpace(s))
		if err != nil {
			return opts, err
		}
		opts.Statuses = append(opts.Statuses, st)
	}
	for _, k := range kinds {
		kind := jobs.Kind(strings.TrimSpace(k))
		if !kind.Valid() {
			return opts, fmt.Errorf("unknown job type %q", k)
		}
		opts.Kinds = append(opts.Kinds, kind)
	}
	return opts, nil
}

func (a *app) runListJobs(cmd *cobra.Command, filter client.ListJobsOptions) error {
	list, err := a.client.ListJobs(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	w := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}
	printJobTable(w, list)
	return nil
}

func (a *app) runShowJob(cmd *cobra.Command, id string) error {
	job, err := a.client.GetJob(cmd.Context(), id)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("job %s not found", id)
		}
		return fmt.Errorf("get job: %w", err)
	}
	printJob(cmd.OutOrStdout(), job)
	return nil
}

func printJobTable(w io.Writer, list []jobs.Job) {
	fmt.Fprintf(w, "%-36s %-10s %-18s %-16s %-28s %s\n", "ID", "TYPE", "STATUS", "SCOPE", "PROGRESS", "CREATED")
	fmt.Fprintln(w, strings.Repeat("-", 130))
	for _, job := range list {
		fmt.Fprintf(w, "%-36s %-10s %-18s %-16s %-28s %s\n",
			job.ID, job.Kind, job.Status, job.Scope, progressCell(job), job.CreatedAt.Local().Format(time.DateTime))
	}
}

func progressCell(job jobs.Job) string {
	if job.Progress.Stage == "" {
		return ""
	}
	cell := job.Progress.Stage
	if job.Progress.ItemsTotal > 0 {
		cell += fmt.Sprintf(" %d/%d", job.Progress.ItemsProcessed, job.Progress.ItemsTotal)
	}
	return cell
}

func printJob(w io.Writer, job jobs.Job) {
	fmt.Fprintf(w, "Job:      %s\n", job.ID)
	fmt.Fprintf(w, "Type:     %s\n", job.Kind)
	fmt.Fprintf(w, "Status:   %s\n", job.Status)
	fmt.Fprintf(w, "Scope:    %s\n", job.Scope)
	fmt.Fprintf(w, "Created:  %s\n", job.CreatedAt.Local().Format(time.DateTime))
	if job.StartedAt != nil {
		fmt.Fprintf(w, "Started:  %s\n", job.StartedAt.Local().Format(time.DateTime))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "Finished: %s", job.CompletedAt.Local().Format(time.DateTime))
		if job.StartedAt != nil {
			fmt.Fprintf(w, " (%s)", job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond))
		}
		fmt.Fprintln(w)
	}
	if cell := progressCell(job); cell != "" {
		fmt.Fprintf(w, "Progress: %s\n", cell)
	}
	if job.Progress.Message != "" {
		fmt.Fprintf(w, "Message:  %s\n", job.Progress.Message)
	}
	if job.Error != "" {
		fmt.Fprintf(w, "Error:    %s (%s)\n", job.Error, job.ErrorCode)
	}
	if len(job.Result) > 0 {
		fmt.Fprintln(w, "Result:")
		for _, k := range slices.Sorted(maps.Keys(job.Result)) {
			fmt.Fprintf(w, "  %-20s %v\n", k+":", job.Result[k])
		}
	}
}
