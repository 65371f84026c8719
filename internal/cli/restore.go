package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/raphaelgruber/graphkeeper/internal/client"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/restore"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type restoreOptions struct {
	stored    bool
	overwrite bool
	deps      string
	username  string
	password  string
	yes       bool
	hold      bool
	detach    bool
}

func newRestoreCmd(a *app) *cobra.Command {
	var opts restoreOptions

	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore the graph or an ontology from a backup",
		Long: `Restore a backup artifact (tar.gz archive or JSON) into the graph.

The server validates the artifact and reports what it contains, then the
restore waits for confirmation. A checkpoint of the affected scope is taken
before anything changes; if a stage fails the graph is rolled back to it.

Relationships pointing at concepts missing from the backup are handled by
--deps: prune drops them, stitch keeps them when the target already exists
in the graph, defer keeps them for a later restore to resolve.

Examples:
  graphkeeper restore ./biology.tar.gz
  graphkeeper restore ./full.json --overwrite --deps stitch
  graphkeeper restore --stored nightly.tar.gz --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := restore.ParseDependencyAction(opts.deps); err != nil {
				return err
			}
			return a.runRestore(cmd, args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.stored, "stored", false, "treat <file> as the name of a backup stored on the server")
	cmd.Flags().BoolVar(&opts.overwrite, "overwrite", false, "replace existing data in the backup's scope")
	cmd.Flags().StringVar(&opts.deps, "deps", string(restore.DepsPrune), "dangling relationships: prune, stitch or defer")
	cmd.Flags().StringVarP(&opts.username, "username", "u", envOr("GRAPHKEEPER_USER", "admin"), "admin user")
	cmd.Flags().StringVarP(&opts.password, "password", "p", "", "admin password (default $GRAPHKEEPER_PASSWORD, prompted on a terminal)")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "skip confirmation")
	cmd.Flags().BoolVar(&opts.hold, "hold", false, "confirm by holding the space bar")
	cmd.Flags().BoolVarP(&opts.detach, "detach", "d", false, "return once the restore is approved")
	return cmd
}

func (a *app) runRestore(cmd *cobra.Command, artifact string, opts restoreOptions) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()

	password, err := a.restorePassword(cmd, opts.password)
	if err != nil {
		return err
	}

	req := client.RestoreRequest{
		Username:  opts.username,
		Password:  password,
		Overwrite: opts.overwrite,
		Deps:      opts.deps,
	}
	if opts.stored {
		req.Filename = artifact
	} else {
		if _, err := os.Stat(artifact); err != nil {
			return fmt.Errorf("backup file: %w", err)
		}
		req.Path = artifact
	}

	accepted, err := a.client.SubmitRestore(ctx, req)
	if err != nil {
		return fmt.Errorf("submit restore: %w", err)
	}
	printRestoreSummary(w, accepted)

	confirmed, err := a.confirmPolicy(cmd, opts).Confirm(ctx, accepted)
	if err != nil || !confirmed {
		// The job must not linger waiting for approval.
		if _, cerr := a.client.CancelJob(context.WithoutCancel(ctx), accepted.JobID); cerr != nil {
			a.logger.Warn("failed to cancel declined restore", "job_id", accepted.JobID, "error", cerr)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Restore declined; job %s cancelled.\n", accepted.JobID)
		return nil
	}

	if _, err := a.client.ApproveJob(ctx, accepted.JobID, opts.username); err != nil {
		return fmt.Errorf("approve restore: %w", err)
	}
	fmt.Fprintf(w, "Restore job %s approved\n", accepted.JobID)
	if opts.detach {
		fmt.Fprintf(w, "Use 'graphkeeper jobs watch %s' to follow it.\n", accepted.JobID)
		return nil
	}

	job, finished, err := a.follow(cmd, accepted.JobID)
	if err != nil || !finished {
		return err
	}
	var result restore.Result
	if err := jobs.FromMap(job.Result, &result); err != nil {
		return fmt.Errorf("decode restore result: %w", err)
	}
	printRestoreResult(w, result)
	return nil
}

// confirmPolicy picks how the restore is confirmed.
func (a *app) confirmPolicy(cmd *cobra.Command, opts restoreOptions) ConfirmPolicy {
	switch {
	case opts.yes:
		return AutoConfirm{}
	case !a.interactive(cmd):
		return RefuseConfirm{}
	case opts.hold:
		return HoldConfirm{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
	default:
		return PromptConfirm{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
	}
}

// restorePassword returns the flag value, $GRAPHKEEPER_PASSWORD, or asks
// on the terminal.
func (a *app) restorePassword(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if pw := os.Getenv("GRAPHKEEPER_PASSWORD"); pw != "" {
		return pw, nil
	}
	in, ok := cmd.InOrStdin().(*os.File)
	if !ok || !a.interactive(cmd) {
		return "", errors.New("restore needs the admin password: pass --password or set GRAPHKEEPER_PASSWORD")
	}
	fmt.Fprint(cmd.OutOrStdout(), "Admin password: ")
	pw, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func printRestoreSummary(w io.Writer, r *client.RestoreAccepted) {
	m := r.Manifest
	fmt.Fprintf(w, "Restore job %s is waiting for approval\n\n", r.JobID)
	fmt.Fprintf(w, "Scope:         %s\n", r.Scope)
	fmt.Fprintf(w, "Backup:        %s %s, taken %s\n", m.BackupType, m.Format, m.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Concepts:      %d\n", r.BackupStats.Concepts)
	fmt.Fprintf(w, "Sources:       %d\n", r.BackupStats.Sources)
	fmt.Fprintf(w, "Instances:     %d\n", r.BackupStats.Instances)
	fmt.Fprintf(w, "Relationships: %d\n", r.BackupStats.Relationships)
	if len(r.IntegrityWarnings) > 0 {
		fmt.Fprintf(w, "\nIntegrity warnings (%d):\n", len(r.IntegrityWarnings))
		for _, warning := range r.IntegrityWarnings {
			fmt.Fprintf(w, "  • %s\n", warning)
		}
	}
}

func printRestoreResult(w io.Writer, r restore.Result) {
	fmt.Fprintln(w, "\nRestored:")
	fmt.Fprintf(w, "  Concepts:      %d of %d\n", r.RestoreStats.Concepts, r.BackupStats.Concepts)
	fmt.Fprintf(w, "  Sources:       %d of %d\n", r.RestoreStats.Sources, r.BackupStats.Sources)
	fmt.Fprintf(w, "  Instances:     %d of %d\n", r.RestoreStats.Instances, r.BackupStats.Instances)
	fmt.Fprintf(w, "  Relationships: %d of %d\n", r.RestoreStats.Relationships, r.BackupStats.Relationships)
	d := r.Dependencies
	if d.Pruned+d.Stitched+d.Deferred > 0 {
		fmt.Fprintf(w, "Dependencies (%s): %d pruned, %d stitched, %d deferred\n",
			r.DependencyAction, d.Pruned, d.Stitched, d.Deferred)
	}
	if r.DeferredResolved > 0 {
		fmt.Fprintf(w, "Resolved %d relationships deferred by earlier restores\n", r.DeferredResolved)
	}
	if r.InstancesSkipped > 0 {
		fmt.Fprintf(w, "Skipped %d instances whose source was missing\n", r.InstancesSkipped)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// currentUser names the person running the CLI for audit fields.
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return envOr("USER", "cli")
}
