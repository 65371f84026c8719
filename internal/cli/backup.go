package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/backup"
	"github.com/raphaelgruber/graphkeeper/internal/client"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/models"
	"github.com/spf13/cobra"
)

func newBackupCmd(a *app) *cobra.Command {
	var (
		ontology string
		format   string
		name     string
		output   string
		detach   bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the graph or one ontology",
		Long: `Back up the whole graph, or a single ontology, into an artifact stored on
the server. Archive and JSON backups can be restored; GEXF is an export
for graph visualization tools.

Examples:
  graphkeeper backup                              # Full graph, tar.gz archive
  graphkeeper backup --ontology biology           # One ontology
  graphkeeper backup --format gexf -o ./exports   # Export and download`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := models.ParseFormat(format)
			if err != nil {
				return err
			}
			req := client.BackupRequest{BackupType: models.BackupFull, Format: f, Filename: name}
			if ontology != "" {
				req.BackupType = models.BackupOntology
				req.OntologyName = ontology
			}
			if detach && output != "" {
				return fmt.Errorf("--output needs to wait for the backup; drop --detach")
			}
			return a.runBackup(cmd, req, output, detach)
		},
	}

	cmd.Flags().StringVar(&ontology, "ontology", "", "back up only this ontology")
	cmd.Flags().StringVarP(&format, "format", "f", string(models.FormatArchive), "artifact format: archive, json or gexf")
	cmd.Flags().StringVar(&name, "name", "", "artifact file name (generated when empty)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "download the finished artifact into this directory")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return once the job is submitted")
	return cmd
}

func (a *app) runBackup(cmd *cobra.Command, req client.BackupRequest, output string, detach bool) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()

	accepted, err := a.client.CreateBackup(ctx, req)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	fmt.Fprintf(w, "Backup job %s submitted\n", accepted.JobID)
	if detach {
		fmt.Fprintf(w, "Use 'graphkeeper jobs watch %s' to follow it.\n", accepted.JobID)
		return nil
	}

	job, finished, err := a.follow(cmd, accepted.JobID)
	if err != nil || !finished {
		return err
	}

	var result backup.Result
	if err := jobs.FromMap(job.Result, &result); err != nil {
		return fmt.Errorf("decode backup result: %w", err)
	}
	printBackupResult(w, result)

	if output == "" {
		return nil
	}
	path, err := a.download(cmd, result.Filename, output)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Downloaded to %s\n", path)
	return nil
}

func printBackupResult(w io.Writer, r backup.Result) {
	fmt.Fprintf(w, "\nBackup:        %s (%s, %s)\n", r.Filename, r.Format, formatBytes(r.Size))
	fmt.Fprintf(w, "Concepts:      %d\n", r.Stats.Concepts)
	fmt.Fprintf(w, "Sources:       %d\n", r.Stats.Sources)
	fmt.Fprintf(w, "Instances:     %d\n", r.Stats.Instances)
	fmt.Fprintf(w, "Relationships: %d\n", r.Stats.Relationships)
	if r.RemoteURL != "" {
		fmt.Fprintf(w, "Remote copy:   %s\n", r.RemoteURL)
	}
}

// download saves a stored artifact into dir and returns its path. A
// partial file is removed when the transfer fails.
func (a *app) download(cmd *cobra.Command, filename, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(filename))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := a.client.DownloadBackup(cmd.Context(), filename, f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("download %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func newBackupsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List stored backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.client.ListBackups(cmd.Context())
			if err != nil {
				return fmt.Errorf("list backups: %w", err)
			}
			w := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(w, "No backups found")
				return nil
			}
			fmt.Fprintf(w, "%-48s %-8s %10s  %s\n", "FILENAME", "FORMAT", "SIZE", "CREATED")
			for _, b := range list {
				fmt.Fprintf(w, "%-48s %-8s %10s  %s\n",
					b.Filename, b.Format, formatBytes(b.Size), b.CreatedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}

	var output string
	download := &cobra.Command{
		Use:   "download <filename>",
		Short: "Download a stored backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.download(cmd, args[0], output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Downloaded to %s\n", path)
			return nil
		},
	}
	download.Flags().StringVarP(&output, "output", "o", ".", "directory to save into")

	cmd.AddCommand(download)
	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
