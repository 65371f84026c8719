// Package cli provides the command-line interface for graphkeeper.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raphaelgruber/graphkeeper/internal/client"
	"github.com/raphaelgruber/graphkeeper/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Version is set at build time.
var Version = "0.1.0"

// Exit codes returned by Execute.
const (
	exitOK        = 0
	exitError     = 1
	exitJobFailed = 2
)

// app carries what every command shares: global flags and the lazily
// created API client.
type app struct {
	serverURL string
	verbose   bool
	plain     bool

	client      *client.Client
	logger      *slog.Logger
	closeLog    func() error
	trackerOpts []client.TrackerOption

	// terminal reports whether a stream is an interactive terminal.
	terminal func(any) bool
}

func newApp() *app {
	return &app{terminal: isTerminal}
}

func isTerminal(stream any) bool {
	f, ok := stream.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// interactive reports whether cmd talks to a person: both ends are
// terminals and --plain was not given.
func (a *app) interactive(cmd *cobra.Command) bool {
	return !a.plain && a.terminal(cmd.InOrStdin()) && a.terminal(cmd.OutOrStdout())
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "graphkeeper",
		Short: "Back up, restore and monitor a concept graph",
		Long: `Graphkeeper talks to a graphkeeper server to back up and restore the
concept graph and to follow the background jobs doing the work.

Restores are destructive: the server validates the artifact, then waits
for an explicit approval before anything in the graph changes.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.closeLog != nil {
				_ = a.closeLog()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.serverURL, "server", "", "server URL (default $GRAPHKEEPER_URL)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().BoolVar(&a.plain, "plain", false, "print progress as plain lines")

	root.AddCommand(
		newBackupCmd(a),
		newBackupsCmd(a),
		newRestoreCmd(a),
		newJobsCmd(a),
		newSchedulerCmd(a),
		newExtractCmd(a),
		newMCPCmd(a),
	)
	return root
}

// setup loads configuration and creates the client. Anything already set
// (tests inject both) is left alone.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.logger != nil && a.client != nil {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if a.logger == nil {
		opts := cfg.LogOptions()
		opts.Level = slog.LevelWarn
		if a.verbose {
			opts.Level = slog.LevelDebug
		}
		a.logger, a.closeLog = config.SetupLogger(opts)
	}

	if a.client == nil {
		url := a.serverURL
		if url == "" {
			url = cfg.ServerURL
		}
		a.client = client.New(url)
		a.logger.Debug("using server", "url", a.client.BaseURL())
	}
	return nil
}

// tracker returns a progress tracker for the configured server.
func (a *app) tracker() *client.Tracker {
	opts := append([]client.TrackerOption{client.WithTrackerLogger(a.logger)}, a.trackerOpts...)
	return client.NewTracker(a.client, opts...)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(newApp())
	return reportError(root.ErrOrStderr(), root.ExecuteContext(ctx))
}

// reportError prints err and maps it to an exit code. Failed jobs print
// the error stored on the job exactly as the server recorded it.
func reportError(w io.Writer, err error) int {
	if err == nil {
		return exitOK
	}
	var failed *client.JobFailedError
	if errors.As(err, &failed) {
		fmt.Fprintln(w, failed.Error())
		return exitJobFailed
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	return exitError
}
