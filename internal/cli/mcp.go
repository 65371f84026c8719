package cli

import (
	"github.com/raphaelgruber/graphkeeper/internal/server"
	"github.com/raphaelgruber/graphkeeper/internal/tools"
	"github.com/spf13/cobra"
)

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve graphkeeper tools to an MCP client over stdio",
		Long: `Run an MCP server on stdin/stdout. Its tools list, inspect and cancel
jobs, start backups and extractions, and run the cleanup scheduler through
the graphkeeper API. Restores are not offered; use 'graphkeeper restore'.

Logs go to stderr and the log file, never to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := server.New(Version, a.logger)
			srv.Setup()
			tools.RegisterAll(srv.MCPServer(), &tools.Dependencies{Client: a.client, Logger: a.logger})
			return srv.Run(cmd.Context())
		},
	}
}
