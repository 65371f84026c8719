package tools

import (
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterAll registers all tools with the MCP server.
// Restores are not exposed: they replace data and need a person to
// confirm them through the CLI.
func RegisterAll(server *mcp.Server, deps *Dependencies) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ping",
		Description: "Check that graphkeeper-server is reachable; responds with pong or echoes input",
	}, NewPingHandler(deps))

	// Jobs
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_jobs",
		Description: "List background jobs, newest first, optionally filtered by status and type",
	}, NewListJobsHandler(deps))
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_job",
		Description: "Get one job with its status, progress, result and error",
	}, NewGetJobHandler(deps))
	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_job",
		Description: "Cancel a pending, awaiting or running job",
	}, NewCancelJobHandler(deps))

	// Backups
	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_backup",
		Description: "Start a backup of the whole graph or one ontology",
	}, NewCreateBackupHandler(deps))
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_backups",
		Description: "List backup artifacts stored on the server",
	}, NewListBackupsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "extract_documents",
		Description: "Extract concepts and wiki links from Markdown documents into an ontology",
	}, NewExtractHandler(deps))

	// Scheduler
	mcp.AddTool(server, &mcp.Tool{
		Name:        "scheduler_status",
		Description: "Show the cleanup scheduler's settings, job counts and last sweep",
	}, NewSchedulerStatusHandler(deps))
	mcp.AddTool(server, &mcp.Tool{
		Name:        "trigger_cleanup",
		Description: "Run the job cleanup sweep now instead of waiting for the schedule",
	}, NewTriggerCleanupHandler(deps))
}
