package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/raphaelgruber/graphkeeper/internal/client"
	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// CreateBackupInput defines the input schema for the create_backup tool.
type CreateBackupInput struct {
	Ontology string `json:"ontology,omitempty" jsonschema:"Back up only this ontology; the whole graph when empty"`
	Format   string `json:"format,omitempty" jsonschema:"archive (default), json or gexf"`
	Filename string `json:"filename,omitempty" jsonschema:"Artifact file name, generated when empty"`
}

// NewCreateBackupHandler creates the create_backup tool handler. It only
// submits the job; progress is read with get_job.
func NewCreateBackupHandler(deps *Dependencies) mcp.ToolHandlerFor[CreateBackupInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CreateBackupInput) (*mcp.CallToolResult, any, error) {
		format := models.FormatArchive
		if input.Format != "" {
			f, err := models.ParseFormat(input.Format)
			if err != nil {
				return ErrorResult(err.Error(), "Use archive, json or gexf"), nil, nil
			}
			format = f
		}

		breq := client.BackupRequest{BackupType: models.BackupFull, Format: format, Filename: input.Filename}
		if input.Ontology != "" {
			breq.BackupType = models.BackupOntology
			breq.OntologyName = input.Ontology
		}
		accepted, err := deps.Client.CreateBackup(ctx, breq)
		if err != nil {
			return apiErrorResult(deps, "Create backup", err), nil, nil
		}
		deps.Logger.Info("backup submitted via mcp", "job_id", accepted.JobID, "ontology", input.Ontology)
		return TextResult(fmt.Sprintf("Backup job %s submitted (%s). Use get_job to follow it.", accepted.JobID, accepted.Status)), nil, nil
	}
}

// ListBackupsInput defines the input schema for the list_backups tool.
type ListBackupsInput struct{}

// NewListBackupsHandler creates the list_backups tool handler.
func NewListBackupsHandler(deps *Dependencies) mcp.ToolHandlerFor[ListBackupsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, _ ListBackupsInput) (*mcp.CallToolResult, any, error) {
		list, err := deps.Client.ListBackups(ctx)
		if err != nil {
			return apiErrorResult(deps, "List backups", err), nil, nil
		}
		return JSONResult(map[string]any{"backups": list, "count": len(list)}), nil, nil
	}
}
