package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/raphaelgruber/graphkeeper/internal/extract"
)

// ExtractInput defines the input schema for the extract_documents tool.
type ExtractInput struct {
	Ontology  string          `json:"ontology" jsonschema:"Ontology to extract into"`
	Documents []extract.Input `json:"documents" jsonschema:"Markdown documents, each with a name and content"`
}

// NewExtractHandler creates the extract_documents tool handler.
func NewExtractHandler(deps *Dependencies) mcp.ToolHandlerFor[ExtractInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ExtractInput) (*mcp.CallToolResult, any, error) {
		if input.Ontology == "" {
			return ErrorResult("Ontology cannot be empty", "Name the ontology the documents belong to"), nil, nil
		}
		if len(input.Documents) == 0 {
			return ErrorResult("At least one document is required", "Provide documents with name and content"), nil, nil
		}

		accepted, err := deps.Client.Extract(ctx, extract.Request{Ontology: input.Ontology, Documents: input.Documents})
		if err != nil {
			return apiErrorResult(deps, "Extraction", err), nil, nil
		}
		deps.Logger.Info("extraction submitted via mcp", "job_id", accepted.JobID, "documents", len(input.Documents))
		return TextResult(fmt.Sprintf("Extraction job %s submitted for %d documents. Use get_job to follow it.",
			accepted.JobID, len(input.Documents))), nil, nil
	}
}
