package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/raphaelgruber/graphkeeper/internal/client"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
)

// ListJobsInput defines the input schema for the list_jobs tool.
type ListJobsInput struct {
	Statuses []string `json:"statuses,omitempty" jsonschema:"Only jobs in these statuses (pending, awaiting_approval, running, completed, failed, cancelled)"`
	Kinds    []string `json:"kinds,omitempty" jsonschema:"Only jobs of these types (backup, restore, extraction)"`
	Limit    int      `json:"limit,omitempty" jsonschema:"Max results 1-100, default 20"`
}

// JobIDInput selects one job.
type JobIDInput struct {
	ID string `json:"id" jsonschema:"Job ID"`
}

// NewListJobsHandler creates the list_jobs tool handler.
func NewListJobsHandler(deps *Dependencies) mcp.ToolHandlerFor[ListJobsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListJobsInput) (*mcp.CallToolResult, any, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			return ErrorResult("Limit must be 1-100", "Reduce limit value"), nil, nil
		}

		opts := client.ListJobsOptions{Limit: limit}
		for _, s := range input.Statuses {
			status, err := jobs.ParseStatus(s)
			if err != nil {
				return ErrorResult(err.Error(), "Use one of the documented statuses"), nil, nil
			}
			opts.Statuses = append(opts.Statuses, status)
		}
		for _, k := range input.Kinds {
			kind := jobs.Kind(k)
			if !kind.Valid() {
				return ErrorResult(fmt.Sprintf("Unknown job type %q", k), "Use backup, restore or extraction"), nil, nil
			}
			opts.Kinds = append(opts.Kinds, kind)
		}

		list, err := deps.Client.ListJobs(ctx, opts)
		if err != nil {
			return apiErrorResult(deps, "List jobs", err), nil, nil
		}
		deps.Logger.Debug("list_jobs completed", "count", len(list))
		return JSONResult(map[string]any{"jobs": list, "count": len(list)}), nil, nil
	}
}

// NewGetJobHandler creates the get_job tool handler.
func NewGetJobHandler(deps *Dependencies) mcp.ToolHandlerFor[JobIDInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input JobIDInput) (*mcp.CallToolResult, any, error) {
		if input.ID == "" {
			return ErrorResult("Job ID cannot be empty", "Pass the id returned when the job was submitted"), nil, nil
		}
		job, err := deps.Client.GetJob(ctx, input.ID)
		if err != nil {
			return apiErrorResult(deps, "Get job", err), nil, nil
		}
		return JSONResult(job), nil, nil
	}
}

// NewCancelJobHandler creates the cancel_job tool handler. Running jobs
// stop at their next checkpoint; restores roll back.
func NewCancelJobHandler(deps *Dependencies) mcp.ToolHandlerFor[JobIDInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input JobIDInput) (*mcp.CallToolResult, any, error) {
		if input.ID == "" {
			return ErrorResult("Job ID cannot be empty", "Pass the id of the job to cancel"), nil, nil
		}
		job, err := deps.Client.CancelJob(ctx, input.ID)
		if err != nil {
			return apiErrorResult(deps, "Cancel job", err), nil, nil
		}
		deps.Logger.Info("job cancelled via mcp", "job_id", job.ID, "status", job.Status)
		return TextResult(fmt.Sprintf("Job %s is %s", job.ID, job.Status)), nil, nil
	}
}
