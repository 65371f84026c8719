package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SchedulerInput is empty; the scheduler tools take no arguments.
type SchedulerInput struct{}

// NewSchedulerStatusHandler creates the scheduler_status tool handler.
func NewSchedulerStatusHandler(deps *Dependencies) mcp.ToolHandlerFor[SchedulerInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, _ SchedulerInput) (*mcp.CallToolResult, any, error) {
		st, err := deps.Client.SchedulerStatus(ctx)
		if err != nil {
			return apiErrorResult(deps, "Scheduler status", err), nil, nil
		}
		return JSONResult(st), nil, nil
	}
}

// NewTriggerCleanupHandler creates the trigger_cleanup tool handler.
func NewTriggerCleanupHandler(deps *Dependencies) mcp.ToolHandlerFor[SchedulerInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, _ SchedulerInput) (*mcp.CallToolResult, any, error) {
		report, err := deps.Client.TriggerCleanup(ctx)
		if err != nil {
			return apiErrorResult(deps, "Cleanup", err), nil, nil
		}
		res := JSONResult(report)
		// A sweep that hit errors still ran; report it as a tool error so
		// the model notices.
		res.IsError = len(report.Errors) > 0
		return res, nil, nil
	}
}
