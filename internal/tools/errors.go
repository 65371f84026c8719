package tools

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/raphaelgruber/graphkeeper/internal/client"
)

// ErrorResult creates a tool error result with optional recovery hint.
// If hint is non-empty, formats as "{msg}. {hint}".
// Returns IsError=true so the model can see the error and self-correct.
func ErrorResult(msg, hint string) *mcp.CallToolResult {
	text := msg
	if hint != "" {
		text = msg + ". " + hint
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
		IsError: true,
	}
}

// TextResult creates a success result with text content.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// JSONResult renders v as indented JSON.
func JSONResult(v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult("Failed to encode result", err.Error())
	}
	return TextResult(string(b))
}

// apiErrorResult turns a client error into a tool error with a hint the
// model can act on.
func apiErrorResult(deps *Dependencies, action string, err error) *mcp.CallToolResult {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		deps.Logger.Error(action+" failed", "error", err)
		return ErrorResult(action+" failed: "+err.Error(), "Check that graphkeeper-server is running at "+deps.Client.BaseURL())
	}
	switch {
	case apiErr.StatusCode == http.StatusNotFound:
		return ErrorResult(apiErr.Message, "Check the ID or name; list_jobs and list_backups show what exists")
	case apiErr.StatusCode == http.StatusConflict:
		return ErrorResult(apiErr.Message, "Another job holds this scope or the job already moved on; check list_jobs")
	case apiErr.StatusCode == http.StatusBadRequest:
		return ErrorResult(apiErr.Message, "Fix the arguments and retry")
	}
	return ErrorResult(action+" failed: "+apiErr.Message, "")
}
