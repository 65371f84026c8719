// Package tools provides MCP tool handlers and registration. Every tool
// goes through the graphkeeper HTTP API, so an assistant sees the same
// jobs, validation and scope locks as the CLI.
package tools

import (
	"log/slog"

	"github.com/raphaelgruber/graphkeeper/internal/client"
)

// Dependencies holds shared services for tool handlers.
// Passed to handler factories via closure capture.
type Dependencies struct {
	Client *client.Client
	Logger *slog.Logger
}
