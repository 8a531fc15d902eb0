package tools

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/raphaelgruber/embedctl/internal/service"
)

// ErrorResult creates a tool error result with optional recovery hint.
// If hint is non-empty, formats as "{msg}. {hint}".
// Returns IsError=true so the caller can see the error and self-correct.
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

// JSONResult renders v as indented JSON text.
func JSONResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult("Failed to encode result", err.Error())
	}
	return TextResult(string(data))
}

// FormatResults joins items with newlines for list output.
func FormatResults(items []string) string {
	return strings.Join(items, "\n")
}

// commandError turns a command error into a tool error with a recovery hint.
func commandError(msg string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return ErrorResult(msg+": job not found", "Use list_jobs to see known job ids")
	case errors.Is(err, service.ErrJobRunning):
		return ErrorResult(msg+": job still running", "Retry later or set wait=true")
	case errors.Is(err, models.ErrInvalidChunks):
		return ErrorResult(msg+": "+err.Error(), "Every chunk needs a unique non-empty chunk_id")
	default:
		return ErrorResult(msg+": "+err.Error(), "The embedding service may be unavailable")
	}
}
