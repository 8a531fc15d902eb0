package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// HealthInput is empty; the tool takes no arguments.
type HealthInput struct{}

// HealthResult reports service and push channel state.
type HealthResult struct {
	Healthy    bool   `json:"healthy"`
	Connection string `json:"connection"`
}

// NewHealthHandler creates the health tool handler.
func NewHealthHandler(deps *Dependencies) mcp.ToolHandlerFor[HealthInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input HealthInput) (*mcp.CallToolResult, any, error) {
		result := HealthResult{
			Healthy:    deps.Commands.Health(ctx),
			Connection: string(deps.Commands.ConnectionState()),
		}
		deps.Logger.Debug("health tool called", "healthy", result.Healthy)
		return JSONResult(result), nil, nil
	}
}
