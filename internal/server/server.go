// Package server exposes the embedding job commands as an MCP server over stdio.
package server

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/raphaelgruber/embedctl/internal/tools"
)

// Name is the implementation name reported to MCP clients.
const Name = "embedctl"

// Server wraps the MCP server with dependencies and lifecycle management.
type Server struct {
	mcp    *mcp.Server
	logger *slog.Logger
}

// New creates a new MCP server with the given version and logger.
func New(version string, logger *slog.Logger) *Server {
	impl := &mcp.Implementation{
		Name:    Name,
		Version: version,
	}

	mcpServer := mcp.NewServer(impl, nil)

	return &Server{
		mcp:    mcpServer,
		logger: logger,
	}
}

// Run starts the server on stdio transport and blocks until disconnect or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server", "transport", "stdio")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server for tool registration.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Setup adds the logging middleware and registers tools built from deps.
func (s *Server) Setup(deps *tools.Dependencies) {
	s.mcp.AddReceivingMiddleware(LoggingMiddleware(s.logger))
	if deps != nil {
		tools.RegisterAll(s.mcp, deps)
	}
}
