package tools

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterAll registers all tools with the MCP server.
// This is called from main after server creation but before Run().
func RegisterAll(server *mcp.Server, deps *Dependencies) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "health",
		Description: "Check whether the embedding service is reachable",
	}, NewHealthHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "submit_job",
		Description: "Submit text chunks for embedding. Returns a job id immediately; the job runs in the background",
	}, NewSubmitJobHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_job_status",
		Description: "Get progress counters of an embedding job",
	}, NewJobStatusHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_job_result",
		Description: "Get the embeddings of a finished job, optionally waiting for it to finish",
	}, NewJobResultHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_job",
		Description: "Stop an embedding job and delete it on the service",
	}, NewDeleteJobHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_jobs",
		Description: "List recent embedding jobs, newest first",
	}, NewListJobsHandler(deps))
}
