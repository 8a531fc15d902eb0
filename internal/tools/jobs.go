package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/raphaelgruber/embedctl/internal/service"
)

// maxWait caps how long get_job_result blocks.
const maxWait = 5 * time.Minute

// ChunkInput is one text to embed.
type ChunkInput struct {
	ID   string `json:"chunk_id" jsonschema:"required,Unique id of the chunk within the job"`
	Text string `json:"text" jsonschema:"required,Text to embed"`
}

// SubmitJobInput defines the input schema for the submit_job tool.
type SubmitJobInput struct {
	Chunks []ChunkInput `json:"chunks" jsonschema:"required,Chunks to embed"`
}

// SubmitJobResult is the response from the submit_job tool.
type SubmitJobResult struct {
	JobID       string `json:"job_id"`
	TotalChunks int    `json:"total_chunks"`
	Message     string `json:"message"`
}

// NewSubmitJobHandler creates the submit_job tool handler.
func NewSubmitJobHandler(deps *Dependencies) mcp.ToolHandlerFor[SubmitJobInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SubmitJobInput) (*mcp.CallToolResult, any, error) {
		if len(input.Chunks) == 0 {
			return ErrorResult("At least one chunk is required", "Provide chunks array with chunk_id and text"), nil, nil
		}

		chunks := make([]models.Chunk, len(input.Chunks))
		for i, c := range input.Chunks {
			chunks[i] = models.Chunk{ID: c.ID, Text: c.Text}
		}

		job, err := deps.Commands.SubmitJob(ctx, chunks, nil)
		if err != nil {
			return commandError("Failed to submit job", err), nil, nil
		}

		deps.Logger.Info("job submitted via tool", "job_id", job.ID, "chunks", len(chunks))
		return JSONResult(SubmitJobResult{
			JobID:       job.ID,
			TotalChunks: len(chunks),
			Message:     "Job running. Poll get_job_status or call get_job_result with wait=true",
		}), nil, nil
	}
}

// JobIDInput selects one job.
type JobIDInput struct {
	JobID string `json:"job_id" jsonschema:"required,Local or remote job id"`
}

// NewJobStatusHandler creates the get_job_status tool handler.
func NewJobStatusHandler(deps *Dependencies) mcp.ToolHandlerFor[JobIDInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input JobIDInput) (*mcp.CallToolResult, any, error) {
		if input.JobID == "" {
			return ErrorResult("job_id is required", ""), nil, nil
		}
		snap, err := deps.Commands.GetJobStatus(ctx, input.JobID)
		if err != nil {
			return commandError("Failed to get job status", err), nil, nil
		}
		return JSONResult(snap), nil, nil
	}
}

// JobResultInput defines the input schema for the get_job_result tool.
type JobResultInput struct {
	JobID          string `json:"job_id" jsonschema:"required,Local job id"`
	Wait           bool   `json:"wait,omitempty" jsonschema:"Block until the job finishes"`
	IncludeVectors bool   `json:"include_vectors,omitempty" jsonschema:"Return the embedding vectors, not just their dimensions"`
}

// JobResultSummary is the get_job_result response without vectors.
type JobResultSummary struct {
	JobID      string            `json:"job_id"`
	RemoteID   string            `json:"remote_job_id,omitempty"`
	Embedded   int               `json:"embedded"`
	Dimensions map[string]int    `json:"dimensions"`
	Failed     []string          `json:"failed,omitempty"`
	Metrics    models.JobMetrics `json:"metrics"`
	Fallback   bool              `json:"fallback"`
	Partial    bool              `json:"partial"`
}

func summarize(res *service.Result) JobResultSummary {
	dims := make(map[string]int, len(res.Embeddings))
	for id, v := range res.Embeddings {
		dims[id] = len(v)
	}
	return JobResultSummary{
		JobID:      res.JobID,
		RemoteID:   res.RemoteID,
		Embedded:   len(res.Embeddings),
		Dimensions: dims,
		Failed:     res.Failed,
		Metrics:    res.Metrics,
		Fallback:   res.Fallback,
		Partial:    res.Partial,
	}
}

// NewJobResultHandler creates the get_job_result tool handler.
func NewJobResultHandler(deps *Dependencies) mcp.ToolHandlerFor[JobResultInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input JobResultInput) (*mcp.CallToolResult, any, error) {
		if input.JobID == "" {
			return ErrorResult("job_id is required", ""), nil, nil
		}

		var (
			res *service.Result
			err error
		)
		if input.Wait {
			waitCtx, cancel := context.WithTimeout(ctx, maxWait)
			res, err = deps.Commands.Wait(waitCtx, input.JobID)
			cancel()
		} else {
			res, err = deps.Commands.JobResult(input.JobID)
		}
		if res == nil && err != nil {
			return commandError("Failed to get job result", err), nil, nil
		}
		if err != nil {
			deps.Logger.Warn("job finished with error", "job_id", input.JobID, "error", err)
		}

		if input.IncludeVectors {
			return JSONResult(res), nil, nil
		}
		return JSONResult(summarize(res)), nil, nil
	}
}

// DeleteJobResult is the response from the delete_job tool.
type DeleteJobResult struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// NewDeleteJobHandler creates the delete_job tool handler.
func NewDeleteJobHandler(deps *Dependencies) mcp.ToolHandlerFor[JobIDInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input JobIDInput) (*mcp.CallToolResult, any, error) {
		if input.JobID == "" {
			return ErrorResult("job_id is required", ""), nil, nil
		}
		if err := deps.Commands.DeleteJob(ctx, input.JobID); err != nil {
			return commandError("Failed to delete job", err), nil, nil
		}
		return JSONResult(DeleteJobResult{
			JobID:   input.JobID,
			Message: fmt.Sprintf("Deleted job %s", input.JobID),
		}), nil, nil
	}
}

// ListJobsInput defines the input schema for the list_jobs tool.
type ListJobsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of jobs (default 20)"`
}

// NewListJobsHandler creates the list_jobs tool handler.
func NewListJobsHandler(deps *Dependencies) mcp.ToolHandlerFor[ListJobsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListJobsInput) (*mcp.CallToolResult, any, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 20
		}
		records, err := deps.Commands.Jobs().History(ctx, limit)
		if err != nil {
			deps.Logger.Error("list jobs failed", "error", err)
			return ErrorResult("Failed to list jobs", "Job history may be unavailable"), nil, nil
		}
		if len(records) == 0 {
			return TextResult("No jobs"), nil, nil
		}

		lines := make([]string, len(records))
		for i, r := range records {
			lines[i] = fmt.Sprintf("%s  %-9s  %d/%d done, %d failed  started %s",
				r.ID, r.Status, r.CompletedChunks, r.TotalChunks, r.FailedChunks,
				r.StartedAt.Format(time.RFC3339))
		}
		return TextResult(FormatResults(lines)), nil, nil
	}
}
