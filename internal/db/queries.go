package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// DefaultHistoryLimit caps ListJobs when no limit is given.
const DefaultHistoryLimit = 50

// jobRow is the stored shape of a job record.
type jobRow struct {
	ID              surrealmodels.RecordID `json:"id,omitempty"`
	RemoteID        *string                `json:"remote_id,omitempty"`
	Status          string                 `json:"status"`
	TotalChunks     int                    `json:"total_chunks"`
	CompletedChunks int                    `json:"completed_chunks"`
	FailedChunks    int                    `json:"failed_chunks"`
	BatchIDs        []string               `json:"batch_ids"`
	Fallback        bool                   `json:"fallback"`
	Metrics         *models.JobMetrics     `json:"metrics,omitempty"`
	Error           *string                `json:"error,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r jobRow) record() (models.JobRecord, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.JobRecord{}, err
	}
	batchIDs := r.BatchIDs
	if batchIDs == nil {
		batchIDs = []string{}
	}
	return models.JobRecord{
		ID:              id,
		RemoteID:        deref(r.RemoteID),
		Status:          models.JobStatus(r.Status),
		TotalChunks:     r.TotalChunks,
		CompletedChunks: r.CompletedChunks,
		FailedChunks:    r.FailedChunks,
		BatchIDs:        batchIDs,
		Fallback:        r.Fallback,
		Metrics:         r.Metrics,
		Error:           deref(r.Error),
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}, nil
}

func rowsToRecords(rows []jobRow) ([]models.JobRecord, error) {
	out := make([]models.JobRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveJob creates or replaces the history row of a job.
func (c *Client) SaveJob(ctx context.Context, rec models.JobRecord) error {
	batchIDs := rec.BatchIDs
	if batchIDs == nil {
		batchIDs = []string{}
	}

	_, err := surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("embedding_job", $id) SET
			remote_id = $remote_id,
			status = $status,
			total_chunks = $total_chunks,
			completed_chunks = $completed_chunks,
			failed_chunks = $failed_chunks,
			batch_ids = $batch_ids,
			fallback = $fallback,
			metrics = $metrics,
			error = $error,
			started_at = $started_at,
			completed_at = $completed_at
	`, map[string]any{
		"id":               rec.ID,
		"remote_id":        optional(rec.RemoteID),
		"status":           string(rec.Status),
		"total_chunks":     rec.TotalChunks,
		"completed_chunks": rec.CompletedChunks,
		"failed_chunks":    rec.FailedChunks,
		"batch_ids":        batchIDs,
		"fallback":         rec.Fallback,
		"metrics":          rec.Metrics,
		"error":            optional(rec.Error),
		"started_at":       rec.StartedAt,
		"completed_at":     rec.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("save job: %w", wrapQueryError(err))
	}
	return nil
}

// GetJob retrieves a job by local or remote id.
// Returns nil if not found.
func (c *Client) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	results, err := surrealdb.Query[[]jobRow](ctx, c.db, `
		SELECT * FROM embedding_job
		WHERE id = type::record("embedding_job", $id) OR remote_id = $id
		ORDER BY started_at DESC
		LIMIT 1
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	rec, err := (*results)[0].Result[0].record()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &rec, nil
}

// ListJobs returns the most recent jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]models.JobRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	results, err := surrealdb.Query[[]jobRow](ctx, c.db, `
		SELECT * FROM embedding_job ORDER BY started_at DESC LIMIT $limit
	`, map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return []models.JobRecord{}, nil
	}
	return rowsToRecords((*results)[0].Result)
}

// ListJobsByStatus returns jobs in the given status, newest first.
func (c *Client) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.JobRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	results, err := surrealdb.Query[[]jobRow](ctx, c.db, `
		SELECT * FROM embedding_job WHERE status = $status ORDER BY started_at DESC LIMIT $limit
	`, map[string]any{"status": string(status), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return []models.JobRecord{}, nil
	}
	return rowsToRecords((*results)[0].Result)
}

// DeleteJob removes a job's history row. Deleting a missing job is a no-op.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		DELETE type::record("embedding_job", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("delete job: %w", wrapQueryError(err))
	}
	return nil
}

// MarkInterrupted fails every job still recorded as running. Jobs do not
// survive a process restart, so their rows are stale after startup.
func (c *Client) MarkInterrupted(ctx context.Context) (int, error) {
	results, err := surrealdb.Query[[]jobRow](ctx, c.db, `
		UPDATE embedding_job SET
			status = "failed",
			error = "interrupted",
			completed_at = time::now()
		WHERE status = "running"
		RETURN AFTER
	`, nil)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}
