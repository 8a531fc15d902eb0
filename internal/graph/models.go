package graph

import (
	"slices"
	"time"

	"github.com/raphaelgruber/embedctl/internal/events"
	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/raphaelgruber/embedctl/internal/service"
)

// ChunkInput is one chunk of a submitJob mutation.
type ChunkInput struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Health reports service reachability and the push channel state.
type Health struct {
	Healthy    bool   `json:"healthy"`
	Connection string `json:"connection"`
}

// JobStatus is the progress of a job.
type JobStatus struct {
	JobID     string  `json:"jobId"`
	Status    string  `json:"status"`
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Pending   int     `json:"pending"`
	Progress  float64 `json:"progress"`
}

// Embedding is the vector of one chunk.
type Embedding struct {
	ChunkID string    `json:"chunkId"`
	Vector  []float32 `json:"vector"`
}

// JobMetrics summarizes a finished job. Durations are in milliseconds.
type JobMetrics struct {
	TotalChunks     int     `json:"totalChunks"`
	SuccessCount    int     `json:"successCount"`
	FailedCount     int     `json:"failedCount"`
	TimeoutCount    int     `json:"timeoutCount"`
	BatchCount      int     `json:"batchCount"`
	SuccessRate     float64 `json:"successRate"`
	ExecutionTimeMs int64   `json:"executionTimeMs"`
	Throughput      float64 `json:"throughput"`
	AvgTaskWaitMs   int64   `json:"avgTaskWaitMs"`
	AvgBatchTimeMs  int64   `json:"avgBatchTimeMs"`
	Source          string  `json:"source"`
}

// JobResult is the outcome of a finished job.
type JobResult struct {
	JobID       string      `json:"jobId"`
	RemoteJobID *string     `json:"remoteJobId"`
	Embedded    int         `json:"embedded"`
	Failed      []string    `json:"failed"`
	Fallback    bool        `json:"fallback"`
	Partial     bool        `json:"partial"`
	Metrics     JobMetrics  `json:"metrics"`
	Embeddings  []Embedding `json:"embeddings"`
}

// JobRecord is one entry of job history.
type JobRecord struct {
	ID              string     `json:"id"`
	RemoteJobID     *string    `json:"remoteJobId"`
	Status          string     `json:"status"`
	TotalChunks     int        `json:"totalChunks"`
	CompletedChunks int        `json:"completedChunks"`
	FailedChunks    int        `json:"failedChunks"`
	Fallback        bool       `json:"fallback"`
	Error           *string    `json:"error"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt"`
}

// SubmittedJob acknowledges a submitJob mutation.
type SubmittedJob struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

// ConnectionState is the push channel state.
type ConnectionState struct {
	State string `json:"state"`
}

// Event is one published job event.
type Event struct {
	Type    string         `json:"type"`
	Seq     uint64         `json:"seq"`
	JobID   *string        `json:"jobId"`
	TaskID  *string        `json:"taskId"`
	ChunkID *string        `json:"chunkId"`
	Data    map[string]any `json:"data"`
	Time    time.Time      `json:"time"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jobStatusFrom(s models.JobSnapshot) *JobStatus {
	return &JobStatus{
		JobID:     s.JobID,
		Status:    string(s.Status),
		Total:     s.Total,
		Completed: s.Completed,
		Failed:    s.Failed,
		Pending:   s.Pending,
		Progress:  s.Fraction(),
	}
}

func jobMetricsFrom(m models.JobMetrics) JobMetrics {
	return JobMetrics{
		TotalChunks:     m.TotalChunks,
		SuccessCount:    m.SuccessCount,
		FailedCount:     m.FailedCount,
		TimeoutCount:    m.TimeoutCount,
		BatchCount:      m.BatchCount,
		SuccessRate:     m.SuccessRate,
		ExecutionTimeMs: m.ExecutionTime.Milliseconds(),
		Throughput:      m.Throughput,
		AvgTaskWaitMs:   m.AvgTaskWait.Milliseconds(),
		AvgBatchTimeMs:  m.AvgBatchTime.Milliseconds(),
		Source:          m.Source,
	}
}

// jobResultFrom lists embeddings ordered by chunk ID so responses are stable.
func jobResultFrom(r *service.Result) *JobResult {
	ids := make([]string, 0, len(r.Embeddings))
	for id := range r.Embeddings {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	embeddings := make([]Embedding, 0, len(ids))
	for _, id := range ids {
		embeddings = append(embeddings, Embedding{ChunkID: id, Vector: r.Embeddings[id]})
	}
	failed := r.Failed
	if failed == nil {
		failed = []string{}
	}
	return &JobResult{
		JobID:       r.JobID,
		RemoteJobID: optional(r.RemoteID),
		Embedded:    len(r.Embeddings),
		Failed:      failed,
		Fallback:    r.Fallback,
		Partial:     r.Partial,
		Metrics:     jobMetricsFrom(r.Metrics),
		Embeddings:  embeddings,
	}
}

func jobRecordFrom(rec models.JobRecord) JobRecord {
	return JobRecord{
		ID:              rec.ID,
		RemoteJobID:     optional(rec.RemoteID),
		Status:          string(rec.Status),
		TotalChunks:     rec.TotalChunks,
		CompletedChunks: rec.CompletedChunks,
		FailedChunks:    rec.FailedChunks,
		Fallback:        rec.Fallback,
		Error:           optional(rec.Error),
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
	}
}

func eventFrom(e events.Event) Event {
	return Event{
		Type:    string(e.Kind),
		Seq:     e.Seq,
		JobID:   optional(e.JobID),
		TaskID:  optional(e.TaskID),
		ChunkID: optional(e.ChunkID),
		Data:    e.Data,
		Time:    e.Time,
	}
}
