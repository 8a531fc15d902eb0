package models

import "time"

// JobStatus is the lifecycle state of an embedding job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether the job has finished.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Batch is a submitted group of tasks.
type Batch struct {
	ID          string    `json:"batch_id"`
	JobID       string    `json:"job_id,omitempty"`
	TaskIDs     []string  `json:"task_ids"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Job is the aggregate root of one embedding run.
type Job struct {
	ID          string     `json:"job_id"`
	RemoteID    string     `json:"remote_job_id,omitempty"`
	Batches     []Batch    `json:"batches"`
	TotalChunks int        `json:"total_chunks"`
	Status      JobStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobSnapshot is a point-in-time view of job progress.
// Completed + Failed + Pending always equals Total.
type JobSnapshot struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Total     int       `json:"total_chunks"`
	Completed int       `json:"completed_chunks"`
	Failed    int       `json:"failed_chunks"`
	Pending   int       `json:"pending_chunks"`
}

// Valid reports whether the counters add up.
func (s JobSnapshot) Valid() bool {
	return s.Completed >= 0 && s.Failed >= 0 && s.Pending >= 0 &&
		s.Completed+s.Failed+s.Pending == s.Total
}

// Fraction returns the share of chunks that reached a terminal state.
func (s JobSnapshot) Fraction() float64 {
	if s.Total == 0 {
		return 1
	}
	return float64(s.Completed+s.Failed) / float64(s.Total)
}

// Metrics source markers.
const (
	MetricsSourceClient = "client"
	MetricsSourceServer = "server"
	MetricsSourceMerged = "merged"
)

// JobMetrics is the read-only summary computed when a job terminates.
type JobMetrics struct {
	JobID         string        `json:"job_id"`
	TotalChunks   int           `json:"total_chunks"`
	SuccessCount  int           `json:"success_count"`
	FailedCount   int           `json:"failed_count"`
	TimeoutCount  int           `json:"timeout_count"`
	BatchCount    int           `json:"batch_count"`
	SuccessRate   float64       `json:"success_rate"` // percent, 0-100
	ExecutionTime time.Duration `json:"execution_time"`
	Throughput    float64       `json:"throughput"` // chunks per second
	AvgTaskWait   time.Duration `json:"avg_task_wait"`
	AvgBatchTime  time.Duration `json:"avg_batch_time"`
	Source        string        `json:"source"`
}

// JobRecord is the persisted form of a job used by the history store.
type JobRecord struct {
	ID              string      `json:"job_id"`
	RemoteID        string      `json:"remote_job_id,omitempty"`
	Status          JobStatus   `json:"status"`
	TotalChunks     int         `json:"total_chunks"`
	CompletedChunks int         `json:"completed_chunks"`
	FailedChunks    int         `json:"failed_chunks"`
	BatchIDs        []string    `json:"batch_ids"`
	Fallback        bool        `json:"fallback"`
	Metrics         *JobMetrics `json:"metrics,omitempty"`
	Error           string      `json:"error,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}
