// Package service orchestrates embedding jobs against the remote service and
// exposes the command surface used by the CLI, the relay server and MCP tools.
package service

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/embedctl/internal/models"
)

// JobStore persists job history. *db.Client satisfies it.
type JobStore interface {
	SaveJob(ctx context.Context, rec models.JobRecord) error
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)
	ListJobs(ctx context.Context, limit int) ([]models.JobRecord, error)
	DeleteJob(ctx context.Context, id string) error
}

// Job is the client-side state of one embedding job.
type Job struct {
	ID          string
	RemoteID    string
	Status      models.JobStatus
	Total       int
	Completed   int
	Failed      int
	BatchIDs    []string
	Fallback    bool
	Metrics     *models.JobMetrics
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time

	mu          sync.RWMutex
	result      *Result
	done        chan struct{}
	lastPersist time.Time
}

// Snapshot returns the job's progress counters.
func (j *Job) Snapshot() models.JobSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return models.JobSnapshot{
		JobID:     j.ID,
		Status:    j.Status,
		Total:     j.Total,
		Completed: j.Completed,
		Failed:    j.Failed,
		Pending:   j.Total - j.Completed - j.Failed,
	}
}

// Record returns the persisted form of the job.
func (j *Job) Record() models.JobRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return models.JobRecord{
		ID:              j.ID,
		RemoteID:        j.RemoteID,
		Status:          j.Status,
		TotalChunks:     j.Total,
		CompletedChunks: j.Completed,
		FailedChunks:    j.Failed,
		BatchIDs:        slices.Clone(j.BatchIDs),
		Fallback:        j.Fallback,
		Metrics:         j.Metrics,
		Error:           j.Error,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}

// Done is closed when the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the job's result once Done is closed, nil before.
func (j *Job) Result() *Result {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result
}

// JobManager tracks jobs in memory and, when a store is configured, mirrors
// them to job history.
type JobManager struct {
	jobs   map[string]*Job
	mu     sync.RWMutex
	store  JobStore
	logger *slog.Logger
}

// NewJobManager creates a job manager. store may be nil.
func NewJobManager(store JobStore, logger *slog.Logger) *JobManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobManager{
		jobs:   make(map[string]*Job),
		store:  store,
		logger: logger,
	}
}

// HasStore reports whether job history is persisted.
func (m *JobManager) HasStore() bool { return m.store != nil }

// Create registers a running job for total chunks.
func (m *JobManager) Create(ctx context.Context, total int) *Job {
	job := &Job{
		ID:        uuid.New().String()[:8], // Short ID for convenience
		Status:    models.JobRunning,
		Total:     total,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.persist(ctx, job)
	m.logger.Info("job created", "job_id", job.ID, "chunks", total)
	return job
}

// Get retrieves a job by local or remote id.
func (m *JobManager) Get(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[id]; ok {
		return job
	}
	for _, job := range m.jobs {
		job.mu.RLock()
		remote := job.RemoteID
		job.mu.RUnlock()
		if remote == id {
			return job
		}
	}
	return nil
}

// List returns all jobs, most recent first.
func (m *JobManager) List() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	slices.SortFunc(jobs, func(a, b *Job) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return jobs
}

// Submitted records how the job was accepted by the service.
func (m *JobManager) Submitted(ctx context.Context, job *Job, remoteID string, batchIDs []string, fallback bool) {
	job.mu.Lock()
	job.RemoteID = remoteID
	job.BatchIDs = slices.Clone(batchIDs)
	job.Fallback = fallback
	job.mu.Unlock()

	m.persist(ctx, job)
}

// Progress updates the counters. Persistence is debounced.
func (m *JobManager) Progress(ctx context.Context, job *Job, completed, failed int) {
	job.mu.Lock()
	job.Completed = completed
	job.Failed = failed

	// Only persist every 5 seconds or when the job is fully accounted for.
	shouldPersist := m.store != nil && (time.Since(job.lastPersist) > 5*time.Second ||
		completed+failed == job.Total)
	job.mu.Unlock()

	if shouldPersist {
		m.persist(ctx, job)
	}
}

// Complete marks the job completed with its result.
func (m *JobManager) Complete(ctx context.Context, job *Job, result *Result) {
	m.finish(ctx, job, models.JobCompleted, result, nil)
	m.logger.Info("job completed",
		"job_id", job.ID,
		"remote_job_id", result.RemoteID,
		"embedded", len(result.Embeddings),
		"failed", len(result.Failed),
		"duration_ms", result.Metrics.ExecutionTime.Milliseconds())
}

// Fail marks the job failed. result may carry partial output.
func (m *JobManager) Fail(ctx context.Context, job *Job, result *Result, err error) {
	m.finish(ctx, job, models.JobFailed, result, err)
	m.logger.Error("job failed", "job_id", job.ID, "error", err)
}

func (m *JobManager) finish(ctx context.Context, job *Job, status models.JobStatus, result *Result, err error) {
	job.mu.Lock()
	if job.Status.IsTerminal() {
		job.mu.Unlock()
		return
	}
	job.Status = status
	now := time.Now()
	job.CompletedAt = &now
	if err != nil {
		job.Error = err.Error()
	}
	if result != nil {
		job.result = result
		job.Completed = len(result.Embeddings)
		job.Failed = job.Total - job.Completed
		metrics := result.Metrics
		job.Metrics = &metrics
	}
	job.mu.Unlock()
	close(job.done)

	m.persist(ctx, job)
}

// Remove drops a job from memory and history. It reports whether the job was known.
func (m *JobManager) Remove(ctx context.Context, id string) bool {
	job := m.Get(id)
	if job != nil {
		m.mu.Lock()
		delete(m.jobs, job.ID)
		m.mu.Unlock()
		id = job.ID
	}

	if m.store != nil {
		if err := m.store.DeleteJob(ctx, id); err != nil {
			m.logger.Warn("failed to delete job history", "job_id", id, "error", err)
		}
	}
	return job != nil
}

// History returns the most recent job records, from the store when configured.
func (m *JobManager) History(ctx context.Context, limit int) ([]models.JobRecord, error) {
	if m.store != nil {
		return m.store.ListJobs(ctx, limit)
	}
	jobs := m.List()
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	out := make([]models.JobRecord, len(jobs))
	for i, j := range jobs {
		out[i] = j.Record()
	}
	return out, nil
}

// Lookup returns the history record of a job not held in memory.
func (m *JobManager) Lookup(ctx context.Context, id string) (*models.JobRecord, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.GetJob(ctx, id)
}

func (m *JobManager) persist(ctx context.Context, job *Job) {
	if m.store == nil {
		return
	}
	job.mu.Lock()
	job.lastPersist = time.Now()
	job.mu.Unlock()

	if err := m.store.SaveJob(context.WithoutCancel(ctx), job.Record()); err != nil {
		m.logger.Warn("failed to persist job", "job_id", job.ID, "error", err)
	}
}
