package metrics

import (
	"slices"
	"time"

	"github.com/raphaelgruber/embedctl/internal/client"
	"github.com/raphaelgruber/embedctl/internal/models"
)

const (
	// DefaultRetainedJobs is how many finished jobs keep their records.
	DefaultRetainedJobs = 100
	// DefaultLooseTaskLimit caps records of tasks outside any job.
	DefaultLooseTaskLimit = 10000
)

// TaskRecord is the outcome of one resolved task.
type TaskRecord struct {
	TaskID     string            `json:"task_id"`
	ChunkID    string            `json:"chunk_id"`
	BatchID    string            `json:"batch_id,omitempty"`
	JobID      string            `json:"job_id,omitempty"`
	Status     models.TaskStatus `json:"status"`
	Wait       time.Duration     `json:"wait"`
	ResolvedAt time.Time         `json:"resolved_at"`
}

type batchRecord struct {
	jobID       string
	submittedAt time.Time
}

type jobIndex struct {
	tasks    map[string]struct{}
	batches  map[string]struct{}
	finished bool
}

// index returns the job's index, creating it. Caller holds the write lock.
func (c *Collector) index(jobID string) *jobIndex {
	idx, ok := c.byJob[jobID]
	if !ok {
		idx = &jobIndex{
			tasks:   make(map[string]struct{}),
			batches: make(map[string]struct{}),
		}
		c.byJob[jobID] = idx
	}
	return idx
}

// RecordTask stores the outcome of a resolved task. The record outlives the
// task's ledger entry.
func (c *Collector) RecordTask(rec TaskRecord) {
	if rec.ResolvedAt.IsZero() {
		rec.ResolvedAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, seen := c.tasks[rec.TaskID]
	c.tasks[rec.TaskID] = rec
	if rec.JobID != "" {
		c.index(rec.JobID).tasks[rec.TaskID] = struct{}{}
		return
	}
	if seen {
		return
	}
	c.loose = append(c.loose, rec.TaskID)
	for len(c.loose) > c.looseLimit {
		if old, ok := c.tasks[c.loose[0]]; ok && old.JobID == "" {
			delete(c.tasks, c.loose[0])
		}
		c.loose = c.loose[1:]
	}
}

// Task returns the recorded outcome of a task.
func (c *Collector) Task(taskID string) (TaskRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.tasks[taskID]
	return rec, ok
}

// RecordBatch notes when a batch of jobID was submitted.
func (c *Collector) RecordBatch(jobID, batchID string, submittedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batches[batchID] = batchRecord{jobID: jobID, submittedAt: submittedAt}
	c.index(jobID).batches[batchID] = struct{}{}
}

// JobMetrics computes the client-side metrics of a job. Chunks without a
// successful task record, including those never submitted, count as failed.
func (c *Collector) JobMetrics(jobID string, totalChunks int, started, finished time.Time) models.JobMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := models.JobMetrics{
		JobID:         jobID,
		TotalChunks:   totalChunks,
		ExecutionTime: finished.Sub(started),
		Source:        models.MetricsSourceClient,
	}

	idx := c.byJob[jobID]
	if idx == nil {
		m.FailedCount = totalChunks
		return m
	}

	var waitSum time.Duration
	var waited int
	lastByBatch := make(map[string]time.Time)
	for id := range idx.tasks {
		rec := c.tasks[id]
		switch rec.Status {
		case models.TaskCompleted:
			m.SuccessCount++
		case models.TaskTimeout:
			m.TimeoutCount++
		}
		if rec.Wait > 0 {
			waitSum += rec.Wait
			waited++
		}
		if rec.BatchID != "" && rec.ResolvedAt.After(lastByBatch[rec.BatchID]) {
			lastByBatch[rec.BatchID] = rec.ResolvedAt
		}
	}
	m.SuccessCount = min(m.SuccessCount, totalChunks)
	m.FailedCount = totalChunks - m.SuccessCount
	m.BatchCount = len(idx.batches)

	if waited > 0 {
		m.AvgTaskWait = waitSum / time.Duration(waited)
	}

	var batchSum time.Duration
	var timed int
	for id := range idx.batches {
		last, ok := lastByBatch[id]
		if !ok {
			continue
		}
		batchSum += last.Sub(c.batches[id].submittedAt)
		timed++
	}
	if timed > 0 {
		m.AvgBatchTime = batchSum / time.Duration(timed)
	}

	finalize(&m)
	return m
}

// finalize derives the rate fields from the counts.
func finalize(m *models.JobMetrics) {
	if m.TotalChunks > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalChunks) * 100
	}
	if secs := m.ExecutionTime.Seconds(); secs > 0 {
		m.Throughput = float64(m.SuccessCount) / secs
	}
}

// MergeServiceMetrics overlays the metrics reported by the service on the
// client-side ones. Every field the service reported wins; rates it did not
// report are recomputed from the merged counts.
func MergeServiceMetrics(local models.JobMetrics, svc *client.ServiceMetrics) models.JobMetrics {
	if svc == nil {
		return local
	}

	m := local
	if svc.TotalChunks != nil {
		m.TotalChunks = *svc.TotalChunks
	}
	if svc.SuccessCount != nil {
		m.SuccessCount = *svc.SuccessCount
	}
	if svc.FailedCount != nil {
		m.FailedCount = *svc.FailedCount
	} else if svc.SuccessCount != nil || svc.TotalChunks != nil {
		m.FailedCount = max(m.TotalChunks-m.SuccessCount, 0)
	}
	if svc.BatchCount != nil {
		m.BatchCount = *svc.BatchCount
	}
	if svc.ExecutionTime != nil {
		m.ExecutionTime = *svc.ExecutionTime
	}

	finalize(&m)
	if svc.SuccessRate != nil {
		m.SuccessRate = *svc.SuccessRate
	}
	if svc.Throughput != nil {
		m.Throughput = *svc.Throughput
	}
	m.Source = models.MetricsSourceMerged
	return m
}

// Finish marks a job done. Its records stay available for JobMetrics until
// more than the retained number of jobs have finished after it.
func (c *Collector) Finish(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.index(jobID)
	if idx.finished {
		return
	}
	idx.finished = true
	c.finished = append(c.finished, jobID)
	for len(c.finished) > c.retainJobs {
		oldest := c.finished[0]
		c.finished = c.finished[1:]
		c.forget(oldest)
	}
}

// Forget drops every task and batch row of a job.
func (c *Collector) Forget(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.finished = slices.DeleteFunc(c.finished, func(id string) bool { return id == jobID })
	c.forget(jobID)
}

// forget drops a job's rows. Caller holds the write lock.
func (c *Collector) forget(jobID string) {
	idx, ok := c.byJob[jobID]
	if !ok {
		return
	}
	for id := range idx.tasks {
		delete(c.tasks, id)
	}
	for id := range idx.batches {
		delete(c.batches, id)
	}
	delete(c.byJob, jobID)
}
