// Package metrics keeps in-memory statistics for service round trips and for
// every task the client resolves.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated timings for one operation type.
type OperationMetrics struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Errors      int64   `json:"errors,omitempty"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot is the collector state at a point in time.
type Snapshot struct {
	UptimeSeconds float64                       `json:"uptime_seconds"`
	Operations    map[string]*OperationSnapshot `json:"operations"`
	TrackedTasks  int                           `json:"tracked_tasks"`
	TrackedJobs   int                           `json:"tracked_jobs"`
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics

	tasks   map[string]TaskRecord
	batches map[string]batchRecord
	byJob   map[string]*jobIndex

	// finished jobs oldest first, evicted beyond retainJobs
	finished   []string
	retainJobs int
	// tasks recorded without a job, evicted beyond looseLimit
	loose      []string
	looseLimit int
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithRetainedJobs sets how many finished jobs keep their task and batch
// records. Values below 1 use DefaultRetainedJobs.
func WithRetainedJobs(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.retainJobs = n
		}
	}
}

// WithLooseTaskLimit caps the records of tasks that belong to no job.
// Values below 1 use DefaultLooseTaskLimit.
func WithLooseTaskLimit(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.looseLimit = n
		}
	}
}

// NewCollector creates a new metrics collector.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		startTime:  time.Now(),
		ops:        make(map[string]*OperationMetrics),
		tasks:      make(map[string]TaskRecord),
		batches:    make(map[string]batchRecord),
		byJob:      make(map[string]*jobIndex),
		retainJobs: DefaultRetainedJobs,
		looseLimit: DefaultLooseTaskLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordError counts a failed call of op.
func (c *Collector) RecordError(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(op).Errors++
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || (m.Count == 0 && m.Errors == 0) {
		return nil
	}
	snap := &OperationSnapshot{
		Count:       m.Count,
		Errors:      m.Errors,
		TotalTimeMs: m.TotalTime.Milliseconds(),
	}
	if m.Count > 0 {
		snap.AvgTimeMs = float64(m.TotalTime.Milliseconds()) / float64(m.Count)
		snap.MinTimeMs = m.MinTime.Milliseconds()
		snap.MaxTimeMs = m.MaxTime.Milliseconds()
	}
	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make(map[string]*OperationSnapshot, len(c.ops))
	for name, m := range c.ops {
		if s := snapshotOp(m); s != nil {
			ops[name] = s
		}
	}

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Operations:    ops,
		TrackedTasks:  len(c.tasks),
		TrackedJobs:   len(c.byJob),
	}
}
