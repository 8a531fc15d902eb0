package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/embedctl/internal/models"
)

// fields is a decoded JSON object whose keys may be snake_case or camelCase.
// Lookups always use the snake_case name.
type fields map[string]any

// camel converts a snake_case key to camelCase.
func camel(key string) string {
	parts := strings.Split(key, "_")
	if len(parts) == 1 {
		return key
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

func (f fields) get(keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := f[key]; ok && v != nil {
			return v, true
		}
		if c := camel(key); c != key {
			if v, ok := f[c]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func (f fields) str(keys ...string) string {
	v, ok := f.get(keys...)
	if !ok {
		return ""
	}
	return asString(v)
}

func (f fields) num(keys ...string) (float64, bool) {
	v, ok := f.get(keys...)
	if !ok {
		return 0, false
	}
	return asNumber(v)
}

func (f fields) count(keys ...string) (int, bool) {
	n, ok := f.num(keys...)
	if !ok {
		return 0, false
	}
	return int(math.Round(n)), true
}

func (f fields) obj(keys ...string) fields {
	v, ok := f.get(keys...)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return fields(m)
}

func (f fields) list(keys ...string) []any {
	v, ok := f.get(keys...)
	if !ok {
		return nil
	}
	l, _ := v.([]any)
	return l
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		n, err := t.Float64()
		return n, err == nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// asVector accepts a bare numeric array or an object carrying one under
// embedding, vector or values.
func asVector(v any) ([]float32, bool) {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return nil, false
		}
		vec := make([]float32, len(t))
		for i, x := range t {
			n, ok := asNumber(x)
			if !ok {
				return nil, false
			}
			vec[i] = float32(n)
		}
		return vec, true
	case []float32:
		return append([]float32(nil), t...), len(t) > 0
	case []float64:
		vec := make([]float32, len(t))
		for i, x := range t {
			vec[i] = float32(x)
		}
		return vec, len(t) > 0
	case map[string]any:
		inner, ok := fields(t).get("embedding", "vector", "values")
		if !ok {
			return nil, false
		}
		return asVector(inner)
	default:
		return nil, false
	}
}

// TaskRef links a service task to the chunk it embeds.
type TaskRef struct {
	TaskID  string `json:"task_id"`
	ChunkID string `json:"chunk_id"`
	BatchID string `json:"batch_id,omitempty"`
}

// BatchSubmission is the canonical response to a batch submission.
type BatchSubmission struct {
	BatchID string    `json:"batch_id"`
	JobID   string    `json:"job_id,omitempty"`
	Tasks   []TaskRef `json:"tasks"`
}

// AutoBatchSubmission is the canonical response to an auto-batch submission.
// Tasks is empty when the service does not report per-task ids up front.
type AutoBatchSubmission struct {
	JobID        string    `json:"job_id"`
	BatchIDs     []string  `json:"batch_ids"`
	TotalBatches int       `json:"total_batches"`
	Tasks        []TaskRef `json:"tasks,omitempty"`
}

// TaskStatus is the canonical view of one task as reported by the service.
type TaskStatus struct {
	TaskID   string            `json:"task_id"`
	ChunkID  string            `json:"chunk_id,omitempty"`
	BatchID  string            `json:"batch_id,omitempty"`
	JobID    string            `json:"job_id,omitempty"`
	Status   models.TaskStatus `json:"status"`
	Progress float64           `json:"progress,omitempty"`
	Result   []float32         `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// ServiceMetrics are the job metrics reported by the service. Nil fields were
// absent from the response.
type ServiceMetrics struct {
	TotalChunks   *int           `json:"total_chunks,omitempty"`
	SuccessCount  *int           `json:"success_count,omitempty"`
	FailedCount   *int           `json:"failed_count,omitempty"`
	BatchCount    *int           `json:"batch_count,omitempty"`
	SuccessRate   *float64       `json:"success_rate,omitempty"`
	Throughput    *float64       `json:"throughput,omitempty"`
	ExecutionTime *time.Duration `json:"execution_time,omitempty"`
}

// JobStatus is the canonical view of a job as reported by the service.
type JobStatus struct {
	JobID     string           `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	RawStatus string           `json:"raw_status,omitempty"`
	Total     int              `json:"total_chunks"`
	Completed int              `json:"completed_chunks"`
	Failed    int              `json:"failed_chunks"`
	Pending   int              `json:"pending_chunks"`
	Tasks     []TaskStatus     `json:"tasks,omitempty"`
	Metrics   *ServiceMetrics  `json:"job_metrics,omitempty"`
}

// Terminal reports whether the service considers the job finished.
func (s *JobStatus) Terminal() bool {
	return s.Status.IsTerminal()
}

// taskRefs reads a tasks array. Entries may be objects or bare task ids; bare
// ids are matched to chunks by position starting at offset.
func taskRefs(items []any, batchID string, chunks []models.Chunk, offset int) []TaskRef {
	refs := make([]TaskRef, 0, len(items))
	for i, item := range items {
		var ref TaskRef
		switch t := item.(type) {
		case map[string]any:
			f := fields(t)
			ref = TaskRef{
				TaskID:  f.str("task_id", "id"),
				ChunkID: f.str("chunk_id"),
				BatchID: f.str("batch_id"),
			}
		default:
			ref.TaskID = asString(t)
		}
		if ref.TaskID == "" {
			continue
		}
		if ref.ChunkID == "" && offset+i < len(chunks) {
			ref.ChunkID = chunks[offset+i].ID
		}
		if ref.BatchID == "" {
			ref.BatchID = batchID
		}
		refs = append(refs, ref)
	}
	return refs
}

func parseBatchSubmission(f fields, chunks []models.Chunk) (*BatchSubmission, error) {
	sub := &BatchSubmission{
		BatchID: f.str("batch_id", "id"),
		JobID:   f.str("job_id"),
	}
	if sub.BatchID == "" {
		return nil, errors.New("response has no batch id")
	}
	sub.Tasks = taskRefs(f.list("tasks", "task_ids"), sub.BatchID, chunks, 0)
	return sub, nil
}

func parseAutoBatch(f fields, chunks []models.Chunk) (*AutoBatchSubmission, error) {
	sub := &AutoBatchSubmission{JobID: f.str("job_id")}

	for _, id := range f.list("batch_ids") {
		if s := asString(id); s != "" {
			sub.BatchIDs = append(sub.BatchIDs, s)
		}
	}

	offset := 0
	for _, item := range f.list("batches") {
		b, ok := item.(map[string]any)
		if !ok {
			continue
		}
		bf := fields(b)
		batchID := bf.str("batch_id", "id")
		tasks := bf.list("tasks", "task_ids")
		sub.Tasks = append(sub.Tasks, taskRefs(tasks, batchID, chunks, offset)...)
		offset += len(tasks)
		if batchID != "" && !contains(sub.BatchIDs, batchID) {
			sub.BatchIDs = append(sub.BatchIDs, batchID)
		}
	}
	if top := f.list("tasks"); len(top) > 0 {
		sub.Tasks = append(sub.Tasks, taskRefs(top, "", chunks, offset)...)
	}

	if n, ok := f.count("total_batches"); ok {
		sub.TotalBatches = n
	} else {
		sub.TotalBatches = len(sub.BatchIDs)
	}

	if sub.JobID == "" && len(sub.BatchIDs) == 0 && len(sub.Tasks) == 0 {
		return nil, errors.New("response has no job id, batches or tasks")
	}
	return sub, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// parseTaskState maps the service's status vocabulary onto task statuses.
func parseTaskState(raw string) (models.TaskStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued", "submitted", "created":
		return models.TaskPending, true
	case "processing", "running", "in_progress", "started", "progress":
		return models.TaskProcessing, true
	case "completed", "complete", "done", "success", "succeeded", "finished":
		return models.TaskCompleted, true
	case "failed", "failure", "error", "errored", "cancelled", "canceled":
		return models.TaskFailed, true
	case "timeout", "timed_out":
		return models.TaskTimeout, true
	default:
		return "", false
	}
}

// stateFromEventType infers a task status from push frame types such as
// task_complete or taskError.
func stateFromEventType(kind string) (models.TaskStatus, bool) {
	k := strings.ToLower(kind)
	switch {
	case strings.Contains(k, "complete"), strings.Contains(k, "done"), strings.Contains(k, "result"):
		return models.TaskCompleted, true
	case strings.Contains(k, "error"), strings.Contains(k, "fail"):
		return models.TaskFailed, true
	case strings.Contains(k, "progress"), strings.Contains(k, "processing"):
		return models.TaskProcessing, true
	default:
		return "", false
	}
}

func errorText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		return fields(t).str("message", "error", "detail")
	default:
		return asString(v)
	}
}

// NormalizeTaskStatus converts a task record (poll response, push payload or
// an entry of a job's tasks array) into the canonical TaskStatus.
func NormalizeTaskStatus(m map[string]any) (*TaskStatus, error) {
	f := fields(m)
	st := &TaskStatus{
		TaskID:  f.str("task_id"),
		ChunkID: f.str("chunk_id"),
		BatchID: f.str("batch_id"),
		JobID:   f.str("job_id"),
	}
	if p, ok := f.num("progress"); ok {
		st.Progress = p
	}

	if raw, ok := f.get("result"); ok {
		if vec, ok := asVector(raw); ok {
			st.Result = vec
		} else if rf, ok := raw.(map[string]any); ok {
			if e, ok := fields(rf).get("error"); ok {
				st.Error = errorText(e)
			}
		}
	}
	if st.Result == nil {
		if raw, ok := f.get("embedding", "vector"); ok {
			st.Result, _ = asVector(raw)
		}
	}
	if e, ok := f.get("error", "error_message"); ok && st.Error == "" {
		st.Error = errorText(e)
	}

	rawStatus := f.str("status", "state")
	switch {
	case rawStatus != "":
		s, ok := parseTaskState(rawStatus)
		if !ok {
			return nil, fmt.Errorf("unknown task status %q", rawStatus)
		}
		st.Status = s
	case st.Result != nil:
		st.Status = models.TaskCompleted
	case st.Error != "":
		st.Status = models.TaskFailed
	default:
		s, ok := stateFromEventType(f.str("type", "event"))
		if !ok {
			s = models.TaskPending
		}
		st.Status = s
	}

	if st.Status == models.TaskCompleted && st.Result == nil {
		return nil, fmt.Errorf("task %s completed without a result vector", st.TaskID)
	}
	return st, nil
}

// parseJobState maps the service's job status vocabulary onto job statuses.
// Anything not recognisably terminal is treated as running.
func parseJobState(raw string) models.JobStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "complete", "done", "success", "succeeded", "finished":
		return models.JobCompleted
	case "failed", "failure", "error", "errored", "cancelled", "canceled":
		return models.JobFailed
	default:
		return models.JobRunning
	}
}

func parseServiceMetrics(f fields) *ServiceMetrics {
	if f == nil {
		return nil
	}
	m := &ServiceMetrics{}
	set := false
	intp := func(dst **int, keys ...string) {
		if n, ok := f.count(keys...); ok {
			*dst = &n
			set = true
		}
	}
	floatp := func(dst **float64, keys ...string) {
		if n, ok := f.num(keys...); ok {
			*dst = &n
			set = true
		}
	}

	intp(&m.TotalChunks, "total_chunks")
	intp(&m.SuccessCount, "success_count", "completed_chunks")
	intp(&m.FailedCount, "failed_count", "failed_chunks")
	intp(&m.BatchCount, "batch_count", "total_batches")
	floatp(&m.SuccessRate, "success_rate")
	floatp(&m.Throughput, "throughput", "chunks_per_second")

	if ms, ok := f.num("execution_time_ms"); ok {
		d := time.Duration(ms * float64(time.Millisecond))
		m.ExecutionTime = &d
		set = true
	} else if sec, ok := f.num("execution_time"); ok {
		d := time.Duration(sec * float64(time.Second))
		m.ExecutionTime = &d
		set = true
	}

	if !set {
		return nil
	}
	return m
}

// NormalizeJobStatus converts a job status payload into the canonical JobStatus.
// Entries of the tasks array that cannot be understood are skipped.
func NormalizeJobStatus(m map[string]any) (*JobStatus, error) {
	f := fields(m)
	raw := f.str("status", "state")
	st := &JobStatus{
		JobID:     f.str("job_id", "id"),
		RawStatus: raw,
		Status:    parseJobState(raw),
	}

	st.Total, _ = f.count("total_chunks", "total_tasks", "total")
	st.Completed, _ = f.count("completed_chunks", "completed_tasks", "completed")
	st.Failed, _ = f.count("failed_chunks", "failed_tasks", "failed")
	if p, ok := f.count("pending_chunks", "pending_tasks", "pending"); ok {
		st.Pending = p
	} else {
		st.Pending = max(st.Total-st.Completed-st.Failed, 0)
	}

	for _, item := range f.list("tasks") {
		tm, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ts, err := NormalizeTaskStatus(tm)
		if err != nil || ts.TaskID == "" {
			continue
		}
		if ts.JobID == "" {
			ts.JobID = st.JobID
		}
		st.Tasks = append(st.Tasks, *ts)
	}

	st.Metrics = parseServiceMetrics(f.obj("job_metrics", "metrics"))

	if st.JobID == "" && raw == "" && st.Total == 0 && len(st.Tasks) == 0 {
		return nil, errors.New("response carries no job fields")
	}
	return st, nil
}
