// Package servicetest provides an in-process fake of the remote embedding
// service for tests: REST endpoints plus the websocket push channel.
package servicetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/embedctl/internal/models"
)

// Options shapes the fake's behavior.
type Options struct {
	// AutoBatchFail makes POST /job/auto-batch answer 500.
	AutoBatchFail bool
	// AutoBatchSize is the batch size the service picks. Default 5.
	AutoBatchSize int
	// JobID, when set, is returned as the remote job id instead of the requested one.
	JobID string
	// OmitTaskIDs leaves per-task ids out of the auto-batch response.
	OmitTaskIDs bool
	// NeverComplete keeps every task processing forever.
	NeverComplete bool
	// FailChunks lists chunk ids whose tasks fail.
	FailChunks map[string]bool
	// StallChunks lists chunk ids whose tasks stay processing forever.
	StallChunks map[string]bool
	// FailBatchCall makes the n-th (1-based) POST /batch answer 500.
	FailBatchCall int
	// CamelCase switches every response key to camelCase.
	CamelCase bool
	// Push enables frames on the websocket channel for finished tasks.
	Push bool
	// PushJobFrames makes the push channel announce whole jobs instead of
	// single tasks: one job-status frame, with every task, once a job finishes.
	PushJobFrames bool
	// StalePolls makes GET /task and GET /job report every task processing,
	// so outcomes are only visible on the push channel.
	StalePolls bool
	// TaskLatency is how long a task stays processing.
	TaskLatency time.Duration
	// IncludeMetrics adds job_metrics to job status responses.
	IncludeMetrics bool
	// Unhealthy makes GET /health answer 503.
	Unhealthy bool
	// APIKey, when set, is required on every request.
	APIKey string
}

type task struct {
	id      string
	chunk   models.Chunk
	batchID string
	jobID   string
	created time.Time
	pushed  bool
}

type job struct {
	id       string
	taskIDs  []string
	batchIDs []string
	created  time.Time
	deleted  bool
	pushed   bool
}

// Server is a running fake service.
type Server struct {
	*httptest.Server
	opts Options

	mu        sync.Mutex
	tasks     map[string]*task
	jobs      map[string]*job
	nextTask  int
	nextBatch int
	nextJob   int

	health    atomic.Int32
	batch     atomic.Int32
	autoBatch atomic.Int32
	polls     atomic.Int32
	jobPolls  atomic.Int32

	pushMu    sync.Mutex
	pushConns map[*websocket.Conn]struct{}
	upgrader  websocket.Upgrader
	stop      chan struct{}
	stopOnce  sync.Once
}

// New starts a fake service.
func New(opts Options) *Server {
	if opts.AutoBatchSize <= 0 {
		opts.AutoBatchSize = 5
	}
	s := &Server{
		opts:      opts,
		tasks:     make(map[string]*task),
		jobs:      make(map[string]*job),
		pushConns: make(map[*websocket.Conn]struct{}),
		stop:      make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(s.auth)
	r.Get("/health", s.handleHealth)
	r.Post("/task", s.handleSubmitTask)
	r.Get("/task/{id}", s.handlePollTask)
	r.Post("/batch", s.handleSubmitBatch)
	r.Post("/job/auto-batch", s.handleAutoBatch)
	r.Get("/job/{id}", s.handleJobStatus)
	r.Delete("/job/{id}", s.handleDeleteJob)
	r.Get("/ws", s.handlePush)

	s.Server = httptest.NewServer(r)
	if opts.Push {
		go s.pushLoop()
	}
	return s
}

// Close stops the push loop, drops push connections and shuts the server down.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.pushMu.Lock()
	for c := range s.pushConns {
		_ = c.Close()
	}
	s.pushMu.Unlock()
	s.Server.Close()
}

// PushURL returns the websocket endpoint.
func (s *Server) PushURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// HealthCalls returns the number of GET /health requests served.
func (s *Server) HealthCalls() int { return int(s.health.Load()) }

// BatchCalls returns the number of POST /batch requests served.
func (s *Server) BatchCalls() int { return int(s.batch.Load()) }

// AutoBatchCalls returns the number of POST /job/auto-batch requests served.
func (s *Server) AutoBatchCalls() int { return int(s.autoBatch.Load()) }

// TaskPolls returns the number of GET /task/{id} requests served.
func (s *Server) TaskPolls() int { return int(s.polls.Load()) }

// JobPolls returns the number of GET /job/{id} requests served.
func (s *Server) JobPolls() int { return int(s.jobPolls.Load()) }

// PushClients returns the number of open push connections.
func (s *Server) PushClients() int {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	return len(s.pushConns)
}

// Deleted reports whether jobID was deleted.
func (s *Server) Deleted(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	return ok && j.deleted
}

// Vector is the embedding the fake returns for a chunk.
func Vector(text string) []float32 {
	var sum int
	for _, b := range []byte(text) {
		sum += int(b)
	}
	return []float32{float32(len(text)), float32(sum % 97), 1}
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey != "" && r.Header.Get("X-API-Key") != s.opts.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// key renders a snake_case key in the configured case.
func (s *Server) key(k string) string {
	if !s.opts.CamelCase {
		return k
	}
	parts := strings.Split(k, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

// obj builds a response object from alternating snake_case keys and values.
func (s *Server) obj(kv ...any) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[s.key(kv[i].(string))] = kv[i+1]
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type submission struct {
	JobID  string `json:"job_id"`
	Chunks []struct {
		ChunkID string `json:"chunk_id"`
		Text    string `json:"text"`
	} `json:"chunks"`
	ChunkID string `json:"chunk_id"`
	Text    string `json:"text"`
}

func (sub submission) chunks() []models.Chunk {
	out := make([]models.Chunk, len(sub.Chunks))
	for i, c := range sub.Chunks {
		out[i] = models.Chunk{ID: c.ChunkID, Text: c.Text}
	}
	return out
}

// addTasks creates one task per chunk. Caller holds s.mu.
func (s *Server) addTasks(jobID, batchID string, chunks []models.Chunk) []*task {
	out := make([]*task, len(chunks))
	for i, c := range chunks {
		s.nextTask++
		t := &task{
			id:      fmt.Sprintf("t%d", s.nextTask),
			chunk:   c,
			batchID: batchID,
			jobID:   jobID,
			created: time.Now(),
		}
		s.tasks[t.id] = t
		out[i] = t
		if j, ok := s.jobs[jobID]; ok {
			j.taskIDs = append(j.taskIDs, t.id)
		}
	}
	return out
}

// ensureJob returns the job, creating it. Caller holds s.mu.
func (s *Server) ensureJob(id string) *job {
	j, ok := s.jobs[id]
	if !ok {
		j = &job{id: id, created: time.Now()}
		s.jobs[id] = j
	}
	return j
}

func (s *Server) newBatchID() string {
	s.nextBatch++
	return fmt.Sprintf("B%d", s.nextBatch)
}

func (s *Server) taskRefs(tasks []*task) []any {
	out := make([]any, len(tasks))
	for i, t := range tasks {
		out[i] = s.obj("task_id", t.id, "chunk_id", t.chunk.ID)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.health.Add(1)
	if s.opts.Unhealthy {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var sub submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	tasks := s.addTasks(sub.JobID, "", []models.Chunk{{ID: sub.ChunkID, Text: sub.Text}})
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.obj("task_id", tasks[0].id))
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	n := int(s.batch.Add(1))
	if s.opts.FailBatchCall == n {
		http.Error(w, "batch rejected", http.StatusInternalServerError)
		return
	}
	var sub submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if sub.JobID != "" {
		s.ensureJob(sub.JobID)
	}
	batchID := s.newBatchID()
	if j, ok := s.jobs[sub.JobID]; ok {
		j.batchIDs = append(j.batchIDs, batchID)
	}
	tasks := s.addTasks(sub.JobID, batchID, sub.chunks())
	s.mu.Unlock()

	resp := s.obj("batch_id", batchID, "tasks", s.taskRefs(tasks))
	if sub.JobID != "" {
		resp[s.key("job_id")] = sub.JobID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAutoBatch(w http.ResponseWriter, r *http.Request) {
	s.autoBatch.Add(1)
	if s.opts.AutoBatchFail {
		http.Error(w, "auto-batch unavailable", http.StatusInternalServerError)
		return
	}
	var sub submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	jobID := s.opts.JobID
	if jobID == "" {
		jobID = sub.JobID
	}
	if jobID == "" {
		s.nextJob++
		jobID = fmt.Sprintf("job-%d", s.nextJob)
	}
	j := s.ensureJob(jobID)

	var batches []any
	for _, group := range models.Partition(sub.chunks(), s.opts.AutoBatchSize) {
		batchID := s.newBatchID()
		j.batchIDs = append(j.batchIDs, batchID)
		tasks := s.addTasks(jobID, batchID, group)
		batches = append(batches, s.obj("batch_id", batchID, "tasks", s.taskRefs(tasks)))
	}
	batchIDs := append([]string(nil), j.batchIDs...)
	s.mu.Unlock()

	resp := s.obj("job_id", jobID, "batch_ids", batchIDs, "total_batches", len(batchIDs))
	if !s.opts.OmitTaskIDs {
		resp[s.key("batches")] = batches
	}
	writeJSON(w, http.StatusOK, resp)
}

// state computes a task's status. Caller holds s.mu.
func (s *Server) state(t *task) string {
	switch {
	case s.opts.FailChunks[t.chunk.ID]:
		return "failed"
	case s.opts.NeverComplete, s.opts.StallChunks[t.chunk.ID]:
		return "processing"
	case time.Since(t.created) >= s.opts.TaskLatency:
		return "completed"
	default:
		return "processing"
	}
}

// polledState is the task status the REST endpoints report. Caller holds s.mu.
func (s *Server) polledState(t *task) string {
	if s.opts.StalePolls {
		return "processing"
	}
	return s.state(t)
}

// taskView renders a task as the REST endpoints see it. Caller holds s.mu.
func (s *Server) taskView(t *task) map[string]any {
	return s.view(t, s.polledState(t))
}

// view renders a task in status st. Caller holds s.mu.
func (s *Server) view(t *task, st string) map[string]any {
	view := s.obj("task_id", t.id, "chunk_id", t.chunk.ID, "batch_id", t.batchID, "status", st)
	switch st {
	case "completed":
		view[s.key("result")] = Vector(t.chunk.Text)
		view[s.key("progress")] = 100
	case "failed":
		view[s.key("error")] = "embedding failed for " + t.chunk.ID
	default:
		view[s.key("progress")] = 50
	}
	return view
}

func (s *Server) handlePollTask(w http.ResponseWriter, r *http.Request) {
	s.polls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[chi.URLParam(r, "id")]
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.taskView(t))
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	s.jobPolls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[chi.URLParam(r, "id")]
	if !ok || j.deleted {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	var completed, failed int
	tasks := make([]any, 0, len(j.taskIDs))
	for _, id := range j.taskIDs {
		t := s.tasks[id]
		switch s.polledState(t) {
		case "completed":
			completed++
		case "failed":
			failed++
		}
		tasks = append(tasks, s.taskView(t))
	}
	total := len(j.taskIDs)
	status := "processing"
	if completed+failed == total && total > 0 {
		status = "completed"
	}

	resp := s.obj(
		"job_id", j.id,
		"status", status,
		"total_chunks", total,
		"completed_chunks", completed,
		"failed_chunks", failed,
		"pending_chunks", total-completed-failed,
		"tasks", tasks,
	)
	if s.opts.IncludeMetrics && status == "completed" {
		elapsed := time.Since(j.created).Seconds()
		resp[s.key("job_metrics")] = s.obj(
			"total_chunks", total,
			"success_count", completed,
			"failed_count", failed,
			"batch_count", len(j.batchIDs),
			"success_rate", float64(completed)/float64(total)*100,
			"execution_time", elapsed,
			"throughput", float64(completed)/max(elapsed, 0.001),
		)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[chi.URLParam(r, "id")]
	if !ok || j.deleted {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	j.deleted = true
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Push {
		http.Error(w, "push disabled", http.StatusNotFound)
		return
	}
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.pushMu.Lock()
	s.pushConns[c] = struct{}{}
	s.pushMu.Unlock()

	defer func() {
		s.pushMu.Lock()
		delete(s.pushConns, c)
		s.pushMu.Unlock()
		_ = c.Close()
	}()
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

// jobFrames renders one frame per job whose tasks all finished since the
// last call. Caller holds s.mu.
func (s *Server) jobFrames() []map[string]any {
	var frames []map[string]any
	for _, j := range s.jobs {
		if j.pushed || j.deleted || len(j.taskIDs) == 0 {
			continue
		}
		tasks := make([]any, 0, len(j.taskIDs))
		done := true
		for _, id := range j.taskIDs {
			t := s.tasks[id]
			st := s.state(t)
			if st != "completed" && st != "failed" {
				done = false
				break
			}
			tasks = append(tasks, s.view(t, st))
		}
		if !done {
			continue
		}
		j.pushed = true
		frames = append(frames, map[string]any{
			"type":         "job_status",
			"job_id":       j.id,
			"status":       "completed",
			"total_chunks": len(j.taskIDs),
			"tasks":        tasks,
		})
	}
	return frames
}

// pushLoop announces finished tasks to every push client, nesting the
// payload under result the way the real service does.
func (s *Server) pushLoop() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		if s.PushClients() == 0 {
			continue
		}

		var frames []map[string]any
		s.mu.Lock()
		if s.opts.PushJobFrames {
			frames = s.jobFrames()
		}
		for _, t := range s.tasks {
			if s.opts.PushJobFrames {
				break
			}
			if t.pushed {
				continue
			}
			switch s.state(t) {
			case "completed":
				frames = append(frames, map[string]any{
					"type":   "task_complete",
					"job_id": t.jobID,
					"result": s.obj("task_id", t.id, "chunk_id", t.chunk.ID, "embedding", Vector(t.chunk.Text)),
				})
				t.pushed = true
			case "failed":
				frames = append(frames, map[string]any{
					"type":   "task_error",
					"job_id": t.jobID,
					"result": s.obj("task_id", t.id, "chunk_id", t.chunk.ID, "error", "embedding failed"),
				})
				t.pushed = true
			}
		}
		s.mu.Unlock()

		s.pushMu.Lock()
		for c := range s.pushConns {
			for _, f := range frames {
				_ = c.WriteJSON(f)
			}
		}
		s.pushMu.Unlock()
	}
}
