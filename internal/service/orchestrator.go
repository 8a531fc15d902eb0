package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/raphaelgruber/embedctl/internal/client"
	"github.com/raphaelgruber/embedctl/internal/connection"
	"github.com/raphaelgruber/embedctl/internal/events"
	"github.com/raphaelgruber/embedctl/internal/ledger"
	"github.com/raphaelgruber/embedctl/internal/metrics"
	"github.com/raphaelgruber/embedctl/internal/models"
)

// FailurePolicy decides what happens when a manual batch submission fails.
type FailurePolicy string

const (
	// FailurePolicyFail gives up on a batch after its first failed submission.
	FailurePolicyFail FailurePolicy = "fail"
	// FailurePolicyRetry resubmits a failed batch with exponential backoff.
	FailurePolicyRetry FailurePolicy = "retry"
)

// jobFrameBuffer is how many pushed job-status frames may wait for the
// harvest loop before the push reader blocks.
const jobFrameBuffer = 8

// chunksPerCeilingStep scales the job wall-clock ceiling: one task timeout
// per started group of this many chunks.
const chunksPerCeilingStep = 10

// finalStatusTimeout bounds the job-status fetch used to pick up service metrics.
const finalStatusTimeout = 5 * time.Second

// Config holds orchestration tunables.
type Config struct {
	BatchSize      int
	TaskTimeout    time.Duration
	PollInterval   time.Duration
	Workers        int
	FailurePolicy  FailurePolicy
	SubmitRetries  int
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		BatchSize:      4,
		TaskTimeout:    30 * time.Second,
		PollInterval:   500 * time.Millisecond,
		Workers:        4,
		FailurePolicy:  FailurePolicyFail,
		SubmitRetries:  2,
		RetryBaseDelay: 500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = d.FailurePolicy
	}
	if c.SubmitRetries < 0 {
		c.SubmitRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	return c
}

// Remote is the part of the service client the orchestrator needs.
// *client.Client satisfies it.
type Remote interface {
	SubmitBatch(ctx context.Context, chunks []models.Chunk, jobID string) (*client.BatchSubmission, error)
	SubmitAutoBatch(ctx context.Context, chunks []models.Chunk, jobID string) (*client.AutoBatchSubmission, error)
	PollTask(ctx context.Context, taskID string) (*client.TaskStatus, error)
	GetJobStatus(ctx context.Context, jobID string) (*client.JobStatus, error)
	DeleteJob(ctx context.Context, jobID string) error
	HealthCheck(ctx context.Context) bool
}

// ProgressFunc receives a snapshot every time a job's counters change.
// It is always called from the goroutine running the job.
type ProgressFunc func(models.JobSnapshot)

// Result is the output of one job. Embeddings holds only successful chunks;
// Failed lists every other chunk id in input order.
type Result struct {
	JobID      string               `json:"job_id"`
	RemoteID   string               `json:"remote_job_id,omitempty"`
	Embeddings map[string][]float32 `json:"embeddings"`
	Failed     []string             `json:"failed,omitempty"`
	Metrics    models.JobMetrics    `json:"metrics"`
	Fallback   bool                 `json:"fallback"`
	Partial    bool                 `json:"partial"`
}

// Orchestrator runs embedding jobs end to end.
type Orchestrator struct {
	remote    Remote
	resolver  *ledger.Resolver
	jobs      *JobManager
	conn      *connection.Manager
	collector *metrics.Collector
	publisher *events.Publisher
	pool      *ants.Pool
	cfg       Config
	logger    *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithConnection lets jobs harvest push frames. nil is allowed.
func WithConnection(m *connection.Manager) OrchestratorOption {
	return func(o *Orchestrator) { o.conn = m }
}

// WithMetrics sets the collector. It must be the one the resolver records into.
func WithMetrics(c *metrics.Collector) OrchestratorOption {
	return func(o *Orchestrator) {
		if c != nil {
			o.collector = c
		}
	}
}

// WithPublisher publishes job and task events.
func WithPublisher(p *events.Publisher) OrchestratorOption {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConfig sets the tunables. Zero fields take defaults.
func WithConfig(cfg Config) OrchestratorOption {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// NewOrchestrator creates an orchestrator and its batch submission pool.
func NewOrchestrator(remote Remote, resolver *ledger.Resolver, jobs *JobManager, opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		remote:    remote,
		resolver:  resolver,
		jobs:      jobs,
		collector: metrics.NewCollector(),
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg = o.cfg.withDefaults()

	pool, err := ants.NewPool(o.cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("create submission pool: %w", err)
	}
	o.pool = pool
	return o, nil
}

// Close releases the submission pool.
func (o *Orchestrator) Close() {
	o.pool.Release()
}

// Config returns the effective tunables.
func (o *Orchestrator) Config() Config { return o.cfg }

// Ceiling returns the wall-clock limit for a job of n chunks.
func (o *Orchestrator) Ceiling(n int) time.Duration {
	steps := (n + chunksPerCeilingStep - 1) / chunksPerCeilingStep
	if steps < 1 {
		steps = 1
	}
	return o.cfg.TaskTimeout * time.Duration(steps)
}

func (o *Orchestrator) publish(e events.Event) {
	if o.publisher != nil {
		o.publisher.Publish(e)
	}
}

// GenerateEmbeddings embeds chunks and blocks until every chunk is accounted
// for or the job ceiling passes. Reaching the ceiling is not an error: the
// embeddings collected so far are returned with Partial set.
func (o *Orchestrator) GenerateEmbeddings(ctx context.Context, chunks []models.Chunk, progress ProgressFunc) (*Result, error) {
	if err := models.ValidateChunks(chunks); err != nil {
		return nil, err
	}
	job := o.jobs.Create(ctx, len(chunks))
	return o.Run(ctx, job, chunks, progress)
}

// Run executes a job created by the JobManager.
func (o *Orchestrator) Run(ctx context.Context, job *Job, chunks []models.Chunk, progress ProgressFunc) (*Result, error) {
	r := newRun(o, job, chunks, progress)
	started := time.Now()
	defer o.collector.Finish(job.ID)
	o.publish(events.Event{Kind: events.JobStarted, JobID: job.ID, Data: map[string]any{"total_chunks": len(chunks)}})

	runCtx, cancel := context.WithTimeout(ctx, o.Ceiling(len(chunks)))
	defer cancel()

	if len(chunks) > 0 {
		if err := r.submit(runCtx); err != nil {
			res := r.result(started, time.Now(), nil)
			o.jobs.Fail(ctx, job, res, err)
			o.publishDone(res, err)
			return res, err
		}
	}
	o.jobs.Submitted(ctx, job, r.remoteID, r.batchList(), r.fallback)

	partial := r.harvest(runCtx)
	r.cleanup()

	svc := r.metricsFromService()
	if !partial && svc == nil && ctx.Err() == nil {
		svc = r.fetchServiceMetrics(ctx)
	}

	res := r.result(started, time.Now(), svc)
	res.Partial = partial

	if err := ctx.Err(); err != nil {
		o.jobs.Fail(ctx, job, res, err)
		o.publishDone(res, err)
		return res, err
	}
	if partial {
		o.logger.Warn("job ceiling reached, returning partial result",
			"job_id", job.ID, "embedded", len(res.Embeddings), "total", len(chunks))
	}
	o.jobs.Complete(ctx, job, res)
	o.publishDone(res, nil)
	return res, nil
}

func (o *Orchestrator) publishDone(res *Result, err error) {
	data := map[string]any{
		"remote_job_id": res.RemoteID,
		"completed":     len(res.Embeddings),
		"failed":        len(res.Failed),
		"fallback":      res.Fallback,
		"partial":       res.Partial,
		"metrics":       metricsSummary(res.Metrics),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	o.publish(events.Event{Kind: events.JobComplete, JobID: res.JobID, Data: data})
}

// metricsSummary flattens job metrics for the event feed. Durations are
// reported in milliseconds.
func metricsSummary(m models.JobMetrics) map[string]any {
	return map[string]any{
		"total_chunks":      m.TotalChunks,
		"success_count":     m.SuccessCount,
		"failed_count":      m.FailedCount,
		"timeout_count":     m.TimeoutCount,
		"batch_count":       m.BatchCount,
		"success_rate":      m.SuccessRate,
		"execution_time_ms": m.ExecutionTime.Milliseconds(),
		"throughput":        m.Throughput,
		"avg_task_wait_ms":  m.AvgTaskWait.Milliseconds(),
		"source":            m.Source,
	}
}

// run is the state of one job execution.
type run struct {
	o        *Orchestrator
	job      *Job
	order    []models.Chunk
	known    map[string]bool
	progress ProgressFunc
	bg       context.Context

	mu         sync.Mutex
	remoteID   string
	batchIDs   []string
	fallback   bool
	taskChunk  map[string]string
	chunkTask  map[string]string
	pendings   map[string]*ledger.Pending
	embeddings map[string][]float32
	failed     map[string]bool
	svcMetrics *client.ServiceMetrics
	terminal   bool

	outcomes    chan ledger.Outcome
	jobFrames   chan *client.JobStatus
	halted      chan struct{}
	stop        chan struct{}
	unsubscribe func()
}

func newRun(o *Orchestrator, job *Job, chunks []models.Chunk, progress ProgressFunc) *run {
	known := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		known[c.ID] = true
	}
	return &run{
		o:          o,
		job:        job,
		order:      chunks,
		known:      known,
		progress:   progress,
		bg:         context.Background(),
		taskChunk:  make(map[string]string),
		chunkTask:  make(map[string]string),
		pendings:   make(map[string]*ledger.Pending),
		embeddings: make(map[string][]float32),
		failed:     make(map[string]bool),
		outcomes:   make(chan ledger.Outcome, len(chunks)+1),
		jobFrames:  make(chan *client.JobStatus, jobFrameBuffer),
		halted:     make(chan struct{}),
		stop:       make(chan struct{}),
	}
}

// settled reports whether a chunk has its final outcome. Caller holds r.mu.
func (r *run) settled(chunkID string) bool {
	_, ok := r.embeddings[chunkID]
	return ok || r.failed[chunkID]
}

func (r *run) batchList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.batchIDs...)
}

// track adds a task to the correlation map and the ledger. It reports false
// for foreign chunks and for chunks that already have a task.
func (r *run) track(ref client.TaskRef) bool {
	r.mu.Lock()
	if !r.known[ref.ChunkID] || r.settled(ref.ChunkID) {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.chunkTask[ref.ChunkID]; ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.taskChunk[ref.TaskID]; ok {
		r.mu.Unlock()
		return false
	}
	r.taskChunk[ref.TaskID] = ref.ChunkID
	r.chunkTask[ref.ChunkID] = ref.TaskID
	r.mu.Unlock()

	p, err := r.o.resolver.Register(ledger.Registration{
		TaskID:  ref.TaskID,
		ChunkID: ref.ChunkID,
		BatchID: ref.BatchID,
		JobID:   r.job.ID,
		Timeout: r.o.cfg.TaskTimeout,
	})
	if err != nil {
		r.o.logger.Warn("cannot track task", "job_id", r.job.ID, "task_id", ref.TaskID, "error", err)
		r.mu.Lock()
		r.failed[ref.ChunkID] = true
		r.mu.Unlock()
		return false
	}

	r.mu.Lock()
	r.pendings[ref.TaskID] = p
	r.mu.Unlock()

	r.o.publish(events.Event{
		Kind:    events.TaskSubmitted,
		JobID:   r.job.ID,
		TaskID:  ref.TaskID,
		ChunkID: ref.ChunkID,
		Data:    map[string]any{"batch_id": ref.BatchID},
	})
	go r.await(p)
	return true
}

// await forwards the task's outcome to the harvest loop.
func (r *run) await(p *ledger.Pending) {
	select {
	case <-p.Done():
	case <-r.stop:
		return
	}
	select {
	case r.outcomes <- p.Outcome():
	case <-r.stop:
	}
}

func (r *run) failChunks(chunks []models.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chunks {
		if !r.settled(c.ID) {
			r.failed[c.ID] = true
		}
	}
}

// submit prefers one auto-batch call and falls back to manual batches.
func (r *run) submit(ctx context.Context) error {
	auto, err := r.o.remote.SubmitAutoBatch(ctx, r.order, r.job.ID)
	if err == nil {
		r.mu.Lock()
		r.remoteID = auto.JobID
		if r.remoteID == "" {
			r.remoteID = r.job.ID
		}
		r.batchIDs = append(r.batchIDs, auto.BatchIDs...)
		r.mu.Unlock()

		now := time.Now()
		for _, id := range auto.BatchIDs {
			r.o.collector.RecordBatch(r.job.ID, id, now)
		}
		for _, ref := range auto.Tasks {
			r.track(ref)
		}
		r.o.logger.Info("job submitted",
			"job_id", r.job.ID,
			"remote_job_id", auto.JobID,
			"mode", "auto-batch",
			"batches", len(auto.BatchIDs),
			"correlated", len(auto.Tasks))
		return nil
	}

	r.o.logger.Warn("auto-batch submission failed, falling back to manual batches",
		"job_id", r.job.ID, "error", err)
	r.fallback = true
	if ferr := r.submitBatches(ctx); ferr != nil {
		return fmt.Errorf("%w: auto-batch: %v; batches: %v", ErrSubmissionFailed, err, ferr)
	}
	return nil
}

// submitBatches partitions the chunks and submits every batch through the
// worker pool. A failed batch does not stop the others; its chunks fail.
func (r *run) submitBatches(ctx context.Context) error {
	groups := models.Partition(r.order, r.o.cfg.BatchSize)

	var wg sync.WaitGroup
	var accepted atomic.Int32
	var errMu sync.Mutex
	var lastErr error

	for i, group := range groups {
		wg.Add(1)
		work := func() {
			defer wg.Done()
			sub, err := r.submitBatch(ctx, group)
			if err != nil {
				r.o.logger.Warn("batch submission failed",
					"job_id", r.job.ID, "batch", i+1, "chunks", len(group), "error", err)
				r.failChunks(group)
				errMu.Lock()
				lastErr = err
				errMu.Unlock()
				return
			}
			accepted.Add(1)
			r.addBatch(sub)
		}
		if err := r.o.pool.Submit(work); err != nil {
			wg.Done()
			r.failChunks(group)
			errMu.Lock()
			lastErr = fmt.Errorf("schedule batch: %w", err)
			errMu.Unlock()
		}
	}
	wg.Wait()

	r.o.logger.Info("job submitted",
		"job_id", r.job.ID,
		"mode", "batches",
		"batches", len(groups),
		"accepted", accepted.Load())

	if accepted.Load() == 0 {
		if lastErr == nil {
			lastErr = errors.New("no batches")
		}
		return lastErr
	}
	return nil
}

func (r *run) submitBatch(ctx context.Context, group []models.Chunk) (*client.BatchSubmission, error) {
	attempts := 1
	if r.o.cfg.FailurePolicy == FailurePolicyRetry {
		attempts += r.o.cfg.SubmitRetries
	}

	var sub *client.BatchSubmission
	err := RetryWithBackoff(ctx, func(ctx context.Context) error {
		var err error
		sub, err = r.o.remote.SubmitBatch(ctx, group, r.job.ID)
		return err
	}, attempts, r.o.cfg.RetryBaseDelay)
	return sub, err
}

func (r *run) addBatch(sub *client.BatchSubmission) {
	r.mu.Lock()
	r.batchIDs = append(r.batchIDs, sub.BatchID)
	if r.remoteID == "" {
		r.remoteID = sub.JobID
		if r.remoteID == "" {
			r.remoteID = r.job.ID
		}
	}
	r.mu.Unlock()

	r.o.collector.RecordBatch(r.job.ID, sub.BatchID, time.Now())
	for _, ref := range sub.Tasks {
		r.track(ref)
	}
}

// counts returns the job's counters. Caller holds r.mu.
func (r *run) counts() models.JobSnapshot {
	completed := len(r.embeddings)
	failed := len(r.failed)
	return models.JobSnapshot{
		JobID:     r.job.ID,
		Status:    models.JobRunning,
		Total:     len(r.order),
		Completed: completed,
		Failed:    failed,
		Pending:   len(r.order) - completed - failed,
	}
}

func (r *run) complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.embeddings)+len(r.failed) == len(r.order)
}

// report pushes the counters to the job manager, the caller and the event feed.
func (r *run) report(taskID string) {
	r.mu.Lock()
	snap := r.counts()
	r.mu.Unlock()

	r.o.jobs.Progress(r.bg, r.job, snap.Completed, snap.Failed)
	if r.progress != nil {
		r.progress(snap)
	}
	r.o.publish(events.Event{
		Kind:   events.TaskProgress,
		JobID:  r.job.ID,
		TaskID: taskID,
		Data: map[string]any{
			"total":     snap.Total,
			"completed": snap.Completed,
			"failed":    snap.Failed,
			"pending":   snap.Pending,
		},
	})
}

// harvest collects outcomes until every chunk is settled or ctx ends.
// It reports whether it stopped early.
func (r *run) harvest(ctx context.Context) bool {
	defer close(r.halted)
	if r.o.conn != nil {
		r.unsubscribe = r.o.conn.Subscribe(r.onPush)
	}

	ticker := time.NewTicker(r.o.cfg.PollInterval)
	defer ticker.Stop()

	r.report("")
	for !r.complete() {
		select {
		case <-ctx.Done():
			return true
		case out := <-r.outcomes:
			r.apply(out)
		case st := <-r.jobFrames:
			r.harvestStatus(ctx, st)
		case <-ticker.C:
			if r.needsJobStatus() {
				r.pollJob(ctx)
			}
		}
	}
	return false
}

func (r *run) apply(out ledger.Outcome) {
	if r.settle(out) {
		r.report(out.TaskID)
	}
}

// settle records a task outcome. It reports whether the chunk changed state.
func (r *run) settle(out ledger.Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pendings, out.TaskID)
	if r.settled(out.ChunkID) {
		return false
	}
	if out.Status == models.TaskCompleted {
		r.embeddings[out.ChunkID] = out.Vector
	} else {
		r.failed[out.ChunkID] = true
	}
	return true
}

// needsJobStatus reports whether the job-status endpoint must be polled:
// the push channel is down, or some chunks still lack a task id.
func (r *run) needsJobStatus() bool {
	if !r.o.conn.Connected() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.order {
		if _, ok := r.chunkTask[c.ID]; !ok && !r.settled(c.ID) {
			return true
		}
	}
	return false
}

func (r *run) pollJob(ctx context.Context) {
	r.mu.Lock()
	remoteID := r.remoteID
	r.mu.Unlock()
	if remoteID == "" {
		return
	}

	st, err := r.o.remote.GetJobStatus(ctx, remoteID)
	if err != nil {
		r.o.logger.Debug("job status poll failed", "job_id", r.job.ID, "remote_job_id", remoteID, "error", err)
		return
	}
	r.harvestStatus(ctx, st)
}

// harvestStatus applies a job-status payload: correlates unknown tasks,
// resolves finished ones and treats a terminal job status as completion.
func (r *run) harvestStatus(ctx context.Context, st *client.JobStatus) {
	for _, ts := range st.Tasks {
		r.mu.Lock()
		_, known := r.taskChunk[ts.TaskID]
		r.mu.Unlock()
		if !known && !r.track(client.TaskRef{TaskID: ts.TaskID, ChunkID: ts.ChunkID, BatchID: ts.BatchID}) {
			continue
		}

		switch ts.Status {
		case models.TaskCompleted:
			r.o.resolver.Resolve(ts.TaskID, ts.Result)
		case models.TaskFailed, models.TaskTimeout:
			msg := ts.Error
			if msg == "" {
				msg = string(ts.Status)
			}
			r.o.resolver.Reject(ts.TaskID, fmt.Errorf("%w: %s: %s", ledger.ErrTaskFailed, ts.TaskID, msg))
		case models.TaskProcessing:
			r.o.resolver.MarkProcessing(ts.TaskID)
		}
	}

	if st.Metrics != nil {
		r.mu.Lock()
		r.svcMetrics = st.Metrics
		r.mu.Unlock()
	}
	if st.Terminal() {
		r.finishFromTerminal(ctx, st)
	}
}

// finishFromTerminal runs once when the service reports the job finished:
// outstanding tasks get one last poll, then whatever is left fails.
func (r *run) finishFromTerminal(ctx context.Context, st *client.JobStatus) {
	r.mu.Lock()
	if r.terminal {
		r.mu.Unlock()
		return
	}
	r.terminal = true
	ids := make([]string, 0, len(r.pendings))
	for id := range r.pendings {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	swept := r.o.resolver.Sweep(ctx, ids)
	for _, id := range ids {
		r.o.resolver.Reject(id, ErrJobFinished)
	}

	r.mu.Lock()
	var orphaned int
	for _, c := range r.order {
		if _, ok := r.chunkTask[c.ID]; !ok && !r.settled(c.ID) {
			r.failed[c.ID] = true
			orphaned++
		}
	}
	r.mu.Unlock()

	r.o.logger.Info("service reported job finished",
		"job_id", r.job.ID,
		"remote_status", st.RawStatus,
		"outstanding", len(ids),
		"swept", swept,
		"uncorrelated", orphaned)
	if orphaned > 0 {
		r.report("")
	}
}

// onPush correlates push frames for tasks the job has not seen yet. Frames
// for known tasks reach the resolver through its own listener. Job-status
// frames go to the harvest loop.
func (r *run) onPush(msg connection.Message) {
	if msg.TaskID == "" {
		r.onJobFrame(msg)
		return
	}
	r.mu.Lock()
	_, known := r.taskChunk[msg.TaskID]
	remoteID := r.remoteID
	r.mu.Unlock()
	if known {
		return
	}
	if msg.JobID != "" && msg.JobID != remoteID && msg.JobID != r.job.ID {
		return
	}

	chunkID, _ := msg.Body["chunk_id"].(string)
	if chunkID == "" {
		chunkID, _ = msg.Body["chunkId"].(string)
	}
	if chunkID == "" {
		return
	}
	batchID, _ := msg.Body["batch_id"].(string)
	if r.track(client.TaskRef{TaskID: msg.TaskID, ChunkID: chunkID, BatchID: batchID}) {
		r.o.resolver.HandleMessage(msg)
	}
}

// onJobFrame hands a job-status frame for this job to the harvest loop,
// which stays the only writer of the counters.
func (r *run) onJobFrame(msg connection.Message) {
	r.mu.Lock()
	remoteID := r.remoteID
	r.mu.Unlock()
	if msg.JobID == "" || (msg.JobID != remoteID && msg.JobID != r.job.ID) {
		return
	}

	st, err := client.NormalizeJobStatus(msg.Body)
	if err != nil {
		r.o.logger.Debug("ignoring job frame", "job_id", r.job.ID, "error", err)
		return
	}
	select {
	case r.jobFrames <- st:
	case <-r.halted:
	}
}

// cleanup stops listening and times out every task still outstanding.
// Outcomes of tasks that resolved in the meantime are kept.
func (r *run) cleanup() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}

	r.mu.Lock()
	left := make([]*ledger.Pending, 0, len(r.pendings))
	for _, p := range r.pendings {
		left = append(left, p)
	}
	r.mu.Unlock()

	for _, p := range left {
		r.o.resolver.Expire(p.TaskID())
		<-p.Done()
		r.settle(p.Outcome())
	}
	close(r.stop)
}

func (r *run) metricsFromService() *client.ServiceMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.svcMetrics
}

// fetchServiceMetrics asks the service once for its job metrics.
func (r *run) fetchServiceMetrics(ctx context.Context) *client.ServiceMetrics {
	r.mu.Lock()
	remoteID := r.remoteID
	r.mu.Unlock()
	if remoteID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, finalStatusTimeout)
	defer cancel()
	st, err := r.o.remote.GetJobStatus(ctx, remoteID)
	if err != nil {
		r.o.logger.Debug("final job status unavailable", "job_id", r.job.ID, "error", err)
		return nil
	}
	return st.Metrics
}

func (r *run) result(started, finished time.Time, svc *client.ServiceMetrics) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &Result{
		JobID:      r.job.ID,
		RemoteID:   r.remoteID,
		Embeddings: make(map[string][]float32, len(r.embeddings)),
		Fallback:   r.fallback,
	}
	for _, c := range r.order {
		if vec, ok := r.embeddings[c.ID]; ok {
			res.Embeddings[c.ID] = vec
		} else {
			res.Failed = append(res.Failed, c.ID)
		}
	}

	m := r.o.collector.JobMetrics(r.job.ID, len(r.order), started, finished)
	res.Metrics = metrics.MergeServiceMetrics(m, svc)
	return res
}
