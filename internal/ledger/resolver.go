// Package ledger tracks outstanding embedding tasks and resolves each of them
// exactly once, whichever of push, poll or deadline gets there first.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raphaelgruber/embedctl/internal/client"
	"github.com/raphaelgruber/embedctl/internal/connection"
	"github.com/raphaelgruber/embedctl/internal/events"
	"github.com/raphaelgruber/embedctl/internal/metrics"
	"github.com/raphaelgruber/embedctl/internal/models"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// Poller fetches the current status of a task. *client.Client satisfies it.
type Poller interface {
	PollTask(ctx context.Context, taskID string) (*client.TaskStatus, error)
}

// Registration describes a task to wait for.
type Registration struct {
	TaskID  string
	ChunkID string
	BatchID string
	JobID   string
	Timeout time.Duration
}

// Outcome is the single resolution of a task.
type Outcome struct {
	TaskID  string
	ChunkID string
	BatchID string
	JobID   string
	Status  models.TaskStatus
	Vector  []float32
	Err     error
	Wait    time.Duration
}

type entry struct {
	reg          Registration
	registeredAt time.Time
	timer        *time.Timer
	stopPoll     context.CancelFunc
	done         chan struct{}
	resolved     atomic.Bool
	status       models.TaskStatus
	outcome      Outcome
}

// Pending is a handle on a registered task.
type Pending struct {
	r *Resolver
	e *entry
}

// TaskID returns the task the handle waits for.
func (p *Pending) TaskID() string { return p.e.reg.TaskID }

// ChunkID returns the chunk the task embeds.
func (p *Pending) ChunkID() string { return p.e.reg.ChunkID }

// Done is closed once the task is resolved.
func (p *Pending) Done() <-chan struct{} { return p.e.done }

// Outcome returns the resolution. Only valid after Done is closed.
func (p *Pending) Outcome() Outcome { return p.e.outcome }

// Wait blocks until the task resolves or ctx ends. Abandoning the wait
// resolves the task as failed with the context error.
func (p *Pending) Wait(ctx context.Context) ([]float32, error) {
	select {
	case <-p.e.done:
	case <-ctx.Done():
		p.r.resolve(p.e.reg.TaskID, p.e, Outcome{Status: models.TaskFailed, Err: ctx.Err()})
		<-p.e.done
	}
	out := p.e.outcome
	return out.Vector, out.Err
}

// Resolver owns the task ledger. All ledger mutation goes through resolve.
type Resolver struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	poller         Poller
	collector      *metrics.Collector
	publisher      *events.Publisher
	logger         *slog.Logger
	interval       time.Duration
	defaultTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPoller enables the per-task poll loop.
func WithPoller(p Poller) Option {
	return func(r *Resolver) { r.poller = p }
}

// WithMetrics records every resolution in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Resolver) { r.collector = c }
}

// WithPublisher publishes task_complete and task_error events to p.
func WithPublisher(p *events.Publisher) Option {
	return func(r *Resolver) { r.publisher = p }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPollInterval sets the spacing between polls of one task.
func WithPollInterval(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithDefaultTimeout sets the deadline used when a Registration has none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// NewResolver creates an empty ledger.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		entries:        make(map[string]*entry),
		logger:         slog.Default(),
		interval:       DefaultPollInterval,
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Register adds a task to the ledger, arms its deadline and, when a poller is
// configured, starts its poll loop.
func (r *Resolver) Register(reg Registration) (*Pending, error) {
	if reg.Timeout <= 0 {
		reg.Timeout = r.defaultTimeout
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrResolverClosed
	}
	if _, ok := r.entries[reg.TaskID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, reg.TaskID)
	}

	pollCtx, stopPoll := context.WithCancel(r.ctx)
	e := &entry{
		reg:          reg,
		registeredAt: time.Now(),
		stopPoll:     stopPoll,
		done:         make(chan struct{}),
		status:       models.TaskPending,
	}
	r.entries[reg.TaskID] = e
	e.timer = time.AfterFunc(reg.Timeout, func() { r.expire(e) })
	if r.poller != nil {
		r.wg.Add(1)
		go r.pollLoop(pollCtx, e)
	}
	r.mu.Unlock()

	return &Pending{r: r, e: e}, nil
}

// WaitForTask registers a task and blocks until it resolves, its deadline
// passes or ctx ends.
func (r *Resolver) WaitForTask(ctx context.Context, taskID, chunkID, batchID string, timeout time.Duration) ([]float32, error) {
	p, err := r.Register(Registration{TaskID: taskID, ChunkID: chunkID, BatchID: batchID, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// resolve is the only place an entry leaves the ledger. If want is non-nil,
// the current entry for taskID must be want. It reports whether this call
// performed the resolution; every later signal is a silent no-op.
func (r *Resolver) resolve(taskID string, want *entry, out Outcome) bool {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	if !ok || (want != nil && e != want) || !e.resolved.CompareAndSwap(false, true) {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, taskID)
	r.mu.Unlock()

	e.timer.Stop()
	e.stopPoll()

	out.TaskID = e.reg.TaskID
	out.ChunkID = e.reg.ChunkID
	out.BatchID = e.reg.BatchID
	out.JobID = e.reg.JobID
	out.Wait = time.Since(e.registeredAt)
	e.outcome = out
	r.record(out)
	close(e.done)
	return true
}

func (r *Resolver) record(out Outcome) {
	if r.collector != nil {
		r.collector.RecordTask(metrics.TaskRecord{
			TaskID:  out.TaskID,
			ChunkID: out.ChunkID,
			BatchID: out.BatchID,
			JobID:   out.JobID,
			Status:  out.Status,
			Wait:    out.Wait,
		})
	}

	if out.Status == models.TaskCompleted {
		r.logger.Debug("task resolved", "task_id", out.TaskID, "chunk_id", out.ChunkID, "wait_ms", out.Wait.Milliseconds())
	} else {
		r.logger.Debug("task rejected", "task_id", out.TaskID, "status", out.Status, "error", out.Err)
	}

	if r.publisher == nil {
		return
	}
	ev := events.Event{
		JobID:   out.JobID,
		TaskID:  out.TaskID,
		ChunkID: out.ChunkID,
		Data:    map[string]any{"status": string(out.Status), "wait_ms": out.Wait.Milliseconds()},
	}
	if out.Status == models.TaskCompleted {
		ev.Kind = events.TaskComplete
		ev.Data["dimensions"] = len(out.Vector)
	} else {
		ev.Kind = events.TaskError
		if out.Err != nil {
			ev.Data["error"] = out.Err.Error()
		}
	}
	r.publisher.Publish(ev)
}

// Resolve completes a task with vec. The vector is copied.
func (r *Resolver) Resolve(taskID string, vec []float32) bool {
	return r.resolve(taskID, nil, Outcome{
		Status: models.TaskCompleted,
		Vector: append([]float32(nil), vec...),
	})
}

// Reject fails a task with err.
func (r *Resolver) Reject(taskID string, err error) bool {
	return r.resolve(taskID, nil, Outcome{Status: models.TaskFailed, Err: err})
}

// Expire resolves a task as timed out now, ahead of its deadline.
func (r *Resolver) Expire(taskID string) bool {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.expire(e)
}

func (r *Resolver) expire(e *entry) bool {
	return r.resolve(e.reg.TaskID, e, Outcome{
		Status: models.TaskTimeout,
		Err:    &TaskTimeoutError{TaskID: e.reg.TaskID, Timeout: e.reg.Timeout},
	})
}

// MarkProcessing records that the service started a task. It reports whether
// the task is outstanding.
func (r *Resolver) MarkProcessing(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok {
		return false
	}
	if e.status.CanTransition(models.TaskProcessing) {
		e.status = models.TaskProcessing
	}
	return true
}

// Status returns the status of an outstanding task.
func (r *Resolver) Status(taskID string) (models.TaskStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// apply resolves or advances a task from a service status report.
func (r *Resolver) apply(want *entry, taskID string, st *client.TaskStatus) bool {
	switch st.Status {
	case models.TaskCompleted:
		return r.resolve(taskID, want, Outcome{Status: models.TaskCompleted, Vector: st.Result})
	case models.TaskFailed, models.TaskTimeout:
		msg := st.Error
		if msg == "" {
			msg = string(st.Status)
		}
		return r.resolve(taskID, want, Outcome{
			Status: models.TaskFailed,
			Err:    fmt.Errorf("%w: %s: %s", ErrTaskFailed, taskID, msg),
		})
	case models.TaskProcessing:
		r.MarkProcessing(taskID)
	}
	return false
}

// HandleMessage applies a push frame to the ledger. It reports whether the
// frame resolved a task.
func (r *Resolver) HandleMessage(msg connection.Message) bool {
	if msg.TaskID == "" {
		return r.handleJobFrame(msg)
	}
	r.mu.Lock()
	_, ok := r.entries[msg.TaskID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	st, err := client.NormalizeTaskStatus(msg.Body)
	if err != nil {
		r.logger.Debug("ignoring push frame", "task_id", msg.TaskID, "error", err)
		return false
	}
	return r.apply(nil, msg.TaskID, st)
}

// handleJobFrame applies the tasks array of a job-status frame to the
// entries it knows. It reports whether any task was resolved.
func (r *Resolver) handleJobFrame(msg connection.Message) bool {
	if _, ok := msg.Body["tasks"]; !ok {
		return false
	}
	st, err := client.NormalizeJobStatus(msg.Body)
	if err != nil {
		r.logger.Debug("ignoring job frame", "job_id", msg.JobID, "error", err)
		return false
	}

	var resolved bool
	for i := range st.Tasks {
		ts := &st.Tasks[i]
		r.mu.Lock()
		_, ok := r.entries[ts.TaskID]
		r.mu.Unlock()
		if ok && r.apply(nil, ts.TaskID, ts) {
			resolved = true
		}
	}
	return resolved
}

// Listen feeds every message of m into HandleMessage. The returned function
// stops listening. A nil manager is accepted.
func (r *Resolver) Listen(m *connection.Manager) func() {
	if m == nil {
		return func() {}
	}
	return m.Subscribe(func(msg connection.Message) { r.HandleMessage(msg) })
}

// pollLoop polls one task every interval, at most Timeout/interval times.
// It exits as soon as the task is resolved by any path.
func (r *Resolver) pollLoop(ctx context.Context, e *entry) {
	defer r.wg.Done()

	attempts := int(e.reg.Timeout / r.interval)
	if attempts < 1 {
		attempts = 1
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
		}

		st, err := r.poller.PollTask(ctx, e.reg.TaskID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("poll failed", "task_id", e.reg.TaskID, "attempt", i+1, "error", err)
			continue
		}
		if r.apply(e, e.reg.TaskID, st) {
			return
		}
	}
}

// Sweep polls each outstanding task in ids once and applies the result.
// It returns how many tasks it resolved.
func (r *Resolver) Sweep(ctx context.Context, ids []string) int {
	if r.poller == nil {
		return 0
	}
	resolved := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		r.mu.Lock()
		e, ok := r.entries[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		st, err := r.poller.PollTask(ctx, id)
		if err != nil {
			r.logger.Debug("sweep poll failed", "task_id", id, "error", err)
			continue
		}
		if r.apply(e, id, st) {
			resolved++
		}
	}
	return resolved
}

// Outstanding returns the number of unresolved tasks.
func (r *Resolver) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close rejects every outstanding task with ErrResolverClosed and waits for
// poll loops to exit. Later registrations fail.
func (r *Resolver) Close() {
	r.mu.Lock()
	r.closed = true
	pending := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		pending = append(pending, e)
	}
	r.mu.Unlock()

	for _, e := range pending {
		r.resolve(e.reg.TaskID, e, Outcome{Status: models.TaskFailed, Err: ErrResolverClosed})
	}
	r.cancel()
	r.wg.Wait()
}
