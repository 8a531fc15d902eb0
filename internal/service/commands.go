package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raphaelgruber/embedctl/internal/client"
	"github.com/raphaelgruber/embedctl/internal/connection"
	"github.com/raphaelgruber/embedctl/internal/events"
	"github.com/raphaelgruber/embedctl/internal/metrics"
	"github.com/raphaelgruber/embedctl/internal/models"
)

// Commands is the command surface shared by the CLI, the relay server and
// the MCP tools.
type Commands struct {
	orch   *Orchestrator
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewCommands wraps an orchestrator.
func NewCommands(orch *Orchestrator) *Commands {
	return &Commands{
		orch:    orch,
		logger:  orch.logger,
		running: make(map[string]context.CancelFunc),
	}
}

// Jobs returns the job manager.
func (c *Commands) Jobs() *JobManager { return c.orch.jobs }

// SubmitJob starts a job in the background and returns it immediately.
// The job outlives ctx; use DeleteJob to stop it.
func (c *Commands) SubmitJob(ctx context.Context, chunks []models.Chunk, progress ProgressFunc) (*Job, error) {
	if err := models.ValidateChunks(chunks); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", models.ErrInvalidChunks)
	}

	job := c.orch.jobs.Create(ctx, len(chunks))
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.running[job.ID] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.running, job.ID)
			c.mu.Unlock()
			cancel()
		}()
		if _, err := c.orch.Run(runCtx, job, chunks, progress); err != nil {
			c.logger.Debug("background job ended with error", "job_id", job.ID, "error", err)
		}
	}()
	return job, nil
}

// Wait blocks until the job finishes and returns its result.
func (c *Commands) Wait(ctx context.Context, id string) (*Result, error) {
	job := c.orch.jobs.Get(id)
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	select {
	case <-job.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return job.Result(), jobError(job)
}

func jobError(job *Job) error {
	rec := job.Record()
	if rec.Status == models.JobFailed && rec.Error != "" {
		return fmt.Errorf("job %s failed: %s", job.ID, rec.Error)
	}
	return nil
}

// JobResult returns the result of a finished job held in memory.
func (c *Commands) JobResult(id string) (*Result, error) {
	job := c.orch.jobs.Get(id)
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	select {
	case <-job.Done():
		return job.Result(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}
}

// GetJobStatus returns the progress of a job: the local snapshot when the
// job runs here, otherwise the remote service's view, otherwise job history.
func (c *Commands) GetJobStatus(ctx context.Context, id string) (models.JobSnapshot, error) {
	if job := c.orch.jobs.Get(id); job != nil {
		return job.Snapshot(), nil
	}

	st, err := c.orch.remote.GetJobStatus(ctx, id)
	if err == nil {
		return remoteSnapshot(st), nil
	}
	if !client.IsNotFound(err) {
		c.logger.Debug("remote job status unavailable", "job_id", id, "error", err)
	}

	rec, herr := c.orch.jobs.Lookup(ctx, id)
	if herr != nil {
		return models.JobSnapshot{}, fmt.Errorf("lookup job history: %w", herr)
	}
	if rec != nil {
		return models.JobSnapshot{
			JobID:     rec.ID,
			Status:    rec.Status,
			Total:     rec.TotalChunks,
			Completed: rec.CompletedChunks,
			Failed:    rec.FailedChunks,
			Pending:   max(rec.TotalChunks-rec.CompletedChunks-rec.FailedChunks, 0),
		}, nil
	}
	if client.IsNotFound(err) {
		return models.JobSnapshot{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return models.JobSnapshot{}, err
}

func remoteSnapshot(st *client.JobStatus) models.JobSnapshot {
	snap := models.JobSnapshot{
		JobID:     st.JobID,
		Status:    st.Status,
		Total:     st.Total,
		Completed: st.Completed,
		Failed:    st.Failed,
		Pending:   st.Pending,
	}
	if !snap.Valid() {
		snap.Pending = max(snap.Total-snap.Completed-snap.Failed, 0)
	}
	return snap
}

// DeleteJob stops a running job, deletes it on the service and forgets it
// locally, in history and in metrics.
func (c *Commands) DeleteJob(ctx context.Context, id string) error {
	localID, remoteID := id, id
	if job := c.orch.jobs.Get(id); job != nil {
		rec := job.Record()
		localID = rec.ID
		if rec.RemoteID != "" {
			remoteID = rec.RemoteID
		}
	}

	c.mu.Lock()
	cancel, running := c.running[localID]
	c.mu.Unlock()
	if running {
		cancel()
	}

	remoteErr := c.orch.remote.DeleteJob(ctx, remoteID)
	known := c.orch.jobs.Remove(ctx, localID)
	c.orch.collector.Forget(localID)

	switch {
	case remoteErr == nil:
	case client.IsNotFound(remoteErr):
		if !known {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
	default:
		return fmt.Errorf("delete remote job %s: %w", remoteID, remoteErr)
	}

	c.logger.Info("job deleted", "job_id", localID, "remote_job_id", remoteID)
	return nil
}

// Connect opens the push channel.
func (c *Commands) Connect(ctx context.Context) error {
	if c.orch.conn == nil {
		return ErrPushDisabled
	}
	return c.orch.conn.Connect(ctx)
}

// Disconnect closes the push channel. Jobs keep running on polling.
func (c *Commands) Disconnect() error {
	if c.orch.conn == nil {
		return ErrPushDisabled
	}
	c.orch.conn.Disconnect()
	return nil
}

// ConnectionState reports the push channel state.
func (c *Commands) ConnectionState() connection.State {
	if c.orch.conn == nil {
		return connection.StateDisconnected
	}
	return c.orch.conn.State()
}

// Subscribe attaches an event consumer and returns its id.
func (c *Commands) Subscribe(consumer events.Consumer) (int, error) {
	if c.orch.publisher == nil {
		return 0, fmt.Errorf("no event publisher configured")
	}
	return c.orch.publisher.Attach(consumer), nil
}

// EventQueueSize is how many events a new subscriber may be replayed on
// attach. It is 0 without a publisher.
func (c *Commands) EventQueueSize() int {
	if c.orch.publisher == nil {
		return 0
	}
	return c.orch.publisher.QueueSize()
}

// Unsubscribe detaches a consumer.
func (c *Commands) Unsubscribe(id int) {
	if c.orch.publisher != nil {
		c.orch.publisher.Detach(id)
	}
}

// Health reports whether the service is reachable. Checks are throttled by
// the client; a throttled call returns the last known result.
func (c *Commands) Health(ctx context.Context) bool {
	return c.orch.remote.HealthCheck(ctx)
}

// Metrics returns the client-side operation metrics.
func (c *Commands) Metrics() metrics.Snapshot {
	return c.orch.collector.Snapshot()
}

// Shutdown cancels every running job.
func (c *Commands) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.running {
		cancel()
		delete(c.running, id)
	}
}
