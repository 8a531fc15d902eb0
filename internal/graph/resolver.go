// Package graph serves the job commands as a GraphQL API on gqlgen.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/raphaelgruber/embedctl/internal/events"
	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/raphaelgruber/embedctl/internal/service"
)

// minFeedBuffer is the headroom an events subscription keeps for live events
// on top of a full replay of the publisher queue.
const minFeedBuffer = 256

// fieldResolver resolves one root field from its coerced arguments.
type fieldResolver func(ctx context.Context, args map[string]any) (any, error)

// Resolver is the root resolver over the command surface.
type Resolver struct {
	cmds   *service.Commands
	logger *slog.Logger
}

// NewResolver creates a resolver for cmds.
func NewResolver(cmds *service.Commands, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{cmds: cmds, logger: logger.With("component", "graphql")}
}

func (r *Resolver) queries() map[string]fieldResolver {
	return map[string]fieldResolver{
		"health":     r.health,
		"job":        r.job,
		"jobResult":  r.jobResult,
		"jobs":       r.jobs,
		"connection": r.connection,
		"metrics":    r.metrics,
	}
}

func (r *Resolver) mutations() map[string]fieldResolver {
	return map[string]fieldResolver{
		"submitJob":  r.submitJob,
		"deleteJob":  r.deleteJob,
		"connect":    r.connect,
		"disconnect": r.disconnect,
	}
}

// =============================================================================
// QUERIES
// =============================================================================

func (r *Resolver) health(ctx context.Context, _ map[string]any) (any, error) {
	return &Health{
		Healthy:    r.cmds.Health(ctx),
		Connection: string(r.cmds.ConnectionState()),
	}, nil
}

func (r *Resolver) job(ctx context.Context, args map[string]any) (any, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	snap, err := r.cmds.GetJobStatus(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	return jobStatusFrom(snap), nil
}

func (r *Resolver) jobResult(_ context.Context, args map[string]any) (any, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	res, err := r.cmds.JobResult(in.ID)
	if err != nil {
		return nil, err
	}
	return jobResultFrom(res), nil
}

func (r *Resolver) jobs(ctx context.Context, args map[string]any) (any, error) {
	var in struct {
		Limit *int `json:"limit"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	limit := 0
	if in.Limit != nil {
		if *in.Limit < 0 {
			return nil, fmt.Errorf("invalid limit %d", *in.Limit)
		}
		limit = *in.Limit
	}

	records, err := r.cmds.Jobs().History(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]JobRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, jobRecordFrom(rec))
	}
	return out, nil
}

func (r *Resolver) connection(_ context.Context, _ map[string]any) (any, error) {
	return &ConnectionState{State: string(r.cmds.ConnectionState())}, nil
}

func (r *Resolver) metrics(_ context.Context, _ map[string]any) (any, error) {
	return r.cmds.Metrics(), nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

func (r *Resolver) submitJob(ctx context.Context, args map[string]any) (any, error) {
	var in struct {
		Chunks []ChunkInput `json:"chunks"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	chunks := make([]models.Chunk, len(in.Chunks))
	for i, c := range in.Chunks {
		chunks[i] = models.Chunk{ID: c.ID, Text: c.Text}
	}

	job, err := r.cmds.SubmitJob(ctx, chunks, nil)
	if err != nil {
		return nil, err
	}
	r.logger.Info("job submitted", "job_id", job.ID, "chunks", len(chunks))
	return &SubmittedJob{JobID: job.ID, Status: string(models.JobRunning), Total: len(chunks)}, nil
}

func (r *Resolver) deleteJob(ctx context.Context, args map[string]any) (any, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := r.cmds.DeleteJob(ctx, in.ID); err != nil {
		return nil, err
	}
	return true, nil
}

func (r *Resolver) connect(ctx context.Context, _ map[string]any) (any, error) {
	if err := r.cmds.Connect(ctx); err != nil {
		return nil, err
	}
	return &ConnectionState{State: string(r.cmds.ConnectionState())}, nil
}

func (r *Resolver) disconnect(_ context.Context, _ map[string]any) (any, error) {
	if err := r.cmds.Disconnect(); err != nil {
		return nil, err
	}
	return &ConnectionState{State: string(r.cmds.ConnectionState())}, nil
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// subscribeEvents attaches to the publisher until ctx ends. The returned channel is
// never closed; readers select on ctx as well.
func (r *Resolver) subscribeEvents(ctx context.Context, args map[string]any) (<-chan Event, error) {
	var in struct {
		JobID *string `json:"jobId"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	feed := make(chan Event, r.cmds.EventQueueSize()+minFeedBuffer)
	var dropped atomic.Uint64
	id, err := r.cmds.Subscribe(func(e events.Event) {
		if in.JobID != nil && e.JobID != *in.JobID {
			return
		}
		select {
		case feed <- eventFrom(e):
		default:
			dropped.Add(1)
		}
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("events subscription attached", "consumer_id", id)

	context.AfterFunc(ctx, func() {
		r.cmds.Unsubscribe(id)
		if n := dropped.Load(); n > 0 {
			r.logger.Warn("events subscription dropped events", "consumer_id", id, "dropped", n)
		}
	})
	return feed, nil
}

// decodeArgs copies coerced GraphQL arguments into a tagged struct.
func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
