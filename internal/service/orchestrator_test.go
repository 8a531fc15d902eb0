package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/embedctl/internal/client"
	"github.com/raphaelgruber/embedctl/internal/connection"
	"github.com/raphaelgruber/embedctl/internal/events"
	"github.com/raphaelgruber/embedctl/internal/ledger"
	"github.com/raphaelgruber/embedctl/internal/metrics"
	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/raphaelgruber/embedctl/internal/servicetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	srv       *servicetest.Server
	client    *client.Client
	resolver  *ledger.Resolver
	jobs      *JobManager
	collector *metrics.Collector
	publisher *events.Publisher
	conn      *connection.Manager
	orch      *Orchestrator
}

func testConfig() Config {
	return Config{
		BatchSize:      4,
		TaskTimeout:    2 * time.Second,
		PollInterval:   10 * time.Millisecond,
		Workers:        2,
		FailurePolicy:  FailurePolicyFail,
		RetryBaseDelay: time.Millisecond,
	}
}

func newHarness(t *testing.T, opts servicetest.Options, cfg Config, push bool) *harness {
	t.Helper()

	srv := servicetest.New(opts)
	t.Cleanup(srv.Close)

	h := &harness{
		srv:       srv,
		client:    client.New(srv.URL),
		collector: metrics.NewCollector(),
		publisher: events.NewPublisher(),
	}
	h.resolver = ledger.NewResolver(
		ledger.WithPoller(h.client),
		ledger.WithPollInterval(cfg.PollInterval),
		ledger.WithMetrics(h.collector),
		ledger.WithPublisher(h.publisher),
	)
	t.Cleanup(h.resolver.Close)
	h.jobs = NewJobManager(nil, nil)

	orchOpts := []OrchestratorOption{
		WithConfig(cfg),
		WithMetrics(h.collector),
		WithPublisher(h.publisher),
	}
	if push {
		h.conn = connection.New(srv.PushURL(), connection.WithReconnect(10*time.Millisecond, 1))
		require.NoError(t, h.conn.Connect(context.Background()))
		t.Cleanup(h.conn.Close)
		t.Cleanup(h.resolver.Listen(h.conn))
		orchOpts = append(orchOpts, WithConnection(h.conn))
	}

	orch, err := NewOrchestrator(h.client, h.resolver, h.jobs, orchOpts...)
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	h.orch = orch
	return h
}

func makeChunks(n int) []models.Chunk {
	chunks := make([]models.Chunk, n)
	for i := range chunks {
		chunks[i] = models.Chunk{ID: fmt.Sprintf("c%d", i+1), Text: fmt.Sprintf("chunk number %d", i+1)}
	}
	return chunks
}

func assertEmbedded(t *testing.T, chunks []models.Chunk, res *Result, skip ...string) {
	t.Helper()
	skipped := map[string]bool{}
	for _, id := range skip {
		skipped[id] = true
	}
	for _, c := range chunks {
		if skipped[c.ID] {
			assert.NotContains(t, res.Embeddings, c.ID)
			continue
		}
		assert.Equal(t, servicetest.Vector(c.Text), res.Embeddings[c.ID], c.ID)
	}
}

func TestGenerateEmbeddings_AutoBatch(t *testing.T) {
	h := newHarness(t, servicetest.Options{JobID: "J1"}, testConfig(), false)
	chunks := makeChunks(10)

	res, err := h.orch.GenerateEmbeddings(context.Background(), chunks, nil)
	require.NoError(t, err)

	assert.Equal(t, "J1", res.RemoteID)
	assert.False(t, res.Fallback)
	assert.False(t, res.Partial)
	assert.Empty(t, res.Failed)
	assert.Len(t, res.Embeddings, 10)
	assertEmbedded(t, chunks, res)

	assert.Equal(t, 1, h.srv.AutoBatchCalls())
	assert.Equal(t, 0, h.srv.BatchCalls())

	job := h.jobs.Get(res.JobID)
	require.NotNil(t, job)
	rec := job.Record()
	assert.Equal(t, models.JobCompleted, rec.Status)
	assert.Equal(t, []string{"B1", "B2"}, rec.BatchIDs)
	assert.Equal(t, 10, rec.CompletedChunks)
	assert.Same(t, job, h.jobs.Get("J1"))

	assert.Equal(t, 10, res.Metrics.SuccessCount)
	assert.Equal(t, 2, res.Metrics.BatchCount)
	assert.InDelta(t, 100, res.Metrics.SuccessRate, 0.001)
	assert.Equal(t, 0, h.resolver.Outstanding())
}

func TestGenerateEmbeddings_FallbackBatches(t *testing.T) {
	h := newHarness(t, servicetest.Options{AutoBatchFail: true}, testConfig(), false)
	chunks := makeChunks(10)

	res, err := h.orch.GenerateEmbeddings(context.Background(), chunks, nil)
	require.NoError(t, err)

	assert.True(t, res.Fallback)
	assert.Equal(t, 1, h.srv.AutoBatchCalls())
	assert.Equal(t, 3, h.srv.BatchCalls())
	assert.Equal(t, res.JobID, res.RemoteID)
	assert.Len(t, res.Embeddings, 10)
	assertEmbedded(t, chunks, res)
	assert.Len(t, h.jobs.Get(res.JobID).Record().BatchIDs, 3)
}

func TestGenerateEmbeddings_PushAndPollAgree(t *testing.T) {
	chunks := makeChunks(12)
	opts := servicetest.Options{Push: true, TaskLatency: 20 * time.Millisecond}

	polled := newHarness(t, opts, testConfig(), false)
	viaPoll, err := polled.orch.GenerateEmbeddings(context.Background(), chunks, nil)
	require.NoError(t, err)

	pushed := newHarness(t, opts, testConfig(), true)
	viaPush, err := pushed.orch.GenerateEmbeddings(context.Background(), chunks, nil)
	require.NoError(t, err)

	assert.Equal(t, viaPoll.Embeddings, viaPush.Embeddings)
	assert.Equal(t, viaPoll.Failed, viaPush.Failed)
	assert.Equal(t, 0, pushed.resolver.Outstanding())
}

func TestGenerateEmbeddings_FailedChunks(t *testing.T) {
	h := newHarness(t, servicetest.Options{FailChunks: map[string]bool{"c2": true, "c7": true}}, testConfig(), false)
	chunks := makeChunks(8)

	res, err := h.orch.GenerateEmbeddings(context.Background(), chunks, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"c2", "c7"}, res.Failed)
	assertEmbedded(t, chunks, res, "c2", "c7")
	assert.Equal(t, 6, res.Metrics.SuccessCount)
	assert.Equal(t, 2, res.Metrics.FailedCount)
	assert.InDelta(t, 75, res.Metrics.SuccessRate, 0.001)
}

func TestGenerateEmbeddings_CeilingReturnsPartial(t *testing.T) {
	cfg := testConfig()
	cfg.TaskTimeout = 150 * time.Millisecond
	h := newHarness(t, servicetest.Options{StallChunks: map[string]bool{"c3": true}}, cfg, false)
	chunks := makeChunks(5)

	start := time.Now()
	res, err := h.orch.GenerateEmbeddings(context.Background(), chunks, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, []string{"c3"}, res.Failed)
	assert.Len(t, res.Embeddings, 4)
	assertEmbedded(t, chunks, res, "c3")
	assert.Equal(t, 0, h.resolver.Outstanding())

	rec, ok := h.collector.Task("t3")
	require.True(t, ok)
	assert.Equal(t, models.TaskTimeout, rec.Status)
	assert.Equal(t, 1, res.Metrics.TimeoutCount)
	assert.Equal(t, models.JobCompleted, h.jobs.Get(res.JobID).Record().Status)
}

func TestGenerateEmbeddings_BatchFailureFailsItsChunks(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	h := newHarness(t, servicetest.Options{AutoBatchFail: true, FailBatchCall: 2}, cfg, false)
	chunks := makeChunks(10)

	res, err := h.orch.GenerateEmbeddings(context.Background(), chunks, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, h.srv.BatchCalls())
	assert.Len(t, res.Embeddings, 6)
	assert.Len(t, res.Failed, 4)
	assert.Equal(t, 4, res.Metrics.FailedCount)
}

func TestGenerateEmbeddings_RetryPolicyResubmits(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.FailurePolicy = FailurePolicyRetry
	cfg.SubmitRetries = 2
	h := newHarness(t, servicetest.Options{AutoBatchFail: true, FailBatchCall: 2}, cfg, false)
	chunks := makeChunks(10)

	res, err := h.orch.GenerateEmbeddings(context.Background(), chunks, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, h.srv.BatchCalls())
	assert.Len(t, res.Embeddings, 10)
	assert.Empty(t, res.Failed)
}

func TestGenerateEmbeddings_LazyCorrelation(t *testing.T) {
	h := newHarness(t, servicetest.Options{JobID: "J9", OmitTaskIDs: true}, testConfig(), false)
	chunks := makeChunks(7)

	res, err := h.orch.GenerateEmbeddings(context.Background(), chunks, nil)
	require.NoError(t, err)

	assert.Len(t, res.Embeddings, 7)
	assertEmbedded(t, chunks, res)
	assert.Positive(t, h.srv.JobPolls())
}

func TestGenerateEmbeddings_MergesServiceMetrics(t *testing.T) {
	h := newHarness(t, servicetest.Options{IncludeMetrics: true}, testConfig(), false)

	res, err := h.orch.GenerateEmbeddings(context.Background(), makeChunks(6), nil)
	require.NoError(t, err)

	assert.Equal(t, models.MetricsSourceMerged, res.Metrics.Source)
	assert.Equal(t, 6, res.Metrics.SuccessCount)
	assert.Equal(t, 2, res.Metrics.BatchCount)
}

func TestGenerateEmbeddings_Progress(t *testing.T) {
	h := newHarness(t, servicetest.Options{}, testConfig(), false)

	var snaps []models.JobSnapshot
	res, err := h.orch.GenerateEmbeddings(context.Background(), makeChunks(5), func(s models.JobSnapshot) {
		snaps = append(snaps, s)
	})
	require.NoError(t, err)
	require.NotEmpty(t, snaps)

	assert.Equal(t, 0, snaps[0].Completed)
	last := snaps[len(snaps)-1]
	assert.Equal(t, 5, last.Completed)
	assert.Equal(t, 0, last.Pending)
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].Completed, snaps[i-1].Completed)
		assert.True(t, snaps[i].Valid())
	}
	assert.Equal(t, res.JobID, last.JobID)
}

func TestGenerateEmbeddings_PublishesJobEvents(t *testing.T) {
	h := newHarness(t, servicetest.Options{}, testConfig(), false)

	var mu sync.Mutex
	kinds := map[events.Kind]int{}
	var done events.Event
	h.publisher.Attach(func(e events.Event) {
		mu.Lock()
		kinds[e.Kind]++
		if e.Kind == events.JobComplete {
			done = e
		}
		mu.Unlock()
	})

	_, err := h.orch.GenerateEmbeddings(context.Background(), makeChunks(3), nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, kinds[events.JobStarted])
	assert.Equal(t, 1, kinds[events.JobComplete])
	assert.Equal(t, 3, kinds[events.TaskSubmitted])
	assert.Equal(t, 3, kinds[events.TaskComplete])
	assert.Positive(t, kinds[events.TaskProgress])

	summary, ok := done.Data["metrics"].(map[string]any)
	require.True(t, ok, "job_complete carries a metrics summary")
	assert.Equal(t, 3, summary["total_chunks"])
	assert.Equal(t, 3, summary["success_count"])
	assert.Equal(t, 0, summary["failed_count"])
	assert.Equal(t, 100.0, summary["success_rate"])
	assert.Contains(t, summary, "batch_count")
	assert.Contains(t, summary, "execution_time_ms")
	assert.Contains(t, summary, "throughput")
}

func TestGenerateEmbeddings_PushedJobStatusCompletesJob(t *testing.T) {
	cfg := testConfig()
	opts := servicetest.Options{JobID: "J1", Push: true, PushJobFrames: true, StalePolls: true}
	h := newHarness(t, opts, cfg, true)
	chunks := makeChunks(3)

	start := time.Now()
	res, err := h.orch.GenerateEmbeddings(context.Background(), chunks, nil)
	require.NoError(t, err)

	assert.False(t, res.Partial)
	assert.Empty(t, res.Failed)
	assertEmbedded(t, chunks, res)
	assert.Less(t, time.Since(start), cfg.TaskTimeout, "finished from the pushed job status, not a deadline")
}

func TestGenerateEmbeddings_ContextCancel(t *testing.T) {
	h := newHarness(t, servicetest.Options{NeverComplete: true}, testConfig(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	res, err := h.orch.GenerateEmbeddings(ctx, makeChunks(3), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, res)
	assert.Empty(t, res.Embeddings)
	assert.Len(t, res.Failed, 3)
	assert.Equal(t, models.JobFailed, h.jobs.Get(res.JobID).Record().Status)
}

func TestGenerateEmbeddings_InvalidChunks(t *testing.T) {
	h := newHarness(t, servicetest.Options{}, testConfig(), false)

	_, err := h.orch.GenerateEmbeddings(context.Background(), []models.Chunk{{ID: "a", Text: "x"}, {ID: "a", Text: "y"}}, nil)
	assert.Error(t, err)
	assert.Empty(t, h.jobs.List())
}

func TestGenerateEmbeddings_Empty(t *testing.T) {
	h := newHarness(t, servicetest.Options{}, testConfig(), false)

	res, err := h.orch.GenerateEmbeddings(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Embeddings)
	assert.Equal(t, 0, h.srv.AutoBatchCalls())
}

// downRemote rejects every submission.
type downRemote struct{ *client.Client }

func (downRemote) SubmitBatch(context.Context, []models.Chunk, string) (*client.BatchSubmission, error) {
	return nil, errors.New("batch endpoint down")
}

func (downRemote) SubmitAutoBatch(context.Context, []models.Chunk, string) (*client.AutoBatchSubmission, error) {
	return nil, errors.New("auto-batch endpoint down")
}

func TestGenerateEmbeddings_SubmissionFailed(t *testing.T) {
	resolver := ledger.NewResolver()
	t.Cleanup(resolver.Close)
	jobs := NewJobManager(nil, nil)

	orch, err := NewOrchestrator(downRemote{client.New("http://127.0.0.1:1")}, resolver, jobs, WithConfig(testConfig()))
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	res, err := orch.GenerateEmbeddings(context.Background(), makeChunks(6), nil)
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.Contains(t, err.Error(), "auto-batch endpoint down")
	assert.Contains(t, err.Error(), "batch endpoint down")

	require.NotNil(t, res)
	assert.True(t, res.Fallback)
	assert.Len(t, res.Failed, 6)

	job := jobs.Get(res.JobID)
	require.NotNil(t, job)
	assert.Equal(t, models.JobFailed, job.Record().Status)
	assert.NotEmpty(t, job.Record().Error)
}

func TestCeiling(t *testing.T) {
	orch, err := NewOrchestrator(nil, ledger.NewResolver(), NewJobManager(nil, nil), WithConfig(Config{TaskTimeout: time.Second}))
	require.NoError(t, err)
	defer orch.Close()

	assert.Equal(t, time.Second, orch.Ceiling(0))
	assert.Equal(t, time.Second, orch.Ceiling(10))
	assert.Equal(t, 2*time.Second, orch.Ceiling(11))
	assert.Equal(t, 3*time.Second, orch.Ceiling(25))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{SubmitRetries: -1}.withDefaults()
	d := DefaultConfig()
	assert.Equal(t, d.BatchSize, cfg.BatchSize)
	assert.Equal(t, d.TaskTimeout, cfg.TaskTimeout)
	assert.Equal(t, d.Workers, cfg.Workers)
	assert.Equal(t, FailurePolicyFail, cfg.FailurePolicy)
	assert.Equal(t, 0, cfg.SubmitRetries)
}

func TestRetryWithBackoff(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = RetryWithBackoff(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	}, 2, time.Millisecond)
	assert.EqualError(t, err, "attempt 2")

	assert.ErrorIs(t, RetryWithBackoff(context.Background(), nil, 0, 0), ErrInvalidMaxAttempts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, RetryWithBackoff(ctx, func(context.Context) error { return nil }, 3, time.Millisecond), context.Canceled)
}
