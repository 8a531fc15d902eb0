package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/embedctl/internal/client"
	"github.com/raphaelgruber/embedctl/internal/connection"
	"github.com/raphaelgruber/embedctl/internal/events"
	"github.com/raphaelgruber/embedctl/internal/metrics"
	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePoller answers polls from a per-task script.
type fakePoller struct {
	mu     sync.Mutex
	calls  map[string]int
	answer func(taskID string, call int) (*client.TaskStatus, error)
}

func newFakePoller(answer func(taskID string, call int) (*client.TaskStatus, error)) *fakePoller {
	return &fakePoller{calls: make(map[string]int), answer: answer}
}

func (p *fakePoller) PollTask(_ context.Context, taskID string) (*client.TaskStatus, error) {
	p.mu.Lock()
	p.calls[taskID]++
	call := p.calls[taskID]
	p.mu.Unlock()
	return p.answer(taskID, call)
}

func (p *fakePoller) count(taskID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[taskID]
}

func processing(taskID string) *client.TaskStatus {
	return &client.TaskStatus{TaskID: taskID, Status: models.TaskProcessing}
}

func completed(taskID string, vec ...float32) *client.TaskStatus {
	return &client.TaskStatus{TaskID: taskID, Status: models.TaskCompleted, Result: vec}
}

func newResolver(t *testing.T, opts ...Option) *Resolver {
	t.Helper()
	r := NewResolver(opts...)
	t.Cleanup(r.Close)
	return r
}

func TestWaitForTask_PollingAloneResolves(t *testing.T) {
	poller := newFakePoller(func(id string, call int) (*client.TaskStatus, error) {
		if call < 3 {
			return processing(id), nil
		}
		return completed(id, 1, 2, 3), nil
	})
	collector := metrics.NewCollector()
	r := newResolver(t, WithPoller(poller), WithPollInterval(5*time.Millisecond), WithMetrics(collector))

	vec, err := r.WaitForTask(context.Background(), "t1", "c1", "B1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)
	assert.Equal(t, 0, r.Outstanding())
	assert.Equal(t, 3, poller.count("t1"))

	rec, ok := collector.Task("t1")
	require.True(t, ok)
	assert.Equal(t, models.TaskCompleted, rec.Status)
	assert.Equal(t, "c1", rec.ChunkID)
	assert.Equal(t, "B1", rec.BatchID)
}

func TestWaitForTask_TimeoutRecordedDistinctly(t *testing.T) {
	poller := newFakePoller(func(id string, _ int) (*client.TaskStatus, error) {
		return processing(id), nil
	})
	collector := metrics.NewCollector()
	r := newResolver(t, WithPoller(poller), WithPollInterval(5*time.Millisecond), WithMetrics(collector))

	_, err := r.WaitForTask(context.Background(), "t1", "c1", "", 40*time.Millisecond)
	var te *TaskTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "t1", te.TaskID)
	assert.True(t, IsTimeout(err))

	rec, ok := collector.Task("t1")
	require.True(t, ok)
	assert.Equal(t, models.TaskTimeout, rec.Status)

	// The poll loop is gone once the task is resolved.
	calls := poller.count("t1")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, poller.count("t1"))
	assert.LessOrEqual(t, calls, 8)
}

func TestResolve_ExactlyOnceUnderPushAndPoll(t *testing.T) {
	const tasks = 50
	poller := newFakePoller(func(id string, _ int) (*client.TaskStatus, error) {
		return completed(id, 1), nil
	})
	pub := events.NewPublisher(events.WithQueueSize(10 * tasks))
	r := newResolver(t, WithPoller(poller), WithPollInterval(time.Millisecond), WithPublisher(pub))

	pendings := make([]*Pending, tasks)
	for i := range pendings {
		p, err := r.Register(Registration{TaskID: fmt.Sprintf("t%d", i), ChunkID: fmt.Sprintf("c%d", i), Timeout: time.Second})
		require.NoError(t, err)
		pendings[i] = p
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		id := fmt.Sprintf("t%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if r.Resolve(id, []float32{2}) {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			msg := connection.Message{TaskID: id, Body: map[string]any{"task_id": id, "status": "completed", "result": []any{3.0}}}
			if r.HandleMessage(msg) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	for _, p := range pendings {
		_, err := p.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, int(wins.Load()), tasks)
	assert.Equal(t, 0, r.Outstanding())

	completions := map[string]int{}
	pub.Attach(func(e events.Event) {
		if e.Kind == events.TaskComplete {
			completions[e.TaskID]++
		}
	})
	assert.Len(t, completions, tasks)
	for id, n := range completions {
		assert.Equal(t, 1, n, id)
	}

	assert.False(t, r.Resolve("t0", []float32{9}))
	assert.False(t, r.Reject("t0", errors.New("late")))
	assert.False(t, r.Expire("t0"))
}

func TestHandleMessage_Failure(t *testing.T) {
	r := newResolver(t)
	p, err := r.Register(Registration{TaskID: "t1", ChunkID: "c1", Timeout: time.Second})
	require.NoError(t, err)

	assert.False(t, r.HandleMessage(connection.Message{TaskID: "t1", Body: map[string]any{"type": "task_progress", "task_id": "t1"}}))
	st, ok := r.Status("t1")
	require.True(t, ok)
	assert.Equal(t, models.TaskProcessing, st)

	assert.True(t, r.HandleMessage(connection.Message{TaskID: "t1", Body: map[string]any{"task_id": "t1", "status": "failed", "error": "model overloaded"}}))

	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestHandleMessage_UnknownTaskIgnored(t *testing.T) {
	r := newResolver(t)
	assert.False(t, r.HandleMessage(connection.Message{TaskID: "ghost", Body: map[string]any{"status": "completed", "result": []any{1.0}}}))
	assert.False(t, r.HandleMessage(connection.Message{Type: "hello"}))
}

func TestHandleMessage_JobFrameResolvesTasks(t *testing.T) {
	r := newResolver(t)
	p1, err := r.Register(Registration{TaskID: "t1", ChunkID: "c1", Timeout: time.Second})
	require.NoError(t, err)
	p2, err := r.Register(Registration{TaskID: "t2", ChunkID: "c2", Timeout: time.Second})
	require.NoError(t, err)

	frame := connection.Message{
		JobID: "J1",
		Body: map[string]any{
			"job_id": "J1",
			"status": "completed",
			"tasks": []any{
				map[string]any{"task_id": "t1", "chunk_id": "c1", "status": "completed", "result": []any{1.0, 2.0}},
				map[string]any{"task_id": "t2", "chunk_id": "c2", "status": "failed", "error": "too long"},
				map[string]any{"task_id": "t9", "chunk_id": "c9", "status": "completed", "result": []any{1.0}},
			},
		},
	}
	assert.True(t, r.HandleMessage(frame))

	vec, err := p1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
	_, err = p2.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTaskFailed)

	assert.False(t, r.HandleMessage(frame), "second delivery is a no-op")
	assert.False(t, r.HandleMessage(connection.Message{JobID: "J1", Body: map[string]any{"job_id": "J1", "status": "running"}}))
}

func TestRegister_Duplicate(t *testing.T) {
	r := newResolver(t)
	_, err := r.Register(Registration{TaskID: "t1", Timeout: time.Second})
	require.NoError(t, err)
	_, err = r.Register(Registration{TaskID: "t1", Timeout: time.Second})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestWait_ContextCancelResolvesAsFailed(t *testing.T) {
	r := newResolver(t)
	p, err := r.Register(Registration{TaskID: "t1", Timeout: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.Outstanding())
	assert.Equal(t, models.TaskFailed, p.Outcome().Status)
}

func TestSweep(t *testing.T) {
	poller := newFakePoller(func(id string, _ int) (*client.TaskStatus, error) {
		if id == "t2" {
			return processing(id), nil
		}
		return completed(id, 4), nil
	})
	r := newResolver(t, WithPoller(poller), WithPollInterval(time.Hour))

	for _, id := range []string{"t1", "t2"} {
		_, err := r.Register(Registration{TaskID: id, Timeout: time.Minute})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, r.Sweep(context.Background(), []string{"t1", "t2", "missing"}))
	assert.Equal(t, 1, r.Outstanding())
}

func TestClose_RejectsOutstanding(t *testing.T) {
	r := NewResolver()
	p, err := r.Register(Registration{TaskID: "t1", Timeout: time.Minute})
	require.NoError(t, err)

	r.Close()
	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrResolverClosed)

	_, err = r.Register(Registration{TaskID: "t2"})
	assert.ErrorIs(t, err, ErrResolverClosed)
}

func TestListen_NilManager(t *testing.T) {
	r := newResolver(t)
	stop := r.Listen(nil)
	stop()
}
