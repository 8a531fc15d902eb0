package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var testChunks = []models.Chunk{
	{ID: "c1", Text: "alpha"},
	{ID: "c2", Text: "beta"},
}

func TestSubmitTask(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/task", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c1", body["chunk_id"])
		writeJSON(w, map[string]any{"taskId": "t-1"})
	})

	id, err := c.SubmitTask(context.Background(), testChunks[0])
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)
}

func TestSubmitBatch_CaseVariants(t *testing.T) {
	tests := []struct {
		name string
		resp map[string]any
	}{
		{
			name: "snake_case",
			resp: map[string]any{
				"batch_id": "B1",
				"tasks": []any{
					map[string]any{"task_id": "t1", "chunk_id": "c1"},
					map[string]any{"task_id": "t2", "chunk_id": "c2"},
				},
			},
		},
		{
			name: "camelCase",
			resp: map[string]any{
				"batchId": "B1",
				"tasks": []any{
					map[string]any{"taskId": "t1", "chunkId": "c1"},
					map[string]any{"taskId": "t2", "chunkId": "c2"},
				},
			},
		},
		{
			name: "bare task ids",
			resp: map[string]any{"batch_id": "B1", "task_ids": []any{"t1", "t2"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.resp)
			})

			sub, err := c.SubmitBatch(context.Background(), testChunks, "J1")
			require.NoError(t, err)
			assert.Equal(t, "B1", sub.BatchID)
			assert.Equal(t, "J1", sub.JobID)
			assert.Equal(t, []TaskRef{
				{TaskID: "t1", ChunkID: "c1", BatchID: "B1"},
				{TaskID: "t2", ChunkID: "c2", BatchID: "B1"},
			}, sub.Tasks)
		})
	}
}

func TestSubmitAutoBatch_GeneratesJobID(t *testing.T) {
	var sent string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/job/auto-batch", r.URL.Path)
		var body struct {
			JobID  string         `json:"job_id"`
			Chunks []chunkPayload `json:"chunks"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		sent = body.JobID
		assert.Len(t, body.Chunks, 2)
		writeJSON(w, map[string]any{"batchIds": []any{"B1"}, "totalBatches": 1})
	})

	sub, err := c.SubmitAutoBatch(context.Background(), testChunks, "")
	require.NoError(t, err)
	assert.NotEmpty(t, sent)
	assert.Equal(t, sent, sub.JobID)
	assert.Equal(t, []string{"B1"}, sub.BatchIDs)
	assert.Equal(t, 1, sub.TotalBatches)
	assert.Empty(t, sub.Tasks)
}

func TestSubmitAutoBatch_NestedBatches(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"job_id": "J1",
			"batches": []any{
				map[string]any{"batch_id": "B1", "tasks": []any{"t1"}},
				map[string]any{"batch_id": "B2", "tasks": []any{"t2"}},
			},
		})
	})

	sub, err := c.SubmitAutoBatch(context.Background(), testChunks, "local")
	require.NoError(t, err)
	assert.Equal(t, "J1", sub.JobID)
	assert.Equal(t, []string{"B1", "B2"}, sub.BatchIDs)
	assert.Equal(t, 2, sub.TotalBatches)
	assert.Equal(t, []TaskRef{
		{TaskID: "t1", ChunkID: "c1", BatchID: "B1"},
		{TaskID: "t2", ChunkID: "c2", BatchID: "B2"},
	}, sub.Tasks)
}

func TestPollTask_ResultShapes(t *testing.T) {
	tests := []struct {
		name   string
		resp   map[string]any
		status models.TaskStatus
		result []float32
		errMsg string
	}{
		{
			name:   "bare array",
			resp:   map[string]any{"task_id": "t1", "status": "completed", "result": []any{0.5, 1.5}},
			status: models.TaskCompleted,
			result: []float32{0.5, 1.5},
		},
		{
			name:   "embedding object",
			resp:   map[string]any{"taskId": "t1", "status": "done", "result": map[string]any{"embedding": []any{1.0}}},
			status: models.TaskCompleted,
			result: []float32{1},
		},
		{
			name:   "failed",
			resp:   map[string]any{"task_id": "t1", "status": "error", "error": map[string]any{"message": "boom"}},
			status: models.TaskFailed,
			errMsg: "boom",
		},
		{
			name:   "processing",
			resp:   map[string]any{"task_id": "t1", "status": "in_progress", "progress": 40},
			status: models.TaskProcessing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/task/t1", r.URL.Path)
				writeJSON(w, tt.resp)
			})

			st, err := c.PollTask(context.Background(), "t1")
			require.NoError(t, err)
			assert.Equal(t, "t1", st.TaskID)
			assert.Equal(t, tt.status, st.Status)
			assert.Equal(t, tt.result, st.Result)
			assert.Equal(t, tt.errMsg, st.Error)
		})
	}
}

func TestPollTask_CompletedWithoutResultIsParseError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"task_id": "t1", "status": "completed"})
	})

	_, err := c.PollTask(context.Background(), "t1")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, OpPollTask, pe.Op)
}

func TestTransportError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.GetJobStatus(context.Background(), "J1")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Contains(t, te.Body, "overloaded")
	assert.False(t, IsNotFound(err))
}

func TestTransportError_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, WithTimeout(time.Second))
	err := c.DeleteJob(context.Background(), "J1")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, te.StatusCode)
	assert.Error(t, errors.Unwrap(te))
}

func TestParseError_NotJSON(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})

	_, err := c.SubmitBatch(context.Background(), testChunks, "")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, OpSubmitBatch, pe.Op)
}

func TestAPIKeyAndTimingHook(t *testing.T) {
	var ops []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get(APIKeyHeader))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, WithAPIKey("secret"), WithTimingHook(func(op string, d time.Duration) {
		ops = append(ops, op)
	}))
	require.NoError(t, c.DeleteJob(context.Background(), "J1"))
	assert.Equal(t, []string{OpDeleteJob}, ops)
	assert.Equal(t, "secret", c.AuthHeader().Get(APIKeyHeader))
}

func TestPushURL(t *testing.T) {
	assert.Equal(t, "ws://host:1/ws", New("http://host:1/").PushURL("/ws"))
	assert.Equal(t, "wss://host/ws", New("https://host").PushURL("/ws"))
}

func TestNormalizeJobStatus(t *testing.T) {
	st, err := NormalizeJobStatus(map[string]any{
		"jobId":           "J1",
		"status":          "completed",
		"totalChunks":     10,
		"completedChunks": 8,
		"failedChunks":    1,
		"tasks": []any{
			map[string]any{"task_id": "t1", "chunk_id": "c1", "status": "completed", "result": []any{1.0}},
			map[string]any{"task_id": "t2", "status": "mystery"},
		},
		"job_metrics": map[string]any{
			"success_rate":   80.0,
			"execution_time": 2.5,
			"throughput":     4.0,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "J1", st.JobID)
	assert.True(t, st.Terminal())
	assert.Equal(t, 1, st.Pending)
	require.Len(t, st.Tasks, 1)
	assert.Equal(t, "J1", st.Tasks[0].JobID)
	require.NotNil(t, st.Metrics)
	assert.Equal(t, 80.0, *st.Metrics.SuccessRate)
	assert.Equal(t, 2500*time.Millisecond, *st.Metrics.ExecutionTime)
	assert.Nil(t, st.Metrics.BatchCount)
}

func TestNormalizeTaskStatus_FromPushType(t *testing.T) {
	st, err := NormalizeTaskStatus(map[string]any{"type": "task_progress", "task_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskProcessing, st.Status)

	st, err = NormalizeTaskStatus(map[string]any{"type": "task_error", "task_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, st.Status)
}

func TestHealthCheck_Cooldown(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	now := time.Unix(1000, 0)
	c := New(srv.URL, WithHealthCooldown(10*time.Second), WithClock(func() time.Time { return now }))

	assert.False(t, c.LastHealth())
	assert.True(t, c.HealthCheck(context.Background()))
	assert.True(t, c.HealthCheck(context.Background()))
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(11 * time.Second)
	assert.True(t, c.HealthCheck(context.Background()))
	assert.Equal(t, int32(2), hits.Load())
}

func TestHealthCheck_SingleInFlight(t *testing.T) {
	release := make(chan struct{})
	arrived := make(chan struct{}, 1)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		arrived <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)

	var wg sync.WaitGroup
	var first bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = c.HealthCheck(context.Background())
	}()

	<-arrived
	// Concurrent caller gets the initial last-known result without a request.
	assert.False(t, c.HealthCheck(context.Background()))
	close(release)
	wg.Wait()

	assert.True(t, first)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHealthCheck_Failure(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	assert.False(t, c.HealthCheck(context.Background()))
}
