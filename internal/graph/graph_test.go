package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/embedctl/internal/app"
	"github.com/raphaelgruber/embedctl/internal/config"
	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/raphaelgruber/embedctl/internal/servicetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	app *app.App
	srv *httptest.Server
}

func newFixture(t *testing.T, opts servicetest.Options) *fixture {
	t.Helper()
	svc := servicetest.New(opts)
	t.Cleanup(svc.Close)

	cfg := config.Defaults()
	cfg.ServiceURL = svc.URL
	cfg.TaskTimeout = 2 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HealthCooldown = 0
	cfg.PushEnabled = false

	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	a.Start(context.Background())

	srv := httptest.NewServer(NewHandler(a.Commands, nil))
	t.Cleanup(srv.Close)
	return &fixture{app: a, srv: srv}
}

type gqlError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors,omitempty"`
}

func (f *fixture) execute(t *testing.T, query string, variables map[string]any) gqlResponse {
	t.Helper()
	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	require.NoError(t, err)

	resp, err := http.Post(f.srv.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out gqlResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func chunkInputs(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		id := string(rune('a' + i))
		out[i] = map[string]any{"id": id, "text": "text " + id}
	}
	return out
}

func TestQuery_HealthAndConnection(t *testing.T) {
	f := newFixture(t, servicetest.Options{})

	resp := f.execute(t, `{ health { healthy connection } conn: connection { state __typename } }`, nil)
	require.Empty(t, resp.Errors)
	assert.JSONEq(t, `{
		"health": {"healthy": true, "connection": "disconnected"},
		"conn": {"state": "disconnected", "__typename": "ConnectionState"}
	}`, string(resp.Data))
}

func TestQuery_FieldOrderFollowsSelection(t *testing.T) {
	f := newFixture(t, servicetest.Options{})

	resp := f.execute(t, `{ connection { state } health { connection healthy } }`, nil)
	require.Empty(t, resp.Errors)
	assert.Equal(t, `{"connection":{"state":"disconnected"},"health":{"connection":"disconnected","healthy":true}}`, string(resp.Data))
}

func TestMutation_SubmitJobAndReadResult(t *testing.T) {
	f := newFixture(t, servicetest.Options{})

	resp := f.execute(t, `mutation Submit($chunks: [ChunkInput!]!) {
		submitJob(chunks: $chunks) { jobId status total }
	}`, map[string]any{"chunks": chunkInputs(3)})
	require.Empty(t, resp.Errors)

	var sub struct {
		SubmitJob SubmittedJob `json:"submitJob"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &sub))
	require.NotEmpty(t, sub.SubmitJob.JobID)
	assert.Equal(t, "running", sub.SubmitJob.Status)
	assert.Equal(t, 3, sub.SubmitJob.Total)

	_, err := f.app.Commands.Wait(context.Background(), sub.SubmitJob.JobID)
	require.NoError(t, err)

	resp = f.execute(t, `query Done($id: ID!) {
		job(id: $id) { status completed failed pending progress }
		jobResult(id: $id) {
			embedded
			failed
			metrics { totalChunks successCount successRate }
			embeddings { chunkId vector }
		}
		jobs(limit: 5) { id status totalChunks completedChunks }
	}`, map[string]any{"id": sub.SubmitJob.JobID})
	require.Empty(t, resp.Errors)

	var done struct {
		Job       JobStatus   `json:"job"`
		JobResult JobResult   `json:"jobResult"`
		Jobs      []JobRecord `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &done))

	assert.Equal(t, string(models.JobCompleted), done.Job.Status)
	assert.Equal(t, 3, done.Job.Completed)
	assert.Zero(t, done.Job.Pending)
	assert.InDelta(t, 1.0, done.Job.Progress, 1e-9)

	assert.Equal(t, 3, done.JobResult.Embedded)
	assert.Empty(t, done.JobResult.Failed)
	assert.Equal(t, 3, done.JobResult.Metrics.SuccessCount)
	assert.InDelta(t, 100.0, done.JobResult.Metrics.SuccessRate, 1e-9)
	require.Len(t, done.JobResult.Embeddings, 3)
	assert.Equal(t, "a", done.JobResult.Embeddings[0].ChunkID, "embeddings are ordered by chunk id")
	assert.Equal(t, servicetest.Vector("text a"), done.JobResult.Embeddings[0].Vector)

	require.Len(t, done.Jobs, 1)
	assert.Equal(t, sub.SubmitJob.JobID, done.Jobs[0].ID)
	assert.Equal(t, 3, done.Jobs[0].CompletedChunks)
}

func TestErrors_AreReportedPerField(t *testing.T) {
	f := newFixture(t, servicetest.Options{})

	resp := f.execute(t, `{ job(id: "missing") { status } health { healthy } }`, nil)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "not found")
	assert.Equal(t, []any{"job"}, resp.Errors[0].Path)

	var data struct {
		Job    *JobStatus `json:"job"`
		Health Health     `json:"health"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Nil(t, data.Job)
	assert.True(t, data.Health.Healthy, "other fields still resolve")

	dup := []map[string]any{{"id": "x", "text": "1"}, {"id": "x", "text": "2"}}
	resp = f.execute(t, `mutation($chunks: [ChunkInput!]!) { submitJob(chunks: $chunks) { jobId } }`,
		map[string]any{"chunks": dup})
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "duplicate chunk id")

	resp = f.execute(t, `{ jobs(limit: -1) { id } }`, nil)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "invalid limit")

	resp = f.execute(t, `mutation { connect { state } }`, nil)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "push")
}

func TestQuery_ValidationRejectsUnknownFields(t *testing.T) {
	f := newFixture(t, servicetest.Options{})

	resp := f.execute(t, `{ health { uptime } }`, nil)
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0].Message, "uptime")
}

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func TestSubscription_ReplaysJobEvents(t *testing.T) {
	f := newFixture(t, servicetest.Options{})

	// Events of a job run before anyone subscribed are queued and replayed.
	res, err := f.app.Orch.GenerateEmbeddings(context.Background(), []models.Chunk{
		{ID: "a", Text: "text a"}, {ID: "b", Text: "text b"},
	}, nil)
	require.NoError(t, err)

	dialer := websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
		Subprotocols:     []string{"graphql-transport-ws"},
	}
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
	var ack wsMessage
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "connection_ack", ack.Type)

	payload, err := json.Marshal(map[string]any{
		"query":     `subscription($job: ID) { events(jobId: $job) { type seq jobId } }`,
		"variables": map[string]any{"job": res.JobID},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wsMessage{ID: "1", Type: "subscribe", Payload: payload}))

	var kinds []string
	var lastSeq uint64
	for {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "ka" || msg.Type == "ping" {
			continue
		}
		require.Equal(t, "next", msg.Type, string(msg.Payload))

		var next struct {
			Data struct {
				Events Event `json:"events"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &next))
		e := next.Data.Events
		require.NotNil(t, e.JobID)
		assert.Equal(t, res.JobID, *e.JobID)
		assert.Greater(t, e.Seq, lastSeq, "events arrive in publish order")
		lastSeq = e.Seq
		kinds = append(kinds, e.Type)
		if e.Type == "job_complete" {
			break
		}
	}
	assert.Equal(t, "job_started", kinds[0])
	assert.Contains(t, kinds, "task_complete")

	require.NoError(t, conn.WriteJSON(wsMessage{ID: "1", Type: "complete"}))
}
