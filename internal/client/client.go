// Package client provides the HTTP client for the remote embedding service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/embedctl/internal/models"
)

// DefaultServiceURL is used when no endpoint is configured.
const DefaultServiceURL = "http://localhost:8090"

// APIKeyHeader carries the optional API key on every request.
const APIKeyHeader = "X-API-Key"

// maxErrorBody bounds how much of a failed response is kept in a TransportError.
const maxErrorBody = 4096

// Operation names reported to the timing hook.
const (
	OpSubmitTask      = "submit_task"
	OpSubmitBatch     = "submit_batch"
	OpSubmitAutoBatch = "submit_auto_batch"
	OpPollTask        = "poll_task"
	OpJobStatus       = "job_status"
	OpDeleteJob       = "delete_job"
	OpHealth          = "health"
)

// Client talks to the remote embedding service. It is safe for concurrent use
// and intended to be constructed once per process.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	timing     func(op string, d time.Duration)
	health     *healthThrottle
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey forwards key in the X-API-Key header on every call.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the default per-request timeout. A context deadline
// shorter than this still wins.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimingHook registers a callback invoked with the duration of every
// round trip, keyed by operation name.
func WithTimingHook(fn func(op string, d time.Duration)) Option {
	return func(c *Client) { c.timing = fn }
}

// WithHealthCooldown sets the minimum spacing between two network health checks.
func WithHealthCooldown(d time.Duration) Option {
	return func(c *Client) { c.health.cooldown = d }
}

// WithClock sets the clock used by the health throttle (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.health.now = now }
}

// New creates a client for the service at baseURL.
// If baseURL is empty, uses EMBEDCTL_SERVICE_URL or DefaultServiceURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("EMBEDCTL_SERVICE_URL")
	}
	if baseURL == "" {
		baseURL = DefaultServiceURL
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		health:     newHealthThrottle(10 * time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PushURL derives the push channel URL (ws:// or wss://) from the service URL.
func (c *Client) PushURL(path string) string {
	u := c.baseURL
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u + path
}

// AuthHeader returns the headers the push channel should send on dial.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set(APIKeyHeader, c.apiKey)
	}
	return h
}

// do sends one request and decodes the JSON object response.
// A nil body sends no payload. An empty response body decodes to an empty record.
func (c *Client) do(ctx context.Context, op, method, path string, body any) (fields, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.timing != nil {
		c.timing(op, time.Since(start))
	}
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fields{}, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &ParseError{Op: op, Err: err}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, &ParseError{Op: op, Err: fmt.Errorf("expected JSON object, got %T", decoded)}
	}
	return fields(obj), nil
}

// chunkPayload is the wire form of a chunk in submission bodies.
type chunkPayload struct {
	ChunkID string `json:"chunk_id"`
	Text    string `json:"text"`
}

func toPayload(chunks []models.Chunk) []chunkPayload {
	out := make([]chunkPayload, len(chunks))
	for i, ch := range chunks {
		out[i] = chunkPayload{ChunkID: ch.ID, Text: ch.Text}
	}
	return out
}

// SubmitTask submits a single chunk and returns the task ID assigned by the service.
func (c *Client) SubmitTask(ctx context.Context, chunk models.Chunk) (string, error) {
	resp, err := c.do(ctx, OpSubmitTask, http.MethodPost, "/task", chunkPayload{ChunkID: chunk.ID, Text: chunk.Text})
	if err != nil {
		return "", err
	}
	taskID := resp.str("task_id")
	if taskID == "" {
		return "", &ParseError{Op: OpSubmitTask, Err: fmt.Errorf("response has no task id")}
	}
	return taskID, nil
}

// SubmitBatch submits chunks as one batch. jobID may be empty.
func (c *Client) SubmitBatch(ctx context.Context, chunks []models.Chunk, jobID string) (*BatchSubmission, error) {
	body := map[string]any{"chunks": toPayload(chunks)}
	if jobID != "" {
		body["job_id"] = jobID
	}

	resp, err := c.do(ctx, OpSubmitBatch, http.MethodPost, "/batch", body)
	if err != nil {
		return nil, err
	}
	sub, err := parseBatchSubmission(resp, chunks)
	if err != nil {
		return nil, &ParseError{Op: OpSubmitBatch, Err: err}
	}
	if sub.JobID == "" {
		sub.JobID = jobID
	}
	return sub, nil
}

// SubmitAutoBatch submits the whole chunk set and lets the service choose batch
// boundaries. If jobID is empty a new one is generated.
func (c *Client) SubmitAutoBatch(ctx context.Context, chunks []models.Chunk, jobID string) (*AutoBatchSubmission, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}
	body := map[string]any{
		"job_id": jobID,
		"chunks": toPayload(chunks),
	}

	resp, err := c.do(ctx, OpSubmitAutoBatch, http.MethodPost, "/job/auto-batch", body)
	if err != nil {
		return nil, err
	}
	sub, err := parseAutoBatch(resp, chunks)
	if err != nil {
		return nil, &ParseError{Op: OpSubmitAutoBatch, Err: err}
	}
	if sub.JobID == "" {
		sub.JobID = jobID
	}
	return sub, nil
}

// PollTask fetches the current status of a task.
func (c *Client) PollTask(ctx context.Context, taskID string) (*TaskStatus, error) {
	resp, err := c.do(ctx, OpPollTask, http.MethodGet, "/task/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, err
	}
	st, err := NormalizeTaskStatus(resp)
	if err != nil {
		return nil, &ParseError{Op: OpPollTask, Err: err}
	}
	if st.TaskID == "" {
		st.TaskID = taskID
	}
	return st, nil
}

// GetJobStatus fetches the aggregate status of a job.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	resp, err := c.do(ctx, OpJobStatus, http.MethodGet, "/job/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	st, err := NormalizeJobStatus(resp)
	if err != nil {
		return nil, &ParseError{Op: OpJobStatus, Err: err}
	}
	if st.JobID == "" {
		st.JobID = jobID
	}
	return st, nil
}

// DeleteJob asks the service to discard a job and its tasks.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, OpDeleteJob, http.MethodDelete, "/job/"+url.PathEscape(jobID), nil)
	return err
}
