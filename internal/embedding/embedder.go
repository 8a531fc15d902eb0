// Package embedding exposes the remote embedding service as a langchaingo
// embeddings.Embedder, so vector stores and chains can use it directly.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/raphaelgruber/embedctl/internal/service"
	"github.com/tmc/langchaingo/embeddings"
)

// Generator runs one embedding job. *service.Orchestrator satisfies it.
type Generator interface {
	GenerateEmbeddings(ctx context.Context, chunks []models.Chunk, progress service.ProgressFunc) (*service.Result, error)
}

// Config holds embedder settings.
type Config struct {
	// BatchSize is the number of texts sent as one job. Default 64.
	BatchSize int

	// ExpectedDimension is the required vector length. 0 disables the check.
	ExpectedDimension int

	// StripNewLines replaces newlines with spaces before embedding.
	StripNewLines bool
}

// Embedder implements embeddings.Embedder on top of embedding jobs.
type Embedder struct {
	impl      *embeddings.EmbedderImpl
	dimension int
}

var _ embeddings.Embedder = (*Embedder)(nil)

// New creates an embedder backed by gen.
func New(gen Generator, cfg Config) (*Embedder, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	impl, err := embeddings.NewEmbedder(&jobClient{gen: gen},
		embeddings.WithBatchSize(cfg.BatchSize),
		embeddings.WithStripNewLines(cfg.StripNewLines),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return &Embedder{impl: impl, dimension: cfg.ExpectedDimension}, nil
}

// EmbedDocuments embeds texts, in order.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	vectors, err := e.impl.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("count mismatch: got %d, want %d", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if err := e.check(v); err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
	}
	return vectors, nil
}

// EmbedQuery embeds a single text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := e.impl.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := e.check(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Dimension returns the expected vector length, 0 when unchecked.
func (e *Embedder) Dimension() int {
	return e.dimension
}

func (e *Embedder) check(v []float32) error {
	if e.dimension > 0 && len(v) != e.dimension {
		return fmt.Errorf("dimension mismatch: got %d, want %d", len(v), e.dimension)
	}
	return nil
}

// jobClient turns one CreateEmbedding call into one job. Chunk ids are the
// text positions, so the vectors come back in input order.
type jobClient struct {
	gen Generator
}

func (c *jobClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	chunks := make([]models.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.Chunk{ID: strconv.Itoa(i), Text: text}
	}

	start := time.Now()
	res, err := c.gen.GenerateEmbeddings(ctx, chunks, nil)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	vectors := make([][]float32, len(texts))
	for i := range chunks {
		v, ok := res.Embeddings[chunks[i].ID]
		if !ok {
			return nil, fmt.Errorf("embed: text %d has no embedding (job %s, %d of %d failed)",
				i, res.JobID, len(res.Failed), len(texts))
		}
		vectors[i] = v
	}

	slog.Debug("embedding job complete", "job_id", res.JobID, "texts", len(texts), "duration_ms", time.Since(start).Milliseconds())
	return vectors, nil
}
