package embedding_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/raphaelgruber/embedctl/internal/client"
	"github.com/raphaelgruber/embedctl/internal/embedding"
	"github.com/raphaelgruber/embedctl/internal/ledger"
	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/raphaelgruber/embedctl/internal/service"
	"github.com/raphaelgruber/embedctl/internal/servicetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGenerator embeds each text as {len(text)} and records job sizes.
type fakeGenerator struct {
	jobs  []int
	texts []string
	fail  map[string]bool
	err   error
}

func (g *fakeGenerator) GenerateEmbeddings(_ context.Context, chunks []models.Chunk, _ service.ProgressFunc) (*service.Result, error) {
	g.jobs = append(g.jobs, len(chunks))
	if g.err != nil {
		return nil, g.err
	}
	res := &service.Result{JobID: "job", Embeddings: map[string][]float32{}}
	for _, c := range chunks {
		g.texts = append(g.texts, c.Text)
		if g.fail[c.Text] {
			res.Failed = append(res.Failed, c.ID)
			continue
		}
		res.Embeddings[c.ID] = []float32{float32(len(c.Text))}
	}
	return res, nil
}

func TestEmbedDocuments_BatchesInOrder(t *testing.T) {
	gen := &fakeGenerator{}
	e, err := embedding.New(gen, embedding.Config{BatchSize: 2})
	require.NoError(t, err)

	vectors, err := e.EmbedDocuments(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}, {3}, {4}, {5}}, vectors)
	assert.Equal(t, []int{2, 2, 1}, gen.jobs)
}

func TestEmbedDocuments_Empty(t *testing.T) {
	gen := &fakeGenerator{}
	e, err := embedding.New(gen, embedding.Config{})
	require.NoError(t, err)

	vectors, err := e.EmbedDocuments(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Empty(t, gen.jobs)
}

func TestEmbedDocuments_MissingVectorFails(t *testing.T) {
	gen := &fakeGenerator{fail: map[string]bool{"bad": true}}
	e, err := embedding.New(gen, embedding.Config{})
	require.NoError(t, err)

	_, err = e.EmbedDocuments(context.Background(), []string{"good", "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text 1 has no embedding")
}

func TestEmbedDocuments_JobError(t *testing.T) {
	gen := &fakeGenerator{err: service.ErrSubmissionFailed}
	e, err := embedding.New(gen, embedding.Config{})
	require.NoError(t, err)

	_, err = e.EmbedDocuments(context.Background(), []string{"x"})
	assert.True(t, errors.Is(err, service.ErrSubmissionFailed))
}

func TestEmbedQuery_DimensionCheck(t *testing.T) {
	gen := &fakeGenerator{}
	e, err := embedding.New(gen, embedding.Config{ExpectedDimension: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, e.Dimension())

	_, err = e.EmbedQuery(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestEmbedQuery_StripNewLines(t *testing.T) {
	gen := &fakeGenerator{}
	e, err := embedding.New(gen, embedding.Config{StripNewLines: true})
	require.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), "line one\nline two")
	require.NoError(t, err)
	require.Len(t, gen.texts, 1)
	assert.False(t, strings.Contains(gen.texts[0], "\n"))
}

func TestEmbedder_AgainstService(t *testing.T) {
	srv := servicetest.New(servicetest.Options{})
	defer srv.Close()

	c := client.New(srv.URL)
	resolver := ledger.NewResolver(ledger.WithPoller(c), ledger.WithPollInterval(10*time.Millisecond))
	defer resolver.Close()

	orch, err := service.NewOrchestrator(c, resolver, service.NewJobManager(nil, nil),
		service.WithConfig(service.Config{PollInterval: 10 * time.Millisecond, TaskTimeout: 2 * time.Second}))
	require.NoError(t, err)
	defer orch.Close()

	e, err := embedding.New(orch, embedding.Config{ExpectedDimension: 3})
	require.NoError(t, err)

	texts := []string{"alpha", "beta", "gamma"}
	vectors, err := e.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	for i, text := range texts {
		assert.Equal(t, servicetest.Vector(text), vectors[i])
	}
}
