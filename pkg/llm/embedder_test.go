package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docrag/internal/testutil"
	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/llm"
	"github.com/xhad/docrag/pkg/logging"
	"github.com/xhad/docrag/pkg/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
	}
}

func newTestEmbedder(client types.EmbeddingClient, cfg llm.EmbedderConfig) *llm.Embedder {
	cfg.Retry = fastRetry()
	cfg.Logger = logging.Discard()
	return llm.NewEmbedder(client, cfg)
}

func TestNewEmbedderWithConfig(t *testing.T) {
	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:   "nomic-embed-text:latest",
		BaseURL: "http://localhost:11434",
	})
	require.NoError(t, err)
	assert.NotNil(t, emb)

	_, err = llm.NewEmbedderWithConfig(llm.EmbedderConfig{Provider: "nope"})
	assert.Error(t, err)
}

func TestEmbedBatchesInOrder(t *testing.T) {
	client := testutil.NewFakeEmbeddingClient(8)
	emb := newTestEmbedder(client, llm.EmbedderConfig{BatchSize: 2, Dimensions: 8})

	texts := []string{"one", "two", "three", "four", "five"}
	vectors, err := emb.Embed(context.Background(), texts)

	require.NoError(t, err)
	require.Len(t, vectors, 5)
	for i, text := range texts {
		assert.Equal(t, testutil.HashVector(text, 8), vectors[i])
	}
	assert.Equal(t, [][]string{{"one", "two"}, {"three", "four"}, {"five"}}, client.Inputs())
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	client := testutil.NewFakeEmbeddingClient(4)
	client.Err = errors.New("503 service unavailable")
	client.FailTimes = 2
	emb := newTestEmbedder(client, llm.EmbedderConfig{})

	vectors, err := emb.Embed(context.Background(), []string{"hello"})

	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, 3, client.Calls())
}

func TestEmbedFailsOnPermanentError(t *testing.T) {
	client := testutil.NewFakeEmbeddingClient(4)
	client.Err = errors.New("invalid api key")
	emb := newTestEmbedder(client, llm.EmbedderConfig{})

	_, err := emb.Embed(context.Background(), []string{"hello"})

	assert.ErrorIs(t, err, types.ErrEmbeddingService)
	assert.False(t, types.IsTransient(err))
	assert.Equal(t, 1, client.Calls())
}

func TestEmbedRejectsWrongDimensions(t *testing.T) {
	client := testutil.NewFakeEmbeddingClient(4)
	emb := newTestEmbedder(client, llm.EmbedderConfig{Dimensions: 768})

	_, err := emb.Embed(context.Background(), []string{"hello"})

	assert.ErrorIs(t, err, types.ErrEmbeddingService)
}

func TestEmbedQueryUsesCache(t *testing.T) {
	client := testutil.NewFakeEmbeddingClient(4)
	emb := newTestEmbedder(client, llm.EmbedderConfig{CacheSize: 8, CacheTTL: time.Minute})

	first, err := emb.EmbedQuery(context.Background(), "what is the refund policy?")
	require.NoError(t, err)
	second, err := emb.EmbedQuery(context.Background(), "what is the refund policy?")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, client.Calls())
}
