package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docrag/internal/models"
	"github.com/xhad/docrag/internal/testutil"
	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/app"
	"github.com/xhad/docrag/pkg/config"
	"github.com/xhad/docrag/pkg/ingest"
	"github.com/xhad/docrag/pkg/logging"
	"github.com/xhad/docrag/pkg/search"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Embedding.Dimensions = 16
	cfg.Embedding.RequestsPerSecond = 1000
	cfg.Retriever.SimilarityThreshold = 0.1
	cfg.Retry.MaxAttempts = 1
	return cfg
}

func TestAppEndToEnd(t *testing.T) {
	ctx := context.Background()
	gen := &testutil.FakeGenerator{Responses: []string{"Refunds are accepted for thirty days [1]."}}
	done := make(chan ingest.Result, 1)

	a, err := app.New(ctx, testConfig(), logging.Discard(), app.Options{
		EmbeddingClient: testutil.NewFakeEmbeddingClient(16),
		Generator:       gen,
		OnIngested: func(_ ingest.Request, res ingest.Result, err error) {
			assert.NoError(t, err)
			done <- res
		},
	})
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Start(ctx))

	doc, err := a.Ingest.Accept(ctx, ingest.Upload{OwnerID: "alice", Filename: "policy.md", FileType: "text/markdown"})
	require.NoError(t, err)
	require.NoError(t, a.Worker.Submit(ingest.Request{
		DocumentID: doc.ID,
		OwnerID:    "alice",
		Data:       []byte("# Refunds\n\nThe refund window is thirty days from purchase."),
	}))

	select {
	case res := <-done:
		assert.Equal(t, models.StatusProcessed, res.Status)
		assert.Equal(t, 1, res.ChunkCount)
	case <-time.After(5 * time.Second):
		t.Fatal("ingestion did not finish")
	}

	session, err := a.Chat.CreateSession(ctx, "alice", "", "")
	require.NoError(t, err)
	reply, err := a.Chat.Send(ctx, session.ID, "alice", "refund window")
	require.NoError(t, err)
	assert.Equal(t, "Refunds are accepted for thirty days [1].", reply.Answer)
	assert.Equal(t, []string{doc.ID + "_0"}, reply.CitedChunkIDs)

	hits, err := a.Search.Search(ctx, "alice", "refund window", search.Filters{FileCategory: "text"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "policy.md", hits[0].Filename)

	bobHits, err := a.Search.Search(ctx, "bob", "refund window", search.Filters{})
	require.NoError(t, err)
	assert.Empty(t, bobHits)

	require.NoError(t, a.Ingest.Delete(ctx, doc.ID, "alice"))
	n, err := a.Index.Count(ctx, types.Namespace("alice"), doc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "mysql"
	cfg.Retriever.TopK = 0

	_, err := app.New(context.Background(), cfg, logging.Discard(), app.Options{
		EmbeddingClient: testutil.NewFakeEmbeddingClient(16),
		Generator:       &testutil.FakeGenerator{},
	})

	assert.ErrorIs(t, err, types.ErrInvalidInput)
	assert.ErrorContains(t, err, "database.driver")
	assert.ErrorContains(t, err, "retriever.top_k")
}
