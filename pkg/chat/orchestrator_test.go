package chat_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docrag/internal/models"
	"github.com/xhad/docrag/internal/testutil"
	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/chat"
	"github.com/xhad/docrag/pkg/llm"
	"github.com/xhad/docrag/pkg/logging"
	"github.com/xhad/docrag/pkg/retriever"
	"github.com/xhad/docrag/pkg/retry"
	"github.com/xhad/docrag/pkg/store"
)

const question = "How long is the refund window?"

type harness struct {
	store *store.MemoryStore
	index *store.MemoryIndex
	gen   *testutil.FakeGenerator
	orch  *chat.Orchestrator
}

func newHarness(t *testing.T, gen *testutil.FakeGenerator, cfg chat.OrchestratorConfig) *harness {
	t.Helper()

	client := testutil.NewFakeEmbeddingClient(2)
	client.Vectors[question] = []float32{1, 0}
	st := store.NewMemoryStore()
	index := store.NewMemoryIndex(2)
	logger := logging.Discard()

	emb := llm.NewEmbedder(client, llm.EmbedderConfig{Logger: logger})
	r := retriever.NewWithConfig(emb, index, st, st, retriever.RetrieverConfig{
		TopK:                5,
		SimilarityThreshold: 0.7,
		Logger:              logger,
	})
	engine, err := llm.New(gen, llm.ChatConfig{Retry: retry.Policy{MaxAttempts: 1}, Logger: logger})
	require.NoError(t, err)

	cfg.Logger = logger
	return &harness{
		store: st,
		index: index,
		gen:   gen,
		orch:  chat.NewWithConfig(st, st, r, engine, cfg),
	}
}

// addDocument stores a one-chunk document whose similarity to the question
// is score.
func (h *harness) addDocument(t *testing.T, owner, filename, text string, score float64) *models.Document {
	t.Helper()
	ctx := context.Background()

	doc := &models.Document{OwnerID: owner, Filename: filename, FileType: "text/plain"}
	require.NoError(t, h.store.CreateDocument(ctx, doc))

	chunk := models.Chunk{
		ID:         doc.ID + "_0",
		DocumentID: doc.ID,
		OwnerID:    owner,
		Content:    text,
		EndOffset:  len([]rune(text)),
	}
	require.NoError(t, h.store.ReplaceChunks(ctx, doc.ID, []models.Chunk{chunk}))
	require.NoError(t, h.index.Upsert(ctx, types.Namespace(owner), []types.VectorRecord{{
		ChunkID: chunk.ID,
		Vector:  []float32{float32(score), float32(math.Sqrt(1 - score*score))},
		Metadata: types.VectorMetadata{
			DocumentID: doc.ID,
			OwnerID:    owner,
			EndOffset:  chunk.EndOffset,
		},
	}}))
	return doc
}

func (h *harness) newSession(t *testing.T, owner, documentID string) *models.ChatSession {
	t.Helper()
	s, err := h.orch.CreateSession(context.Background(), owner, documentID, "")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCreated, s.State)
	return s
}

func (h *harness) state(t *testing.T, sessionID string) models.SessionState {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	return s.State
}

func TestSendAnswersWithCitations(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{Responses: []string{"Refunds are accepted for 30 days [1]."}}, chat.OrchestratorConfig{HistoryWindow: 10})
	doc := h.addDocument(t, "alice", "policy.txt", "Refunds are accepted within 30 days of purchase.", 0.9)
	s := h.newSession(t, "alice", "")

	reply, err := h.orch.Send(context.Background(), s.ID, "alice", question)

	require.NoError(t, err)
	assert.Equal(t, "Refunds are accepted for 30 days [1].", reply.Answer)
	assert.Equal(t, []string{doc.ID + "_0"}, reply.CitedChunkIDs)
	require.Len(t, reply.Sources, 1)
	assert.Equal(t, "policy.txt", reply.Sources[0].Filename)
	assert.False(t, reply.NoContext)
	assert.NotEmpty(t, reply.MessageID)

	prompts := h.gen.Prompts()
	require.Len(t, prompts, 1)
	prompt := testutil.PromptText(prompts[0])
	assert.Contains(t, prompt, "[1] (source: policy.txt)")
	assert.Contains(t, prompt, "Refunds are accepted within 30 days of purchase.")
	assert.Contains(t, prompt, question)

	msgs, err := h.orch.History(context.Background(), s.ID, "alice", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, question, msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, reply.CitedChunkIDs, msgs[1].CitedChunkIDs)
	assert.Equal(t, reply.Sources, msgs[1].Sources)
	assert.Less(t, msgs[0].Seq, msgs[1].Seq)

	assert.Equal(t, models.SessionIdle, h.state(t, s.ID))
	stored, err := h.store.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, question, stored.Title)
}

func TestSendWithoutRelevantContext(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{}, chat.OrchestratorConfig{})
	h.addDocument(t, "alice", "notes.txt", "Unrelated meeting notes.", 0.55)
	s := h.newSession(t, "alice", "")

	reply, err := h.orch.Send(context.Background(), s.ID, "alice", question)

	require.NoError(t, err)
	assert.True(t, reply.NoContext)
	assert.Equal(t, chat.DefaultNoContextAnswer, reply.Answer)
	assert.Empty(t, reply.CitedChunkIDs)
	assert.Empty(t, h.gen.Prompts(), "model must not be called without context")

	msgs, err := h.orch.History(context.Background(), s.ID, "alice", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.DefaultNoContextAnswer, msgs[1].Content)
	assert.Equal(t, models.SessionIdle, h.state(t, s.ID))
}

func TestSendAnswerWithoutContextCallsModel(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{Responses: []string{"General answer."}}, chat.OrchestratorConfig{AnswerWithoutContext: true})
	s := h.newSession(t, "alice", "")

	reply, err := h.orch.Send(context.Background(), s.ID, "alice", question)

	require.NoError(t, err)
	assert.Equal(t, "General answer.", reply.Answer)
	assert.True(t, reply.NoContext)
	assert.Empty(t, reply.Sources)
	assert.Len(t, h.gen.Prompts(), 1)
}

func TestSendGenerationFailure(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{Err: errors.New("model crashed")}, chat.OrchestratorConfig{})
	h.addDocument(t, "alice", "policy.txt", "Refunds are accepted within 30 days.", 0.9)
	s := h.newSession(t, "alice", "")

	reply, err := h.orch.Send(context.Background(), s.ID, "alice", question)

	assert.Nil(t, reply)
	assert.ErrorIs(t, err, types.ErrGenerationFailed)
	assert.ErrorContains(t, err, "model crashed")

	msgs, err := h.orch.History(context.Background(), s.ID, "alice", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the user message is stored")
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.SessionIdle, h.state(t, s.ID))
}

func TestSendRejectsConcurrentTurn(t *testing.T) {
	gen := &testutil.FakeGenerator{
		Responses: []string{"Thirty days [1]."},
		Block:     make(chan struct{}),
		Started:   make(chan struct{}, 1),
	}
	h := newHarness(t, gen, chat.OrchestratorConfig{})
	h.addDocument(t, "alice", "policy.txt", "Refunds are accepted within 30 days.", 0.9)
	s := h.newSession(t, "alice", "")

	var (
		wg     sync.WaitGroup
		first  *chat.Reply
		errOne error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, errOne = h.orch.Send(context.Background(), s.ID, "alice", question)
	}()

	<-gen.Started
	assert.Equal(t, models.SessionAwaitingResponse, h.state(t, s.ID))

	_, err := h.orch.Send(context.Background(), s.ID, "alice", question)
	assert.ErrorIs(t, err, types.ErrSessionBusy)

	close(gen.Block)
	wg.Wait()

	require.NoError(t, errOne)
	assert.Equal(t, "Thirty days [1].", first.Answer)
	assert.Equal(t, models.SessionIdle, h.state(t, s.ID))

	msgs, err := h.orch.History(context.Background(), s.ID, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "the rejected send stores nothing")
}

func TestSendStreams(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{Responses: []string{"Thirty days from purchase [1]."}}, chat.OrchestratorConfig{})
	h.addDocument(t, "alice", "policy.txt", "Refunds are accepted within 30 days.", 0.9)
	s := h.newSession(t, "alice", "")

	var sb strings.Builder
	reply, err := h.orch.Send(context.Background(), s.ID, "alice", question, chat.WithStream(func(_ context.Context, chunk []byte) error {
		sb.Write(chunk)
		return nil
	}))

	require.NoError(t, err)
	assert.Equal(t, reply.Answer, sb.String())
}

func TestSendIncludesHistoryWindow(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{Responses: []string{"Thirty days [1]."}}, chat.OrchestratorConfig{HistoryWindow: 2})
	h.addDocument(t, "alice", "policy.txt", "Refunds are accepted within 30 days.", 0.9)
	s := h.newSession(t, "alice", "")

	for range 3 {
		_, err := h.orch.Send(context.Background(), s.ID, "alice", question)
		require.NoError(t, err)
	}

	prompts := h.gen.Prompts()
	require.Len(t, prompts, 3)
	assert.Len(t, prompts[0], 2, "system and question")
	assert.Len(t, prompts[1], 4, "system, two history messages and question")
	assert.Len(t, prompts[2], 4, "history is capped at the window")
}

func TestSendScopedToDocument(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{Responses: []string{"See [1]."}}, chat.OrchestratorConfig{})
	h.addDocument(t, "alice", "a.txt", "Refunds take 30 days.", 0.95)
	b := h.addDocument(t, "alice", "b.txt", "Refunds take 14 days.", 0.8)
	s := h.newSession(t, "alice", b.ID)

	reply, err := h.orch.Send(context.Background(), s.ID, "alice", question)

	require.NoError(t, err)
	require.Len(t, reply.Sources, 1)
	assert.Equal(t, b.ID, reply.Sources[0].DocumentID)
}

func TestSendAfterScopedDocumentDeleted(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{Responses: []string{"See [1]."}}, chat.OrchestratorConfig{AnswerWithoutContext: true})
	h.addDocument(t, "alice", "a.txt", "Refunds take 30 days.", 0.95)
	b := h.addDocument(t, "alice", "b.txt", "Refunds take 14 days.", 0.8)
	s := h.newSession(t, "alice", b.ID)
	ctx := context.Background()

	require.NoError(t, h.store.DeleteDocument(ctx, b.ID))
	reply, err := h.orch.Send(ctx, s.ID, "alice", question)

	require.NoError(t, err)
	assert.True(t, reply.NoContext)
	assert.Equal(t, chat.DefaultNoContextAnswer, reply.Answer)
	assert.Empty(t, reply.Sources)
	assert.Empty(t, reply.CitedChunkIDs)
	assert.Empty(t, h.gen.Prompts(), "other documents must not answer for a deleted scope")

	got, err := h.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.DocumentID)
	assert.Equal(t, models.SessionIdle, got.State)
}

func TestSessionsAreOwnerScoped(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{}, chat.OrchestratorConfig{})
	doc := h.addDocument(t, "alice", "a.txt", "Refunds take 30 days.", 0.95)
	s := h.newSession(t, "alice", "")
	ctx := context.Background()

	_, err := h.orch.CreateSession(ctx, "bob", doc.ID, "")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = h.orch.Send(ctx, s.ID, "bob", question)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = h.orch.History(ctx, s.ID, "bob", 0)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, h.orch.RenameSession(ctx, s.ID, "bob", "mine"), types.ErrNotFound)
	assert.ErrorIs(t, h.orch.DeleteSession(ctx, s.ID, "bob"), types.ErrNotFound)

	sessions, err := h.orch.ListSessions(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Empty(t, h.gen.Prompts())
}

func TestRenameSession(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{}, chat.OrchestratorConfig{})
	s := h.newSession(t, "alice", "")
	ctx := context.Background()

	require.NoError(t, h.orch.RenameSession(ctx, s.ID, "alice", "  Refunds  "))
	assert.ErrorIs(t, h.orch.RenameSession(ctx, s.ID, "alice", " "), types.ErrInvalidInput)
	assert.ErrorIs(t, h.orch.RenameSession(ctx, s.ID, "alice", strings.Repeat("x", 201)), types.ErrInvalidInput)

	sessions, err := h.orch.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "Refunds", sessions[0].Title)
}

func TestDeleteSessionRemovesMessages(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{Responses: []string{"Thirty days [1]."}}, chat.OrchestratorConfig{})
	h.addDocument(t, "alice", "policy.txt", "Refunds are accepted within 30 days.", 0.9)
	s := h.newSession(t, "alice", "")
	ctx := context.Background()

	_, err := h.orch.Send(ctx, s.ID, "alice", question)
	require.NoError(t, err)

	require.NoError(t, h.orch.DeleteSession(ctx, s.ID, "alice"))

	_, err = h.orch.History(ctx, s.ID, "alice", 0)
	assert.ErrorIs(t, err, types.ErrNotFound)
	msgs, err := h.store.ListMessages(ctx, s.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	sessions, err := h.orch.ListSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDeleteSessionDuringTurn(t *testing.T) {
	gen := &testutil.FakeGenerator{
		Responses: []string{"Thirty days [1]."},
		Block:     make(chan struct{}),
		Started:   make(chan struct{}, 1),
	}
	h := newHarness(t, gen, chat.OrchestratorConfig{})
	h.addDocument(t, "alice", "policy.txt", "Refunds are accepted within 30 days.", 0.9)
	s := h.newSession(t, "alice", "")

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Send(context.Background(), s.ID, "alice", question)
		done <- err
	}()

	<-gen.Started
	require.NoError(t, h.orch.DeleteSession(context.Background(), s.ID, "alice"))
	close(gen.Block)

	assert.ErrorIs(t, <-done, types.ErrSessionClosed)
	msgs, err := h.store.ListMessages(context.Background(), s.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRecoverStale(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{}, chat.OrchestratorConfig{StaleAfter: time.Millisecond})
	stuck := h.newSession(t, "alice", "")
	fresh := h.newSession(t, "alice", "")
	ctx := context.Background()

	require.NoError(t, h.store.TransitionSession(ctx, stuck.ID, models.SessionAwaitingResponse, models.SessionCreated))
	time.Sleep(10 * time.Millisecond)

	n, err := h.orch.RecoverStale(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.SessionIdle, h.state(t, stuck.ID))
	assert.Equal(t, models.SessionCreated, h.state(t, fresh.ID))
}

func TestSendValidatesInput(t *testing.T) {
	h := newHarness(t, &testutil.FakeGenerator{}, chat.OrchestratorConfig{})
	s := h.newSession(t, "alice", "")

	_, err := h.orch.Send(context.Background(), s.ID, "alice", "   ")
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = h.orch.Send(context.Background(), "missing", "alice", question)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = h.orch.CreateSession(context.Background(), "", "", "")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
