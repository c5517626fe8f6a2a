package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docrag/internal/models"
	"github.com/xhad/docrag/internal/types"
)

func vec(x, y, z float32) []float32 { return []float32{x, y, z} }

func record(chunkID, docID, owner string, v []float32) types.VectorRecord {
	return types.VectorRecord{
		ChunkID: chunkID,
		Vector:  v,
		Metadata: types.VectorMetadata{
			DocumentID: docID,
			OwnerID:    owner,
			EndOffset:  10,
		},
	}
}

func chunkIDs(matches []types.VectorMatch) []string {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ChunkID
	}
	return ids
}

// runIndexContract checks behaviour every VectorIndex must share. The index
// must accept 3-dimensional vectors.
func runIndexContract(t *testing.T, idx types.VectorIndex) {
	ctx := context.Background()
	nsA, nsB := types.Namespace("alice"), types.Namespace("bob")

	require.NoError(t, idx.Upsert(ctx, nsA, []types.VectorRecord{
		record("c1", "d1", "alice", vec(1, 0, 0)),
		record("c2", "d1", "alice", vec(0, 1, 0)),
		record("c3", "d2", "alice", vec(1, 0, 0)),
	}))
	require.NoError(t, idx.Upsert(ctx, nsB, []types.VectorRecord{
		record("c1", "d9", "bob", vec(1, 0, 0)),
	}))

	t.Run("query orders by score then insertion", func(t *testing.T) {
		matches, err := idx.Query(ctx, nsA, vec(1, 0, 0), 10, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c3", "c2"}, chunkIDs(matches))
		assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
		assert.InDelta(t, 0.0, matches[2].Score, 1e-6)
		for _, m := range matches {
			assert.Equal(t, nsA, m.Namespace)
			assert.Equal(t, "alice", m.Metadata.OwnerID)
		}
	})

	t.Run("top k and document filter", func(t *testing.T) {
		matches, err := idx.Query(ctx, nsA, vec(1, 0, 0), 1, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"c1"}, chunkIDs(matches))

		matches, err = idx.Query(ctx, nsA, vec(1, 0, 0), 10, &types.VectorFilter{DocumentIDs: []string{"d2"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"c3"}, chunkIDs(matches))
	})

	t.Run("count per namespace and document", func(t *testing.T) {
		n, err := idx.Count(ctx, nsA, "d1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = idx.Count(ctx, nsA, "")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = idx.Count(ctx, nsB, "")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("upsert replaces and keeps position", func(t *testing.T) {
		require.NoError(t, idx.Upsert(ctx, nsA, []types.VectorRecord{
			record("c1", "d1", "alice", vec(0, 0, 1)),
		}))

		matches, err := idx.Query(ctx, nsA, vec(1, 0, 0), 10, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"c3", "c1", "c2"}, chunkIDs(matches))

		n, err := idx.Count(ctx, nsA, "")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("delete is scoped to the namespace", func(t *testing.T) {
		require.NoError(t, idx.Delete(ctx, nsA, []string{"c1", "c2"}))

		n, err := idx.Count(ctx, nsA, "")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = idx.Count(ctx, nsB, "")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := idx.Query(ctx, nsA, []float32{1, 0}, 5, nil)
		assert.ErrorIs(t, err, types.ErrVectorIndex)

		err = idx.Upsert(ctx, nsA, []types.VectorRecord{record("bad", "d1", "alice", []float32{1})})
		assert.ErrorIs(t, err, types.ErrVectorIndex)
	})
}

func testChunks(docID, owner string, n int) []models.Chunk {
	chunks := make([]models.Chunk, n)
	for i := range chunks {
		id := docID + "_" + string(rune('0'+i))
		chunks[i] = models.Chunk{
			ID:          id,
			DocumentID:  docID,
			OwnerID:     owner,
			Ordinal:     i,
			Content:     "chunk " + id,
			StartOffset: i * 10,
			EndOffset:   i*10 + 12,
			Embedding:   vec(float32(i), 1, 0),
			IndexKey:    id,
		}
	}
	return chunks
}

// runStoreContract checks behaviour every Store must share.
func runStoreContract(t *testing.T, st types.Store) {
	ctx := context.Background()

	older := &models.Document{OwnerID: "alice", Filename: "old.txt", FileType: "text/plain", Size: 3}
	require.NoError(t, st.CreateDocument(ctx, older))
	doc := &models.Document{OwnerID: "alice", Filename: "report.pdf", FileType: "application/pdf", Size: 42}
	require.NoError(t, st.CreateDocument(ctx, doc))

	t.Run("documents", func(t *testing.T) {
		assert.NotEmpty(t, doc.ID)
		assert.Equal(t, models.StatusPending, doc.Status)
		assert.False(t, doc.CreatedAt.IsZero())

		got, err := st.GetDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, "report.pdf", got.Filename)
		assert.Equal(t, int64(42), got.Size)

		docs, err := st.ListDocuments(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, docs, 2)

		docs, err = st.ListDocuments(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, docs)

		require.NoError(t, st.UpdateDocumentStatus(ctx, doc.ID, models.StatusProcessed, 120, 3, ""))
		got, err = st.GetDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessed, got.Status)
		assert.Equal(t, 120, got.TextLength)
		assert.Equal(t, 3, got.ChunkCount)

		err = st.UpdateDocumentStatus(ctx, "missing", models.StatusFailed, 0, 0, "x")
		assert.ErrorIs(t, err, types.ErrNotFound)

		_, err = st.GetDocument(ctx, "missing")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("chunks", func(t *testing.T) {
		require.NoError(t, st.ReplaceChunks(ctx, doc.ID, testChunks(doc.ID, "alice", 3)))

		chunks, err := st.ListChunks(ctx, doc.ID)
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		for i, c := range chunks {
			assert.Equal(t, i, c.Ordinal)
			assert.Equal(t, "alice", c.OwnerID)
		}
		assert.Equal(t, vec(2, 1, 0), chunks[2].Embedding)

		got, err := st.GetChunks(ctx, []string{chunks[2].ID, "nope", chunks[0].ID})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, chunks[2].ID, got[0].ID)
		assert.Equal(t, chunks[0].ID, got[1].ID)

		require.NoError(t, st.ReplaceChunks(ctx, doc.ID, testChunks(doc.ID, "alice", 1)))
		chunks, err = st.ListChunks(ctx, doc.ID)
		require.NoError(t, err)
		assert.Len(t, chunks, 1)

		err = st.ReplaceChunks(ctx, doc.ID, testChunks(older.ID, "alice", 1))
		assert.ErrorIs(t, err, types.ErrInvalidInput)
	})

	session := &models.ChatSession{OwnerID: "alice", DocumentID: doc.ID, Title: "Report"}
	require.NoError(t, st.CreateSession(ctx, session))

	t.Run("session state is compare-and-set", func(t *testing.T) {
		assert.Equal(t, models.SessionCreated, session.State)

		err := st.TransitionSession(ctx, session.ID, models.SessionAwaitingResponse, models.SessionCreated, models.SessionIdle)
		require.NoError(t, err)

		err = st.TransitionSession(ctx, session.ID, models.SessionAwaitingResponse, models.SessionCreated, models.SessionIdle)
		assert.ErrorIs(t, err, types.ErrStateConflict)

		err = st.TransitionSession(ctx, "missing", models.SessionIdle, models.SessionAwaitingResponse)
		assert.ErrorIs(t, err, types.ErrNotFound)

		n, err := st.ResetStaleSessions(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = st.ResetStaleSessions(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := st.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionIdle, got.State)
		assert.Equal(t, doc.ID, got.DocumentID)
	})

	t.Run("messages are sequenced", func(t *testing.T) {
		for _, text := range []string{"first", "second", "third"} {
			msg := &models.ChatMessage{SessionID: session.ID, Role: models.RoleUser, Content: text}
			require.NoError(t, st.AppendMessage(ctx, msg))
		}
		answer := &models.ChatMessage{
			SessionID:     session.ID,
			Role:          models.RoleAssistant,
			Content:       "answer [1]",
			CitedChunkIDs: []string{doc.ID + "_0"},
			Sources:       []models.Source{{DocumentID: doc.ID, Filename: "report.pdf", ChunkIDs: []string{doc.ID + "_0"}, Score: 0.9}},
		}
		require.NoError(t, st.AppendMessage(ctx, answer))
		assert.Equal(t, 4, answer.Seq)

		all, err := st.ListMessages(ctx, session.ID, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i, m := range all {
			assert.Equal(t, i+1, m.Seq)
		}

		recent, err := st.ListMessages(ctx, session.ID, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "third", recent[0].Content)
		assert.Equal(t, "answer [1]", recent[1].Content)
		assert.Equal(t, answer.CitedChunkIDs, recent[1].CitedChunkIDs)
		assert.Equal(t, answer.Sources, recent[1].Sources)

		err = st.AppendMessage(ctx, &models.ChatMessage{SessionID: "missing", Role: models.RoleUser, Content: "x"})
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("rename and list sessions", func(t *testing.T) {
		require.NoError(t, st.RenameSession(ctx, session.ID, "Quarterly report"))

		sessions, err := st.ListSessions(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, "Quarterly report", sessions[0].Title)

		sessions, err = st.ListSessions(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})

	t.Run("search log", func(t *testing.T) {
		q := &models.SearchQuery{OwnerID: "alice", Query: "refunds", ResultCount: 2}
		require.NoError(t, st.LogSearch(ctx, q))
		assert.NotEmpty(t, q.ID)
	})

	t.Run("deleting a document cascades to chunks and keeps session scope", func(t *testing.T) {
		require.NoError(t, st.DeleteDocument(ctx, doc.ID))

		_, err := st.GetDocument(ctx, doc.ID)
		assert.ErrorIs(t, err, types.ErrNotFound)

		chunks, err := st.ListChunks(ctx, doc.ID)
		require.NoError(t, err)
		assert.Empty(t, chunks)

		got, err := st.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, doc.ID, got.DocumentID)

		assert.ErrorIs(t, st.DeleteDocument(ctx, doc.ID), types.ErrNotFound)
	})

	t.Run("deleting a session removes its messages", func(t *testing.T) {
		require.NoError(t, st.DeleteSession(ctx, session.ID))

		_, err := st.GetSession(ctx, session.ID)
		assert.ErrorIs(t, err, types.ErrNotFound)

		msgs, err := st.ListMessages(ctx, session.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		assert.ErrorIs(t, st.DeleteSession(ctx, session.ID), types.ErrNotFound)
	})
}
