package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xhad/docrag/internal/models"
	"github.com/xhad/docrag/internal/types"
)

// PostgresStore keeps documents, chunks, chat sessions and the search log
// in PostgreSQL. The schema comes from the embedded migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ types.Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr(op, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return wrapErr(op, tx.Commit(ctx))
}

// Documents

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO documents (id, owner_id, filename, file_type, size, storage_path, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		doc.ID, doc.OwnerID, sanitizeUTF8(doc.Filename), doc.FileType, doc.Size, doc.StoragePath, doc.Status,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	return wrapErr("create document", err)
}

const documentColumns = `id, owner_id, filename, file_type, size, storage_path, text_length,
	chunk_count, status, error, created_at, updated_at`

func scanDocument(row pgx.Row) (*models.Document, error) {
	doc := &models.Document{}
	err := row.Scan(
		&doc.ID, &doc.OwnerID, &doc.Filename, &doc.FileType, &doc.Size, &doc.StoragePath,
		&doc.TextLength, &doc.ChunkCount, &doc.Status, &doc.Error, &doc.CreatedAt, &doc.UpdatedAt,
	)
	return doc, err
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr("get document", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, ownerID string) ([]models.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_id = $1 ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, wrapErr("list documents", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, wrapErr("scan document", err)
		}
		docs = append(docs, *doc)
	}
	return docs, wrapErr("list documents", rows.Err())
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, textLength, chunkCount int, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET status = $2, text_length = $3, chunk_count = $4, error = $5, updated_at = now()
		WHERE id = $1`,
		id, status, textLength, chunkCount, sanitizeUTF8(reason))
	if err != nil {
		return wrapErr("update document status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update document status: %w", types.ErrNotFound)
	}
	return nil
}

// DeleteDocument removes the document row; chunk rows cascade and scoped
// chat sessions lose their scope.
func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return wrapErr("delete document", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete document: %w", types.ErrNotFound)
	}
	return nil
}

// Chunks

func (s *PostgresStore) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	return s.inTx(ctx, "replace chunks", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
			return wrapErr("clear chunks", err)
		}
		if len(chunks) == 0 {
			return nil
		}

		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"chunks"},
			[]string{"id", "document_id", "owner_id", "ordinal", "content", "start_offset", "end_offset", "embedding", "index_key"},
			pgx.CopyFromSlice(len(chunks), func(i int) ([]any, error) {
				c := chunks[i]
				if c.DocumentID != documentID {
					return nil, fmt.Errorf("%w: chunk %s belongs to %s", types.ErrInvalidInput, c.ID, c.DocumentID)
				}
				return []any{
					c.ID, c.DocumentID, c.OwnerID, c.Ordinal, sanitizeUTF8(c.Content),
					c.StartOffset, c.EndOffset, c.Embedding, c.IndexKey,
				}, nil
			}),
		)
		return wrapErr("insert chunks", err)
	})
}

const chunkColumns = `id, document_id, owner_id, ordinal, content, start_offset, end_offset, embedding, index_key`

func scanChunks(rows pgx.Rows) ([]models.Chunk, error) {
	defer rows.Close()
	var chunks []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(
			&c.ID, &c.DocumentID, &c.OwnerID, &c.Ordinal, &c.Content,
			&c.StartOffset, &c.EndOffset, &c.Embedding, &c.IndexKey,
		); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *PostgresStore) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = $1 ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, wrapErr("list chunks", err)
	}
	chunks, err := scanChunks(rows)
	return chunks, wrapErr("list chunks", err)
}

// GetChunks returns the chunks that exist among ids, in the order given.
func (s *PostgresStore) GetChunks(ctx context.Context, ids []string) ([]models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks
		JOIN unnest($1::text[]) WITH ORDINALITY AS wanted(id, pos) USING (id)
		ORDER BY wanted.pos`, ids)
	if err != nil {
		return nil, wrapErr("get chunks", err)
	}
	chunks, err := scanChunks(rows)
	return chunks, wrapErr("get chunks", err)
}

// Sessions

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.ChatSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.State == "" {
		session.State = models.SessionCreated
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO chat_sessions (id, owner_id, document_id, title, state)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		RETURNING created_at, updated_at`,
		session.ID, session.OwnerID, session.DocumentID, sanitizeUTF8(session.Title), session.State,
	).Scan(&session.CreatedAt, &session.UpdatedAt)
	return wrapErr("create session", err)
}

const sessionColumns = `id, owner_id, COALESCE(document_id, ''), title, state, created_at, updated_at`

func scanSession(row pgx.Row) (*models.ChatSession, error) {
	cs := &models.ChatSession{}
	err := row.Scan(&cs.ID, &cs.OwnerID, &cs.DocumentID, &cs.Title, &cs.State, &cs.CreatedAt, &cs.UpdatedAt)
	return cs, err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	cs, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr("get session", err)
	}
	return cs, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, ownerID string) ([]models.ChatSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE owner_id = $1 AND state <> 'closed'
		ORDER BY updated_at DESC, id`, ownerID)
	if err != nil {
		return nil, wrapErr("list sessions", err)
	}
	defer rows.Close()

	var sessions []models.ChatSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, wrapErr("scan session", err)
		}
		sessions = append(sessions, *cs)
	}
	return sessions, wrapErr("list sessions", rows.Err())
}

func (s *PostgresStore) RenameSession(ctx context.Context, id, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET title = $2, updated_at = now() WHERE id = $1`, id, sanitizeUTF8(title))
	if err != nil {
		return wrapErr("rename session", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rename session: %w", types.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) TransitionSession(ctx context.Context, id string, to models.SessionState, from ...models.SessionState) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if len(from) == 0 {
		tag, err = s.pool.Exec(ctx,
			`UPDATE chat_sessions SET state = $2, updated_at = now() WHERE id = $1`, id, to)
	} else {
		states := make([]string, len(from))
		for i, st := range from {
			states[i] = string(st)
		}
		tag, err = s.pool.Exec(ctx, `
			UPDATE chat_sessions SET state = $2, updated_at = now()
			WHERE id = $1 AND state = ANY($3)`, id, to, states)
	}
	if err != nil {
		return wrapErr("transition session", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current models.SessionState
	err = s.pool.QueryRow(ctx, `SELECT state FROM chat_sessions WHERE id = $1`, id).Scan(&current)
	if err != nil {
		return wrapErr("transition session", err)
	}
	return fmt.Errorf("transition session %s from %s to %s: %w", id, current, to, types.ErrStateConflict)
}

func (s *PostgresStore) ResetStaleSessions(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions SET state = 'idle', updated_at = now()
		WHERE state = 'awaiting_response' AND updated_at < $1`, before)
	if err != nil {
		return 0, wrapErr("reset stale sessions", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendMessage assigns the next sequence number within the session.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	cited := msg.CitedChunkIDs
	if cited == nil {
		cited = []string{}
	}
	sources := msg.Sources
	if sources == nil {
		sources = []models.Source{}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (id, session_id, seq, role, content, cited_chunk_ids, sources)
		SELECT $1::text, $2::text, COALESCE(MAX(seq), 0) + 1, $3::text, $4::text, $5::text[], $6::jsonb
		FROM chat_messages WHERE session_id = $2::text
		RETURNING seq, created_at`,
		msg.ID, msg.SessionID, msg.Role, sanitizeUTF8(msg.Content), cited, sources,
	).Scan(&msg.Seq, &msg.CreatedAt)
	return wrapErr("append message", err)
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	query := `
		SELECT id, session_id, role, content, seq, cited_chunk_ids, sources, created_at
		FROM chat_messages WHERE session_id = $1
		ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		query = `
			SELECT * FROM (
				SELECT id, session_id, role, content, seq, cited_chunk_ids, sources, created_at
				FROM chat_messages WHERE session_id = $1
				ORDER BY seq DESC LIMIT $2
			) recent ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list messages", err)
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Seq,
			&m.CitedChunkIDs, &m.Sources, &m.CreatedAt); err != nil {
			return nil, wrapErr("scan message", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, wrapErr("list messages", rows.Err())
}

// DeleteSession marks the session closed, then removes it with its messages.
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	return s.inTx(ctx, "delete session", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE chat_sessions SET state = 'closed', updated_at = now() WHERE id = $1`, id)
		if err != nil {
			return wrapErr("close session", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("delete session: %w", types.ErrNotFound)
		}
		_, err = tx.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
		return wrapErr("delete session", err)
	})
}

// Search log

func (s *PostgresStore) LogSearch(ctx context.Context, q *models.SearchQuery) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO search_queries (id, owner_id, query, result_count)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		q.ID, q.OwnerID, sanitizeUTF8(q.Query), q.ResultCount,
	).Scan(&q.CreatedAt)
	return wrapErr("log search", err)
}
