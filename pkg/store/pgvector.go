package store

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/docrag/internal/types"
)

type VectorIndexConfig struct {
	TableName string
	VectorDim int
	// IndexType is hnsw, ivfflat or none. Filtered approximate scans may
	// return fewer than topK rows; none keeps every query exact.
	IndexType string
	Logger    *slog.Logger
}

// PGVectorIndex keeps one row per chunk in a pgvector table, partitioned by
// namespace.
type PGVectorIndex struct {
	config VectorIndexConfig
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ types.VectorIndex = (*PGVectorIndex)(nil)

func NewPGVectorIndex(ctx context.Context, pool *pgxpool.Pool, config VectorIndexConfig) (*PGVectorIndex, error) {
	if config.TableName == "" {
		config.TableName = "chunk_vectors"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.IndexType == "" {
		config.IndexType = "hnsw"
	}
	if !validTable(config.TableName) {
		return nil, fmt.Errorf("invalid vector table name %q", config.TableName)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vi := &PGVectorIndex{
		config: config,
		pool:   pool,
		logger: logger,
	}
	if err := vi.initialize(ctx); err != nil {
		return nil, err
	}
	return vi, nil
}

func (vi *PGVectorIndex) initialize(ctx context.Context) error {
	// Enable pgvector extension
	_, err := vi.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			namespace    TEXT NOT NULL,
			chunk_id     TEXT NOT NULL,
			seq          BIGSERIAL,
			document_id  TEXT NOT NULL,
			owner_id     TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset   INTEGER NOT NULL,
			embedding    vector(%d) NOT NULL,
			PRIMARY KEY (namespace, chunk_id)
		)`, vi.config.TableName, vi.config.VectorDim)

	if _, err := vi.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createDocIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_document_idx ON %s (namespace, document_id)`,
		vi.config.TableName, vi.config.TableName)
	if _, err := vi.pool.Exec(ctx, createDocIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	var createIndex string
	switch vi.config.IndexType {
	case "hnsw":
		createIndex = fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s_embedding_idx
			ON %s
			USING hnsw (embedding vector_cosine_ops)`,
			vi.config.TableName, vi.config.TableName)
	case "ivfflat":
		createIndex = fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s_embedding_idx
			ON %s
			USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = 100)`,
			vi.config.TableName, vi.config.TableName)
	}
	if createIndex != "" {
		if _, err := vi.pool.Exec(ctx, createIndex); err != nil {
			return fmt.Errorf("failed to create vector index: %w", err)
		}
	}

	return nil
}

// Upsert writes records in one transaction. Re-upserting a chunk ID replaces
// its vector and metadata but keeps its original insertion position.
func (vi *PGVectorIndex) Upsert(ctx context.Context, namespace string, records []types.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := vi.pool.Begin(ctx)
	if err != nil {
		return wrapIndexErr("begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stmt := fmt.Sprintf(`
		INSERT INTO %s (namespace, chunk_id, document_id, owner_id, start_offset, end_offset, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (namespace, chunk_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			owner_id = EXCLUDED.owner_id,
			start_offset = EXCLUDED.start_offset,
			end_offset = EXCLUDED.end_offset,
			embedding = EXCLUDED.embedding`,
		vi.config.TableName)

	for _, r := range records {
		if len(r.Vector) != vi.config.VectorDim {
			return fmt.Errorf("%w: chunk %s has %d dimensions, index expects %d",
				types.ErrVectorIndex, r.ChunkID, len(r.Vector), vi.config.VectorDim)
		}
		_, err = tx.Exec(ctx, stmt,
			namespace,
			r.ChunkID,
			r.Metadata.DocumentID,
			r.Metadata.OwnerID,
			r.Metadata.StartOffset,
			r.Metadata.EndOffset,
			pgvector.NewVector(r.Vector),
		)
		if err != nil {
			return wrapIndexErr("upsert vector", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapIndexErr("commit transaction", err)
	}
	return nil
}

func (vi *PGVectorIndex) Query(ctx context.Context, namespace string, vector []float32, topK int, filter *types.VectorFilter) ([]types.VectorMatch, error) {
	if topK <= 0 {
		return nil, nil
	}
	if len(vector) != vi.config.VectorDim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index expects %d",
			types.ErrVectorIndex, len(vector), vi.config.VectorDim)
	}

	args := []any{namespace, pgvector.NewVector(vector), topK}
	where := "namespace = $1"
	if filter != nil && len(filter.DocumentIDs) > 0 {
		where += " AND document_id = ANY($4)"
		args = append(args, filter.DocumentIDs)
	}

	query := fmt.Sprintf(`
		SELECT chunk_id, namespace, document_id, owner_id, start_offset, end_offset,
			1 - (embedding <=> $2) AS score
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $2, seq
		LIMIT $3`,
		vi.config.TableName, where)

	rows, err := vi.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapIndexErr("query vectors", err)
	}
	defer rows.Close()

	var matches []types.VectorMatch
	for rows.Next() {
		var m types.VectorMatch
		if err := rows.Scan(
			&m.ChunkID,
			&m.Namespace,
			&m.Metadata.DocumentID,
			&m.Metadata.OwnerID,
			&m.Metadata.StartOffset,
			&m.Metadata.EndOffset,
			&m.Score,
		); err != nil {
			return nil, wrapIndexErr("scan vector row", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIndexErr("read vector rows", err)
	}
	return matches, nil
}

func (vi *PGVectorIndex) Delete(ctx context.Context, namespace string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND chunk_id = ANY($2)`, vi.config.TableName)
	if _, err := vi.pool.Exec(ctx, stmt, namespace, chunkIDs); err != nil {
		return wrapIndexErr("delete vectors", err)
	}
	return nil
}

// Count returns the entries of one document, or of the whole namespace when
// documentID is empty.
func (vi *PGVectorIndex) Count(ctx context.Context, namespace, documentID string) (int, error) {
	query := fmt.Sprintf(`
		SELECT count(*) FROM %s
		WHERE namespace = $1 AND ($2 = '' OR document_id = $2)`,
		vi.config.TableName)

	var n int
	if err := vi.pool.QueryRow(ctx, query, namespace, documentID).Scan(&n); err != nil {
		return 0, wrapIndexErr("count vectors", err)
	}
	return n, nil
}

func (vi *PGVectorIndex) Close() {
	if vi.pool != nil {
		vi.pool.Close()
	}
}

func validTable(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// sanitizeUTF8 drops invalid bytes, which PostgreSQL rejects in TEXT columns.
func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
