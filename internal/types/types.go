package types

import (
	"context"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/docrag/internal/models"
)

// Core interfaces

// EmbeddingClient is the remote side of the embedding model. Both
// langchaingo's ollama.LLM and openai.LLM satisfy it.
type EmbeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder turns texts into vectors in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Generator is the language model used for answers.
type Generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

type VectorMetadata struct {
	DocumentID  string `json:"document_id"`
	OwnerID     string `json:"owner_id"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

type VectorRecord struct {
	ChunkID  string
	Vector   []float32
	Metadata VectorMetadata
}

type VectorMatch struct {
	ChunkID   string
	Namespace string
	Score     float64
	Metadata  VectorMetadata
}

type VectorFilter struct {
	DocumentIDs []string
}

// VectorIndex stores embeddings per namespace and answers cosine top-K
// queries. Scores are in [-1, 1], descending, ties in insertion order.
type VectorIndex interface {
	Upsert(ctx context.Context, namespace string, records []VectorRecord) error
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter *VectorFilter) ([]VectorMatch, error)
	Delete(ctx context.Context, namespace string, chunkIDs []string) error
	Count(ctx context.Context, namespace string, documentID string) (int, error)
	Close()
}

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, ownerID string) ([]models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, textLength, chunkCount int, reason string) error
	DeleteDocument(ctx context.Context, id string) error
}

type ChunkStore interface {
	// ReplaceChunks atomically swaps all chunk rows of a document.
	ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error)
	GetChunks(ctx context.Context, ids []string) ([]models.Chunk, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.ChatSession) error
	GetSession(ctx context.Context, id string) (*models.ChatSession, error)
	ListSessions(ctx context.Context, ownerID string) ([]models.ChatSession, error)
	RenameSession(ctx context.Context, id, title string) error
	// TransitionSession moves the session to `to` only if its current state
	// is one of `from`; otherwise it returns ErrStateConflict.
	TransitionSession(ctx context.Context, id string, to models.SessionState, from ...models.SessionState) error
	// ResetStaleSessions returns sessions stuck in awaiting_response since
	// before `before` to idle.
	ResetStaleSessions(ctx context.Context, before time.Time) (int, error)
	AppendMessage(ctx context.Context, msg *models.ChatMessage) error
	// ListMessages returns the most recent `limit` messages in conversation
	// order; limit <= 0 returns all.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
	DeleteSession(ctx context.Context, id string) error
}

type SearchLog interface {
	LogSearch(ctx context.Context, q *models.SearchQuery) error
}

type Store interface {
	DocumentStore
	ChunkStore
	SessionStore
	SearchLog
	Close()
}

// Namespace is the vector index partition for one tenant.
func Namespace(ownerID string) string {
	return "user:" + ownerID
}
