package models

import "time"

type DocumentStatus string

const (
	StatusPending   DocumentStatus = "pending"
	StatusProcessed DocumentStatus = "processed"
	StatusFailed    DocumentStatus = "failed"
)

// Document is an uploaded file owned by exactly one user.
type Document struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Filename    string         `json:"filename"`
	FileType    string         `json:"file_type"`
	Size        int64          `json:"size"`
	StoragePath string         `json:"storage_path"`
	TextLength  int            `json:"text_length"`
	ChunkCount  int            `json:"chunk_count"`
	Status      DocumentStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Chunk is a span of a document's normalized text. Offsets count characters
// (runes) and are half-open: [StartOffset, EndOffset).
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	OwnerID     string    `json:"owner_id"`
	Ordinal     int       `json:"ordinal"`
	Content     string    `json:"content"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	Embedding   []float32 `json:"-"`
	IndexKey    string    `json:"index_key"`
}

// SearchQuery is an append-only log row written for every search.
type SearchQuery struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Query       string    `json:"query"`
	ResultCount int       `json:"result_count"`
	CreatedAt   time.Time `json:"created_at"`
}
