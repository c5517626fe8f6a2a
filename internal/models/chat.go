package models

import "time"

type SessionState string

const (
	SessionCreated          SessionState = "created"
	SessionAwaitingResponse SessionState = "awaiting_response"
	SessionIdle             SessionState = "idle"
	SessionClosed           SessionState = "closed"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatSession is addressed by ID; its State is the persisted position in the
// created -> awaiting_response -> idle -> closed lifecycle.
type ChatSession struct {
	ID         string       `json:"id"`
	OwnerID    string       `json:"owner_id"`
	DocumentID string       `json:"document_id"`
	Title      string       `json:"title"`
	State      SessionState `json:"state"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// ChatMessage is immutable once stored. Seq is assigned by the store and is
// the authoritative conversation order.
type ChatMessage struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Seq           int       `json:"seq"`
	CitedChunkIDs []string  `json:"cited_chunk_ids,omitempty"`
	Sources       []Source  `json:"sources,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Source attributes a retrieved passage to its document.
type Source struct {
	DocumentID string   `json:"document_id"`
	Filename   string   `json:"filename"`
	ChunkIDs   []string `json:"chunk_ids"`
	Score      float64  `json:"score"`
}
