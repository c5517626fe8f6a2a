package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xhad/docrag/internal/models"
	"github.com/xhad/docrag/internal/types"
)

// MemoryStore is an in-process types.Store with the same semantics as
// PostgresStore. It backs tests and the CLI when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]*models.Document
	docOrder []string
	chunks   map[string][]models.Chunk // by document
	sessions map[string]*models.ChatSession
	sessOrd  []string
	messages map[string][]models.ChatMessage
	searches []models.SearchQuery
	now      func() time.Time
}

var _ types.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]*models.Document),
		chunks:   make(map[string][]models.Chunk),
		sessions: make(map[string]*models.ChatSession),
		messages: make(map[string][]models.ChatMessage),
		now:      time.Now,
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("create document: %w: already exists", types.ErrInvalidInput)
	}
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	doc.CreatedAt = s.now()
	doc.UpdatedAt = doc.CreatedAt

	cp := *doc
	s.docs[doc.ID] = &cp
	s.docOrder = append(s.docOrder, doc.ID)
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("get document: %w", types.ErrNotFound)
	}
	cp := *doc
	return &cp, nil
}

// ListDocuments returns the owner's documents, newest first.
func (s *MemoryStore) ListDocuments(_ context.Context, ownerID string) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []models.Document
	for i := len(s.docOrder) - 1; i >= 0; i-- {
		if doc := s.docs[s.docOrder[i]]; doc.OwnerID == ownerID {
			docs = append(docs, *doc)
		}
	}
	return docs, nil
}

func (s *MemoryStore) UpdateDocumentStatus(_ context.Context, id string, status models.DocumentStatus, textLength, chunkCount int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("update document status: %w", types.ErrNotFound)
	}
	doc.Status = status
	doc.TextLength = textLength
	doc.ChunkCount = chunkCount
	doc.Error = reason
	doc.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("delete document: %w", types.ErrNotFound)
	}
	delete(s.docs, id)
	delete(s.chunks, id)
	s.docOrder = slices.DeleteFunc(s.docOrder, func(d string) bool { return d == id })
	return nil
}

func (s *MemoryStore) ReplaceChunks(_ context.Context, documentID string, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[documentID]; !ok {
		return fmt.Errorf("replace chunks: %w", types.ErrNotFound)
	}
	cp := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("replace chunks: %w: chunk %s belongs to %s", types.ErrInvalidInput, c.ID, c.DocumentID)
		}
		c.Embedding = slices.Clone(c.Embedding)
		cp[i] = c
	}
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Ordinal < cp[j].Ordinal })

	if len(cp) == 0 {
		delete(s.chunks, documentID)
	} else {
		s.chunks[documentID] = cp
	}
	return nil
}

func (s *MemoryStore) ListChunks(_ context.Context, documentID string) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.chunks[documentID]), nil
}

func (s *MemoryStore) GetChunks(_ context.Context, ids []string) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]models.Chunk)
	for _, chunks := range s.chunks {
		for _, c := range chunks {
			byID[c.ID] = c
		}
	}

	var out []models.Chunk
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, session *models.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("create session: %w: already exists", types.ErrInvalidInput)
	}
	if session.DocumentID != "" {
		if _, ok := s.docs[session.DocumentID]; !ok {
			return fmt.Errorf("create session: %w", types.ErrNotFound)
		}
	}
	if session.State == "" {
		session.State = models.SessionCreated
	}
	session.CreatedAt = s.now()
	session.UpdatedAt = session.CreatedAt

	cp := *session
	s.sessions[session.ID] = &cp
	s.sessOrd = append(s.sessOrd, session.ID)
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get session: %w", types.ErrNotFound)
	}
	cp := *cs
	return &cp, nil
}

// ListSessions returns the owner's open sessions, most recently updated first.
func (s *MemoryStore) ListSessions(_ context.Context, ownerID string) ([]models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ChatSession
	for i := len(s.sessOrd) - 1; i >= 0; i-- {
		cs := s.sessions[s.sessOrd[i]]
		if cs.OwnerID == ownerID && cs.State != models.SessionClosed {
			out = append(out, *cs)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) RenameSession(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("rename session: %w", types.ErrNotFound)
	}
	cs.Title = title
	cs.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) TransitionSession(_ context.Context, id string, to models.SessionState, from ...models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("transition session: %w", types.ErrNotFound)
	}
	if len(from) > 0 && !slices.Contains(from, cs.State) {
		return fmt.Errorf("transition session %s from %s to %s: %w", id, cs.State, to, types.ErrStateConflict)
	}
	cs.State = to
	cs.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ResetStaleSessions(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, cs := range s.sessions {
		if cs.State == models.SessionAwaitingResponse && cs.UpdatedAt.Before(before) {
			cs.State = models.SessionIdle
			cs.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[msg.SessionID]; !ok {
		return fmt.Errorf("append message: %w", types.ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msgs := s.messages[msg.SessionID]
	msg.Seq = len(msgs) + 1
	if len(msgs) > 0 {
		msg.Seq = msgs[len(msgs)-1].Seq + 1
	}
	msg.CreatedAt = s.now()

	cp := *msg
	cp.CitedChunkIDs = slices.Clone(msg.CitedChunkIDs)
	cp.Sources = slices.Clone(msg.Sources)
	s.messages[msg.SessionID] = append(msgs, cp)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("delete session: %w", types.ErrNotFound)
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	s.sessOrd = slices.DeleteFunc(s.sessOrd, func(sid string) bool { return sid == id })
	return nil
}

func (s *MemoryStore) LogSearch(_ context.Context, q *models.SearchQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	q.CreatedAt = s.now()
	s.searches = append(s.searches, *q)
	return nil
}

// Searches returns the search log in insertion order.
func (s *MemoryStore) Searches() []models.SearchQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.searches)
}
