// Package search ranks a user's documents against a free-text query and
// finds documents similar to a given one.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xhad/docrag/internal/models"
	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/extractor"
	"github.com/xhad/docrag/pkg/retriever"
)

const (
	SnippetLength = 200
	maxLimit      = 50
	similarChunks = 3
)

type Retriever interface {
	Retrieve(ctx context.Context, req retriever.Request) ([]models.Passage, error)
	RetrieveByVector(ctx context.Context, req retriever.Request, vector []float32) ([]models.Passage, error)
}

type ServiceConfig struct {
	Limit    int
	MinScore float64
	Logger   *slog.Logger
}

type Service struct {
	config    ServiceConfig
	retriever Retriever
	docs      types.DocumentStore
	chunks    types.ChunkStore
	log       types.SearchLog
	logger    *slog.Logger
}

// Filters narrow a search. Zero values mean no restriction.
type Filters struct {
	DocumentIDs []string
	// FileCategory is one of pdf, word, text, image, html.
	FileCategory string
	CreatedFrom  time.Time
	CreatedTo    time.Time
	Limit        int
	MinScore     *float64
}

// Hit is one matching document.
type Hit struct {
	DocumentID string    `json:"document_id"`
	Filename   string    `json:"filename"`
	FileType   string    `json:"file_type"`
	Snippet    string    `json:"snippet"`
	Score      float64   `json:"score"`
	ChunkIDs   []string  `json:"chunk_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

var categories = map[string]bool{"pdf": true, "word": true, "text": true, "image": true, "html": true}

func NewService(retriever Retriever, docs types.DocumentStore, chunks types.ChunkStore, log types.SearchLog, config ServiceConfig) *Service {
	if config.Limit <= 0 {
		config.Limit = 10
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config:    config,
		retriever: retriever,
		docs:      docs,
		chunks:    chunks,
		log:       log,
		logger:    logger,
	}
}

// Search returns at most one hit per document, best first, and records the
// query in the search log.
func (s *Service) Search(ctx context.Context, ownerID, query string, f Filters) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", types.ErrInvalidInput)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: missing owner", types.ErrInvalidInput)
	}
	f.FileCategory = strings.ToLower(strings.TrimSpace(f.FileCategory))
	if f.FileCategory != "" && !categories[f.FileCategory] {
		return nil, fmt.Errorf("%w: unknown file category %q", types.ErrInvalidInput, f.FileCategory)
	}
	if !f.CreatedFrom.IsZero() && !f.CreatedTo.IsZero() && f.CreatedTo.Before(f.CreatedFrom) {
		return nil, fmt.Errorf("%w: created_to is before created_from", types.ErrInvalidInput)
	}
	limit := s.limit(f.Limit)

	docs, err := s.candidates(ctx, ownerID, f)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	if docs == nil || len(docs) > 0 {
		req := retriever.Request{
			Question:  query,
			OwnerID:   ownerID,
			TopK:      limit * 3,
			Threshold: s.minScore(f.MinScore),
		}
		for id := range docs {
			req.DocumentIDs = append(req.DocumentIDs, id)
		}
		sort.Strings(req.DocumentIDs)

		passages, err := s.retriever.Retrieve(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		hits, err = s.hits(ctx, query, passages, docs)
		if err != nil {
			return nil, err
		}
		if len(hits) > limit {
			hits = hits[:limit]
		}
	}

	if err := s.log.LogSearch(ctx, &models.SearchQuery{OwnerID: ownerID, Query: query, ResultCount: len(hits)}); err != nil {
		s.logger.Warn("failed to log search", slog.String("error", err.Error()))
	}
	s.logger.Info("search completed",
		slog.String("owner_id", ownerID),
		slog.Int("results", len(hits)),
	)
	return hits, nil
}

// Similar finds other documents of the owner that resemble documentID,
// using the stored embeddings of its first chunks.
func (s *Service) Similar(ctx context.Context, ownerID, documentID string, limit int) ([]Hit, error) {
	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if doc.OwnerID != ownerID {
		return nil, fmt.Errorf("get document %s: %w", documentID, types.ErrNotFound)
	}
	limit = s.limit(limit)

	chunks, err := s.chunks.ListChunks(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	var passages []models.Passage
	used := 0
	for _, c := range chunks {
		if used == similarChunks {
			break
		}
		if len(c.Embedding) == 0 {
			continue
		}
		used++
		found, err := s.retriever.RetrieveByVector(ctx, retriever.Request{
			OwnerID:           ownerID,
			TopK:              limit * 2,
			Threshold:         s.minScore(nil),
			ExcludeDocumentID: documentID,
		}, c.Embedding)
		if err != nil {
			return nil, fmt.Errorf("similar: %w", err)
		}
		passages = append(passages, found...)
	}

	sort.SliceStable(passages, func(i, j int) bool { return passages[i].Score > passages[j].Score })
	hits, err := s.hits(ctx, "", passages, nil)
	if err != nil {
		return nil, err
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// candidates applies the document-level filters. A nil map means every
// document of the owner is allowed.
func (s *Service) candidates(ctx context.Context, ownerID string, f Filters) (map[string]*models.Document, error) {
	if len(f.DocumentIDs) == 0 && f.FileCategory == "" && f.CreatedFrom.IsZero() && f.CreatedTo.IsZero() {
		return nil, nil
	}

	all, err := s.docs.ListDocuments(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	var wanted map[string]bool
	if len(f.DocumentIDs) > 0 {
		wanted = make(map[string]bool, len(f.DocumentIDs))
		for _, id := range f.DocumentIDs {
			wanted[id] = true
		}
	}

	out := make(map[string]*models.Document)
	for i := range all {
		d := &all[i]
		switch {
		case wanted != nil && !wanted[d.ID]:
		case f.FileCategory != "" && extractor.Category(d.FileType) != f.FileCategory:
		case !f.CreatedFrom.IsZero() && d.CreatedAt.Before(f.CreatedFrom):
		case !f.CreatedTo.IsZero() && d.CreatedAt.After(f.CreatedTo):
		default:
			out[d.ID] = d
		}
	}
	return out, nil
}

// hits collapses passages (sorted best first) to one hit per document.
func (s *Service) hits(ctx context.Context, query string, passages []models.Passage, docs map[string]*models.Document) ([]Hit, error) {
	var hits []Hit
	index := make(map[string]int)
	for _, p := range passages {
		if i, ok := index[p.DocumentID]; ok {
			hits[i].ChunkIDs = appendUnique(hits[i].ChunkIDs, p.ChunkIDs...)
			continue
		}

		doc := docs[p.DocumentID]
		if doc == nil {
			d, err := s.docs.GetDocument(ctx, p.DocumentID)
			if err != nil {
				return nil, fmt.Errorf("get document: %w", err)
			}
			doc = d
		}

		index[p.DocumentID] = len(hits)
		hits = append(hits, Hit{
			DocumentID: p.DocumentID,
			Filename:   p.Filename,
			FileType:   doc.FileType,
			Snippet:    Snippet(p.Content, query, SnippetLength),
			Score:      p.Score,
			ChunkIDs:   appendUnique(nil, p.ChunkIDs...),
			CreatedAt:  doc.CreatedAt,
		})
	}
	return hits, nil
}

func (s *Service) limit(n int) int {
	if n <= 0 {
		n = s.config.Limit
	}
	return min(n, maxLimit)
}

func (s *Service) minScore(override *float64) *float64 {
	if override != nil {
		return override
	}
	v := s.config.MinScore
	return &v
}

func appendUnique(dst []string, ids ...string) []string {
	for _, id := range ids {
		dup := false
		for _, have := range dst {
			if have == id {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, id)
		}
	}
	return dst
}

// Snippet cuts content to at most n characters plus ellipses. If query occurs
// in content the window is centred on it, otherwise it starts at the
// beginning.
func Snippet(content, query string, n int) string {
	text := []rune(strings.Join(strings.Fields(content), " "))
	if len(text) <= n {
		return string(text)
	}

	start := 0
	if query != "" {
		lower := strings.ToLower(string(text))
		if pos := strings.Index(lower, strings.ToLower(query)); pos >= 0 {
			runePos := utf8.RuneCountInString(lower[:pos])
			start = max(0, runePos-n/2)
			start = min(start, len(text)-n)
		}
	}
	end := start + n

	snippet := string(text[start:end])
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(text) {
		snippet += "..."
	}
	return snippet
}
