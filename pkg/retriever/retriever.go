// Package retriever finds the passages of a user's documents that answer a
// question.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/xhad/docrag/internal/models"
	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/metrics"
	"github.com/xhad/docrag/pkg/retry"
)

type RetrieverConfig struct {
	TopK                int
	SimilarityThreshold float64
	// CandidateMultiplier widens the index query so that thresholding and
	// merging still leave TopK passages.
	CandidateMultiplier int
	Retry               retry.Policy
	Logger              *slog.Logger
}

type Retriever struct {
	config   RetrieverConfig
	embedder types.Embedder
	index    types.VectorIndex
	chunks   types.ChunkStore
	docs     types.DocumentStore
	logger   *slog.Logger
}

// Request scopes one retrieval. Zero TopK and nil Threshold use the
// configured defaults.
type Request struct {
	Question    string
	OwnerID     string
	DocumentIDs []string
	TopK        int
	Threshold   *float64
	// ExcludeDocumentID drops matches from one document.
	ExcludeDocumentID string
}

func NewWithConfig(embedder types.Embedder, index types.VectorIndex, chunks types.ChunkStore, docs types.DocumentStore, config RetrieverConfig) *Retriever {
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.CandidateMultiplier <= 0 {
		config.CandidateMultiplier = 3
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultPolicy()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config.Retry.Logger = logger

	return &Retriever{
		config:   config,
		embedder: embedder,
		index:    index,
		chunks:   chunks,
		docs:     docs,
		logger:   logger,
	}
}

func (r *Retriever) Config() RetrieverConfig {
	return r.config
}

// Retrieve embeds the question and returns the best passages. An empty
// result is not an error.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]models.Passage, error) {
	if req.Question == "" {
		return nil, fmt.Errorf("%w: empty question", types.ErrInvalidInput)
	}
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: missing owner", types.ErrInvalidInput)
	}

	vector, err := r.embedder.EmbedQuery(ctx, req.Question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	return r.RetrieveByVector(ctx, req, vector)
}

// RetrieveByVector is Retrieve for a vector that is already known.
func (r *Retriever) RetrieveByVector(ctx context.Context, req Request, vector []float32) ([]models.Passage, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: missing owner", types.ErrInvalidInput)
	}
	topK := req.TopK
	if topK <= 0 {
		topK = r.config.TopK
	}
	threshold := r.config.SimilarityThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	namespace := types.Namespace(req.OwnerID)
	var filter *types.VectorFilter
	if len(req.DocumentIDs) > 0 {
		filter = &types.VectorFilter{DocumentIDs: req.DocumentIDs}
	}

	matches, err := retry.Do(ctx, r.config.Retry, "vector_query", func(ctx context.Context) ([]types.VectorMatch, error) {
		return r.index.Query(ctx, namespace, vector, topK*r.config.CandidateMultiplier, filter)
	})
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	var (
		kept   []types.VectorMatch
		scores = make(map[string]float64)
		ids    []string
	)
	for _, m := range matches {
		if m.Namespace != namespace || m.Metadata.OwnerID != req.OwnerID {
			r.logger.Error("vector match crossed tenant boundary",
				slog.String("owner_id", req.OwnerID),
				slog.String("match_namespace", m.Namespace),
				slog.String("match_owner", m.Metadata.OwnerID),
				slog.String("chunk_id", m.ChunkID),
			)
			return nil, fmt.Errorf("%w: chunk %s", types.ErrTenantIsolation, m.ChunkID)
		}
		if m.Score < threshold || m.Metadata.DocumentID == req.ExcludeDocumentID {
			continue
		}
		kept = append(kept, m)
		scores[m.ChunkID] = m.Score
		ids = append(ids, m.ChunkID)
	}
	if len(kept) == 0 {
		metrics.RetrievedPassages.Observe(0)
		return nil, nil
	}

	chunks, err := r.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	found := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		if c.OwnerID != req.OwnerID {
			r.logger.Error("chunk row belongs to another owner",
				slog.String("owner_id", req.OwnerID),
				slog.String("chunk_owner", c.OwnerID),
				slog.String("chunk_id", c.ID),
			)
			return nil, fmt.Errorf("%w: chunk %s", types.ErrTenantIsolation, c.ID)
		}
		found[c.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			r.logger.Warn("skipping orphaned vector", slog.String("chunk_id", id))
		}
	}

	filenames, err := r.filenames(ctx, req.OwnerID, chunks)
	if err != nil {
		return nil, err
	}

	var live []models.Chunk
	for _, c := range chunks {
		if _, ok := filenames[c.DocumentID]; ok {
			live = append(live, c)
		}
	}

	passages := Merge(live, scores)
	for i := range passages {
		passages[i].Filename = filenames[passages[i].DocumentID]
	}
	if len(passages) > topK {
		passages = passages[:topK]
	}

	metrics.RetrievedPassages.Observe(float64(len(passages)))
	return passages, nil
}

// filenames loads the owning documents of chunks. Documents that no longer
// exist are left out, which drops their chunks.
func (r *Retriever) filenames(ctx context.Context, ownerID string, chunks []models.Chunk) (map[string]string, error) {
	names := make(map[string]string)
	missing := make(map[string]bool)
	for _, c := range chunks {
		if _, ok := names[c.DocumentID]; ok || missing[c.DocumentID] {
			continue
		}
		doc, err := r.docs.GetDocument(ctx, c.DocumentID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				r.logger.Warn("skipping chunks of missing document", slog.String("document_id", c.DocumentID))
				missing[c.DocumentID] = true
				continue
			}
			return nil, fmt.Errorf("load document: %w", err)
		}
		if doc.OwnerID != ownerID {
			r.logger.Error("document belongs to another owner",
				slog.String("owner_id", ownerID),
				slog.String("document_id", doc.ID),
			)
			return nil, fmt.Errorf("%w: document %s", types.ErrTenantIsolation, doc.ID)
		}
		names[doc.ID] = doc.Filename
	}
	return names, nil
}

// Merge joins chunks of the same document whose spans overlap or touch into
// one passage, without repeating the shared text. A passage scores the best
// of its chunks. The result is sorted by score, highest first.
func Merge(chunks []models.Chunk, scores map[string]float64) []models.Passage {
	byDoc := make(map[string][]models.Chunk)
	var docOrder []string
	for _, c := range chunks {
		if _, ok := byDoc[c.DocumentID]; !ok {
			docOrder = append(docOrder, c.DocumentID)
		}
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c)
	}

	var passages []models.Passage
	for _, docID := range docOrder {
		group := byDoc[docID]
		sort.SliceStable(group, func(i, j int) bool { return group[i].StartOffset < group[j].StartOffset })

		var cur *models.Passage
		var text []rune
		for _, c := range group {
			content := []rune(c.Content)
			if cur != nil && c.StartOffset <= cur.EndOffset {
				if c.EndOffset > cur.EndOffset {
					skip := min(cur.EndOffset-c.StartOffset, len(content))
					text = append(text, content[skip:]...)
					cur.EndOffset = c.EndOffset
				}
				cur.ChunkIDs = append(cur.ChunkIDs, c.ID)
				cur.Score = max(cur.Score, scores[c.ID])
				continue
			}
			if cur != nil {
				cur.Content = string(text)
				passages = append(passages, *cur)
			}
			cur = &models.Passage{
				ChunkIDs:    []string{c.ID},
				DocumentID:  c.DocumentID,
				Score:       scores[c.ID],
				StartOffset: c.StartOffset,
				EndOffset:   c.EndOffset,
			}
			text = append([]rune(nil), content...)
		}
		if cur != nil {
			cur.Content = string(text)
			passages = append(passages, *cur)
		}
	}

	sort.SliceStable(passages, func(i, j int) bool { return passages[i].Score > passages[j].Score })
	return passages
}
