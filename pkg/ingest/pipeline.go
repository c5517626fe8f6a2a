// Package ingest drives the write path: extract, chunk, embed and index one
// document, keeping the vector index and the chunk rows in step.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/xhad/docrag/internal/models"
	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/extractor"
	"github.com/xhad/docrag/pkg/metrics"
	"github.com/xhad/docrag/pkg/processor"
	"github.com/xhad/docrag/pkg/retry"
)

type Extractor interface {
	Extract(ctx context.Context, data []byte, declaredType, filename string) (extractor.Result, error)
}

type Splitter interface {
	Split(documentID, ownerID, text string) []models.Chunk
}

type PipelineConfig struct {
	// UpsertBatchSize bounds the records sent to the index per call.
	UpsertBatchSize int
	Retry           retry.Policy
	Logger          *slog.Logger
}

type Pipeline struct {
	config    PipelineConfig
	extractor Extractor
	splitter  Splitter
	embedder  types.Embedder
	index     types.VectorIndex
	docs      types.DocumentStore
	chunks    types.ChunkStore
	logger    *slog.Logger
}

// Upload describes a stored file before its text is read.
type Upload struct {
	OwnerID     string
	Filename    string
	FileType    string
	Size        int64
	StoragePath string
}

// Request asks for one document to be (re)processed from its bytes.
type Request struct {
	DocumentID   string
	OwnerID      string
	Data         []byte
	DeclaredType string
}

type Result struct {
	Status     models.DocumentStatus
	ChunkCount int
	TextLength int
	// OCRUnavailable is set when an image was stored without text.
	OCRUnavailable bool
}

func NewPipeline(ex Extractor, splitter Splitter, embedder types.Embedder, index types.VectorIndex, docs types.DocumentStore, chunks types.ChunkStore, config PipelineConfig) *Pipeline {
	if config.UpsertBatchSize <= 0 {
		config.UpsertBatchSize = 500
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultPolicy()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config.Retry.Logger = logger

	return &Pipeline{
		config:    config,
		extractor: ex,
		splitter:  splitter,
		embedder:  embedder,
		index:     index,
		docs:      docs,
		chunks:    chunks,
		logger:    logger,
	}
}

var _ Splitter = (*processor.Processor)(nil)

// Accept records a new upload as a pending document. Unsupported types are
// rejected before anything is stored.
func (p *Pipeline) Accept(ctx context.Context, up Upload) (*models.Document, error) {
	if up.OwnerID == "" {
		return nil, fmt.Errorf("%w: missing owner", types.ErrInvalidInput)
	}
	if strings.TrimSpace(up.Filename) == "" {
		return nil, fmt.Errorf("%w: missing filename", types.ErrInvalidInput)
	}
	kind, err := extractor.ResolveKind(up.FileType, up.Filename)
	if err != nil {
		return nil, err
	}

	fileType := extractor.MIMEType[kind]
	if mt, _, err := mime.ParseMediaType(up.FileType); err == nil {
		if k, _ := extractor.ResolveKind(mt, ""); k == kind {
			fileType = mt
		}
	}

	doc := &models.Document{
		OwnerID:     up.OwnerID,
		Filename:    up.Filename,
		FileType:    fileType,
		Size:        up.Size,
		StoragePath: up.StoragePath,
		Status:      models.StatusPending,
	}
	if err := p.docs.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	p.logger.Info("document accepted",
		slog.String("document_id", doc.ID),
		slog.String("owner_id", doc.OwnerID),
		slog.String("filename", doc.Filename),
		slog.String("file_type", doc.FileType),
	)
	return doc, nil
}

// Ingest extracts, chunks, embeds and indexes a document. Running it again
// for the same document replaces the earlier chunks and vectors. On failure
// the document is marked failed with no chunks and no vectors left behind.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	doc, err := p.document(ctx, req.DocumentID, req.OwnerID)
	if err != nil {
		return Result{}, err
	}
	declared := req.DeclaredType
	if declared == "" {
		declared = doc.FileType
	}

	logger := p.logger.With(slog.String("document_id", doc.ID), slog.String("owner_id", doc.OwnerID))
	logger.Info("ingesting document", slog.String("filename", doc.Filename), slog.Int("bytes", len(req.Data)))

	previous, err := p.chunks.ListChunks(ctx, doc.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list chunks: %w", err)
	}

	res, written, err := p.run(ctx, doc, declared, req.Data, previous, logger)
	if err != nil {
		p.fail(ctx, doc, err, append(chunkIDs(previous), written...), logger)
		metrics.DocumentsIngested.WithLabelValues(string(models.StatusFailed)).Inc()
		return Result{Status: models.StatusFailed}, err
	}

	if err := p.docs.UpdateDocumentStatus(ctx, doc.ID, models.StatusProcessed, res.TextLength, res.ChunkCount, ""); err != nil {
		return Result{}, fmt.Errorf("mark processed: %w", err)
	}
	res.Status = models.StatusProcessed

	metrics.DocumentsIngested.WithLabelValues(string(models.StatusProcessed)).Inc()
	metrics.ChunksIndexed.Add(float64(res.ChunkCount))
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	logger.Info("document processed",
		slog.Int("chunks", res.ChunkCount),
		slog.Int("text_length", res.TextLength),
		slog.Duration("took", time.Since(start)),
	)
	return res, nil
}

// run returns the IDs of the chunks it tried to index so that a failed run
// can be rolled back.
func (p *Pipeline) run(ctx context.Context, doc *models.Document, declared string, data []byte, previous []models.Chunk, logger *slog.Logger) (Result, []string, error) {
	extracted, err := p.extractor.Extract(ctx, data, declared, doc.Filename)
	if err != nil {
		return Result{}, nil, err
	}

	res := Result{
		TextLength:     len([]rune(extracted.Text)),
		OCRUnavailable: extracted.OCRUnavailable,
	}
	chunks := p.splitter.Split(doc.ID, doc.OwnerID, extracted.Text)
	if len(chunks) == 0 {
		logger.Warn("document has no text", slog.Bool("ocr_unavailable", extracted.OCRUnavailable))
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return Result{}, nil, fmt.Errorf("embed chunks: %w", err)
		}
		for i := range chunks {
			chunks[i].Embedding = vectors[i]
		}
	}

	namespace := types.Namespace(doc.OwnerID)
	written := chunkIDs(chunks)
	if stale := staleIDs(previous, chunks); len(stale) > 0 {
		if err := p.deleteVectors(ctx, namespace, stale); err != nil {
			return Result{}, written, err
		}
	}
	if err := p.upsert(ctx, namespace, chunks); err != nil {
		return Result{}, written, err
	}
	if err := p.chunks.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return Result{}, written, fmt.Errorf("replace chunks: %w", err)
	}

	res.ChunkCount = len(chunks)
	return res, written, nil
}

func (p *Pipeline) upsert(ctx context.Context, namespace string, chunks []models.Chunk) error {
	for start := 0; start < len(chunks); start += p.config.UpsertBatchSize {
		end := min(start+p.config.UpsertBatchSize, len(chunks))
		records := make([]types.VectorRecord, 0, end-start)
		for _, c := range chunks[start:end] {
			records = append(records, types.VectorRecord{
				ChunkID: c.ID,
				Vector:  c.Embedding,
				Metadata: types.VectorMetadata{
					DocumentID:  c.DocumentID,
					OwnerID:     c.OwnerID,
					StartOffset: c.StartOffset,
					EndOffset:   c.EndOffset,
				},
			})
		}
		err := retry.Run(ctx, p.config.Retry, "vector_upsert", func(ctx context.Context) error {
			return p.index.Upsert(ctx, namespace, records)
		})
		if err != nil {
			return fmt.Errorf("upsert vectors: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) deleteVectors(ctx context.Context, namespace string, ids []string) error {
	err := retry.Run(ctx, p.config.Retry, "vector_delete", func(ctx context.Context) error {
		return p.index.Delete(ctx, namespace, ids)
	})
	if err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	return nil
}

// fail removes whatever this run may have written and marks the document
// failed. Cleanup errors are logged; the original error is what the caller
// sees.
func (p *Pipeline) fail(ctx context.Context, doc *models.Document, cause error, ids []string, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	logger.Error("document ingestion failed", slog.String("error", cause.Error()))

	if len(ids) > 0 {
		if err := p.deleteVectors(ctx, types.Namespace(doc.OwnerID), ids); err != nil {
			logger.Error("rollback: delete vectors", slog.String("error", err.Error()))
		}
	}
	if err := p.chunks.ReplaceChunks(ctx, doc.ID, nil); err != nil {
		logger.Error("rollback: clear chunks", slog.String("error", err.Error()))
	}
	if err := p.docs.UpdateDocumentStatus(ctx, doc.ID, models.StatusFailed, 0, 0, failureReason(cause)); err != nil {
		logger.Error("rollback: mark failed", slog.String("error", err.Error()))
	}
}

// Delete removes a document's vectors, then its chunk rows and the
// document itself. Rows are kept if the vectors could not be removed.
func (p *Pipeline) Delete(ctx context.Context, documentID, ownerID string) error {
	doc, err := p.document(ctx, documentID, ownerID)
	if err != nil {
		return err
	}

	rows, err := p.chunks.ListChunks(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	ids := chunkIDs(rows)
	if len(ids) > 0 {
		if err := p.deleteVectors(ctx, types.Namespace(doc.OwnerID), ids); err != nil {
			return err
		}
	}
	if err := p.docs.DeleteDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	p.logger.Info("document deleted",
		slog.String("document_id", doc.ID),
		slog.String("owner_id", doc.OwnerID),
		slog.Int("chunks", len(ids)),
	)
	return nil
}

// document loads a document ownerID may touch. Other owners' documents look
// missing.
func (p *Pipeline) document(ctx context.Context, documentID, ownerID string) (*models.Document, error) {
	if documentID == "" || ownerID == "" {
		return nil, fmt.Errorf("%w: document and owner are required", types.ErrInvalidInput)
	}
	doc, err := p.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if doc.OwnerID != ownerID {
		return nil, fmt.Errorf("get document %s: %w", documentID, types.ErrNotFound)
	}
	return doc, nil
}

func chunkIDs(chunks []models.Chunk) []string {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.ID)
	}
	return ids
}

// staleIDs are chunk IDs of the previous version that the new one no longer
// uses.
func staleIDs(previous, current []models.Chunk) []string {
	keep := make(map[string]bool, len(current))
	for _, c := range current {
		keep[c.ID] = true
	}
	var stale []string
	for _, c := range previous {
		if !keep[c.ID] {
			stale = append(stale, c.ID)
		}
	}
	return stale
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, types.ErrUnsupportedType):
		return "unsupported file type"
	case errors.Is(err, types.ErrExtractionFailed):
		return "text extraction failed: " + err.Error()
	case errors.Is(err, types.ErrEmbeddingService):
		return "embedding service unavailable"
	case errors.Is(err, types.ErrVectorIndex):
		return "vector index unavailable"
	}
	return err.Error()
}
