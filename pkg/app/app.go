// Package app builds the docrag component graph from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/chat"
	"github.com/xhad/docrag/pkg/config"
	"github.com/xhad/docrag/pkg/extractor"
	"github.com/xhad/docrag/pkg/ingest"
	"github.com/xhad/docrag/pkg/llm"
	"github.com/xhad/docrag/pkg/processor"
	"github.com/xhad/docrag/pkg/retriever"
	"github.com/xhad/docrag/pkg/retry"
	"github.com/xhad/docrag/pkg/scraper"
	"github.com/xhad/docrag/pkg/search"
	"github.com/xhad/docrag/pkg/store"
)

// Options replaces the remote models, mainly for tests and offline runs.
type Options struct {
	EmbeddingClient types.EmbeddingClient
	Generator       types.Generator
	// OnIngested is passed to the background worker.
	OnIngested func(req ingest.Request, res ingest.Result, err error)
}

type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store     types.Store
	Index     types.VectorIndex
	Embedder  *llm.Embedder
	Engine    *llm.ChatEngine
	Retriever *retriever.Retriever
	Chat      *chat.Orchestrator
	Ingest    *ingest.Pipeline
	Worker    *ingest.Worker
	Search    *search.Service
}

// New validates cfg and wires every component. The caller owns the returned
// App and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i, e := range errs {
			joined[i] = e
		}
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidInput, errors.Join(joined...))
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}
	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}

	policy := retryPolicy(cfg, logger)

	embedCfg := llm.EmbedderConfig{
		Provider:          cfg.Embedding.Provider,
		Model:             cfg.Embedding.Model,
		BaseURL:           cfg.Embedding.BaseURL,
		APIKey:            cfg.Embedding.APIKey,
		Dimensions:        cfg.Embedding.Dimensions,
		BatchSize:         cfg.Embedding.BatchSize,
		Timeout:           cfg.Embedding.Timeout,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		CacheSize:         cfg.Embedding.CacheSize,
		CacheTTL:          cfg.Embedding.CacheTTL,
		Retry:             policy,
		Logger:            logger,
	}
	var err error
	if opts.EmbeddingClient != nil {
		a.Embedder = llm.NewEmbedder(opts.EmbeddingClient, embedCfg)
	} else if a.Embedder, err = llm.NewEmbedderWithConfig(embedCfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	chatCfg := llm.ChatConfig{
		Provider:        cfg.LLM.Provider,
		Model:           cfg.LLM.Model,
		BaseURL:         cfg.LLM.BaseURL,
		APIKey:          cfg.LLM.APIKey,
		Temperature:     cfg.LLM.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
		Timeout:         cfg.LLM.Timeout,
		SystemTemplate:  cfg.Chat.SystemPrompt,
		MaxContextChars: cfg.Chat.MaxContextChars,
		Retry:           policy,
		Logger:          logger,
	}
	if opts.Generator != nil {
		a.Engine, err = llm.New(opts.Generator, chatCfg)
	} else {
		a.Engine, err = llm.NewWithConfig(chatCfg)
	}
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
	}

	a.Retriever = retriever.NewWithConfig(a.Embedder, a.Index, a.Store, a.Store, retriever.RetrieverConfig{
		TopK:                cfg.Retriever.TopK,
		SimilarityThreshold: cfg.Retriever.SimilarityThreshold,
		CandidateMultiplier: cfg.Retriever.CandidateMultiplier,
		Retry:               policy,
		Logger:              logger,
	})

	a.Chat = chat.NewWithConfig(a.Store, a.Store, a.Retriever, a.Engine, chat.OrchestratorConfig{
		HistoryWindow:        cfg.Chat.HistoryWindow,
		NoContextAnswer:      cfg.Chat.NoContextAnswer,
		AnswerWithoutContext: cfg.Chat.AnswerWithoutContext,
		Logger:               logger,
	})

	ex := extractor.NewWithConfig(extractor.ExtractorConfig{
		MaxFileSize: cfg.Extractor.MaxFileSize,
		OCRCommand:  cfg.Extractor.OCRCommand,
		OCRLanguage: cfg.Extractor.OCRLanguage,
		OCRTimeout:  cfg.Extractor.OCRTimeout,
		Logger:      logger,
	})
	proc := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    cfg.Processor.ChunkSize,
		ChunkOverlap: cfg.Processor.ChunkOverlap,
		Lookback:     cfg.Processor.Lookback,
	})
	a.Ingest = ingest.NewPipeline(ex, &proc, a.Embedder, a.Index, a.Store, a.Store, ingest.PipelineConfig{
		Retry:  policy,
		Logger: logger,
	})
	a.Worker = ingest.NewWorker(a.Ingest, ingest.WorkerConfig{
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
		OnDone:    opts.OnIngested,
		Logger:    logger,
	})

	a.Search = search.NewService(a.Retriever, a.Store, a.Store, a.Store, search.ServiceConfig{
		Limit:    cfg.Search.Limit,
		MinScore: cfg.Search.MinScore,
		Logger:   logger,
	})

	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Database.Driver {
	case "memory":
		a.Store = store.NewMemoryStore()
		a.Index = store.NewMemoryIndex(cfg.Embedding.Dimensions)
		a.Logger.Warn("using in-memory storage; data is lost on exit")
		return nil
	case "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	if cfg.Database.Migrate {
		if err := store.Migrate(cfg.Database.URL, a.Logger); err != nil {
			return err
		}
	}
	pool, err := store.Connect(ctx, cfg.Database.URL, a.Logger)
	if err != nil {
		return err
	}
	index, err := store.NewPGVectorIndex(ctx, pool, store.VectorIndexConfig{
		TableName: cfg.Database.VectorTable,
		VectorDim: cfg.Embedding.Dimensions,
		IndexType: cfg.Database.VectorIndex,
		Logger:    a.Logger,
	})
	if err != nil {
		pool.Close()
		return fmt.Errorf("failed to initialize vector index: %w", err)
	}

	a.Store = store.NewPostgresStore(pool)
	a.Index = index
	return nil
}

func retryPolicy(cfg *config.Config, logger *slog.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
		Jitter:          cfg.Retry.Jitter,
		Logger:          logger,
	}
}

// NewScraper returns a crawler for startURL configured from the scraper
// section. Each fetched page is reported to onProgress, which may be nil.
func (a *App) NewScraper(startURL string, onProgress func(scraper.Page)) (*scraper.Scraper, error) {
	cfg := a.Config.Scraper
	return scraper.NewWithConfig(scraper.ScraperConfig{
		BaseURL:        startURL,
		MaxDepth:       cfg.MaxDepth,
		MaxPages:       cfg.MaxPages,
		RateLimit:      cfg.RateLimit,
		IgnorePatterns: cfg.IgnorePatterns,
		MaxBodySize:    a.Config.Extractor.MaxFileSize,
		UserAgent:      cfg.UserAgent,
		Timeout:        cfg.Timeout,
		OnProgress:     onProgress,
		Logger:         a.Logger,
	})
}

// Start launches background work: stale session recovery and the
// ingestion workers.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.Chat.RecoverStale(ctx); err != nil {
		return err
	}
	a.Worker.Start(ctx)
	return nil
}

// Close stops the workers and releases storage. The store and the index may
// share one pool; closing it twice is a no-op.
func (a *App) Close() {
	if a.Worker != nil {
		if err := a.Worker.Stop(); err != nil {
			a.Logger.Warn("ingestion worker stopped with error", slog.String("error", err.Error()))
		}
	}
	if a.Index != nil {
		a.Index.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
