package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/metrics"
	"github.com/xhad/docrag/pkg/retry"
)

type EmbedderConfig struct {
	Provider   string // ollama or openai
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	// RequestsPerSecond caps calls to the embedding service. Zero or negative
	// disables the limiter.
	RequestsPerSecond float64
	CacheSize         int
	CacheTTL          time.Duration
	Retry             retry.Policy
	Logger            *slog.Logger
}

// Embedder batches texts to the embedding service with rate limiting,
// retries and a small cache for question embeddings.
type Embedder struct {
	config  EmbedderConfig
	client  types.EmbeddingClient
	limiter *rate.Limiter
	cache   *expirable.LRU[string, []float32]
	logger  *slog.Logger
}

var _ types.Embedder = (*Embedder)(nil)

// NewEmbedderWithConfig connects to the configured provider.
func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Provider == "" {
		config.Provider = "ollama"
	}

	var (
		client types.EmbeddingClient
		err    error
	)
	switch config.Provider {
	case "ollama":
		if config.Model == "" {
			config.Model = "nomic-embed-text:latest"
		}
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434"
		}
		client, err = ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	case "openai":
		if config.Model == "" {
			config.Model = "text-embedding-3-small"
		}
		opts := []openai.Option{openai.WithEmbeddingModel(config.Model), openai.WithToken(config.APIKey)}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		client, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding client: %w", err)
	}

	return NewEmbedder(client, config), nil
}

// NewEmbedder wraps an existing client.
func NewEmbedder(client types.EmbeddingClient, config EmbedderConfig) *Embedder {
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultPolicy()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config.Retry.Logger = logger

	e := &Embedder{
		config: config,
		client: client,
		logger: logger,
	}
	if config.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}
	if config.CacheSize > 0 {
		e.cache = expirable.NewLRU[string, []float32](config.CacheSize, nil, config.CacheTTL)
	}
	return e
}

// Dimensions is the configured vector width, or 0 when not enforced.
func (e *Embedder) Dimensions() int {
	return e.config.Dimensions
}

// Embed returns one vector per text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(texts))
		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	return retry.Do(ctx, e.config.Retry, "embedding", func(ctx context.Context) ([][]float32, error) {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %w", types.ErrEmbeddingService, err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		vectors, err := e.client.CreateEmbedding(callCtx, batch)
		if err != nil {
			err = fmt.Errorf("%w: %w", types.ErrEmbeddingService, err)
			if isRetryable(ctx, err) {
				return nil, types.Transient(err)
			}
			return nil, err
		}

		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("%w: got %d vectors for %d texts", types.ErrEmbeddingService, len(vectors), len(batch))
		}
		for i, v := range vectors {
			if e.config.Dimensions > 0 && len(v) != e.config.Dimensions {
				return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d", types.ErrEmbeddingService, i, len(v), e.config.Dimensions)
			}
		}
		return vectors, nil
	})
}

// EmbedQuery embeds a single question, serving repeats from the cache.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(text); ok {
			metrics.EmbeddingCacheHits.Inc()
			return v, nil
		}
		metrics.EmbeddingCacheMisses.Inc()
	}

	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		e.cache.Add(text, vectors[0])
	}
	return vectors[0], nil
}
