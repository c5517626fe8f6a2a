package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var providers = map[string]bool{"ollama": true, "openai": true}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	add := func(field, format string, args ...any) {
		errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Validate LLM config
	if !providers[c.LLM.Provider] {
		add("llm.provider", "unknown provider %q", c.LLM.Provider)
	}
	if c.LLM.Provider == "ollama" && c.LLM.BaseURL == "" {
		add("llm.base_url", "Ollama base URL is required")
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		add("llm.api_key", "API key is required for openai")
	}
	if c.LLM.BaseURL != "" && !validHTTPURL(c.LLM.BaseURL) {
		add("llm.base_url", "invalid base URL")
	}
	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 8192 {
		add("llm.max_tokens", "max_tokens must be between 1 and 8192")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature", "temperature must be between 0 and 2")
	}
	if c.LLM.Timeout <= 0 {
		add("llm.timeout", "timeout must be positive")
	}

	// Validate embedding config
	if !providers[c.Embedding.Provider] {
		add("embedding.provider", "unknown provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		add("embedding.api_key", "API key is required for openai")
	}
	if c.Embedding.Dimensions < 1 || c.Embedding.Dimensions > 16000 {
		add("embedding.dimensions", "dimensions must be between 1 and 16000")
	}
	if c.Embedding.BatchSize < 1 || c.Embedding.BatchSize > 2048 {
		add("embedding.batch_size", "batch_size must be between 1 and 2048")
	}
	if c.Embedding.Timeout <= 0 {
		add("embedding.timeout", "timeout must be positive")
	}

	// Validate Database config
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			add("database.url", "database URL is required for postgres")
		} else if u, err := url.Parse(c.Database.URL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			add("database.url", "invalid database URL")
		}
	default:
		add("database.driver", "driver must be memory or postgres")
	}
	if !validIdentifier(c.Database.VectorTable) {
		add("database.vector_table", "vector_table must be a plain SQL identifier")
	}
	switch c.Database.VectorIndex {
	case "hnsw", "ivfflat", "none":
	default:
		add("database.vector_index", "vector_index must be one of: hnsw, ivfflat, none")
	}

	// Validate Processor config
	if c.Processor.ChunkSize < 1 {
		add("processor.chunk_size", "chunk_size must be positive")
	}
	if c.Processor.ChunkOverlap < 0 || c.Processor.ChunkOverlap >= c.Processor.ChunkSize {
		add("processor.chunk_overlap", "chunk_overlap must be non-negative and less than chunk_size")
	}
	if c.Processor.Lookback < 0 || c.Processor.Lookback > c.Processor.ChunkSize {
		add("processor.lookback", "lookback must be between 0 and chunk_size")
	}

	if c.Extractor.MaxFileSize < 1 {
		add("extractor.max_file_size", "max_file_size must be positive")
	}

	// Validate retrieval and chat
	if c.Retriever.TopK < 1 || c.Retriever.TopK > 100 {
		add("retriever.top_k", "top_k must be between 1 and 100")
	}
	if c.Retriever.SimilarityThreshold < -1 || c.Retriever.SimilarityThreshold > 1 {
		add("retriever.similarity_threshold", "similarity_threshold must be between -1 and 1")
	}
	if c.Retriever.CandidateMultiplier < 1 || c.Retriever.CandidateMultiplier > 20 {
		add("retriever.candidate_multiplier", "candidate_multiplier must be between 1 and 20")
	}
	if c.Chat.HistoryWindow < 0 || c.Chat.HistoryWindow > 100 {
		add("chat.history_window", "history_window must be between 0 and 100")
	}
	if c.Chat.MaxContextChars < 1 {
		add("chat.max_context_chars", "max_context_chars must be positive")
	}
	if c.Search.Limit < 1 || c.Search.Limit > 50 {
		add("search.limit", "limit must be between 1 and 50")
	}
	if c.Search.MinScore < -1 || c.Search.MinScore > 1 {
		add("search.min_score", "min_score must be between -1 and 1")
	}

	// Validate retry policy
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		add("retry.max_attempts", "max_attempts must be between 1 and 10")
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		add("retry.initial_interval", "intervals must be positive and initial_interval <= max_interval")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier", "multiplier must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		add("retry.jitter", "jitter must be between 0 and 1")
	}

	if c.Ingest.Workers < 1 || c.Ingest.Workers > 64 {
		add("ingest.workers", "workers must be between 1 and 64")
	}
	if c.Ingest.QueueSize < 1 {
		add("ingest.queue_size", "queue_size must be positive")
	}

	if c.Scraper.MaxDepth < 0 || c.Scraper.MaxDepth > 10 {
		add("scraper.max_depth", "max_depth must be between 0 and 10")
	}
	if c.Scraper.MaxPages < 1 {
		add("scraper.max_pages", "max_pages must be positive")
	}
	if c.Scraper.RateLimit <= 0 {
		add("scraper.rate_limit", "rate_limit must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "level must be debug, info, warn or error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format", "format must be text or json")
	}

	return errors
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
