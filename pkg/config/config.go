package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM struct {
		Provider    string        `yaml:"provider"`
		BaseURL     string        `yaml:"base_url"`
		APIKey      string        `yaml:"api_key"`
		Model       string        `yaml:"model"`
		MaxTokens   int           `yaml:"max_tokens"`
		Temperature float64       `yaml:"temperature"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"llm"`

	Embedding struct {
		Provider          string        `yaml:"provider"`
		BaseURL           string        `yaml:"base_url"`
		APIKey            string        `yaml:"api_key"`
		Model             string        `yaml:"model"`
		Dimensions        int           `yaml:"dimensions"`
		BatchSize         int           `yaml:"batch_size"`
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"` // negative disables the limiter
		CacheSize         int           `yaml:"cache_size"`
		CacheTTL          time.Duration `yaml:"cache_ttl"`
	} `yaml:"embedding"`

	Database struct {
		Driver      string `yaml:"driver"`
		URL         string `yaml:"url"`
		VectorTable string `yaml:"vector_table"`
		VectorIndex string `yaml:"vector_index"` // hnsw, ivfflat or none
		Migrate     bool   `yaml:"migrate"`
	} `yaml:"database"`

	Processor struct {
		ChunkSize    int `yaml:"chunk_size"`
		ChunkOverlap int `yaml:"chunk_overlap"`
		Lookback     int `yaml:"lookback"`
	} `yaml:"processor"`

	Extractor struct {
		MaxFileSize int64         `yaml:"max_file_size"`
		OCRCommand  string        `yaml:"ocr_command"`
		OCRLanguage string        `yaml:"ocr_language"`
		OCRTimeout  time.Duration `yaml:"ocr_timeout"`
	} `yaml:"extractor"`

	Retriever struct {
		TopK                int     `yaml:"top_k"`
		SimilarityThreshold float64 `yaml:"similarity_threshold"`
		CandidateMultiplier int     `yaml:"candidate_multiplier"`
	} `yaml:"retriever"`

	Chat struct {
		HistoryWindow        int    `yaml:"history_window"`
		MaxContextChars      int    `yaml:"max_context_chars"`
		SystemPrompt         string `yaml:"system_prompt"`
		NoContextAnswer      string `yaml:"no_context_answer"`
		AnswerWithoutContext bool   `yaml:"answer_without_context"`
	} `yaml:"chat"`

	Search struct {
		Limit    int     `yaml:"limit"`
		MinScore float64 `yaml:"min_score"`
	} `yaml:"search"`

	Retry struct {
		MaxAttempts     int           `yaml:"max_attempts"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
		Multiplier      float64       `yaml:"multiplier"`
		Jitter          float64       `yaml:"jitter"`
	} `yaml:"retry"`

	Ingest struct {
		Workers   int `yaml:"workers"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"ingest"`

	Scraper struct {
		MaxDepth       int           `yaml:"max_depth"`
		MaxPages       int           `yaml:"max_pages"`
		RateLimit      float64       `yaml:"rate_limit"`
		Timeout        time.Duration `yaml:"timeout"`
		UserAgent      string        `yaml:"user_agent"`
		IgnorePatterns []string      `yaml:"ignore_patterns"`
	} `yaml:"scraper"`

	Server struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/docrag/config.yaml"),
			"/etc/docrag/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	applyDefaults(config)
	mergeWithEnv(config)
	return config, nil
}

// Default returns a fully defaulted config without touching the filesystem
// or the environment.
func Default() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = "ollama"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 1000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == "ollama" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = 60 * time.Second
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = config.LLM.Provider
	}
	if config.Embedding.Model == "" {
		if config.Embedding.Provider == "openai" {
			config.Embedding.Model = "text-embedding-3-small"
		} else {
			config.Embedding.Model = "nomic-embed-text:latest"
		}
	}
	if config.Embedding.BaseURL == "" && config.Embedding.Provider == config.LLM.Provider {
		config.Embedding.BaseURL = config.LLM.BaseURL
	}
	if config.Embedding.APIKey == "" && config.Embedding.Provider == config.LLM.Provider {
		config.Embedding.APIKey = config.LLM.APIKey
	}
	if config.Embedding.Dimensions == 0 {
		if config.Embedding.Provider == "openai" {
			config.Embedding.Dimensions = 1536
		} else {
			config.Embedding.Dimensions = 768
		}
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 64
	}
	if config.Embedding.Timeout == 0 {
		config.Embedding.Timeout = 30 * time.Second
	}
	if config.Embedding.RequestsPerSecond == 0 {
		config.Embedding.RequestsPerSecond = 5
	}
	if config.Embedding.CacheSize == 0 {
		config.Embedding.CacheSize = 512
	}
	if config.Embedding.CacheTTL == 0 {
		config.Embedding.CacheTTL = 10 * time.Minute
	}

	if config.Database.Driver == "" {
		if config.Database.URL != "" {
			config.Database.Driver = "postgres"
		} else {
			config.Database.Driver = "memory"
		}
	}
	if config.Database.VectorTable == "" {
		config.Database.VectorTable = "chunk_vectors"
	}
	if config.Database.VectorIndex == "" {
		config.Database.VectorIndex = "hnsw"
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 1000
	}
	if config.Processor.ChunkOverlap == 0 {
		config.Processor.ChunkOverlap = 200
	}
	if config.Processor.Lookback == 0 {
		config.Processor.Lookback = 200
	}

	if config.Extractor.MaxFileSize == 0 {
		config.Extractor.MaxFileSize = 100 << 20
	}
	if config.Extractor.OCRCommand == "" {
		config.Extractor.OCRCommand = "tesseract"
	}
	if config.Extractor.OCRLanguage == "" {
		config.Extractor.OCRLanguage = "eng"
	}
	if config.Extractor.OCRTimeout == 0 {
		config.Extractor.OCRTimeout = 2 * time.Minute
	}

	if config.Retriever.TopK == 0 {
		config.Retriever.TopK = 5
	}
	if config.Retriever.SimilarityThreshold == 0 {
		config.Retriever.SimilarityThreshold = 0.7
	}
	if config.Retriever.CandidateMultiplier == 0 {
		config.Retriever.CandidateMultiplier = 3
	}

	if config.Chat.HistoryWindow == 0 {
		config.Chat.HistoryWindow = 10
	}
	if config.Chat.MaxContextChars == 0 {
		config.Chat.MaxContextChars = 12000
	}

	if config.Search.Limit == 0 {
		config.Search.Limit = 10
	}

	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = 4
	}
	if config.Retry.InitialInterval == 0 {
		config.Retry.InitialInterval = 250 * time.Millisecond
	}
	if config.Retry.MaxInterval == 0 {
		config.Retry.MaxInterval = 5 * time.Second
	}
	if config.Retry.Multiplier == 0 {
		config.Retry.Multiplier = 2
	}
	if config.Retry.Jitter == 0 {
		config.Retry.Jitter = 0.5
	}

	if config.Ingest.Workers == 0 {
		config.Ingest.Workers = 4
	}
	if config.Ingest.QueueSize == 0 {
		config.Ingest.QueueSize = 64
	}

	if config.Scraper.MaxDepth == 0 {
		config.Scraper.MaxDepth = 3
	}
	if config.Scraper.MaxPages == 0 {
		config.Scraper.MaxPages = 200
	}
	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2
	}
	if config.Scraper.Timeout == 0 {
		config.Scraper.Timeout = 30 * time.Second
	}
	if config.Scraper.UserAgent == "" {
		config.Scraper.UserAgent = "docrag/1.0"
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
		if config.Embedding.Provider == "" || config.Embedding.Provider == "ollama" {
			config.Embedding.BaseURL = baseURL
		}
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		if config.LLM.APIKey == "" {
			config.LLM.APIKey = apiKey
		}
		if config.Embedding.APIKey == "" {
			config.Embedding.APIKey = apiKey
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if level := os.Getenv("DOCRAG_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Addr = ":" + port
	}
}
