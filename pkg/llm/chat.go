package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/xhad/docrag/internal/models"
	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/retry"
)

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Provider        string
	Model           string
	BaseURL         string
	APIKey          string
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration
	SystemTemplate  string
	ContextTemplate string
	// MaxContextChars bounds the passage text placed in one prompt.
	MaxContextChars int
	Retry           retry.Policy
	Logger          *slog.Logger
}

// StreamFunc receives answer fragments as the model produces them.
type StreamFunc func(ctx context.Context, chunk []byte) error

// ChatEngine is an engine that uses an LLM to answer questions from
// retrieved passages.
type ChatEngine struct {
	config ChatConfig
	llm    types.Generator
	logger *slog.Logger
}

const defaultSystemTemplate = `You are a helpful assistant that answers questions about the user's documents.
Answer only from the numbered passages provided. Cite the passages you use with their numbers in square brackets, for example [1] or [2][3].
If the passages do not contain the answer, say that you could not find it in the documents.`

const defaultContextTemplate = "Relevant passages:\n%s\nQuestion: %s"

// NewWithConfig creates a new ChatEngine connected to the configured provider.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Provider == "" {
		config.Provider = "ollama"
	}

	var (
		model types.Generator
		err   error
	)
	switch config.Provider {
	case "ollama":
		if config.Model == "" {
			config.Model = "mistral"
		}
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434"
		}
		model, err = ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	case "openai":
		if config.Model == "" {
			config.Model = "gpt-4o-mini"
		}
		opts := []openai.Option{openai.WithModel(config.Model), openai.WithToken(config.APIKey)}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		model, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return New(model, config)
}

// New wraps an existing model.
func New(model types.Generator, config ChatConfig) (*ChatEngine, error) {
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 1000
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = defaultSystemTemplate
	}
	if config.ContextTemplate == "" {
		config.ContextTemplate = defaultContextTemplate
	}
	if config.MaxContextChars <= 0 {
		config.MaxContextChars = 12000
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultPolicy()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config.Retry.Logger = logger

	return &ChatEngine{
		config: config,
		llm:    model,
		logger: logger,
	}, nil
}

// BuildPrompt lays out the system instructions, the prior turns and the
// numbered passages followed by the question. Passages that do not fit in
// MaxContextChars are left out; the returned count says how many were used.
func (ce *ChatEngine) BuildPrompt(question string, passages []models.Passage, history []models.ChatMessage) ([]llms.MessageContent, int) {
	var contextBuilder strings.Builder
	used := 0
	for i, p := range passages {
		entry := fmt.Sprintf("[%d] (source: %s)\n%s\n\n", i+1, p.Filename, strings.TrimSpace(p.Content))
		if used > 0 && contextBuilder.Len()+len(entry) > ce.config.MaxContextChars {
			break
		}
		contextBuilder.WriteString(entry)
		used++
	}

	content := make([]llms.MessageContent, 0, len(history)+2)
	content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, ce.config.SystemTemplate))
	for _, m := range history {
		role := llms.ChatMessageTypeHuman
		if m.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, m.Content))
	}
	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman,
		fmt.Sprintf(ce.config.ContextTemplate, contextBuilder.String(), question)))

	return content, used
}

// Generate sends messages to the model. With stream set, fragments are
// delivered as they arrive and the call is not retried, since the caller has
// already seen partial output.
func (ce *ChatEngine) Generate(ctx context.Context, messages []llms.MessageContent, stream StreamFunc) (string, error) {
	opts := []llms.CallOption{
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	}

	call := func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, ce.config.Timeout)
		defer cancel()

		callOpts := opts
		if stream != nil {
			callOpts = append(callOpts, llms.WithStreamingFunc(stream))
		}
		response, err := ce.llm.GenerateContent(callCtx, messages, callOpts...)
		if err != nil {
			err = fmt.Errorf("%w: %w", types.ErrGenerationFailed, err)
			if stream == nil && isRetryable(ctx, err) {
				return "", types.Transient(err)
			}
			return "", err
		}
		if response == nil || len(response.Choices) == 0 || response.Choices[0] == nil {
			return "", fmt.Errorf("%w: no response from LLM", types.ErrGenerationFailed)
		}
		return response.Choices[0].Content, nil
	}

	if stream != nil {
		return call(ctx)
	}
	return retry.Do(ctx, ce.config.Retry, "generation", call)
}
