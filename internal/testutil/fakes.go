// Package testutil holds in-process fakes for the embedding service and the
// language model.
package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/tmc/langchaingo/llms"
)

// FakeEmbeddingClient embeds text as a normalized hashed bag of words, so
// texts sharing words are similar. Vectors overrides the result for exact
// texts.
type FakeEmbeddingClient struct {
	Dim     int
	Vectors map[string][]float32
	// Err is returned by every call while FailTimes > 0, or always when
	// FailTimes is 0.
	Err       error
	FailTimes int

	mu     sync.Mutex
	calls  int
	inputs [][]string
}

func NewFakeEmbeddingClient(dim int) *FakeEmbeddingClient {
	return &FakeEmbeddingClient{Dim: dim, Vectors: map[string][]float32{}}
}

func (f *FakeEmbeddingClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.inputs = append(f.inputs, append([]string(nil), texts...))
	fail := f.Err != nil && (f.FailTimes == 0 || f.calls <= f.FailTimes)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail {
		return nil, f.Err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.Vectors[text]; ok {
			out[i] = append([]float32(nil), v...)
			continue
		}
		out[i] = HashVector(text, f.Dim)
	}
	return out, nil
}

func (f *FakeEmbeddingClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Inputs returns the batches passed to CreateEmbedding in call order.
func (f *FakeEmbeddingClient) Inputs() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.inputs...)
}

// HashVector is the deterministic embedding used by FakeEmbeddingClient.
func HashVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		v[0] = 1
		return v
	}
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(dim)]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// FakeGenerator is a scripted language model. Responses are returned in
// order and the last one repeats.
type FakeGenerator struct {
	Responses []string
	Err       error
	// Block, when set, holds every call until it is closed or ctx is done.
	Block chan struct{}
	// Started receives once per call after the prompt is recorded.
	Started chan struct{}

	mu      sync.Mutex
	prompts [][]llms.MessageContent
}

func (f *FakeGenerator) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	n := len(f.prompts)
	f.prompts = append(f.prompts, messages)
	f.mu.Unlock()

	if f.Started != nil {
		f.Started <- struct{}{}
	}
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}

	text := "ok"
	if len(f.Responses) > 0 {
		text = f.Responses[min(n, len(f.Responses)-1)]
	}

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	if opts.StreamingFunc != nil {
		for _, part := range strings.SplitAfter(text, " ") {
			if err := opts.StreamingFunc(ctx, []byte(part)); err != nil {
				return nil, err
			}
		}
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text}},
	}, nil
}

// Prompts returns every message list the generator received.
func (f *FakeGenerator) Prompts() [][]llms.MessageContent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]llms.MessageContent(nil), f.prompts...)
}

// PromptText flattens a message list to its text parts.
func PromptText(messages []llms.MessageContent) string {
	var sb strings.Builder
	for _, m := range messages {
		for _, p := range m.Parts {
			if t, ok := p.(llms.TextContent); ok {
				sb.WriteString(t.Text)
				sb.WriteByte('\n')
			}
		}
	}
	return sb.String()
}
