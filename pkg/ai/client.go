// Package ai defines the provider-neutral AI surface the ingestion
// pipeline depends on: chunk analysis, summaries, completions, and
// embeddings.
package ai

import (
	"context"
)

// Analysis is the per-chunk enrichment produced by the provider. The
// pipeline treats it as opaque metadata to persist alongside the chunk.
type Analysis struct {
	Sentiment      string              `json:"sentiment"`
	ContentType    string              `json:"content_type"`
	TechnicalLevel string              `json:"technical_level"`
	MainTopics     []string            `json:"main_topics"`
	KeyConcepts    []string            `json:"key_concepts"`
	Tags           []string            `json:"tags"`
	KeyEntities    map[string][]string `json:"key_entities"`
}

// CompletionOptions bound a single completion request.
type CompletionOptions struct {
	MaxTokens   int
	Temperature float64
}

// Client is implemented by AI providers.
type Client interface {
	// AnalyzeChunk classifies a chunk of text.
	AnalyzeChunk(ctx context.Context, text string) (*Analysis, error)

	// Summarize produces a short summary of the given text.
	Summarize(ctx context.Context, text string) (string, error)

	// Complete runs a free-form completion.
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error)

	// GenerateEmbedding embeds chunk text. A non-empty contextSummary is
	// folded into the embedded content so the vector reflects chunk plus
	// context.
	GenerateEmbedding(ctx context.Context, text, contextSummary string) ([]float32, error)

	// Dimension returns the embedding dimension this client produces.
	Dimension() int
}

// NoopClient is a Client that returns zero values. Used when no provider
// is configured and in tests.
type NoopClient struct {
	Dim int
}

// NewNoopClient creates a no-op client with the given dimension.
func NewNoopClient(dim int) *NoopClient {
	if dim <= 0 {
		dim = 768
	}
	return &NoopClient{Dim: dim}
}

func (c *NoopClient) AnalyzeChunk(ctx context.Context, text string) (*Analysis, error) {
	return &Analysis{}, nil
}

func (c *NoopClient) Summarize(ctx context.Context, text string) (string, error) {
	return "", nil
}

func (c *NoopClient) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	return "", nil
}

func (c *NoopClient) GenerateEmbedding(ctx context.Context, text, contextSummary string) ([]float32, error) {
	return make([]float32, c.Dim), nil
}

func (c *NoopClient) Dimension() int {
	return c.Dim
}
