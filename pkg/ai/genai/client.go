// Package genai provides a Google Generative AI implementation of the
// ai.Client interface.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/ragworks/ingest/pkg/ai"
	"github.com/ragworks/ingest/pkg/apperror"
)

const (
	// DefaultEmbeddingModel is the default embedding model
	DefaultEmbeddingModel = "text-embedding-004"

	// DefaultCompletionModel is the default model for analysis and summaries
	DefaultCompletionModel = "gemini-2.0-flash"

	// DefaultDimension is the embedding dimension for text-embedding-004
	DefaultDimension = 768

	// DefaultMaxRetries is the default number of retries
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the base delay for exponential backoff
	DefaultBaseDelay = 100 * time.Millisecond

	// DefaultMaxDelay is the maximum delay for exponential backoff
	DefaultMaxDelay = 10 * time.Second

	// DefaultRequestsPerSecond paces outbound provider calls
	DefaultRequestsPerSecond = 10
)

// Config holds the configuration for the Generative AI client
type Config struct {
	APIKey          string
	EmbeddingModel  string
	CompletionModel string
	Dimension       int
}

// Client is a Google Generative AI client implementing ai.Client
type Client struct {
	client          *genai.Client
	embeddingModel  string
	completionModel string
	dimension       int
	log             *slog.Logger
	limiter         *rate.Limiter

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ ai.Client = (*Client)(nil)

// ClientOption configures the Client
type ClientOption func(*Client)

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBaseDelay sets the base delay for exponential backoff
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithMaxDelay sets the maximum delay for exponential backoff
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithRequestsPerSecond sets the outbound request pacing
func WithRequestsPerSecond(rps float64) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient creates a new Google Generative AI client
func NewClient(ctx context.Context, cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.CompletionModel == "" {
		cfg.CompletionModel = DefaultCompletionModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	c := &Client{
		client:          client,
		embeddingModel:  cfg.EmbeddingModel,
		completionModel: cfg.CompletionModel,
		dimension:       cfg.Dimension,
		log:             slog.Default(),
		limiter:         rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), 1),
		maxRetries:      DefaultMaxRetries,
		baseDelay:       DefaultBaseDelay,
		maxDelay:        DefaultMaxDelay,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Dimension returns the embedding dimension this client produces.
func (c *Client) Dimension() int {
	return c.dimension
}

// GenerateEmbedding embeds chunk text, folding a contextual summary into
// the embedded content when one is present.
func (c *Client) GenerateEmbedding(ctx context.Context, text, contextSummary string) ([]float32, error) {
	content := text
	if contextSummary != "" {
		content = contextSummary + "\n\n" + text
	}

	var vector []float32
	err := c.withRetry(ctx, "embed", func() error {
		result, err := c.client.Models.EmbedContent(
			ctx,
			c.embeddingModel,
			genai.Text(content),
			&genai.EmbedContentConfig{
				TaskType: "RETRIEVAL_DOCUMENT",
			},
		)
		if err != nil {
			return classify(err)
		}
		if len(result.Embeddings) == 0 {
			return apperror.ErrProviderPermanent.WithMessage("no embedding returned")
		}
		vector = result.Embeddings[0].Values
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// analysisSchema instructs the model to answer with this exact shape.
const analysisPrompt = `Analyze the following text chunk and respond with a single JSON object:
{
  "sentiment": "positive|neutral|negative",
  "content_type": "short label for the kind of content",
  "technical_level": "beginner|intermediate|advanced",
  "main_topics": ["up to 5 topics"],
  "key_concepts": ["up to 5 concepts"],
  "tags": ["up to 8 short tags"],
  "key_entities": {"people": [], "organizations": [], "locations": []}
}

Text:
`

// AnalyzeChunk classifies a chunk of text.
func (c *Client) AnalyzeChunk(ctx context.Context, text string) (*ai.Analysis, error) {
	raw, err := c.generate(ctx, analysisPrompt+text, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(float32(0.1)),
	})
	if err != nil {
		return nil, err
	}

	var analysis ai.Analysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &analysis); err != nil {
		return nil, apperror.ErrProviderPermanent.WithMessage("malformed analysis response").WithInternal(err)
	}
	return &analysis, nil
}

// Summarize produces a short summary of the given text.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	prompt := "Summarize the following text in 2-3 sentences:\n\n" + text
	return c.generate(ctx, prompt, &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(0.3)),
		MaxOutputTokens: 200,
	})
}

// Complete runs a free-form completion.
func (c *Client) Complete(ctx context.Context, prompt string, opts ai.CompletionOptions) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(opts.Temperature))
	}
	return c.generate(ctx, prompt, cfg)
}

func (c *Client) generate(ctx context.Context, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	var text string
	err := c.withRetry(ctx, "generate", func() error {
		result, err := c.client.Models.GenerateContent(ctx, c.completionModel, genai.Text(prompt), cfg)
		if err != nil {
			return classify(err)
		}
		text = result.Text()
		if text == "" {
			return apperror.ErrProviderPermanent.WithMessage("empty completion response")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// withRetry runs fn with rate limiting and exponential backoff on
// retryable failures.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)
			c.log.Debug("retrying provider request",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !apperror.Retryable(err) {
			return err
		}

		lastErr = err
		c.log.Warn("provider request failed",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	return fmt.Errorf("all retries exhausted: %w", lastErr)
}

// calculateBackoff calculates the backoff delay for a given attempt
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	return time.Duration(delay)
}

// classify maps provider errors onto the application error taxonomy.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if e := apperror.FromStatusCode(apiErr.Code); e != nil {
			return e.WithInternal(err)
		}
	}
	if apperror.Retryable(err) {
		return apperror.ErrProviderTransient.WithInternal(err)
	}
	return fmt.Errorf("provider request failed: %w", err)
}

// Close closes the client
func (c *Client) Close() error {
	// The genai client doesn't have a Close method
	return nil
}
