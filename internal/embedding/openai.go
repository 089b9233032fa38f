package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// ClientOptions configures an OpenAI-compatible embedding client.
// BaseURL may point at any endpoint speaking the OpenAI embeddings API
// (OpenAI itself, Ollama's compatibility endpoint, vLLM, ...).
type ClientOptions struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Client implements Embedder over any OpenAI-compatible embeddings endpoint.
type Client struct {
	embedder  embeddings.Embedder
	model     string
	dimension int
	timeout   time.Duration
	logger    *slog.Logger
}

var _ Embedder = (*Client)(nil)

// NewClient creates an embedding client from options.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("embedding base url is required")
	}
	if opts.Model == "" {
		return nil, errors.New("embedding model is required")
	}
	if opts.Dimension <= 0 {
		return nil, errors.New("embedding dimension must be positive")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	apiKey := opts.APIKey
	if apiKey == "" {
		// Local OpenAI-compatible services accept any token.
		apiKey = "none"
	}

	llm, err := openai.New(
		openai.WithBaseURL(opts.BaseURL),
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(opts.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding llm client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	return &Client{
		embedder:  embedder,
		model:     opts.Model,
		dimension: opts.Dimension,
		timeout:   opts.Timeout,
		logger:    opts.Logger.With("component", "embedding", "model", opts.Model),
	}, nil
}

// Model returns the configured embedding model name.
func (c *Client) Model() string { return c.model }

// Dimension returns the configured embedding dimension.
func (c *Client) Dimension() int { return c.dimension }

// Embed generates an embedding for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one provider call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	vectors, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(texts))
	}
	for _, vec := range vectors {
		if len(vec) != c.dimension {
			return nil, &DimensionError{Model: c.model, Got: len(vec), Want: c.dimension}
		}
	}
	return vectors, nil
}
