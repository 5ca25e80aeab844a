package embedding

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// OpenAIClient generates embeddings via the OpenAI API.
type OpenAIClient struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// OpenAIConfig holds OpenAI client configuration.
type OpenAIConfig struct {
	// APIKey authenticates against the OpenAI API. Required.
	APIKey string

	// Model is the embedding model (default: text-embedding-3-small).
	Model string

	// BaseURL overrides the API endpoint, for proxies and compatible servers.
	BaseURL string

	// Timeout is the per-request timeout (default: 10s).
	Timeout time.Duration

	// RequestsPerSecond caps the request rate; 0 means unlimited.
	RequestsPerSecond float64
}

// NewOpenAIClient creates an OpenAI embedding client.
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if config.Model == "" {
		config.Model = string(openai.SmallEmbedding3)
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   openai.EmbeddingModel(config.Model),
		timeout: config.Timeout,
		breaker: newBreaker("openai-embeddings"),
		limiter: limiter,
	}, nil
}

// Embed generates an embedding for the given text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return execute(c.breaker, func() ([]float32, error) {
		return c.embed(ctx, text)
	})
}

func (c *OpenAIClient) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai returned empty embedding vector")
	}
	return resp.Data[0].Embedding, nil
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	return string(c.model)
}

var _ Embedder = (*OpenAIClient)(nil)
