package embedding

import (
	"context"

	"github.com/tmc/langchaingo/embeddings"
	"golang.org/x/time/rate"
)

// RateLimitedClient waits on a token bucket before every provider request.
type RateLimitedClient struct {
	client  embeddings.EmbedderClient
	limiter *rate.Limiter
}

var _ embeddings.EmbedderClient = (*RateLimitedClient)(nil)

func NewRateLimitedClient(client embeddings.EmbedderClient, requestsPerSecond float64, burst int) *RateLimitedClient {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

func (c *RateLimitedClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.client.CreateEmbedding(ctx, texts)
}
