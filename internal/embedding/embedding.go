package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"local-qa-bot/internal/config"
)

var (
	ErrCountMismatch     = errors.New("embedding count does not match input count")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyEmbedding    = errors.New("provider returned an empty embedding")
)

// NewEmbedder builds the embedding provider described by llmConfig. Calls are
// batched by ragConfig.EmbedBatchSize and optionally throttled.
func NewEmbedder(llmConfig *config.LLMConfig, ragConfig *config.RAGConfig) (embeddings.Embedder, error) {
	log.Debug().Interface("config", map[string]string{
		"provider": llmConfig.Provider,
		"base_url": llmConfig.BaseURL,
		"model":    llmConfig.Model,
	}).Msg("Creating embedder")

	client, err := newClient(llmConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	if ragConfig.EmbedRequestsPerSecond > 0 {
		client = NewRateLimitedClient(client, ragConfig.EmbedRequestsPerSecond, 1)
	}

	opts := []embeddings.Option{}
	if ragConfig.EmbedBatchSize > 0 {
		opts = append(opts, embeddings.WithBatchSize(ragConfig.EmbedBatchSize))
	}
	return embeddings.NewEmbedder(client, opts...)
}

func newClient(llmConfig *config.LLMConfig) (embeddings.EmbedderClient, error) {
	switch llmConfig.Provider {
	case config.ProviderOllama:
		return ollama.New(
			ollama.WithServerURL(llmConfig.BaseURL),
			ollama.WithModel(llmConfig.Model),
		)
	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
			openai.WithEmbeddingModel(llmConfig.Model),
		}
		if llmConfig.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(llmConfig.BaseURL))
		}
		return openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", llmConfig.Provider)
	}
}

// GenerateEmbeddings embeds texts in order; vectors[i] belongs to texts[i].
// Any provider failure aborts the whole call so no partial result escapes.
func GenerateEmbeddings(ctx context.Context, embedder embeddings.Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		log.Info().Msg("No chunks to embed")
		return nil, nil
	}

	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrCountMismatch, len(vectors), len(texts))
	}
	if _, err := Dimension(vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}

// EmbedQuery embeds a single question.
func EmbedQuery(ctx context.Context, embedder embeddings.Embedder, text string) ([]float32, error) {
	vector, err := embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vector) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return vector, nil
}

// Dimension returns the shared length of vectors, or an error when they
// disagree or are empty.
func Dimension(vectors [][]float32) (int, error) {
	if len(vectors) == 0 {
		return 0, nil
	}
	dim := len(vectors[0])
	if dim == 0 {
		return 0, ErrEmptyEmbedding
	}
	for i, v := range vectors {
		if len(v) != dim {
			return 0, fmt.Errorf("%w: vector %d has %d dimensions, expected %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return dim, nil
}

// Querier embeds single questions through EmbedQuery's checks.
type Querier struct {
	Embedder embeddings.Embedder
}

func (q Querier) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return EmbedQuery(ctx, q.Embedder, text)
}
