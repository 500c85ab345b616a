package llmservice

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"local-qa-bot/internal/config"
	"local-qa-bot/internal/models"
)

var ErrEmptyResponse = errors.New("model returned an empty response")

var (
	thinkTag          = regexp.MustCompile(models.ThinkTag)
	sourcesMarker     = regexp.MustCompile(models.SourcesMarker)
	finalAnswerPrefix = regexp.MustCompile(models.FinalAnswerPrefix)
)

// Client wraps the generative model.
type Client struct {
	llm llms.Model
}

// NewClient builds a client for the configured inference provider.
func NewClient(llmConfig *config.LLMConfig) (*Client, error) {
	log.Debug().Interface("llmConfig", map[string]string{
		"provider": llmConfig.Provider,
		"base_url": llmConfig.BaseURL,
		"model":    llmConfig.Model,
	}).Msg("Creating inference client")

	var (
		llm llms.Model
		err error
	)
	switch llmConfig.Provider {
	case config.ProviderOllama:
		llm, err = ollama.New(
			ollama.WithServerURL(llmConfig.BaseURL),
			ollama.WithModel(llmConfig.Model),
		)
	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
			openai.WithModel(llmConfig.Model),
		}
		if llmConfig.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(llmConfig.BaseURL))
		}
		llm, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown inference provider %q", llmConfig.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize inference provider: %w", err)
	}
	return NewClientWithModel(llm), nil
}

func NewClientWithModel(llm llms.Model) *Client {
	return &Client{llm: llm}
}

// Complete sends prompt as a single user message. opts.MaxTokens <= 0 leaves
// the completion uncapped.
func (c *Client) Complete(ctx context.Context, prompt string, opts models.GenerationOptions) (string, error) {
	callOpts := []llms.CallOption{llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, callOpts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	out = strings.TrimSpace(thinkTag.ReplaceAllString(out, ""))
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

// AnswerWithSources asks the model to answer from contextBlock and to name
// the sources it used.
func (c *Client) AnswerWithSources(ctx context.Context, question, contextBlock string, opts models.GenerationOptions) (models.SourcedAnswer, error) {
	prompt := fmt.Sprintf(models.GroundedPromptTemplate, question, contextBlock)
	out, err := c.Complete(ctx, prompt, opts)
	if err != nil {
		return models.SourcedAnswer{}, err
	}
	return ParseSourcedAnswer(out), nil
}

// ParseSourcedAnswer splits raw model output at the last line that starts
// with a SOURCES marker. The sources part is cut at its first line break.
func ParseSourcedAnswer(raw string) models.SourcedAnswer {
	raw = strings.TrimSpace(thinkTag.ReplaceAllString(raw, ""))

	answer, sources := raw, ""
	if all := sourcesMarker.FindAllStringIndex(raw, -1); len(all) > 0 {
		loc := all[len(all)-1]
		answer = raw[:loc[0]]
		sources = strings.TrimSpace(raw[loc[1]:])
		if i := strings.IndexByte(sources, '\n'); i >= 0 {
			sources = strings.TrimSpace(sources[:i])
		}
	}
	answer = strings.TrimSpace(finalAnswerPrefix.ReplaceAllString(answer, ""))
	return models.SourcedAnswer{Answer: answer, Sources: sources}
}
