package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"local-qa-bot/internal/config"
	"local-qa-bot/internal/models"
	"local-qa-bot/internal/telemetry"
)

const breadcrumbCategory = "rag"

var ErrEmptyQuestion = errors.New("question is empty")

// Embedder turns a question into a query vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Index returns the nearest chunks to a vector.
type Index interface {
	Search(ctx context.Context, vector []float32, k int) ([]models.Match, error)
}

// Generator is the generative model.
type Generator interface {
	AnswerWithSources(ctx context.Context, question, contextBlock string, opts models.GenerationOptions) (models.SourcedAnswer, error)
	Complete(ctx context.Context, prompt string, opts models.GenerationOptions) (string, error)
}

type Options struct {
	TopK              int
	Temperature       float64
	FallbackMaxTokens int
	RefusalPhrases    []string
	UngroundedSource  string
}

// OptionsFromConfig maps the rag config section onto orchestrator options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TopK:              cfg.RAG.TopK,
		Temperature:       cfg.Temperature(),
		FallbackMaxTokens: cfg.RAG.FallbackMaxTokens,
		RefusalPhrases:    cfg.RAG.RefusalPhrases,
		UngroundedSource:  cfg.RAG.UngroundedSource,
	}
}

type RAG struct {
	embedder  Embedder
	index     Index
	generator Generator
	opts      Options
}

func New(embedder Embedder, index Index, generator Generator, opts Options) *RAG {
	if opts.TopK <= 0 {
		opts.TopK = 4
	}
	if len(opts.RefusalPhrases) == 0 {
		opts.RefusalPhrases = models.DefaultRefusalPhrases
	}
	if opts.UngroundedSource == "" {
		opts.UngroundedSource = models.UngroundedSource
	}
	return &RAG{embedder: embedder, index: index, generator: generator, opts: opts}
}

// Ask answers one question and returns the record together with history
// extended by it. On error history is returned unchanged.
func (r *RAG) Ask(ctx context.Context, question string, history models.Transcript) (*models.AnswerRecord, models.Transcript, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, history, ErrEmptyQuestion
	}

	telemetry.AddBreadcrumb(ctx, breadcrumbCategory, "embed question")
	vector, err := r.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, history, fmt.Errorf("failed to embed question: %w", err)
	}

	telemetry.AddBreadcrumb(ctx, breadcrumbCategory, fmt.Sprintf("search top %d", r.opts.TopK))
	matches, err := r.index.Search(ctx, vector, r.opts.TopK)
	if err != nil {
		return nil, history, fmt.Errorf("failed to search index: %w", err)
	}

	telemetry.AddBreadcrumb(ctx, breadcrumbCategory, fmt.Sprintf("grounded answer from %d matches", len(matches)))
	grounded := models.GenerationOptions{Temperature: r.opts.Temperature}
	sourced, err := r.generator.AnswerWithSources(ctx, question, BuildContext(matches), grounded)
	if err != nil {
		return nil, history, fmt.Errorf("failed to generate grounded answer: %w", err)
	}

	rec := &models.AnswerRecord{
		Question: question,
		Answer:   sourced.Answer,
		Sources:  sourced.Sources,
		AskedAt:  time.Now().UTC(),
		Matches:  matches,
	}

	if IsRefusal(sourced.Answer, r.opts.RefusalPhrases) {
		log.Debug().Str("question", question).Msg("Grounded answer refused, falling back to the bare model")
		telemetry.AddBreadcrumb(ctx, breadcrumbCategory, "fallback answer")
		fallback := models.GenerationOptions{
			Temperature: r.opts.Temperature,
			MaxTokens:   r.opts.FallbackMaxTokens,
		}
		answer, err := r.generator.Complete(ctx, fmt.Sprintf(models.FallbackPromptTemplate, question), fallback)
		if err != nil {
			return nil, history, fmt.Errorf("failed to generate fallback answer: %w", err)
		}
		rec.Answer = answer
		rec.Sources = r.opts.UngroundedSource
		rec.FallbackUsed = true
	}

	log.Info().
		Int("matches", len(matches)).
		Bool("fallback", rec.FallbackUsed).
		Msg("Answered question")

	return rec, history.Append(*rec), nil
}

// BuildContext renders matches in retrieval order for the grounded prompt.
func BuildContext(matches []models.Match) string {
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = fmt.Sprintf(models.ContextEntryTemplate, m.Content, m.Metadata.Source)
	}
	return strings.Join(parts, models.ContextSeparator)
}

// IsRefusal reports whether answer is one of phrases after normalisation:
// case-folded, surrounding whitespace and trailing punctuation removed,
// typographic apostrophes folded to ASCII.
func IsRefusal(answer string, phrases []string) bool {
	a := normalize(answer)
	if a == "" {
		return false
	}
	for _, p := range phrases {
		if a == normalize(p) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	s = strings.NewReplacer("’", "'", "‘", "'").Replace(s)
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimSpace(strings.TrimRight(s, ".!?,;: \t\n"))
}
