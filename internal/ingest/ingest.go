package ingest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"local-qa-bot/internal/chromemdb"
	"local-qa-bot/internal/chunker"
	"local-qa-bot/internal/config"
	"local-qa-bot/internal/embedding"
	"local-qa-bot/internal/helper"
	"local-qa-bot/internal/models"
	"local-qa-bot/internal/parser"
)

// ChunkStore receives the full chunk set when the pgvector backend is used.
type ChunkStore interface {
	ReplaceChunks(ctx context.Context, chunks []string, metadatas []models.Metadata, vectors [][]float32) error
}

// Mirror uploads saved artifacts somewhere else.
type Mirror interface {
	UploadArtifacts(ctx context.Context, paths []string) error
}

// Result summarises one ingestion run.
type Result struct {
	Documents int      `json:"documents"`
	Chunks    int      `json:"chunks"`
	Dimension int      `json:"dimension"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Pipeline reads, chunks, embeds and indexes the context directory.
type Pipeline struct {
	cfg      *config.Config
	embedder embeddings.Embedder
	store    ChunkStore
	mirror   Mirror
}

type Option func(*Pipeline)

// WithChunkStore sets the pgvector store used when store.backend is pgvector.
func WithChunkStore(store ChunkStore) Option {
	return func(p *Pipeline) { p.store = store }
}

// WithMirror uploads artifacts after every successful save.
func WithMirror(m Mirror) Option {
	return func(p *Pipeline) { p.mirror = m }
}

func NewPipeline(cfg *config.Config, embedder embeddings.Embedder, opts ...Option) *Pipeline {
	p := &Pipeline{cfg: cfg, embedder: embedder}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run performs one ingestion. Nothing is written unless every chunk was
// embedded. With dryRun the chunk table is printed and nothing is embedded.
func (p *Pipeline) Run(ctx context.Context, dryRun bool) (*Result, error) {
	docs, err := parser.LoadDir(p.cfg.Ingest.ContextDir, p.cfg.Ingest.SupportedExtensions, p.cfg.Ingest.Encoding)
	if err != nil {
		return nil, err
	}

	chunks, metadatas, err := chunker.New(p.cfg.RAG.ChunkSize, p.cfg.RAG.Separator).SplitDocuments(docs)
	if err != nil {
		return nil, err
	}
	log.Info().Int("documents", len(docs)).Int("chunks", len(chunks)).Msg("Split documents")

	result := &Result{Documents: len(docs), Chunks: len(chunks)}
	if dryRun {
		rows := make([]map[string]string, len(chunks))
		for i := range chunks {
			rows[i] = map[string]string{"source": metadatas[i].Source, "content": chunks[i]}
		}
		helper.PrettyPrint(rows)
		return result, nil
	}

	vectors, err := embedding.GenerateEmbeddings(ctx, p.embedder, chunks)
	if err != nil {
		return nil, err
	}
	if result.Dimension, err = embedding.Dimension(vectors); err != nil {
		return nil, err
	}

	switch p.cfg.Store.Backend {
	case config.BackendPGVector:
		if p.store == nil {
			return nil, fmt.Errorf("pgvector backend selected but no database is configured")
		}
		if err := p.store.ReplaceChunks(ctx, chunks, metadatas, vectors); err != nil {
			return nil, err
		}
	default:
		ix, err := chromemdb.Build(ctx, chunks, metadatas, vectors, chromemdb.Options{
			Collection:     p.cfg.Store.Collection,
			Compress:       p.cfg.Store.Compress,
			EncryptionKey:  p.cfg.Store.EncryptionKey,
			EmbeddingModel: p.cfg.EmbedLLM.Model,
		})
		if err != nil {
			return nil, err
		}
		if result.Artifacts, err = ix.Save(p.cfg.Store.Path); err != nil {
			return nil, err
		}
		if p.mirror != nil {
			if err := p.mirror.UploadArtifacts(ctx, result.Artifacts); err != nil {
				return nil, err
			}
		}
	}

	log.Info().
		Int("chunks", result.Chunks).
		Int("dimension", result.Dimension).
		Str("backend", p.cfg.Store.Backend).
		Msg("Ingestion complete")
	return result, nil
}
