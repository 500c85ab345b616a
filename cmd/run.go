package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"local-qa-bot/internal/chromemdb"
	"local-qa-bot/internal/config"
	"local-qa-bot/internal/db"
	"local-qa-bot/internal/embedding"
	"local-qa-bot/internal/ingest"
	"local-qa-bot/internal/llmservice"
	"local-qa-bot/internal/rag"
	"local-qa-bot/internal/server"
	"local-qa-bot/internal/storage"
	"local-qa-bot/internal/telemetry"
	"local-qa-bot/internal/tui"
)

const chatLogFile = "local-qa-bot.log"

func newEmbedder(cfg *config.Config) embeddings.Embedder {
	embedder, err := embedding.NewEmbedder(&cfg.EmbedLLM, &cfg.RAG)
	if err != nil {
		fatal(err, "Error initializing embedder")
	}
	return embedder
}

func newMirror(ctx context.Context, cfg *config.Config) *storage.S3Client {
	if !cfg.HasS3() {
		return nil
	}
	client, err := storage.NewS3Client(ctx, cfg.S3)
	if err != nil {
		fatal(err, "Error initializing S3 client")
	}
	return client
}

func runIngest(ctx context.Context, cfg *config.Config, dryRun, watch bool) error {
	embedder := newEmbedder(cfg)

	var opts []ingest.Option
	if cfg.Store.Backend == config.BackendPGVector && !dryRun {
		store, err := db.Open(ctx, cfg.Database.URL, cfg.Database.Debug)
		if err != nil {
			fatal(err, "Error connecting to database")
		}
		defer store.Close()
		opts = append(opts, ingest.WithChunkStore(store))
	}
	if mirror := newMirror(ctx, cfg); mirror != nil && !dryRun {
		opts = append(opts, ingest.WithMirror(mirror))
	}
	pipeline := ingest.NewPipeline(cfg, embedder, opts...)

	result, err := pipeline.Run(ctx, dryRun)
	if err != nil {
		telemetry.CaptureError(ctx, err)
		if !watch {
			return fmt.Errorf("ingestion failed: %w", err)
		}
		log.Error().Err(err).Msg("Ingestion failed")
	} else {
		log.Info().
			Int("documents", result.Documents).
			Int("chunks", result.Chunks).
			Strs("artifacts", result.Artifacts).
			Msg("Ingested context")
	}

	if !watch {
		return nil
	}
	err = ingest.Watch(ctx, cfg.Ingest.ContextDir, cfg.Ingest.SupportedExtensions, ingest.DefaultDebounce,
		func(ctx context.Context) error {
			_, err := pipeline.Run(ctx, dryRun)
			if err != nil {
				telemetry.CaptureError(ctx, err)
			}
			return err
		})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openIndex loads the configured index. Failing to load it is fatal: no
// question is served without an index.
func openIndex(ctx context.Context, cfg *config.Config, embedder embeddings.Embedder) (rag.Index, string, func()) {
	if cfg.Store.Backend == config.BackendPGVector {
		store, err := db.Open(ctx, cfg.Database.URL, cfg.Database.Debug)
		if err != nil {
			fatal(err, "Error connecting to database")
		}
		n, err := store.Count(ctx)
		if err != nil {
			fatal(err, "Error loading index")
		}
		if n == 0 {
			fatal(db.ErrEmptyStore, "Error loading index, run ingest first")
		}
		return store, fmt.Sprintf("%d chunks in pgvector", n), func() { store.Close() }
	}

	if mirror := newMirror(ctx, cfg); mirror != nil {
		if err := mirror.DownloadIndex(ctx, cfg.Store.Path, cfg.Store.Collection); err != nil {
			fatal(err, "Error downloading index")
		}
	}
	ix, err := chromemdb.Load(cfg.Store.Path, cfg.Store.Collection, cfg.Store.EncryptionKey, chromemdb.EmbeddingFunc(embedder))
	if err != nil {
		fatal(err, "Error loading index, run ingest first")
	}
	if model := ix.EmbeddingModel(); model != "" && model != cfg.EmbedLLM.Model {
		log.Warn().Str("index_model", model).Str("config_model", cfg.EmbedLLM.Model).
			Msg("Index was built with a different embedding model")
	}
	return ix, fmt.Sprintf("%d chunks in %s", ix.Len(), cfg.Store.Path), func() {}
}

func newRAG(ctx context.Context, cfg *config.Config) (*rag.RAG, string, func()) {
	embedder := newEmbedder(cfg)
	index, summary, closeIndex := openIndex(ctx, cfg, embedder)

	client, err := llmservice.NewClient(&cfg.InferenceLLM)
	if err != nil {
		closeIndex()
		fatal(err, "Error initializing inference client")
	}
	return rag.New(embedding.Querier{Embedder: embedder}, index, client, rag.OptionsFromConfig(cfg)), summary, closeIndex
}

func runAsk(ctx context.Context, cfg *config.Config, question string) error {
	r, _, closeIndex := newRAG(ctx, cfg)
	defer closeIndex()

	rec, _, err := r.Ask(ctx, question, nil)
	if err != nil {
		telemetry.CaptureError(ctx, err)
		return err
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", rec.Question)

	log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", rec.Sources)

	log.Info().Bool("fallback", rec.FallbackUsed).Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", rec.Answer)
	return nil
}

func runChat(ctx context.Context, cfg *config.Config) error {
	// the terminal belongs to the TUI, so logs go to a file
	f, err := os.OpenFile(chatLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: f, NoColor: true, TimeFormat: time.RFC3339}).With().Caller().Logger()

	r, summary, closeIndex := newRAG(ctx, cfg)
	defer closeIndex()

	_, err = tea.NewProgram(tui.New(ctx, r, summary), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func runServe(ctx context.Context, cfg *config.Config) error {
	r, summary, closeIndex := newRAG(ctx, cfg)
	defer closeIndex()

	log.Info().Str("index", summary).Msg("Index loaded")
	return server.ListenAndServe(ctx, cfg.Server.Addr, server.NewRouter(server.NewHandler(r,
		server.WithSessionLimits(cfg.Server.MaxSessions, time.Duration(cfg.Server.SessionIdleMinutes)*time.Minute))))
}
