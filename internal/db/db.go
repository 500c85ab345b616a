package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"local-qa-bot/internal/embedding"
	"local-qa-bot/internal/models"
)

var ErrEmptyStore = errors.New("chunk table is empty")

// Chunk is one indexed piece of a document. Position is the chunk's index in
// the ingestion order and doubles as its primary key.
type Chunk struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`
	Position      int             `bun:"position,pk"`
	Content       string          `bun:"content,notnull"`
	Source        string          `bun:"source,notnull"`
	Embedding     pgvector.Vector `bun:"embedding,notnull,type:vector"`
	Distance      float64         `bun:"distance,scanonly"`
}

// Store is the pgvector-backed index.
type Store struct {
	db *bun.DB
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func ConnectDB(dsn string) *sql.DB {
	return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
}

// Open connects to url and makes sure the vector extension exists.
func Open(ctx context.Context, url string, debug bool) (*Store, error) {
	db := NewDB(ConnectDB(url), debug)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable vector extension: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ReplaceChunks swaps the whole table for chunks inside one transaction, so a
// failed ingestion leaves the previous table in place.
func (s *Store) ReplaceChunks(ctx context.Context, chunks []string, metadatas []models.Metadata, vectors [][]float32) error {
	if len(chunks) != len(metadatas) || len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks, %d metadatas, %d vectors",
			embedding.ErrCountMismatch, len(chunks), len(metadatas), len(vectors))
	}
	if _, err := embedding.Dimension(vectors); err != nil {
		return err
	}

	rows := make([]Chunk, len(chunks))
	for i := range chunks {
		rows[i] = Chunk{
			Position:  i,
			Content:   chunks[i],
			Source:    metadatas[i].Source,
			Embedding: pgvector.NewVector(vectors[i]),
		}
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDropTable().Model((*Chunk)(nil)).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop chunks: %w", err)
		}
		if _, err := tx.NewCreateTable().Model((*Chunk)(nil)).Exec(ctx); err != nil {
			return fmt.Errorf("failed to create chunks: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
		log.Debug().Int("chunks", len(rows)).Msg("Replaced chunk table")
		return nil
	})
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.db.NewSelect().Model((*Chunk)(nil)).Count(ctx)
}

// Search returns the min(k, n) nearest chunks by cosine distance.
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]models.Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	var rows []Chunk
	err := s.db.NewSelect().
		Model(&rows).
		Column("position", "content", "source").
		ColumnExpr("embedding <=> ? AS distance", pgvector.NewVector(vector)).
		OrderExpr("distance ASC, position ASC").
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyStore
	}

	matches := make([]models.Match, len(rows))
	for i, r := range rows {
		matches[i] = models.Match{
			Position:   r.Position,
			Content:    r.Content,
			Metadata:   models.Metadata{Source: r.Source},
			Similarity: float32(1 - r.Distance),
		}
	}
	return matches, nil
}
