package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"local-qa-bot/internal/embedding"
	"local-qa-bot/internal/helper"
	"local-qa-bot/internal/models"
)

var (
	ErrIndexNotFound = errors.New("index not found")
	ErrCorruptIndex  = errors.New("index is corrupt or incomplete")
	ErrEmptyIndex    = errors.New("no chunks to index")
	ErrInvalidK      = errors.New("k must be positive")
)

const metadataSource = "source"

// Options control how an index is built and persisted.
type Options struct {
	Collection     string
	Compress       bool
	EncryptionKey  string
	EmbeddingModel string
}

// Index is a built or loaded vector index plus its side-table. It is
// read-only once returned and safe for concurrent Search calls.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	table      *sideTable
	opts       Options
}

// Build indexes chunks[i] under vectors[i]. IDs are chunk positions, so the
// side-table resolves every hit.
func Build(ctx context.Context, chunks []string, metadatas []models.Metadata, vectors [][]float32, opts Options) (*Index, error) {
	if len(chunks) == 0 {
		return nil, ErrEmptyIndex
	}
	if len(chunks) != len(metadatas) || len(chunks) != len(vectors) {
		return nil, fmt.Errorf("%w: %d chunks, %d metadatas, %d vectors",
			embedding.ErrCountMismatch, len(chunks), len(metadatas), len(vectors))
	}
	dim, err := embedding.Dimension(vectors)
	if err != nil {
		return nil, err
	}
	if opts.Collection == "" {
		opts.Collection = "docs"
	}

	db := chromem.NewDB()
	c, err := db.CreateCollection(opts.Collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	ids := make([]string, len(chunks))
	docs := make([]chromem.Document, len(chunks))
	for i := range chunks {
		ids[i] = strconv.Itoa(i)
		docs[i] = chromem.Document{
			ID:        ids[i],
			Content:   chunks[i],
			Metadata:  map[string]string{metadataSource: metadatas[i].Source},
			Embedding: vectors[i],
		}
	}
	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("failed to add documents: %w", err)
	}

	log.Debug().
		Str("collection", opts.Collection).
		Int("chunks", len(chunks)).
		Int("dimension", dim).
		Msg("Built vector index")

	return &Index{
		db:         db,
		collection: c,
		opts:       opts,
		table: &sideTable{
			Version:        sideTableVersion,
			Collection:     opts.Collection,
			Dimension:      dim,
			EmbeddingModel: opts.EmbeddingModel,
			IDs:            ids,
			Chunks:         append([]string(nil), chunks...),
			Metadatas:      append([]models.Metadata(nil), metadatas...),
			Compressed:     opts.Compress,
			Encrypted:      opts.EncryptionKey != "",
		},
	}, nil
}

// Len is the number of indexed chunks.
func (ix *Index) Len() int { return len(ix.table.Chunks) }

// Dimension of every vector in the index.
func (ix *Index) Dimension() int { return ix.table.Dimension }

// EmbeddingModel recorded at build time, if any.
func (ix *Index) EmbeddingModel() string { return ix.table.EmbeddingModel }

// Chunks returns a copy of the ordered chunk texts.
func (ix *Index) Chunks() []string { return append([]string(nil), ix.table.Chunks...) }

// Metadatas returns a copy of the metadata parallel to Chunks.
func (ix *Index) Metadatas() []models.Metadata {
	return append([]models.Metadata(nil), ix.table.Metadatas...)
}

// Search returns the min(k, Len()) nearest chunks by decreasing cosine
// similarity.
func (ix *Index) Search(ctx context.Context, vector []float32, k int) ([]models.Match, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(vector) != ix.table.Dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			embedding.ErrDimensionMismatch, len(vector), ix.table.Dimension)
	}
	n := min(k, ix.collection.Count())

	results, err := ix.collection.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	matches := make([]models.Match, 0, len(results))
	for _, r := range results {
		pos, err := strconv.Atoi(r.ID)
		if err != nil || pos < 0 || pos >= len(ix.table.Chunks) {
			return nil, fmt.Errorf("%w: unknown document id %q", ErrCorruptIndex, r.ID)
		}
		matches = append(matches, models.Match{
			Position:   pos,
			Content:    ix.table.Chunks[pos],
			Metadata:   ix.table.Metadatas[pos],
			Similarity: r.Similarity,
		})
	}
	return matches, nil
}

// Save exports the index blob under a fresh build id, then commits the
// side-table pointing at it and finally removes the blob it replaced. It
// returns the paths it wrote, blob first.
func (ix *Index) Save(dir string) ([]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := helper.CreateFolder(dir); err != nil {
		return nil, err
	}

	stPath := sideTablePath(dir, ix.table.Collection)
	var previousBlob string
	if prev, err := readSideTable(stPath); err == nil {
		previousBlob = prev.BlobFile
	}

	buildID, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}
	blobFile := blobName(ix.table.Collection, buildID, ix.opts.Compress, ix.opts.EncryptionKey != "")
	blobPath := filepath.Join(dir, blobFile)

	log.Debug().
		Str("collection", ix.table.Collection).
		Str("file", blobPath).
		Bool("compress", ix.opts.Compress).
		Msg("Exporting vector index")

	if err := ix.db.ExportToFile(blobPath, ix.opts.Compress, ix.opts.EncryptionKey, ix.table.Collection); err != nil {
		os.Remove(blobPath)
		return nil, fmt.Errorf("failed to export database: %w", err)
	}

	table := *ix.table
	table.BlobFile = blobFile
	table.CreatedAt = time.Now().UTC()
	if err := writeSideTable(stPath, &table); err != nil {
		os.Remove(blobPath)
		return nil, err
	}
	ix.table = &table

	if previousBlob != "" && previousBlob != blobFile {
		if err := os.Remove(filepath.Join(dir, previousBlob)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("file", previousBlob).Msg("Failed to remove previous index blob")
		}
	}

	return []string{blobPath, stPath}, nil
}

// Load reattaches an index saved by Save. embedFunc is only used if the
// collection is ever queried by text; it may be nil.
func Load(dir, collection, encryptionKey string, embedFunc chromem.EmbeddingFunc) (*Index, error) {
	if collection == "" {
		collection = "docs"
	}
	table, err := readSideTable(sideTablePath(dir, collection))
	if err != nil {
		return nil, err
	}
	if err := table.validate(collection); err != nil {
		return nil, err
	}
	if table.Encrypted && encryptionKey == "" {
		return nil, fmt.Errorf("%w: index is encrypted and no key is configured", ErrCorruptIndex)
	}

	blobPath := filepath.Join(dir, table.BlobFile)
	if _, err := os.Stat(blobPath); err != nil {
		return nil, fmt.Errorf("%w: missing blob %s: %w", ErrCorruptIndex, table.BlobFile, err)
	}

	db := chromem.NewDB()
	if err := db.ImportFromFile(blobPath, encryptionKey, collection); err != nil {
		return nil, fmt.Errorf("%w: failed to import database: %w", ErrCorruptIndex, err)
	}
	c := db.GetCollection(collection, embedFunc)
	if c == nil {
		return nil, fmt.Errorf("%w: collection %q missing from blob", ErrCorruptIndex, collection)
	}
	if c.Count() != len(table.Chunks) {
		return nil, fmt.Errorf("%w: blob has %d documents, side-table has %d",
			ErrCorruptIndex, c.Count(), len(table.Chunks))
	}

	log.Debug().
		Str("collection", collection).
		Int("chunks", len(table.Chunks)).
		Str("blob", table.BlobFile).
		Msg("Loaded vector index")

	return &Index{
		db:         db,
		collection: c,
		table:      table,
		opts: Options{
			Collection:     collection,
			Compress:       table.Compressed,
			EncryptionKey:  encryptionKey,
			EmbeddingModel: table.EmbeddingModel,
		},
	}, nil
}

// Artifacts lists the files a saved index in dir consists of.
func Artifacts(dir, collection string) ([]string, error) {
	stPath := sideTablePath(dir, collection)
	table, err := readSideTable(stPath)
	if err != nil {
		return nil, err
	}
	return []string{filepath.Join(dir, table.BlobFile), stPath}, nil
}

// EmbeddingFunc adapts a langchaingo embedder to chromem.
func EmbeddingFunc(embedder embeddings.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
}

func blobName(collection, buildID string, compress, encrypted bool) string {
	name := fmt.Sprintf("%s-%s.gob", collection, buildID)
	if compress {
		name += ".gz"
	}
	if encrypted {
		name += ".enc"
	}
	return name
}
