package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"

	"local-qa-bot/internal/chromemdb"
	"local-qa-bot/internal/config"
	"local-qa-bot/internal/models"
	"local-qa-bot/internal/testutil"
)

const testDim = 32

type MockChunkStore struct {
	mock.Mock
}

func (m *MockChunkStore) ReplaceChunks(ctx context.Context, chunks []string, metadatas []models.Metadata, vectors [][]float32) error {
	args := m.Called(ctx, chunks, metadatas, vectors)
	return args.Error(0)
}

type MockMirror struct {
	mock.Mock
}

func (m *MockMirror) UploadArtifacts(ctx context.Context, paths []string) error {
	args := m.Called(ctx, paths)
	return args.Error(0)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	contextDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(contextDir, "colors.txt"),
		[]byte("The sky is blue.\nGrass is green.\n"), 0o644))

	return &config.Config{
		EmbedLLM: config.LLMConfig{Provider: config.ProviderOpenAI, Model: "hash"},
		RAG:      config.RAGConfig{ChunkSize: 1500, Separator: "\n", TopK: 4},
		Ingest: config.IngestConfig{
			ContextDir:          contextDir,
			SupportedExtensions: []string{".txt"},
			Encoding:            "utf-8",
		},
		Store: config.StoreConfig{
			Backend:    config.BackendChromem,
			Path:       filepath.Join(t.TempDir(), "chromemdb"),
			Collection: "docs",
		},
	}
}

func hashEmbedder(t *testing.T) (embeddings.Embedder, *testutil.HashEmbedderClient) {
	t.Helper()
	client := testutil.NewHashEmbedderClient(testDim)
	embedder, err := embeddings.NewEmbedder(client)
	require.NoError(t, err)
	return embedder, client
}

func TestRun_SingleSmallDocument(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	embedder, _ := hashEmbedder(t)

	result, err := NewPipeline(cfg, embedder).Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Documents)
	assert.Equal(t, 1, result.Chunks)
	assert.Equal(t, testDim, result.Dimension)
	require.Len(t, result.Artifacts, 2)

	ix, err := chromemdb.Load(cfg.Store.Path, "docs", "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, ix.Len())
	assert.Contains(t, ix.Chunks()[0], "The sky is blue.")
	assert.Contains(t, ix.Chunks()[0], "Grass is green.")
	assert.Equal(t, filepath.Join(cfg.Ingest.ContextDir, "colors.txt"), ix.Metadatas()[0].Source)
	assert.Equal(t, "hash", ix.EmbeddingModel())

	matches, err := ix.Search(ctx, testutil.HashVector("What color is the sky?", testDim), 4)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 0, matches[0].Position)
}

func TestRun_EmbeddingFailureWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	embedder, client := hashEmbedder(t)
	client.FailOn = "sky"

	_, err := NewPipeline(cfg, embedder).Run(context.Background(), false)
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.NoDirExists(t, cfg.Store.Path)
}

func TestRun_EmbeddingFailureKeepsPreviousIndex(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	embedder, client := hashEmbedder(t)

	first, err := NewPipeline(cfg, embedder).Run(ctx, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Ingest.ContextDir, "more.txt"), []byte("boom goes the provider"), 0o644))
	client.FailOn = "boom"
	_, err = NewPipeline(cfg, embedder).Run(ctx, false)
	require.Error(t, err)

	artifacts, err := chromemdb.Artifacts(cfg.Store.Path, "docs")
	require.NoError(t, err)
	assert.Equal(t, first.Artifacts, artifacts)
	ix, err := chromemdb.Load(cfg.Store.Path, "docs", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Len())
}

func TestRun_DryRunEmbedsNothing(t *testing.T) {
	cfg := testConfig(t)
	embedder, client := hashEmbedder(t)

	result, err := NewPipeline(cfg, embedder).Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Chunks)
	assert.Empty(t, result.Artifacts)
	assert.Empty(t, client.Calls())
	assert.NoDirExists(t, cfg.Store.Path)
}

func TestRun_NoDocuments(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.SupportedExtensions = []string{".pdf"}
	embedder, _ := hashEmbedder(t)

	_, err := NewPipeline(cfg, embedder).Run(context.Background(), false)
	assert.Error(t, err)
}

func TestRun_PGVectorBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendPGVector
	embedder, _ := hashEmbedder(t)

	store := new(MockChunkStore)
	store.On("ReplaceChunks", mock.Anything,
		mock.MatchedBy(func(chunks []string) bool { return len(chunks) == 1 }),
		mock.MatchedBy(func(metas []models.Metadata) bool {
			return len(metas) == 1 && filepath.Base(metas[0].Source) == "colors.txt"
		}),
		mock.Anything).Return(nil)

	result, err := NewPipeline(cfg, embedder, WithChunkStore(store)).Run(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, result.Artifacts)
	assert.NoDirExists(t, cfg.Store.Path)
	store.AssertExpectations(t)

	_, err = NewPipeline(cfg, embedder).Run(ctx, false)
	assert.Error(t, err)
}

func TestRun_UploadsArtifacts(t *testing.T) {
	cfg := testConfig(t)
	embedder, _ := hashEmbedder(t)

	mirror := new(MockMirror)
	mirror.On("UploadArtifacts", mock.Anything, mock.MatchedBy(func(paths []string) bool {
		return len(paths) == 2
	})).Return(nil).Once()

	_, err := NewPipeline(cfg, embedder, WithMirror(mirror)).Run(context.Background(), false)
	require.NoError(t, err)
	mirror.AssertExpectations(t)
}

func TestRun_UploadFailureIsReported(t *testing.T) {
	cfg := testConfig(t)
	embedder, _ := hashEmbedder(t)

	mirror := new(MockMirror)
	mirror.On("UploadArtifacts", mock.Anything, mock.Anything).Return(errors.New("access denied"))

	_, err := NewPipeline(cfg, embedder, WithMirror(mirror)).Run(context.Background(), false)
	assert.ErrorContains(t, err, "access denied")
}

func TestRelevant(t *testing.T) {
	exts := []string{".txt", ".md"}
	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"create txt", fsnotify.Event{Name: "/ctx/a.txt", Op: fsnotify.Create}, true},
		{"write md", fsnotify.Event{Name: "/ctx/b.MD", Op: fsnotify.Write}, true},
		{"remove txt", fsnotify.Event{Name: "/ctx/a.txt", Op: fsnotify.Remove}, true},
		{"rename txt", fsnotify.Event{Name: "/ctx/a.txt", Op: fsnotify.Rename}, true},
		{"chmod txt", fsnotify.Event{Name: "/ctx/a.txt", Op: fsnotify.Chmod}, false},
		{"unsupported", fsnotify.Event{Name: "/ctx/a.png", Op: fsnotify.Write}, false},
		{"hidden", fsnotify.Event{Name: "/ctx/.a.txt", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relevant(tt.event, exts))
		})
	}
}

func TestWatch_DebouncesRelevantChanges(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, []string{".txt"}, 100*time.Millisecond, func(context.Context) error {
			calls <- struct{}{}
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.png"), []byte("x"), 0o644))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte{byte('a' + i)}, 0o644))
	}

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for re-ingestion")
	}

	select {
	case <-calls:
		t.Fatal("burst of writes triggered more than one run")
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
