package chromemdb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"local-qa-bot/internal/embedding"
	"local-qa-bot/internal/models"
	"local-qa-bot/internal/testutil"
)

const testDim = 64

var testChunks = []string{
	"The sky is blue.",
	"Grass is green.",
	"Bananas are yellow and sweet.",
	"Oceans hold salt water.",
	"Mountains are tall and rocky.",
}

func buildTestIndex(t *testing.T, opts Options) *Index {
	t.Helper()
	metas := make([]models.Metadata, len(testChunks))
	vectors := make([][]float32, len(testChunks))
	for i, c := range testChunks {
		metas[i] = models.Metadata{Source: "context/doc" + string(rune('a'+i)) + ".txt"}
		vectors[i] = testutil.HashVector(c, testDim)
	}
	ix, err := Build(context.Background(), testChunks, metas, vectors, opts)
	require.NoError(t, err)
	return ix
}

func TestBuild_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := Build(ctx, nil, nil, nil, Options{})
	assert.ErrorIs(t, err, ErrEmptyIndex)

	_, err = Build(ctx, []string{"a", "b"}, []models.Metadata{{Source: "x"}}, [][]float32{{1}, {1}}, Options{})
	assert.ErrorIs(t, err, embedding.ErrCountMismatch)

	_, err = Build(ctx, []string{"a", "b"},
		[]models.Metadata{{Source: "x"}, {Source: "y"}},
		[][]float32{{1, 0}, {1, 0, 0}}, Options{})
	assert.ErrorIs(t, err, embedding.ErrDimensionMismatch)
}

func TestSearch_ReturnsMinKOrderedBySimilarity(t *testing.T) {
	ix := buildTestIndex(t, Options{Collection: "docs"})
	ctx := context.Background()
	query := testutil.HashVector("what color is the sky", testDim)

	for _, k := range []int{1, 3, len(testChunks), len(testChunks) + 5} {
		matches, err := ix.Search(ctx, query, k)
		require.NoError(t, err)
		assert.Len(t, matches, min(k, len(testChunks)), "k=%d", k)
		for i := 1; i < len(matches); i++ {
			assert.GreaterOrEqual(t, matches[i-1].Similarity, matches[i].Similarity)
		}
	}

	top, err := ix.Search(ctx, query, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, top[0].Position)
	assert.Equal(t, "The sky is blue.", top[0].Content)
	assert.Equal(t, "context/doca.txt", top[0].Metadata.Source)
}

func TestSearch_RejectsBadInput(t *testing.T) {
	ix := buildTestIndex(t, Options{})
	ctx := context.Background()

	_, err := ix.Search(ctx, testutil.HashVector("sky", testDim), 0)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = ix.Search(ctx, []float32{1, 2, 3}, 2)
	assert.ErrorIs(t, err, embedding.ErrDimensionMismatch)
}

func TestSaveLoad_SelfRetrieval(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "plain", opts: Options{Collection: "docs", EmbeddingModel: "hash"}},
		{name: "compressed", opts: Options{Collection: "docs", Compress: true}},
		{name: "encrypted", opts: Options{Collection: "docs", Compress: true, EncryptionKey: strings.Repeat("k", 32)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()
			built := buildTestIndex(t, tt.opts)

			paths, err := built.Save(dir)
			require.NoError(t, err)
			require.Len(t, paths, 2)
			for _, p := range paths {
				assert.FileExists(t, p)
			}

			loaded, err := Load(dir, "docs", tt.opts.EncryptionKey, nil)
			require.NoError(t, err)
			assert.Equal(t, built.Len(), loaded.Len())
			assert.Equal(t, built.Dimension(), loaded.Dimension())
			assert.Equal(t, built.Chunks(), loaded.Chunks())
			assert.Equal(t, built.Metadatas(), loaded.Metadatas())
			assert.Equal(t, tt.opts.EmbeddingModel, loaded.EmbeddingModel())

			for j, c := range testChunks {
				matches, err := loaded.Search(ctx, testutil.HashVector(c, testDim), 1)
				require.NoError(t, err)
				require.Len(t, matches, 1)
				assert.Equal(t, j, matches[0].Position)
				assert.Equal(t, c, matches[0].Content)
				assert.Equal(t, built.Metadatas()[j], matches[0].Metadata)
			}

			query := testutil.HashVector("green grass", testDim)
			want, err := built.Search(ctx, query, 3)
			require.NoError(t, err)
			got, err := loaded.Search(ctx, query, 3)
			require.NoError(t, err)
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i].Position, got[i].Position)
				assert.InDelta(t, want[i].Similarity, got[i].Similarity, 1e-5)
			}
		})
	}
}

func TestSave_ReplacesPreviousBlob(t *testing.T) {
	dir := t.TempDir()
	ix := buildTestIndex(t, Options{Collection: "docs"})

	first, err := ix.Save(dir)
	require.NoError(t, err)
	second, err := ix.Save(dir)
	require.NoError(t, err)

	assert.NotEqual(t, first[0], second[0])
	assert.NoFileExists(t, first[0])
	assert.FileExists(t, second[0])

	artifacts, err := Artifacts(dir, "docs")
	require.NoError(t, err)
	assert.Equal(t, second, artifacts)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := Load(t.TempDir(), "docs", "", nil)
		assert.ErrorIs(t, err, ErrIndexNotFound)
	})

	t.Run("garbage side-table", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, SideTableName("docs")), []byte("not msgpack"), 0o644))
		_, err := Load(dir, "docs", "", nil)
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("missing blob", func(t *testing.T) {
		dir := t.TempDir()
		paths, err := buildTestIndex(t, Options{Collection: "docs"}).Save(dir)
		require.NoError(t, err)
		require.NoError(t, os.Remove(paths[0]))

		_, err = Load(dir, "docs", "", nil)
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("blob from another build", func(t *testing.T) {
		dir := t.TempDir()
		paths, err := buildTestIndex(t, Options{Collection: "docs"}).Save(dir)
		require.NoError(t, err)

		other, err := Build(context.Background(), []string{"lonely"},
			[]models.Metadata{{Source: "x.txt"}},
			[][]float32{testutil.HashVector("lonely", testDim)}, Options{Collection: "docs"})
		require.NoError(t, err)
		otherDir := t.TempDir()
		otherPaths, err := other.Save(otherDir)
		require.NoError(t, err)

		data, err := os.ReadFile(otherPaths[0])
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(paths[0], data, 0o644))

		_, err = Load(dir, "docs", "", nil)
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("encrypted without key", func(t *testing.T) {
		dir := t.TempDir()
		_, err := buildTestIndex(t, Options{Collection: "docs", EncryptionKey: strings.Repeat("k", 32)}).Save(dir)
		require.NoError(t, err)

		_, err = Load(dir, "docs", "", nil)
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})
}

func TestBlobName(t *testing.T) {
	assert.Equal(t, "docs-abc.gob", blobName("docs", "abc", false, false))
	assert.Equal(t, "docs-abc.gob.gz", blobName("docs", "abc", true, false))
	assert.Equal(t, "docs-abc.gob.gz.enc", blobName("docs", "abc", true, true))
}
