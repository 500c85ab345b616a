package chromemdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"local-qa-bot/internal/models"
)

const sideTableVersion = 1

// sideTable is the ordered chunk store persisted next to the chromem blob.
// Writing it is the commit point of a save: a blob without a side-table
// pointing at it is garbage.
type sideTable struct {
	Version        int               `msgpack:"version"`
	Collection     string            `msgpack:"collection"`
	Dimension      int               `msgpack:"dimension"`
	EmbeddingModel string            `msgpack:"embedding_model"`
	IDs            []string          `msgpack:"ids"`
	Chunks         []string          `msgpack:"chunks"`
	Metadatas      []models.Metadata `msgpack:"metadatas"`
	BlobFile       string            `msgpack:"blob_file"`
	Compressed     bool              `msgpack:"compressed"`
	Encrypted      bool              `msgpack:"encrypted"`
	CreatedAt      time.Time         `msgpack:"created_at"`
}

// SideTableName is the file name of the side-table for collection.
func SideTableName(collection string) string {
	return collection + ".sidetable.msgpack"
}

func sideTablePath(dir, collection string) string {
	return filepath.Join(dir, SideTableName(collection))
}

func (st *sideTable) validate(collection string) error {
	switch {
	case st.Version != sideTableVersion:
		return fmt.Errorf("%w: unsupported side-table version %d", ErrCorruptIndex, st.Version)
	case st.Collection != collection:
		return fmt.Errorf("%w: side-table belongs to collection %q", ErrCorruptIndex, st.Collection)
	case len(st.Chunks) == 0:
		return fmt.Errorf("%w: side-table has no chunks", ErrCorruptIndex)
	case len(st.Chunks) != len(st.Metadatas) || len(st.Chunks) != len(st.IDs):
		return fmt.Errorf("%w: side-table has %d chunks, %d metadatas and %d ids",
			ErrCorruptIndex, len(st.Chunks), len(st.Metadatas), len(st.IDs))
	case st.BlobFile == "" || filepath.Base(st.BlobFile) != st.BlobFile:
		return fmt.Errorf("%w: invalid blob file name %q", ErrCorruptIndex, st.BlobFile)
	}
	return nil
}

func readSideTable(path string) (*sideTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, path)
		}
		return nil, fmt.Errorf("failed to read side-table: %w", err)
	}

	var st sideTable
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: failed to decode side-table: %w", ErrCorruptIndex, err)
	}
	return &st, nil
}

// writeSideTable replaces path atomically.
func writeSideTable(path string, st *sideTable) error {
	data, err := msgpack.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode side-table: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".sidetable-*")
	if err != nil {
		return fmt.Errorf("failed to create side-table: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write side-table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync side-table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close side-table: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit side-table: %w", err)
	}
	return nil
}
