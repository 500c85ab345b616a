// Package chunker splits documents into bounded pieces for embedding.
package chunker

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"local-qa-bot/internal/models"
)

const (
	DefaultChunkSize = 1500
	DefaultSeparator = "\n"
)

// Chunker merges separator-delimited units into chunks of at most Size
// characters. A single unit longer than Size is emitted on its own.
type Chunker struct {
	size      int
	separator string
	splitter  textsplitter.RecursiveCharacter
}

func New(size int, separator string) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if separator == "" {
		separator = DefaultSeparator
	}
	return &Chunker{
		size:      size,
		separator: separator,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(0),
			textsplitter.WithSeparators([]string{separator}),
		),
	}
}

func (c *Chunker) Size() int { return c.size }

// Split returns the ordered, non-empty chunks of text.
func (c *Chunker) Split(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	pieces, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, err
	}
	chunks := pieces[:0]
	for _, p := range pieces {
		if strings.TrimSpace(p) != "" {
			chunks = append(chunks, p)
		}
	}
	return chunks, nil
}

// SplitDocuments chunks every document and returns the chunk texts together
// with a parallel metadata slice: metadatas[i] names the document chunks[i]
// was cut from.
func (c *Chunker) SplitDocuments(docs []models.Document) ([]string, []models.Metadata, error) {
	var (
		chunks    []string
		metadatas []models.Metadata
	)
	for _, d := range docs {
		splits, err := c.Split(d.Content)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to split %s: %w", d.Source, err)
		}
		for _, s := range splits {
			chunks = append(chunks, s)
			metadatas = append(metadatas, models.Metadata{Source: d.Source})
		}
	}
	return chunks, metadatas, nil
}
