package testutil

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// HashEmbedderClient is a deterministic bag-of-words embedding client. Each
// lower-cased word is hashed into one of Dim buckets, so texts sharing words
// end up close under cosine similarity.
type HashEmbedderClient struct {
	Dim int
	// FailOn makes CreateEmbedding fail when any input contains the substring.
	FailOn string

	mu    sync.Mutex
	calls [][]string
}

var ErrInjected = errors.New("injected embedding failure")

func NewHashEmbedderClient(dim int) *HashEmbedderClient {
	return &HashEmbedderClient{Dim: dim}
}

func (c *HashEmbedderClient) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls = append(c.calls, append([]string(nil), texts...))
	c.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		if c.FailOn != "" && strings.Contains(t, c.FailOn) {
			return nil, ErrInjected
		}
		out[i] = HashVector(t, c.Dim)
	}
	return out, nil
}

// Calls returns the batches the client has received so far.
func (c *HashEmbedderClient) Calls() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.calls...)
}

// HashVector embeds text the same way the client does.
func HashVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(dim)]++
	}
	// keep the vector non-zero so cosine similarity stays defined
	v[dim-1] += 0.01
	return v
}
