// Package cached wraps an embedder with a ristretto read-through cache.
// The coordinator re-embeds the same exchange for pair indexing and
// window indexing; caching keeps that to one model call per text.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/kotobot/koto/memory"
)

// Embedder caches inner's vectors keyed by text.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

// New wraps inner. maxBytes bounds total cached vector memory; zero
// picks a 64 MiB default.
func New(inner memory.Embedder, maxBytes int64) (*Embedder, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Embedder{inner: inner, cache: cache}, nil
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	// Cost is the vector's byte size.
	e.cache.Set(text, vec, int64(len(vec)*4))
	return vec, nil
}

func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Close releases the cache's background goroutines.
func (e *Embedder) Close() {
	e.cache.Close()
}
