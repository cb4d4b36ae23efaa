package cached

import (
	"context"
	"testing"

	"github.com/kotobot/koto/memory/embedder/mock"
)

type countingEmbedder struct {
	inner *mock.Embedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) Dimensions() int { return c.inner.Dimensions() }

func TestCachedEmbedderHitsSkipInner(t *testing.T) {
	counting := &countingEmbedder{inner: mock.New()}
	e, err := New(counting, 0)
	if err != nil {
		t.Fatalf("new cached embedder: %v", err)
	}
	defer e.Close()
	ctx := context.Background()

	first, err := e.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	// Ristretto sets are buffered; flush before reading back.
	e.cache.Wait()

	second, err := e.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	if counting.calls != 1 {
		t.Errorf("expected 1 inner call, got %d", counting.calls)
	}
	if len(first) != len(second) {
		t.Fatalf("vector length changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cached vector differs at %d", i)
		}
	}
}

func TestCachedEmbedderDistinctTexts(t *testing.T) {
	counting := &countingEmbedder{inner: mock.New()}
	e, err := New(counting, 0)
	if err != nil {
		t.Fatalf("new cached embedder: %v", err)
	}
	defer e.Close()
	ctx := context.Background()

	e.Embed(ctx, "one")
	e.Embed(ctx, "two")
	if counting.calls != 2 {
		t.Errorf("expected 2 inner calls, got %d", counting.calls)
	}
	if e.Dimensions() != counting.Dimensions() {
		t.Error("dimensions must pass through")
	}
}
