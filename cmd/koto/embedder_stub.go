//go:build !onnx

package main

import (
	"fmt"

	"github.com/kotobot/koto/config"
	"github.com/kotobot/koto/memory"
)

func newONNXEmbedder(cfg config.RAG) (memory.Embedder, error) {
	return nil, fmt.Errorf("built without onnx support; rebuild with -tags onnx")
}
