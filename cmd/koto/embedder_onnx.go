//go:build onnx

package main

import (
	"github.com/kotobot/koto/config"
	"github.com/kotobot/koto/memory"
	"github.com/kotobot/koto/memory/embedder/onnx"
)

func newONNXEmbedder(cfg config.RAG) (memory.Embedder, error) {
	return onnx.New(onnx.Config{
		LibraryPath:   cfg.LibraryPath,
		ModelPath:     cfg.ModelPath,
		TokenizerPath: cfg.TokenizerPath,
	})
}
