package memory

import (
	"context"
	"strings"

	"github.com/kotobot/koto/core"
)

// Embedder converts text to vector embeddings.
// Implementations: mock (testing, offline default), onnx (local MiniLM),
// cached (ristretto read-through wrapper around either).
//
// Embedder is an implementation detail of the semantic index; the
// coordinator never interacts with it directly.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Transcript renders messages as a role-labeled conversation block, one
// turn per line. Used for summarization prompts and index documents.
func Transcript(messages []core.TurnMessage) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		label := "User"
		if m.Role == core.RoleAssistant {
			label = "Assistant"
		}
		lines = append(lines, label+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}
