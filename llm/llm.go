// Package llm wraps the text-generation backend behind a small interface.
// The memory subsystem uses only Generate; the chat plugin additionally uses
// GenerateChat for multi-turn replies.
package llm

import (
	"context"

	"github.com/kotobot/koto/core"
)

// Generator produces text from a prompt or a conversation.
type Generator interface {
	// Generate issues a single-prompt completion and returns the text.
	Generate(ctx context.Context, prompt string) (string, error)

	// GenerateChat completes a conversation under a system prompt.
	GenerateChat(ctx context.Context, system string, messages []core.TurnMessage) (string, error)

	// Provider names the backing service, for introspection.
	Provider() string
}
