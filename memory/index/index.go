// Package index defines the semantic retrieval tier: embedding-backed
// storage of conversation snippets with similarity search. The tier is
// optional; a Disabled index stands in when retrieval is turned off or
// fails to initialize, so callers never branch on nil.
package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/kotobot/koto/core"
)

// SearchResult is one retrieval hit. Score is normalized to [0, 1],
// higher is more similar.
type SearchResult struct {
	Content  string
	Score    float64
	Metadata map[string]string
}

// Index is the semantic tier contract.
type Index interface {
	// Add embeds and stores one snippet for the user, returning the
	// stored document id. Blank content is skipped and yields an
	// empty id.
	Add(ctx context.Context, userID, content string, metadata map[string]string) (string, error)

	// AddConversation chunks a message window and stores each chunk.
	AddConversation(ctx context.Context, userID string, messages []core.TurnMessage) error

	// Search returns up to topK snippets scoring at or above minScore,
	// best first.
	Search(ctx context.Context, userID, query string, topK int, minScore float64) ([]SearchResult, error)

	// SearchFormatted renders Search hits as a newline-joined block,
	// empty when nothing qualifies.
	SearchFormatted(ctx context.Context, userID, query string, topK int, minScore float64) (string, error)

	// DeleteUser drops everything stored for the user.
	DeleteUser(ctx context.Context, userID string) error

	// Count returns the number of stored snippets for the user, or
	// the total across all users when userID is empty.
	Count(ctx context.Context, userID string) (int, error)

	// Enabled reports whether this index actually stores anything.
	Enabled() bool
}

// Disabled is the null index used when retrieval is off. Every
// operation succeeds and returns nothing.
type Disabled struct{}

func (Disabled) Add(context.Context, string, string, map[string]string) (string, error) {
	return "", nil
}

func (Disabled) AddConversation(context.Context, string, []core.TurnMessage) error { return nil }

func (Disabled) Search(context.Context, string, string, int, float64) ([]SearchResult, error) {
	return nil, nil
}

func (Disabled) SearchFormatted(context.Context, string, string, int, float64) (string, error) {
	return "", nil
}

func (Disabled) DeleteUser(context.Context, string) error { return nil }

func (Disabled) Count(context.Context, string) (int, error) { return 0, nil }

func (Disabled) Enabled() bool { return false }

// FormatResults renders hits the way Context consumers expect: one
// snippet per paragraph, prefixed with its rounded score.
func FormatResults(results []SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("[relevance %.2f]\n%s", r.Score, r.Content))
	}
	return strings.Join(parts, "\n\n")
}
