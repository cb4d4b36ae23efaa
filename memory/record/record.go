// Package record implements the durable long-term memory tier: one profile
// row per user (summary, facts, settings) plus an append-only conversation
// history log.
//
// Backends: SQLite (embedded, default) and PostgreSQL. Both treat a missing
// record as a valid state: reads for unknown users return empty defaults,
// never an error. Corrupt persisted JSON also decodes to empty defaults.
package record

import (
	"context"
	"fmt"
	"time"

	"github.com/kotobot/koto/core"
)

// UserInfo bundles the profile fields returned by a single read.
type UserInfo struct {
	Summary   string
	Facts     []string
	UpdatedAt time.Time
}

// HistoryEntry is one append-only conversation history row.
type HistoryEntry struct {
	Role      core.Role
	Content   string
	Timestamp time.Time
}

// Store is the durable per-user record tier. Every write operation is
// atomic at the backend and updates the profile's updated_at.
type Store interface {
	// Summary returns the user's free-text summary, empty if absent.
	Summary(ctx context.Context, userID string) (string, error)

	// UpdateSummary upserts the user's summary.
	UpdateSummary(ctx context.Context, userID, summary string) error

	// Facts returns the user's fact list, insertion-ordered and
	// duplicate-free.
	Facts(ctx context.Context, userID string) ([]string, error)

	// AddFact appends a fact. Adding a fact already present (exact,
	// case-sensitive match) is a no-op.
	AddFact(ctx context.Context, userID, fact string) error

	// Setting returns one settings value. ok is false when the key or the
	// record is absent.
	Setting(ctx context.Context, userID, key string) (value any, ok bool, err error)

	// SetSetting merge-writes one settings key, preserving sibling keys.
	SetSetting(ctx context.Context, userID, key string, value any) error

	// SaveConversation bulk-appends messages to the history log.
	SaveConversation(ctx context.Context, userID string, messages []core.TurnMessage) error

	// RecentHistory returns the most recent limit rows, oldest-first.
	RecentHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error)

	// HistoryCount returns the number of history rows for the user.
	HistoryCount(ctx context.Context, userID string) (int, error)

	// UserInfo returns summary, facts, and updated_at in one read.
	UserInfo(ctx context.Context, userID string) (UserInfo, error)

	// ClearUser deletes the profile and all history rows for the user.
	ClearUser(ctx context.Context, userID string) error

	// Close releases backend resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend     string // "sqlite" or "postgres"
	Path        string // sqlite database file
	DatabaseURL string // postgres connection string
}

// Open constructs the configured Store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown record backend %q", cfg.Backend)
	}
}
