package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kotobot/koto/core"
)

// PostgresStore is the production backend. Settings merges and fact
// appends are single atomic statements, so concurrent writers for the
// same user cannot lose updates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL DEFAULT '',
			facts JSONB NOT NULL DEFAULT '[]'::jsonb,
			settings JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_history (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_user ON conversation_history (user_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Summary(ctx context.Context, userID string) (string, error) {
	var summary string
	err := s.pool.QueryRow(ctx,
		`SELECT summary FROM user_profiles WHERE user_id = $1`, userID,
	).Scan(&summary)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get summary: %w", err)
	}
	return summary, nil
}

func (s *PostgresStore) UpdateSummary(ctx context.Context, userID, summary string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_profiles (user_id, summary, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET
			summary = excluded.summary,
			updated_at = now()`,
		userID, summary)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) Facts(ctx context.Context, userID string) ([]string, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT facts FROM user_profiles WHERE user_id = $1`, userID,
	).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return decodeFacts(string(raw)), nil
}

func (s *PostgresStore) AddFact(ctx context.Context, userID, fact string) error {
	// Conditional jsonb append keeps dedup and insertion order server-side.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_profiles (user_id, facts, updated_at)
		VALUES ($1, jsonb_build_array($2::text), now())
		ON CONFLICT (user_id) DO UPDATE SET
			facts = CASE
				WHEN user_profiles.facts @> jsonb_build_array($2::text)
				THEN user_profiles.facts
				ELSE user_profiles.facts || jsonb_build_array($2::text)
			END,
			updated_at = now()`,
		userID, fact)
	if err != nil {
		return fmt.Errorf("add fact: %w", err)
	}
	return nil
}

func (s *PostgresStore) Setting(ctx context.Context, userID, key string) (any, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT settings -> $2 FROM user_profiles WHERE user_id = $1`, userID, key,
	).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get setting: %w", err)
	}
	if raw == nil {
		return nil, false, nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, userID, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_profiles (user_id, settings, updated_at)
		VALUES ($1, jsonb_build_object($2::text, $3::jsonb), now())
		ON CONFLICT (user_id) DO UPDATE SET
			settings = user_profiles.settings || jsonb_build_object($2::text, $3::jsonb),
			updated_at = now()`,
		userID, key, string(encoded))
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveConversation(ctx context.Context, userID string, messages []core.TurnMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save conversation: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range messages {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_history (user_id, role, content, timestamp)
			VALUES ($1, $2, $3, $4)`,
			userID, string(m.Role), m.Content, ts); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RecentHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT role, content, timestamp FROM conversation_history
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var role, content string
		var ts time.Time
		if err := rows.Scan(&role, &content, &ts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, HistoryEntry{
			Role:      core.Role(role),
			Content:   content,
			Timestamp: ts,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *PostgresStore) HistoryCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_history WHERE user_id = $1`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UserInfo(ctx context.Context, userID string) (UserInfo, error) {
	var summary string
	var facts []byte
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT summary, facts, updated_at FROM user_profiles WHERE user_id = $1`, userID,
	).Scan(&summary, &facts, &updatedAt)
	if err == pgx.ErrNoRows {
		return UserInfo{}, nil
	}
	if err != nil {
		return UserInfo{}, fmt.Errorf("get user info: %w", err)
	}

	return UserInfo{
		Summary:   summary,
		Facts:     decodeFacts(string(facts)),
		UpdatedAt: updatedAt,
	}, nil
}

func (s *PostgresStore) ClearUser(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM user_profiles WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear profile: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM conversation_history WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
