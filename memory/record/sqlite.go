package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kotobot/koto/core"
)

// SQLiteStore is the embedded default backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "data/memory.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite allows one writer; a single connection avoids
	// SQLITE_BUSY and makes read-modify-write transactions serial.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL DEFAULT '',
			facts TEXT NOT NULL DEFAULT '[]',
			settings TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_user ON conversation_history(user_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Summary(ctx context.Context, userID string) (string, error) {
	var summary string
	err := s.db.QueryRowContext(ctx,
		`SELECT summary FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get summary: %w", err)
	}
	return summary, nil
}

func (s *SQLiteStore) UpdateSummary(ctx context.Context, userID, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, summary, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			summary = excluded.summary,
			updated_at = excluded.updated_at`,
		userID, summary, now())
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Facts(ctx context.Context, userID string) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT facts FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return decodeFacts(raw), nil
}

func (s *SQLiteStore) AddFact(ctx context.Context, userID, fact string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add fact: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT facts FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read facts: %w", err)
	}

	facts := decodeFacts(raw)
	for _, f := range facts {
		if f == fact {
			// Already present; no-op, nothing to write.
			return tx.Commit()
		}
	}
	facts = append(facts, fact)

	encoded, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("encode facts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, facts, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			facts = excluded.facts,
			updated_at = excluded.updated_at`,
		userID, string(encoded), now()); err != nil {
		return fmt.Errorf("write facts: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Setting(ctx context.Context, userID, key string) (any, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT settings FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get setting: %w", err)
	}

	settings := decodeSettings(raw)
	v, ok := settings[key]
	return v, ok, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, userID, key string, value any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set setting: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT settings FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read settings: %w", err)
	}

	settings := decodeSettings(raw)
	settings[key] = value

	encoded, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, settings, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			settings = excluded.settings,
			updated_at = excluded.updated_at`,
		userID, string(encoded), now()); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveConversation(ctx context.Context, userID string, messages []core.TurnMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save conversation: %w", err)
	}
	defer tx.Rollback()

	for _, m := range messages {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_history (user_id, role, content, timestamp)
			VALUES (?, ?, ?, ?)`,
			userID, string(m.Role), m.Content, ts.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RecentHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp FROM conversation_history
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var role, content, ts string
		if err := rows.Scan(&role, &content, &ts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		parsed, _ := time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, HistoryEntry{
			Role:      core.Role(role),
			Content:   content,
			Timestamp: parsed,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	// Rows come back newest-first; reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *SQLiteStore) HistoryCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_history WHERE user_id = ?`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) UserInfo(ctx context.Context, userID string) (UserInfo, error) {
	var summary, facts, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT summary, facts, updated_at FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&summary, &facts, &updatedAt)
	if err == sql.ErrNoRows {
		return UserInfo{}, nil
	}
	if err != nil {
		return UserInfo{}, fmt.Errorf("get user info: %w", err)
	}

	parsed, _ := time.Parse(time.RFC3339Nano, updatedAt)
	return UserInfo{
		Summary:   summary,
		Facts:     decodeFacts(facts),
		UpdatedAt: parsed,
	}, nil
}

func (s *SQLiteStore) ClearUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_profiles WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_history WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().Format(time.RFC3339Nano)
}

// decodeFacts tolerates corrupt JSON by returning an empty list.
func decodeFacts(raw string) []string {
	if raw == "" {
		return nil
	}
	var facts []string
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		return nil
	}
	return facts
}

// decodeSettings tolerates corrupt JSON by returning an empty map.
func decodeSettings(raw string) map[string]any {
	settings := make(map[string]any)
	if raw == "" {
		return settings
	}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return make(map[string]any)
	}
	return settings
}
