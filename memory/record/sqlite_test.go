package record

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kotobot/koto/core"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteUnknownUserReturnsDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	summary, err := s.Summary(ctx, "nobody")
	if err != nil || summary != "" {
		t.Errorf("expected empty summary, got %q err=%v", summary, err)
	}
	facts, err := s.Facts(ctx, "nobody")
	if err != nil || len(facts) != 0 {
		t.Errorf("expected no facts, got %v err=%v", facts, err)
	}
	if _, ok, err := s.Setting(ctx, "nobody", "k"); ok || err != nil {
		t.Errorf("expected absent setting, got ok=%v err=%v", ok, err)
	}
	count, err := s.HistoryCount(ctx, "nobody")
	if err != nil || count != 0 {
		t.Errorf("expected zero history, got %d err=%v", count, err)
	}
	info, err := s.UserInfo(ctx, "nobody")
	if err != nil || info.Summary != "" || len(info.Facts) != 0 {
		t.Errorf("expected empty user info, got %+v err=%v", info, err)
	}
}

func TestSQLiteSummaryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpdateSummary(ctx, "u1", "likes jazz"); err != nil {
		t.Fatalf("update summary: %v", err)
	}
	if err := s.UpdateSummary(ctx, "u1", "likes jazz and cats"); err != nil {
		t.Fatalf("second update: %v", err)
	}

	summary, err := s.Summary(ctx, "u1")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if summary != "likes jazz and cats" {
		t.Errorf("expected latest summary, got %q", summary)
	}
}

func TestSQLiteAddFactIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, fact := range []string{"plays piano", "has a dog", "plays piano"} {
		if err := s.AddFact(ctx, "u1", fact); err != nil {
			t.Fatalf("add fact %q: %v", fact, err)
		}
	}

	facts, err := s.Facts(ctx, "u1")
	if err != nil {
		t.Fatalf("get facts: %v", err)
	}
	if len(facts) != 2 || facts[0] != "plays piano" || facts[1] != "has a dog" {
		t.Errorf("expected deduped insertion order, got %v", facts)
	}

	// Case matters for dedup.
	if err := s.AddFact(ctx, "u1", "Plays piano"); err != nil {
		t.Fatalf("add fact: %v", err)
	}
	if facts, _ := s.Facts(ctx, "u1"); len(facts) != 3 {
		t.Errorf("case-differing fact should append, got %v", facts)
	}
}

func TestSQLiteSettingMergePreservesSiblings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, "u1", "tone", "formal"); err != nil {
		t.Fatalf("set tone: %v", err)
	}
	if err := s.SetSetting(ctx, "u1", "muted", true); err != nil {
		t.Fatalf("set muted: %v", err)
	}
	if err := s.SetSetting(ctx, "u1", "tone", "casual"); err != nil {
		t.Fatalf("overwrite tone: %v", err)
	}

	tone, ok, err := s.Setting(ctx, "u1", "tone")
	if err != nil || !ok || tone != "casual" {
		t.Errorf("expected casual, got %v ok=%v err=%v", tone, ok, err)
	}
	muted, ok, err := s.Setting(ctx, "u1", "muted")
	if err != nil || !ok || muted != true {
		t.Errorf("sibling key lost on merge: %v ok=%v err=%v", muted, ok, err)
	}
}

func TestSQLiteHistoryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var batch []core.TurnMessage
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		role := core.RoleUser
		if len(batch)%2 == 1 {
			role = core.RoleAssistant
		}
		batch = append(batch, core.NewTurn(role, c))
	}
	if err := s.SaveConversation(ctx, "u1", batch); err != nil {
		t.Fatalf("save conversation: %v", err)
	}

	count, err := s.HistoryCount(ctx, "u1")
	if err != nil || count != 5 {
		t.Fatalf("expected count 5, got %d err=%v", count, err)
	}

	entries, err := s.RecentHistory(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("recent history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Last 3 rows, oldest-first.
	for i, want := range []string{"c", "d", "e"} {
		if entries[i].Content != want {
			t.Errorf("position %d: expected %q, got %q", i, want, entries[i].Content)
		}
	}

	if err := s.SaveConversation(ctx, "u1", nil); err != nil {
		t.Errorf("empty save should be a no-op, got %v", err)
	}
}

func TestSQLiteClearUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpdateSummary(ctx, "u1", "something")
	s.AddFact(ctx, "u1", "a fact")
	s.SaveConversation(ctx, "u1", []core.TurnMessage{core.NewTurn(core.RoleUser, "hi")})
	s.UpdateSummary(ctx, "u2", "other user")

	if err := s.ClearUser(ctx, "u1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if summary, _ := s.Summary(ctx, "u1"); summary != "" {
		t.Errorf("summary survived clear: %q", summary)
	}
	if count, _ := s.HistoryCount(ctx, "u1"); count != 0 {
		t.Errorf("history survived clear: %d rows", count)
	}
	if summary, _ := s.Summary(ctx, "u2"); summary != "other user" {
		t.Error("clearing u1 must not touch u2")
	}
}

func TestDecodeToleratesCorruptJSON(t *testing.T) {
	if facts := decodeFacts("{not json"); facts != nil {
		t.Errorf("expected nil facts, got %v", facts)
	}
	if facts := decodeFacts(""); facts != nil {
		t.Errorf("expected nil facts for empty input, got %v", facts)
	}
	if settings := decodeSettings("[broken"); len(settings) != 0 {
		t.Errorf("expected empty settings, got %v", settings)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Config{Backend: "mysql"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
