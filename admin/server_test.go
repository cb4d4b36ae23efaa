package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kotobot/koto/core"
	"github.com/kotobot/koto/memory"
	"github.com/kotobot/koto/memory/record"
)

// nullStore is an empty record.Store.
type nullStore struct{}

func (n *nullStore) Summary(ctx context.Context, userID string) (string, error) { return "", nil }
func (n *nullStore) UpdateSummary(ctx context.Context, userID, summary string) error {
	return nil
}
func (n *nullStore) Facts(ctx context.Context, userID string) ([]string, error) { return nil, nil }
func (n *nullStore) AddFact(ctx context.Context, userID, fact string) error     { return nil }
func (n *nullStore) Setting(ctx context.Context, userID, key string) (any, bool, error) {
	return nil, false, nil
}
func (n *nullStore) SetSetting(ctx context.Context, userID, key string, value any) error {
	return nil
}
func (n *nullStore) SaveConversation(ctx context.Context, userID string, messages []core.TurnMessage) error {
	return nil
}
func (n *nullStore) RecentHistory(ctx context.Context, userID string, limit int) ([]record.HistoryEntry, error) {
	return nil, nil
}
func (n *nullStore) HistoryCount(ctx context.Context, userID string) (int, error) { return 0, nil }
func (n *nullStore) UserInfo(ctx context.Context, userID string) (record.UserInfo, error) {
	return record.UserInfo{}, nil
}
func (n *nullStore) ClearUser(ctx context.Context, userID string) error { return nil }
func (n *nullStore) Close() error                                       { return nil }

type noopGen struct{}

func (noopGen) Generate(ctx context.Context, prompt string) (string, error) { return "", nil }

func newTestServer(token string) *Server {
	coord := memory.NewCoordinator(
		memory.NewBuffer(10), &nullStore{}, nil,
		memory.NewSummarizer(noopGen{}), memory.CoordinatorConfig{},
	)
	return New(Config{Addr: ":0", Token: token}, coord, nil, []string{"chat", "command"}, "anthropic", nil, nil)
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer("")
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.LLMProvider != "anthropic" {
		t.Errorf("provider: %q", resp.LLMProvider)
	}
	if len(resp.Plugins) != 2 {
		t.Errorf("plugins: %v", resp.Plugins)
	}
	if resp.IndexEnabled {
		t.Error("disabled index should report false")
	}
}

func TestMemoryEndpoint(t *testing.T) {
	s := newTestServer("")
	s.mem.AddMessage(context.Background(), "gateway:42", core.RoleUser, "hi")

	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/memory/gateway:42", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats memory.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.BufferLen != 1 {
		t.Errorf("buffer len: %d", stats.BufferLen)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	s := newTestServer("secret")

	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", rec.Code)
	}

	// Query fallback for WebSocket clients.
	req = httptest.NewRequest(http.MethodGet, "/api/status?token=secret", nil)
	rec = httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("query token: expected 200, got %d", rec.Code)
	}
}
