package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kotobot/koto/core"
	"github.com/kotobot/koto/memory/index"
	"github.com/kotobot/koto/memory/record"
)

// fakeStore is an in-memory record.Store for coordinator tests.
type fakeStore struct {
	mu        sync.Mutex
	summaries map[string]string
	facts     map[string][]string
	settings  map[string]map[string]any
	history   map[string][]record.HistoryEntry
	saves     int
	cleared   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		summaries: make(map[string]string),
		facts:     make(map[string][]string),
		settings:  make(map[string]map[string]any),
		history:   make(map[string][]record.HistoryEntry),
	}
}

func (f *fakeStore) Summary(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaries[userID], nil
}

func (f *fakeStore) UpdateSummary(ctx context.Context, userID, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries[userID] = summary
	return nil
}

func (f *fakeStore) Facts(ctx context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.facts[userID], nil
}

func (f *fakeStore) AddFact(ctx context.Context, userID, fact string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.facts[userID] {
		if existing == fact {
			return nil
		}
	}
	f.facts[userID] = append(f.facts[userID], fact)
	return nil
}

func (f *fakeStore) Setting(ctx context.Context, userID, key string) (any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.settings[userID][key]
	return v, ok, nil
}

func (f *fakeStore) SetSetting(ctx context.Context, userID, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settings[userID] == nil {
		f.settings[userID] = make(map[string]any)
	}
	f.settings[userID][key] = value
	return nil
}

func (f *fakeStore) SaveConversation(ctx context.Context, userID string, messages []core.TurnMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	for _, m := range messages {
		f.history[userID] = append(f.history[userID], record.HistoryEntry{
			Role: m.Role, Content: m.Content, Timestamp: m.Timestamp,
		})
	}
	return nil
}

func (f *fakeStore) RecentHistory(ctx context.Context, userID string, limit int) ([]record.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.history[userID]
	if limit > 0 && limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (f *fakeStore) HistoryCount(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.history[userID]), nil
}

func (f *fakeStore) UserInfo(ctx context.Context, userID string) (record.UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return record.UserInfo{Summary: f.summaries[userID], Facts: f.facts[userID]}, nil
}

func (f *fakeStore) ClearUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.summaries, userID)
	delete(f.facts, userID)
	delete(f.settings, userID)
	delete(f.history, userID)
	f.cleared = true
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// recordingIndex counts index traffic.
type recordingIndex struct {
	mu      sync.Mutex
	adds    int
	windows int
	deleted bool
}

func (r *recordingIndex) Add(ctx context.Context, userID, content string, metadata map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adds++
	return "doc", nil
}

func (r *recordingIndex) AddConversation(ctx context.Context, userID string, messages []core.TurnMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows++
	return nil
}

func (r *recordingIndex) Search(ctx context.Context, userID, query string, topK int, minScore float64) ([]index.SearchResult, error) {
	return []index.SearchResult{{Content: "remembered snippet", Score: 0.9}}, nil
}

func (r *recordingIndex) SearchFormatted(ctx context.Context, userID, query string, topK int, minScore float64) (string, error) {
	hits, _ := r.Search(ctx, userID, query, topK, minScore)
	return index.FormatResults(hits), nil
}

func (r *recordingIndex) DeleteUser(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = true
	return nil
}

func (r *recordingIndex) Count(ctx context.Context, userID string) (int, error) { return 0, nil }

func (r *recordingIndex) Enabled() bool { return true }

func (r *recordingIndex) addCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adds
}

func newTestCoordinator(store record.Store, idx index.Index, gen TextGenerator, cfg CoordinatorConfig) *Coordinator {
	if gen == nil {
		gen = &stubGenerator{response: "a summary"}
	}
	return NewCoordinator(NewBuffer(10), store, idx, NewSummarizer(gen), cfg)
}

func TestTriggerCadence(t *testing.T) {
	cases := []struct {
		count, threshold int
		want             bool
	}{
		{10, 20, true},
		{15, 20, true},
		{20, 20, true},
		{24, 20, false},
		{5, 20, false},
		{5, 5, true},
		{9, 5, false},
		{25, 100, true},
	}
	for _, tc := range cases {
		if got := shouldSummarize(tc.count, tc.threshold); got != tc.want {
			t.Errorf("shouldSummarize(%d, %d) = %v, want %v", tc.count, tc.threshold, got, tc.want)
		}
	}
}

func TestSummarizePassesFireEveryFive(t *testing.T) {
	store := newFakeStore()
	c := newTestCoordinator(store, index.Disabled{}, nil, CoordinatorConfig{SummarizeThreshold: 20})
	ctx := context.Background()

	for i := 0; i < 24; i++ {
		c.AddMessage(ctx, "u1", core.RoleUser, "message")
	}

	// Threshold 20 floors to 10; passes at counts 10, 15, 20. Each pass
	// appends its window to history exactly once.
	if got := store.saveCount(); got != 3 {
		t.Errorf("expected 3 summarize passes, got %d", got)
	}
	if store.summaries["u1"] != "a summary" {
		t.Errorf("summary not persisted: %q", store.summaries["u1"])
	}
}

func TestPassAbortsOnShortWindow(t *testing.T) {
	store := newFakeStore()
	gen := &stubGenerator{response: "a summary"}
	c := newTestCoordinator(store, index.Disabled{}, gen, CoordinatorConfig{SummarizeThreshold: 5})
	ctx := context.Background()

	// Seed history so the counter hits the cadence while the buffer is
	// still short.
	store.history["u1"] = make([]record.HistoryEntry, 3)
	c.AddMessage(ctx, "u1", core.RoleUser, "one")
	c.AddMessage(ctx, "u1", core.RoleUser, "two")

	// Counter hit 5 at the second message; window is 2 (< 4), so the
	// pass aborts without touching the generator.
	if len(gen.prompts) != 0 {
		t.Errorf("short window must abort silently, generator saw %d calls", len(gen.prompts))
	}
	if got := store.saveCount(); got != 0 {
		t.Errorf("aborted pass must not append history, got %d saves", got)
	}
}

func TestCounterSeedsFromHistory(t *testing.T) {
	store := newFakeStore()
	store.history["u1"] = make([]record.HistoryEntry, 6)
	c := newTestCoordinator(store, index.Disabled{}, nil, CoordinatorConfig{SummarizeThreshold: 20})
	ctx := context.Background()

	// 6 durable rows + 4 fresh messages = counter 10: trigger fires with
	// a 4-message window. Without seeding the counter would sit at 4.
	for _, m := range []string{"a", "b", "c", "d"} {
		c.AddMessage(ctx, "u1", core.RoleUser, m)
	}

	if got := store.saveCount(); got != 1 {
		t.Errorf("expected seeded counter to trigger one pass, got %d", got)
	}
}

func TestSummarizerFailureLeavesMemoryIntact(t *testing.T) {
	store := newFakeStore()
	store.summaries["u1"] = "prior summary"
	gen := &stubGenerator{err: errors.New("backend down")}
	c := newTestCoordinator(store, index.Disabled{}, gen, CoordinatorConfig{SummarizeThreshold: 5})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.AddMessage(ctx, "u1", core.RoleUser, "message")
	}

	if store.summaries["u1"] != "prior summary" {
		t.Errorf("failed pass must not erase the summary, got %q", store.summaries["u1"])
	}
	if c.buffer.Count("u1") != 5 {
		t.Errorf("failed pass must leave the buffer intact, got %d", c.buffer.Count("u1"))
	}
	if got := store.saveCount(); got != 0 {
		t.Errorf("failed pass must not append history, got %d", got)
	}
}

func TestContextAssemblyOrderAndOmission(t *testing.T) {
	store := newFakeStore()
	store.summaries["u1"] = "likes jazz"
	store.facts["u1"] = []string{"plays piano", "has a dog"}
	idx := &recordingIndex{}
	c := newTestCoordinator(store, idx, nil, CoordinatorConfig{TopK: 3})
	ctx := context.Background()

	c.AddMessage(ctx, "u1", core.RoleUser, "hi")

	got := c.Context(ctx, "u1", "what do I play?", true)
	sections := strings.Split(got, "\n\n")
	if len(sections) != 4 {
		t.Fatalf("expected 4 sections, got %d:\n%s", len(sections), got)
	}
	for i, prefix := range []string{"[User background]", "[Known facts]", "[Related memories]", "[Recent conversation]"} {
		if !strings.HasPrefix(sections[i], prefix) {
			t.Errorf("section %d should start with %s, got %q", i, prefix, sections[i])
		}
	}

	// Retrieval off: the memories section disappears.
	got = c.Context(ctx, "u1", "what do I play?", false)
	if strings.Contains(got, "[Related memories]") {
		t.Error("include_rag=false must omit retrieval")
	}

	// Blank query: same.
	got = c.Context(ctx, "u1", "  ", true)
	if strings.Contains(got, "[Related memories]") {
		t.Error("blank query must omit retrieval")
	}
}

func TestContextEmptyWhenNothingKnown(t *testing.T) {
	c := newTestCoordinator(newFakeStore(), index.Disabled{}, nil, CoordinatorConfig{})
	if got := c.Context(context.Background(), "stranger", "query", true); got != "" {
		t.Errorf("expected empty context, got %q", got)
	}
}

func TestContextWithDisabledIndex(t *testing.T) {
	store := newFakeStore()
	store.summaries["u1"] = "likes jazz"
	c := newTestCoordinator(store, index.Disabled{}, nil, CoordinatorConfig{})
	ctx := context.Background()

	c.AddMessage(ctx, "u1", core.RoleUser, "hello")
	got := c.Context(ctx, "u1", "query", true)
	if strings.Contains(got, "[Related memories]") {
		t.Error("disabled index must contribute nothing")
	}
	if !strings.Contains(got, "[User background]") || !strings.Contains(got, "[Recent conversation]") {
		t.Errorf("other tiers must still assemble: %q", got)
	}
}

func TestPairIndexingToggle(t *testing.T) {
	ctx := context.Background()

	on := &recordingIndex{}
	c := newTestCoordinator(newFakeStore(), on, nil, CoordinatorConfig{PairIndexing: true})
	c.AddMessage(ctx, "u1", core.RoleUser, "hi")
	c.AddMessage(ctx, "u1", core.RoleAssistant, "hello")
	c.AddMessage(ctx, "u1", core.RoleUser, "how are you")
	// First message has no pair yet; the next two each index one.
	if got := on.addCount(); got != 2 {
		t.Errorf("expected 2 pair documents, got %d", got)
	}

	off := &recordingIndex{}
	c = newTestCoordinator(newFakeStore(), off, nil, CoordinatorConfig{PairIndexing: false})
	c.AddMessage(ctx, "u1", core.RoleUser, "hi")
	c.AddMessage(ctx, "u1", core.RoleAssistant, "hello")
	if got := off.addCount(); got != 0 {
		t.Errorf("toggle off must suppress pair indexing, got %d", got)
	}
}

func TestBlankContentSkipsPairIndexing(t *testing.T) {
	idx := &recordingIndex{}
	c := newTestCoordinator(newFakeStore(), idx, nil, CoordinatorConfig{PairIndexing: true})
	ctx := context.Background()

	c.AddMessage(ctx, "u1", core.RoleUser, "hi")
	c.AddMessage(ctx, "u1", core.RoleAssistant, "   ")
	if got := idx.addCount(); got != 0 {
		t.Errorf("blank content must not index, got %d", got)
	}
}

func TestClearWipesAllTiers(t *testing.T) {
	store := newFakeStore()
	idx := &recordingIndex{}
	c := newTestCoordinator(store, idx, nil, CoordinatorConfig{})
	ctx := context.Background()

	c.AddMessage(ctx, "u1", core.RoleUser, "hi")
	c.SetSetting(ctx, "u1", "tone", "formal")
	c.Clear(ctx, "u1")

	if c.buffer.Count("u1") != 0 {
		t.Error("buffer not cleared")
	}
	if !store.cleared {
		t.Error("record store not cleared")
	}
	if !idx.deleted {
		t.Error("index not cleared")
	}
	if _, ok := c.Setting(ctx, "u1", "tone"); ok {
		t.Error("settings survived clear")
	}

	// Counter entry is gone; the next ingest reseeds from (now empty)
	// history and starts back at zero.
	c.AddMessage(ctx, "u1", core.RoleUser, "again")
	if stats := c.Stats(ctx, "u1"); stats.TotalMessages != 1 {
		t.Errorf("expected counter restart at 1, got %d", stats.TotalMessages)
	}
}

func TestStatsAggregates(t *testing.T) {
	store := newFakeStore()
	store.summaries["u1"] = "summary"
	store.facts["u1"] = []string{"f1", "f2"}
	c := newTestCoordinator(store, index.Disabled{}, nil, CoordinatorConfig{})
	ctx := context.Background()

	c.AddMessage(ctx, "u1", core.RoleUser, "hi")
	stats := c.Stats(ctx, "u1")

	if stats.BufferLen != 1 {
		t.Errorf("buffer len: %d", stats.BufferLen)
	}
	if !stats.HasSummary {
		t.Error("has_summary should be true")
	}
	if stats.FactCount != 2 {
		t.Errorf("fact count: %d", stats.FactCount)
	}
	if stats.TotalMessages != 1 {
		t.Errorf("total messages: %d", stats.TotalMessages)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	c := newTestCoordinator(newFakeStore(), index.Disabled{}, nil, CoordinatorConfig{})
	ctx := context.Background()

	if err := c.SetSetting(ctx, "u1", "role_name", "pirate"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	v, ok := c.Setting(ctx, "u1", "role_name")
	if !ok || v != "pirate" {
		t.Errorf("expected pirate, got %v ok=%v", v, ok)
	}
	if _, ok := c.Setting(ctx, "u1", "missing"); ok {
		t.Error("missing key must report not ok")
	}
}
