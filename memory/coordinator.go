package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/kotobot/koto/bus"
	"github.com/kotobot/koto/core"
	"github.com/kotobot/koto/memory/index"
	"github.com/kotobot/koto/memory/record"
	"github.com/kotobot/koto/observability"
)

// CoordinatorConfig holds the tunables the coordinator reads per call.
type CoordinatorConfig struct {
	// SummarizeThreshold is the configured cadence floor. The effective
	// floor is min(SummarizeThreshold, 10).
	SummarizeThreshold int

	// TopK and MinScore parameterize semantic retrieval.
	TopK     int
	MinScore float64

	// PairIndexing indexes each user/assistant exchange as it happens,
	// keeping retrieval warm between summarization passes. Redundant
	// with full-window indexing on purpose; recall over precision.
	PairIndexing bool
}

// Stats is the read-only per-user aggregate.
type Stats struct {
	BufferLen     int  `json:"buffer_len"`
	HasSummary    bool `json:"has_summary"`
	FactCount     int  `json:"fact_count"`
	IndexedDocs   int  `json:"indexed_docs"`
	TotalMessages int  `json:"total_messages"`
}

// Coordinator orchestrates the three tiers. AddMessage, Context, and
// Clear never return errors; tier failures are logged and absorbed so
// the conversation keeps flowing with whatever memory is available.
type Coordinator struct {
	buffer     *Buffer
	records    record.Store
	idx        index.Index
	summarizer *Summarizer
	cfg        CoordinatorConfig

	metrics *observability.Metrics
	events  *bus.Bus

	mu       sync.Mutex
	userLock map[string]*sync.Mutex
	counter  map[string]int
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *observability.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithEventBus publishes memory lifecycle events (memory.summarized,
// memory.cleared) on the given bus.
func WithEventBus(b *bus.Bus) CoordinatorOption {
	return func(c *Coordinator) { c.events = b }
}

// NewCoordinator wires the tiers together. A nil idx is replaced with
// the disabled index.
func NewCoordinator(buffer *Buffer, records record.Store, idx index.Index, summarizer *Summarizer, cfg CoordinatorConfig, opts ...CoordinatorOption) *Coordinator {
	if idx == nil {
		idx = index.Disabled{}
	}
	if cfg.SummarizeThreshold <= 0 {
		cfg.SummarizeThreshold = 20
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}

	c := &Coordinator{
		buffer:     buffer,
		records:    records,
		idx:        idx,
		summarizer: summarizer,
		cfg:        cfg,
		userLock:   make(map[string]*sync.Mutex),
		counter:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) lockFor(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.userLock[userID]
	if !ok {
		l = &sync.Mutex{}
		c.userLock[userID] = l
	}
	return l
}

// seedCounter initializes the per-user counter from the durable history
// row count the first time a user is seen. Restart then resumes the
// cadence from where the history left off instead of from zero.
func (c *Coordinator) seedCounter(ctx context.Context, userID string) {
	c.mu.Lock()
	_, seen := c.counter[userID]
	c.mu.Unlock()
	if seen {
		return
	}

	count, err := c.records.HistoryCount(ctx, userID)
	if err != nil {
		log.Printf("[MEMORY] counter seed failed for %s, starting at zero: %v", userID, err)
		c.metrics.IncTierError("record")
		count = 0
	}

	c.mu.Lock()
	if _, seen := c.counter[userID]; !seen {
		c.counter[userID] = count
	}
	c.mu.Unlock()
}

// AddMessage ingests one message: buffer append, opportunistic pair
// indexing, counter increment, and the summarization trigger. It never
// fails; enrichment errors are logged and dropped.
func (c *Coordinator) AddMessage(ctx context.Context, userID string, role core.Role, content string) {
	lock := c.lockFor(userID)
	lock.Lock()

	c.seedCounter(ctx, userID)
	c.buffer.Add(userID, role, content)

	var pair []core.TurnMessage
	if strings.TrimSpace(content) != "" && c.idx.Enabled() && c.cfg.PairIndexing {
		if last := c.buffer.Get(userID, 2); len(last) == 2 {
			pair = last
		}
	}

	c.mu.Lock()
	c.counter[userID]++
	count := c.counter[userID]
	c.mu.Unlock()

	lock.Unlock()
	c.metrics.IncIngested()

	// Everything below runs on copied state, so slow I/O never blocks
	// the next AddMessage for this user.
	if pair != nil {
		if _, err := c.idx.Add(ctx, userID, Transcript(pair), map[string]string{"kind": "exchange"}); err != nil {
			log.Printf("[MEMORY] pair indexing failed for %s: %v", userID, err)
			c.metrics.IncTierError("index")
		}
	}

	if shouldSummarize(count, c.cfg.SummarizeThreshold) {
		c.summarizePass(ctx, userID)
	}
}

// shouldSummarize implements the cadence: fire every 5 messages once
// the counter reaches min(threshold, 10).
func shouldSummarize(count, threshold int) bool {
	floor := threshold
	if floor > 10 {
		floor = 10
	}
	return count >= floor && count%5 == 0
}

// summarizePass compresses the current window into the durable record.
// Any step may fail; the buffer and counter are untouched either way,
// so the next trigger retries with a larger window.
func (c *Coordinator) summarizePass(ctx context.Context, userID string) {
	window := c.buffer.Get(userID, 0)
	if len(window) < 4 {
		return
	}
	c.metrics.IncSummarizePass()
	log.Printf("[MEMORY] summarize pass for %s over %d messages", userID, len(window))

	existing, err := c.records.Summary(ctx, userID)
	if err != nil {
		log.Printf("[MEMORY] read summary failed for %s: %v", userID, err)
		c.metrics.IncTierError("record")
	}

	summary, err := c.summarizer.Summarize(ctx, window, existing)
	if err != nil {
		c.metrics.IncSummarizeFailure()
		return
	}
	if summary != existing {
		if err := c.records.UpdateSummary(ctx, userID, summary); err != nil {
			log.Printf("[MEMORY] persist summary failed for %s: %v", userID, err)
			c.metrics.IncTierError("record")
		}
	}

	facts, err := c.summarizer.ExtractFacts(ctx, window)
	if err == nil {
		for _, fact := range facts {
			if err := c.records.AddFact(ctx, userID, fact); err != nil {
				log.Printf("[MEMORY] persist fact failed for %s: %v", userID, err)
				c.metrics.IncTierError("record")
			}
		}
	}

	if err := c.idx.AddConversation(ctx, userID, window); err != nil {
		log.Printf("[MEMORY] window indexing failed for %s: %v", userID, err)
		c.metrics.IncTierError("index")
	}

	if err := c.records.SaveConversation(ctx, userID, window); err != nil {
		log.Printf("[MEMORY] history append failed for %s: %v", userID, err)
		c.metrics.IncTierError("record")
	}

	if c.events != nil {
		c.events.Publish("memory.summarized", map[string]any{
			"user_id": userID,
			"window":  len(window),
			"facts":   len(facts),
		}, "memory")
	}
}

// Context assembles the generation context: summary, facts, semantic
// retrieval, then the recent window. Empty sections are omitted;
// returns "" when nothing is known.
func (c *Coordinator) Context(ctx context.Context, userID, query string, includeRAG bool) string {
	var sections []string

	summary, err := c.records.Summary(ctx, userID)
	if err != nil {
		log.Printf("[MEMORY] read summary failed for %s: %v", userID, err)
		c.metrics.IncTierError("record")
	} else if summary != "" {
		sections = append(sections, "[User background]\n"+summary)
	}

	facts, err := c.records.Facts(ctx, userID)
	if err != nil {
		log.Printf("[MEMORY] read facts failed for %s: %v", userID, err)
		c.metrics.IncTierError("record")
	} else if len(facts) > 0 {
		sections = append(sections, "[Known facts]\n- "+strings.Join(facts, "\n- "))
	}

	if includeRAG && strings.TrimSpace(query) != "" && c.idx.Enabled() {
		block, err := c.idx.SearchFormatted(ctx, userID, query, c.cfg.TopK, c.cfg.MinScore)
		if err != nil {
			log.Printf("[MEMORY] retrieval failed for %s: %v", userID, err)
			c.metrics.IncTierError("index")
		} else if block != "" {
			sections = append(sections, "[Related memories]\n"+block)
		}
	}

	if recent := c.buffer.Formatted(userID, 0); recent != "" {
		sections = append(sections, "[Recent conversation]\n"+recent)
	}

	c.metrics.IncContextAssembly()
	return strings.Join(sections, "\n\n")
}

// MessagesForLLM returns the buffered window as role/content pairs.
func (c *Coordinator) MessagesForLLM(userID string) []core.TurnMessage {
	return c.buffer.Get(userID, 0)
}

// Clear wipes all three tiers and the counter for the user. Each
// sub-clear is independent; one failing does not block the others.
func (c *Coordinator) Clear(ctx context.Context, userID string) {
	lock := c.lockFor(userID)
	lock.Lock()
	c.buffer.Clear(userID)
	c.mu.Lock()
	delete(c.counter, userID)
	c.mu.Unlock()
	lock.Unlock()

	if err := c.records.ClearUser(ctx, userID); err != nil {
		log.Printf("[MEMORY] record clear failed for %s: %v", userID, err)
		c.metrics.IncTierError("record")
	}
	if c.idx.Enabled() {
		if err := c.idx.DeleteUser(ctx, userID); err != nil {
			log.Printf("[MEMORY] index clear failed for %s: %v", userID, err)
			c.metrics.IncTierError("index")
		}
	}

	if c.events != nil {
		c.events.Publish("memory.cleared", map[string]any{"user_id": userID}, "memory")
	}
}

// ClearBuffer drops only the short-term window, leaving the durable
// record and index alone. Used on role switches, where the persona
// changes but the user's long-term memory should survive.
func (c *Coordinator) ClearBuffer(userID string) {
	lock := c.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()
	c.buffer.Clear(userID)
}

// Stats returns the per-user aggregate across tiers.
func (c *Coordinator) Stats(ctx context.Context, userID string) Stats {
	s := Stats{BufferLen: c.buffer.Count(userID)}

	info, err := c.records.UserInfo(ctx, userID)
	if err != nil {
		log.Printf("[MEMORY] read user info failed for %s: %v", userID, err)
		c.metrics.IncTierError("record")
	} else {
		s.HasSummary = info.Summary != ""
		s.FactCount = len(info.Facts)
	}

	if c.idx.Enabled() {
		if docs, err := c.idx.Count(ctx, userID); err == nil {
			s.IndexedDocs = docs
		}
	}

	c.mu.Lock()
	count, seen := c.counter[userID]
	c.mu.Unlock()
	if seen {
		s.TotalMessages = count
	} else if n, err := c.records.HistoryCount(ctx, userID); err == nil {
		s.TotalMessages = n
	}
	return s
}

// Setting reads one per-user settings value, with ok reporting
// presence.
func (c *Coordinator) Setting(ctx context.Context, userID, key string) (any, bool) {
	v, ok, err := c.records.Setting(ctx, userID, key)
	if err != nil {
		log.Printf("[MEMORY] read setting %s failed for %s: %v", key, userID, err)
		c.metrics.IncTierError("record")
		return nil, false
	}
	return v, ok
}

// SetSetting merge-writes one per-user settings key.
func (c *Coordinator) SetSetting(ctx context.Context, userID, key string, value any) error {
	if err := c.records.SetSetting(ctx, userID, key, value); err != nil {
		c.metrics.IncTierError("record")
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// IndexEnabled reports whether semantic retrieval is active.
func (c *Coordinator) IndexEnabled() bool {
	return c.idx.Enabled()
}
