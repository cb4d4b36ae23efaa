// Package chromem backs the semantic index with chromem-go, a pure Go
// embedded vector database.
package chromem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kotobot/koto/core"
	"github.com/kotobot/koto/memory"
	"github.com/kotobot/koto/memory/index"
)

// Config for the chromem index.
type Config struct {
	// PersistPath, when set, stores collections on disk. Empty keeps
	// everything in memory.
	PersistPath string

	// ChunkSize is the message-window chunk length for AddConversation.
	ChunkSize int
}

// ChromemIndex stores per-user collections; each user gets their own
// collection for namespace isolation.
type ChromemIndex struct {
	db        *chromem.DB
	embedFunc chromem.EmbeddingFunc
	chunkSize int

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// New creates the index. The embedder is bridged into chromem's
// EmbeddingFunc so documents and queries embed through the same model.
func New(embedder memory.Embedder, cfg Config) (*ChromemIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("chromem index requires an embedder")
	}

	var db *chromem.DB
	if cfg.PersistPath != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.PersistPath, false)
		if err != nil {
			return nil, fmt.Errorf("open persistent db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	chunkSize := cfg.ChunkSize
	if chunkSize < 2 {
		chunkSize = 3
	}

	return &ChromemIndex{
		db: db,
		embedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return embedder.Embed(ctx, text)
		},
		chunkSize:   chunkSize,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (x *ChromemIndex) collection(userID string) (*chromem.Collection, error) {
	x.mu.RLock()
	col, ok := x.collections[userID]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[userID]; ok {
		return col, nil
	}

	col, err := x.db.GetOrCreateCollection(collectionName(userID), nil, x.embedFunc)
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	x.collections[userID] = col
	return col, nil
}

func collectionName(userID string) string {
	if userID == "" {
		return "global"
	}
	return "user_" + userID
}

// docID derives a content-addressed document ID. Identical content
// stored at different times gets distinct IDs; identical content in the
// same instant collapses, which keeps tight retry loops from
// duplicating documents.
func docID(userID, content string, at time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d", userID, content, at.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// lookup returns the user's collection without creating one, so read
// paths leave no empty collections behind for unknown users.
func (x *ChromemIndex) lookup(userID string) *chromem.Collection {
	x.mu.RLock()
	col, ok := x.collections[userID]
	x.mu.RUnlock()
	if ok {
		return col
	}
	return x.db.GetCollection(collectionName(userID), x.embedFunc)
}

func (x *ChromemIndex) Add(ctx context.Context, userID, content string, metadata map[string]string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil
	}
	col, err := x.collection(userID)
	if err != nil {
		return "", err
	}

	meta := map[string]string{
		"user_id":    userID,
		"created_at": time.Now().Format(time.RFC3339),
	}
	for k, v := range metadata {
		meta[k] = v
	}

	id := docID(userID, content, time.Now())
	doc := chromem.Document{
		ID:       id,
		Content:  content,
		Metadata: meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("add document: %w", err)
	}
	return id, nil
}

// AddConversation splits the window into overlapping chunks of
// chunkSize messages (step chunkSize-1, so adjacent chunks share one
// message) and stores each chunk's transcript, tagged with its
// starting offset in the window.
func (x *ChromemIndex) AddConversation(ctx context.Context, userID string, messages []core.TurnMessage) error {
	if len(messages) == 0 {
		return nil
	}

	step := x.chunkSize - 1
	for start := 0; start < len(messages); start += step {
		end := start + x.chunkSize
		if end > len(messages) {
			end = len(messages)
		}
		chunk := memory.Transcript(messages[start:end])
		meta := map[string]string{
			"kind":        "conversation",
			"chunk_index": strconv.Itoa(start),
		}
		if _, err := x.Add(ctx, userID, chunk, meta); err != nil {
			return err
		}
		if end == len(messages) {
			break
		}
	}
	return nil
}

func (x *ChromemIndex) Search(ctx context.Context, userID, query string, topK int, minScore float64) ([]index.SearchResult, error) {
	if query == "" || topK <= 0 {
		return nil, nil
	}
	col := x.lookup(userID)
	if col == nil {
		return nil, nil
	}

	// chromem rejects nResults larger than the collection.
	n := topK
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	log.Printf("[CHROMEM] user=%s query returned %d raw results", userID, len(results))

	var hits []index.SearchResult
	for _, r := range results {
		// Cosine similarity in [-1, 1] mapped to [0, 1].
		score := (1 + float64(r.Similarity)) / 2
		if score < minScore {
			continue
		}
		hits = append(hits, index.SearchResult{
			Content:  r.Content,
			Score:    score,
			Metadata: r.Metadata,
		})
	}
	return hits, nil
}

func (x *ChromemIndex) SearchFormatted(ctx context.Context, userID, query string, topK int, minScore float64) (string, error) {
	hits, err := x.Search(ctx, userID, query, topK, minScore)
	if err != nil {
		return "", err
	}
	return index.FormatResults(hits), nil
}

func (x *ChromemIndex) DeleteUser(ctx context.Context, userID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.db.DeleteCollection(collectionName(userID)); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	delete(x.collections, userID)
	return nil
}

// Count reports documents stored for one user, or the total across
// every collection when userID is empty.
func (x *ChromemIndex) Count(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		total := 0
		for _, col := range x.db.ListCollections() {
			total += col.Count()
		}
		return total, nil
	}
	col := x.lookup(userID)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

func (x *ChromemIndex) Enabled() bool { return true }
