package memory

import (
	"sync"

	"github.com/kotobot/koto/core"
)

// Buffer is the short-term tier: a bounded, per-user, ordered message
// window held in process memory. No persistence; a restart empties it.
// All mutation goes through the coordinator.
type Buffer struct {
	maxMessages int

	mu    sync.RWMutex
	store map[string][]core.TurnMessage
}

// NewBuffer creates a buffer keeping at most maxMessages per user.
func NewBuffer(maxMessages int) *Buffer {
	if maxMessages <= 0 {
		maxMessages = 10
	}
	return &Buffer{
		maxMessages: maxMessages,
		store:       make(map[string][]core.TurnMessage),
	}
}

// Add appends a message for the user, evicting oldest-first once the
// window exceeds the configured maximum.
func (b *Buffer) Add(userID string, role core.Role, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := append(b.store[userID], core.NewTurn(role, content))
	if len(msgs) > b.maxMessages {
		msgs = msgs[len(msgs)-b.maxMessages:]
	}
	b.store[userID] = msgs
}

// Get returns the user's messages oldest-first. A positive limit truncates
// to the most recent limit entries. The returned slice is a copy.
func (b *Buffer) Get(userID string, limit int) []core.TurnMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msgs := b.store[userID]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]core.TurnMessage, len(msgs))
	copy(out, msgs)
	return out
}

// Formatted renders the user's window as a role-labeled transcript.
func (b *Buffer) Formatted(userID string, limit int) string {
	return Transcript(b.Get(userID, limit))
}

// PopOldest removes and returns up to count messages from the front.
func (b *Buffer) PopOldest(userID string, count int) []core.TurnMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.store[userID]
	if count > len(msgs) {
		count = len(msgs)
	}
	if count <= 0 {
		return nil
	}

	popped := make([]core.TurnMessage, count)
	copy(popped, msgs[:count])
	b.store[userID] = msgs[count:]
	return popped
}

// PopLast removes and returns the most recent message, if any.
func (b *Buffer) PopLast(userID string) (core.TurnMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.store[userID]
	if len(msgs) == 0 {
		return core.TurnMessage{}, false
	}
	last := msgs[len(msgs)-1]
	b.store[userID] = msgs[:len(msgs)-1]
	return last, true
}

// Clear removes the user's window entirely. Absence, not an empty slice,
// is the cleared state.
func (b *Buffer) Clear(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.store, userID)
}

// Count returns the user's current window length.
func (b *Buffer) Count(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.store[userID])
}

// IsFull reports whether the user's window is at capacity.
func (b *Buffer) IsFull(userID string) bool {
	return b.Count(userID) >= b.maxMessages
}

// MaxMessages returns the configured window size.
func (b *Buffer) MaxMessages() int {
	return b.maxMessages
}
