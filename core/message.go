package core

import (
	"fmt"
	"time"
)

// Role identifies the speaker of a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnMessage is a single conversational turn. Immutable once created;
// each memory tier stores its own copy rather than sharing references.
type TurnMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a TurnMessage stamped with the current time.
func NewTurn(role Role, content string) TurnMessage {
	return TurnMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// User identifies a message author on a chat platform.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel identifies where a message was sent.
type Channel struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "group" or "private"
}

// IncomingMessage is a normalized message delivered by a platform adapter.
type IncomingMessage struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	Author    User      `json:"author"`
	Channel   Channel   `json:"channel"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UserKey returns the memory subsystem's user key for a message.
// Platform plus author ID is assumed already disambiguated by the adapter.
func (m IncomingMessage) UserKey() string {
	return fmt.Sprintf("%s:%s", m.Platform, m.Author.ID)
}
