// Package platform abstracts chat transports behind a small adapter
// interface and fans their traffic into one handler.
package platform

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/kotobot/koto/core"
)

// MessageHandler receives every normalized incoming message.
type MessageHandler func(core.IncomingMessage)

// Adapter is one chat transport.
type Adapter interface {
	// Connect establishes the transport and starts delivering messages
	// to the handler set via Manager. Returns once connected; the read
	// loop runs in the background until Disconnect or ctx cancellation.
	Connect(ctx context.Context) error

	// Disconnect tears the transport down.
	Disconnect() error

	// Reply sends text back to wherever original came from.
	Reply(ctx context.Context, original core.IncomingMessage, text string) error

	// Platform names the transport ("gateway", "qq", ...).
	Platform() string

	// Connected reports live transport state.
	Connected() bool

	// OnMessage sets the delivery callback. Must be called before
	// Connect.
	OnMessage(MessageHandler)
}

// Manager owns the registered adapters and routes replies by platform
// name.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	handler  MessageHandler
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering two adapters with the same
// platform name replaces the first.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Platform()] = a
	if m.handler != nil {
		a.OnMessage(m.handler)
	}
}

// OnMessage sets the handler every adapter delivers into.
func (m *Manager) OnMessage(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	for _, a := range m.adapters {
		a.OnMessage(h)
	}
}

// ConnectAll connects every adapter. A failing adapter is logged and
// skipped; the bot runs with whatever transports came up.
func (m *Manager) ConnectAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, a := range m.adapters {
		if err := a.Connect(ctx); err != nil {
			log.Printf("[PLATFORM] connect %s failed: %v", name, err)
			continue
		}
		log.Printf("[PLATFORM] connected: %s", name)
	}
}

// DisconnectAll tears every adapter down.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, a := range m.adapters {
		if err := a.Disconnect(); err != nil {
			log.Printf("[PLATFORM] disconnect %s: %v", name, err)
		}
	}
}

// Reply routes a reply through the adapter the message arrived on.
func (m *Manager) Reply(ctx context.Context, original core.IncomingMessage, text string) error {
	m.mu.RLock()
	a, ok := m.adapters[original.Platform]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no adapter for platform %q", original.Platform)
	}
	return a.Reply(ctx, original, text)
}

// Platforms lists registered platform names with their connection
// state.
func (m *Manager) Platforms() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.adapters))
	for name, a := range m.adapters {
		out[name] = a.Connected()
	}
	return out
}
