// Package plugin holds the bot's feature units. Plugins are registered
// explicitly and wired through a Deps bundle; there is no discovery or
// ambient global state.
package plugin

import (
	"context"
	"fmt"
	"log"

	"github.com/kotobot/koto/bus"
	"github.com/kotobot/koto/config"
	"github.com/kotobot/koto/llm"
	"github.com/kotobot/koto/memory"
)

// Deps is everything a plugin may depend on.
type Deps struct {
	Bus       *bus.Bus
	Memory    *memory.Coordinator
	Generator llm.Generator
	Chat      config.Chat
}

// Plugin is one feature unit with an explicit lifecycle.
type Plugin interface {
	Name() string
	Load(ctx context.Context, deps Deps) error
	Unload(ctx context.Context) error
}

// Registry owns registered plugins in registration order.
type Registry struct {
	plugins []Plugin
	loaded  []Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a plugin. Call before LoadAll.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
}

// LoadAll loads every registered plugin in order. The first failure
// aborts and unloads what already came up.
func (r *Registry) LoadAll(ctx context.Context, deps Deps) error {
	for _, p := range r.plugins {
		if err := p.Load(ctx, deps); err != nil {
			r.UnloadAll(ctx)
			return fmt.Errorf("load plugin %s: %w", p.Name(), err)
		}
		r.loaded = append(r.loaded, p)
		log.Printf("[PLUGIN] loaded: %s", p.Name())
	}
	return nil
}

// UnloadAll unloads loaded plugins in reverse order.
func (r *Registry) UnloadAll(ctx context.Context) {
	for i := len(r.loaded) - 1; i >= 0; i-- {
		p := r.loaded[i]
		if err := p.Unload(ctx); err != nil {
			log.Printf("[PLUGIN] unload %s: %v", p.Name(), err)
		}
	}
	r.loaded = nil
}

// Names lists registered plugin names in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		names[i] = p.Name()
	}
	return names
}
