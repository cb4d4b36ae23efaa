package plugin

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kotobot/koto/bus"
	"github.com/kotobot/koto/core"
)

// Role is one switchable persona.
type Role struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

var builtinRoles = []Role{
	{Name: "koto", Prompt: defaultSystemPrompt},
	{Name: "concise", Prompt: "You are Koto in concise mode. Answer in at most two short sentences."},
	{Name: "tutor", Prompt: "You are Koto the patient tutor. Explain step by step and check understanding."},
}

// CommandPlugin dispatches prefix commands.
type CommandPlugin struct {
	deps  Deps
	roles map[string]Role
}

// NewCommand creates the command plugin.
func NewCommand() *CommandPlugin {
	return &CommandPlugin{}
}

func (p *CommandPlugin) Name() string { return "command" }

func (p *CommandPlugin) Load(ctx context.Context, deps Deps) error {
	p.deps = deps
	p.roles = loadRoles(deps.Chat.RolesPath)
	deps.Bus.Subscribe("message.received", p.onMessage)
	return nil
}

func (p *CommandPlugin) Unload(ctx context.Context) error { return nil }

// loadRoles reads the roles file, falling back to the built-ins when
// the file is absent or broken.
func loadRoles(path string) map[string]Role {
	roles := make(map[string]Role)
	for _, r := range builtinRoles {
		roles[r.Name] = r
	}
	if path == "" {
		return roles
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[COMMAND] roles file unavailable, using built-ins: %v", err)
		return roles
	}
	var file struct {
		Roles []Role `yaml:"roles"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		log.Printf("[COMMAND] roles file invalid, using built-ins: %v", err)
		return roles
	}
	for _, r := range file.Roles {
		if r.Name != "" && r.Prompt != "" {
			roles[r.Name] = r
		}
	}
	return roles
}

func (p *CommandPlugin) onMessage(e bus.Event) {
	msg, ok := e.Data["message"].(core.IncomingMessage)
	if !ok {
		return
	}
	prefix := p.deps.Chat.Prefix
	if prefix == "" || !strings.HasPrefix(msg.Content, prefix) {
		return
	}

	fields := strings.Fields(strings.TrimPrefix(msg.Content, prefix))
	if len(fields) == 0 {
		return
	}
	command, args := fields[0], fields[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch command {
	case "help":
		p.reply(msg, p.helpText())
	case "ping":
		p.reply(msg, "pong")
	case "status":
		p.reply(msg, p.statusText())
	case "stats":
		p.reply(msg, p.statsText(ctx, msg.UserKey()))
	case "clear":
		p.deps.Bus.Publish("memory.clear", map[string]any{"user_id": msg.UserKey()}, "command")
		p.reply(msg, "Memory cleared. We can start fresh.")
	case "role":
		p.reply(msg, p.switchRole(ctx, msg.UserKey(), args))
	case "roles":
		p.reply(msg, p.rolesText())
	default:
		p.reply(msg, fmt.Sprintf("Unknown command %q. Try %shelp.", command, prefix))
	}
}

func (p *CommandPlugin) reply(msg core.IncomingMessage, text string) {
	p.deps.Bus.Publish("message.reply", map[string]any{
		"message": msg,
		"text":    text,
	}, "command")
}

func (p *CommandPlugin) helpText() string {
	prefix := p.deps.Chat.Prefix
	lines := []string{
		"Commands:",
		prefix + "help - this list",
		prefix + "ping - liveness check",
		prefix + "status - bot status",
		prefix + "stats - your memory stats",
		prefix + "clear - wipe everything I remember about you",
		prefix + "role <name> - switch my persona",
		prefix + "roles - list available personas",
	}
	return strings.Join(lines, "\n")
}

func (p *CommandPlugin) statusText() string {
	retrieval := "off"
	if p.deps.Memory.IndexEnabled() {
		retrieval = "on"
	}
	return fmt.Sprintf("provider: %s, semantic retrieval: %s",
		p.deps.Generator.Provider(), retrieval)
}

func (p *CommandPlugin) statsText(ctx context.Context, userKey string) string {
	stats := p.deps.Memory.Stats(ctx, userKey)
	summary := "no"
	if stats.HasSummary {
		summary = "yes"
	}
	return fmt.Sprintf(
		"buffered: %d, summary: %s, facts: %d, indexed: %d, lifetime messages: %d",
		stats.BufferLen, summary, stats.FactCount, stats.IndexedDocs, stats.TotalMessages)
}

// switchRole persists the persona and drops the short-term window so
// the new persona does not continue the old one's thread. Long-term
// memory survives the switch.
func (p *CommandPlugin) switchRole(ctx context.Context, userKey string, args []string) string {
	if len(args) == 0 {
		return "Usage: role <name>. See roles for the list."
	}
	name := args[0]
	role, ok := p.roles[name]
	if !ok {
		return fmt.Sprintf("Unknown role %q. See roles for the list.", name)
	}

	if err := p.deps.Memory.SetSetting(ctx, userKey, "role_prompt", role.Prompt); err != nil {
		log.Printf("[COMMAND] persist role prompt for %s: %v", userKey, err)
		return "Could not switch roles, please try again."
	}
	if err := p.deps.Memory.SetSetting(ctx, userKey, "role_name", role.Name); err != nil {
		log.Printf("[COMMAND] persist role name for %s: %v", userKey, err)
	}
	p.deps.Memory.ClearBuffer(userKey)

	p.deps.Bus.Publish("role.changed", map[string]any{
		"user_id": userKey,
		"role":    role.Name,
	}, "command")
	return fmt.Sprintf("Role switched to %s.", role.Name)
}

func (p *CommandPlugin) rolesText() string {
	names := make([]string, 0, len(p.roles))
	for name := range p.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return "Available roles: " + strings.Join(names, ", ")
}
