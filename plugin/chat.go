package plugin

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/kotobot/koto/bus"
	"github.com/kotobot/koto/core"
)

const defaultSystemPrompt = `You are Koto, a warm and attentive chat companion. Reply naturally in the
user's language, keep answers conversational, and use what you know about the
user when it helps.`

const apologyReply = "Sorry, I had trouble thinking of a reply just now. Could you try again?"

const generateTimeout = 60 * time.Second

// ChatPlugin turns incoming messages into generated replies, routing
// everything it knows about the user through the memory coordinator.
type ChatPlugin struct {
	deps Deps
}

// NewChat creates the chat plugin.
func NewChat() *ChatPlugin {
	return &ChatPlugin{}
}

func (p *ChatPlugin) Name() string { return "chat" }

func (p *ChatPlugin) Load(ctx context.Context, deps Deps) error {
	p.deps = deps
	deps.Bus.Subscribe("message.received", p.onMessage)
	deps.Bus.Subscribe("memory.clear", p.onClear)
	return nil
}

func (p *ChatPlugin) Unload(ctx context.Context) error { return nil }

func (p *ChatPlugin) onMessage(e bus.Event) {
	msg, ok := e.Data["message"].(core.IncomingMessage)
	if !ok {
		return
	}
	// Commands belong to the command plugin.
	if p.deps.Chat.Prefix != "" && strings.HasPrefix(msg.Content, p.deps.Chat.Prefix) {
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), generateTimeout)
	defer cancel()

	userKey := msg.UserKey()
	p.deps.Memory.AddMessage(ctx, userKey, core.RoleUser, msg.Content)

	reply := p.generate(ctx, userKey, msg.Content)
	p.deps.Memory.AddMessage(ctx, userKey, core.RoleAssistant, reply)

	p.deps.Bus.Publish("message.reply", map[string]any{
		"message": msg,
		"text":    reply,
	}, "chat")
}

// generate assembles the system prompt from persona, role, and memory
// context, then asks the model. Any failure falls back to a fixed
// apology; memory errors never surface to the user.
func (p *ChatPlugin) generate(ctx context.Context, userKey, content string) string {
	system := p.deps.Chat.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	if rolePrompt, ok := p.deps.Memory.Setting(ctx, userKey, "role_prompt"); ok {
		if s, ok := rolePrompt.(string); ok && s != "" {
			system = s
		}
	}

	if memCtx := p.deps.Memory.Context(ctx, userKey, content, true); memCtx != "" {
		system += "\n\nWhat you know about this user and conversation:\n" + memCtx
	}

	reply, err := p.deps.Generator.GenerateChat(ctx, system, p.deps.Memory.MessagesForLLM(userKey))
	if err != nil {
		log.Printf("[CHAT] generation failed for %s: %v", userKey, err)
		return apologyReply
	}
	if strings.TrimSpace(reply) == "" {
		return apologyReply
	}
	return reply
}

func (p *ChatPlugin) onClear(e bus.Event) {
	userID, ok := e.Data["user_id"].(string)
	if !ok || userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.deps.Memory.Clear(ctx, userID)
}
