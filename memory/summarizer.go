package memory

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/kotobot/koto/core"
)

// TextGenerator is the single-call generation surface the summarizer
// needs. llm.Generator satisfies it.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Summarizer compresses a message window into an updated summary and a
// short list of atomic facts. It holds no state; each operation is one
// generation call over its inputs.
type Summarizer struct {
	gen TextGenerator
}

// NewSummarizer creates a summarizer over the given generator.
func NewSummarizer(gen TextGenerator) *Summarizer {
	return &Summarizer{gen: gen}
}

const summaryPrompt = `You maintain a running summary of a conversation between a user and an assistant.
%sConversation:
%s

Write an updated summary of what is known about the user and the conversation so far.
Keep it under 150 words, third person, plain prose. Reply with the summary only.`

const factsPrompt = `Extract durable facts about the user from this conversation: stable preferences, biographical details, or commitments. Ignore small talk and one-off remarks.

Conversation:
%s

List at most 3 facts, one per line. If there are none, reply with exactly "none".`

// Summarize returns an updated summary for the window. On any failure
// it returns existing unchanged; a failed pass must never erase what
// is already known.
func (s *Summarizer) Summarize(ctx context.Context, messages []core.TurnMessage, existing string) (string, error) {
	if len(messages) == 0 {
		return existing, nil
	}

	framing := ""
	if existing != "" {
		framing = fmt.Sprintf("Current summary:\n%s\n\n", existing)
	}
	prompt := fmt.Sprintf(summaryPrompt, framing, Transcript(messages))

	out, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		log.Printf("[MEMORY] summarize failed, keeping existing summary: %v", err)
		return existing, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return existing, nil
	}
	return out, nil
}

// ExtractFacts returns at most three atomic facts from the window. A
// "none" reply, a blank reply, or an error all yield an empty list.
func (s *Summarizer) ExtractFacts(ctx context.Context, messages []core.TurnMessage) ([]string, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	out, err := s.gen.Generate(ctx, fmt.Sprintf(factsPrompt, Transcript(messages)))
	if err != nil {
		log.Printf("[MEMORY] fact extraction failed: %v", err)
		return nil, err
	}

	out = strings.TrimSpace(out)
	if out == "" || strings.EqualFold(out, "none") {
		return nil, nil
	}

	var facts []string
	for _, line := range strings.Split(out, "\n") {
		fact := stripListMarker(strings.TrimSpace(line))
		if fact == "" || strings.EqualFold(fact, "none") {
			continue
		}
		facts = append(facts, fact)
		if len(facts) == 3 {
			break
		}
	}
	return facts, nil
}

// stripListMarker drops a leading bullet or "1." style number.
func stripListMarker(line string) string {
	line = strings.TrimLeft(line, "-*• \t")
	for i := 0; i < len(line); i++ {
		if line[i] >= '0' && line[i] <= '9' {
			continue
		}
		if (line[i] == '.' || line[i] == ')') && i > 0 {
			return strings.TrimSpace(line[i+1:])
		}
		break
	}
	return strings.TrimSpace(line)
}
