// Package memory implements the conversational memory subsystem.
//
// Three tiers cooperate under one coordinator:
//   - Buffer: bounded per-user recent-message window, process memory only
//   - record.Store: durable per-user summary, facts, settings, and history
//   - index.Index: semantic vector index of conversation chunks
//
// The Coordinator decides ingestion order, summarization cadence, context
// assembly, and cross-tier reset. Memory enrichment is best-effort: a tier
// failure is logged and the chat path continues with whatever the other
// tiers produced. AddMessage, Context, and Clear never return an error to
// the caller.
//
// Integration:
//   - AddMessage on every inbound and outbound turn
//   - Context before each generation call
//   - Clear on explicit user request
package memory
