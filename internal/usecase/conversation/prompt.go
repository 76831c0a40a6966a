package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/glindberg2000/superagent/internal/domain"
)

// defaultPreamble grounds every agent before its personality is applied.
const defaultPreamble = "You are a Discord bot participating in a live conversation. " +
	"Reply naturally and concisely. Do not prefix replies with your own name."

// buildPrompt composes the provider message list in priority order:
// system (preamble, personality, suffix, memory block), then history
// oldest to newest, then the triggering turn. Provider adapters truncate
// from the oldest history first, so the ordering here is load-bearing.
func buildPrompt(spec domain.AgentSpec, memories []domain.SearchResult, history []domain.ChannelMessage, ev domain.InboundEvent, botUserID string) []domain.Message {
	var sys strings.Builder
	sys.WriteString(defaultPreamble)
	if spec.Personality != "" {
		sys.WriteString("\n\nPersonality: ")
		sys.WriteString(spec.Personality)
	}
	if spec.SystemPromptSuffix != "" {
		sys.WriteString("\n\n")
		sys.WriteString(spec.SystemPromptSuffix)
	}
	if block := memoryBlock(memories); block != "" {
		sys.WriteString("\n\n")
		sys.WriteString(block)
	}

	msgs := []domain.Message{{Role: domain.RoleSystem, Content: sys.String(), Timestamp: time.Now()}}

	for _, h := range history {
		if h.MessageID == ev.MessageID {
			continue // the triggering turn is appended last
		}
		role := domain.RoleUser
		content := h.Content
		if h.AuthorID == botUserID {
			role = domain.RoleAssistant
		} else if h.AuthorName != "" {
			content = fmt.Sprintf("%s: %s", h.AuthorName, h.Content)
		}
		msgs = append(msgs, domain.Message{Role: role, Content: content, Timestamp: h.Timestamp})
	}

	content := ev.Content
	if ev.AuthorName != "" {
		content = fmt.Sprintf("%s: %s", ev.AuthorName, ev.Content)
	}
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: content, Timestamp: ev.Timestamp})
	return msgs
}

// memoryBlock renders retrieved memories for the system prompt.
func memoryBlock(memories []domain.SearchResult) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memories from past conversations:")
	for _, m := range memories {
		b.WriteString("\n- ")
		b.WriteString(m.Content)
	}
	return b.String()
}
