package domain

import "context"

// LLMProvider is a chat-completion backend.
type LLMProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
}

// KnownProviders is the closed set of provider names a spec may select.
var KnownProviders = map[string]bool{
	"grok":      true,
	"anthropic": true,
	"google":    true,
	"openai":    true,
}
