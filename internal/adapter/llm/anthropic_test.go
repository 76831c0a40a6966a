package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glindberg2000/superagent/internal/domain"
)

func TestAnthropicChat(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "secret" {
			t.Errorf("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic-version header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(anthropicResponse{
			ID:      "msg_1",
			Model:   "claude-sonnet-4-5",
			Content: []anthropicContent{{Type: "text", Text: "hi there"}},
			Usage:   anthropicUsage{InputTokens: 7, OutputTokens: 3},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{Name: "anthropic", Model: "claude-sonnet-4-5", APIKey: "secret", BaseURL: srv.URL}, slog.Default())
	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "persona"},
			{Role: domain.RoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "hi there" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if got.System != "persona" {
		t.Errorf("system not lifted: %q", got.System)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.MaxTokens == 0 {
		t.Error("max_tokens must be set for the Messages API")
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("usage total = %d", resp.Usage.TotalTokens)
	}
}
