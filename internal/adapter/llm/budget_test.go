package llm

import (
	"strings"
	"testing"

	"github.com/glindberg2000/superagent/internal/domain"
)

func TestTrimToBudgetKeepsSystemAndNewest(t *testing.T) {
	long := strings.Repeat("word ", 200)
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "persona"},
		{Role: domain.RoleUser, Content: long},
		{Role: domain.RoleAssistant, Content: long},
		{Role: domain.RoleUser, Content: "the new turn"},
	}

	out := TrimToBudget(msgs, 60)
	if len(out) == 0 {
		t.Fatal("all messages dropped")
	}
	if out[0].Role != domain.RoleSystem {
		t.Errorf("system message dropped, first = %+v", out[0])
	}
	if out[len(out)-1].Content != "the new turn" {
		t.Errorf("newest turn dropped, last = %+v", out[len(out)-1])
	}
	if len(out) >= len(msgs) {
		t.Errorf("nothing trimmed: %d messages", len(out))
	}
}

func TestTrimToBudgetNoopWhenUnderBudget(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "short"},
	}
	out := TrimToBudget(msgs, 1000)
	if len(out) != 1 {
		t.Errorf("got %d messages, want 1", len(out))
	}
}

func TestCountTokensNonZero(t *testing.T) {
	if CountTokens("hello world") == 0 {
		t.Error("expected non-zero token count")
	}
}
