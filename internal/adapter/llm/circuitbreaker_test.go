package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/glindberg2000/superagent/internal/domain"
)

// flakyProvider counts calls and fails while fail is set.
type flakyProvider struct {
	calls int
	fail  bool
}

func (f *flakyProvider) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("%w: synthetic", domain.ErrTransport)
	}
	return &domain.ChatResponse{Message: domain.Message{Content: "ok"}}, nil
}

func (f *flakyProvider) Name() string { return "flaky" }

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyProvider{fail: true}
	cb := NewCircuitBreakerProvider(inner, CircuitBreakerConfig{MaxFailures: 3}, slog.Default())

	for i := 0; i < 3; i++ {
		if _, err := cb.Chat(context.Background(), domain.ChatRequest{}); err == nil {
			t.Fatal("expected failure")
		}
	}

	before := inner.calls
	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	if err == nil {
		t.Fatal("expected open-circuit failure")
	}
	if !errors.Is(err, domain.ErrProvider) {
		t.Errorf("open circuit error = %v, want ErrProvider", err)
	}
	if inner.calls != before {
		t.Error("open circuit must fail fast without reaching the provider")
	}
}

func TestCircuitPassesSuccess(t *testing.T) {
	cb := NewCircuitBreakerProvider(&flakyProvider{}, CircuitBreakerConfig{}, slog.Default())
	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}
