package secrets

import (
	"errors"
	"testing"

	"github.com/glindberg2000/superagent/internal/domain"
)

func mapLookup(m map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestResolveMissingIsFatal(t *testing.T) {
	_, err := Resolve([]string{"TOKEN_A", "TOKEN_B"}, mapLookup(map[string]string{"TOKEN_A": "x"}))
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("got %v, want ErrConfig", err)
	}
}

func TestBotTokensDuplicateRejected(t *testing.T) {
	r, err := Resolve([]string{"TOKEN_X"}, mapLookup(map[string]string{"TOKEN_X": "tok"}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	specs := map[string]domain.AgentSpec{
		"a1": {ID: "a1", DiscordTokenRef: "TOKEN_X"},
		"a2": {ID: "a2", DiscordTokenRef: "TOKEN_X"},
	}
	_, err = r.BotTokens(specs)
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
}

func TestBotTokensDistinct(t *testing.T) {
	env := map[string]string{"TOKEN_A": "ta", "TOKEN_B": "tb"}
	r, err := Resolve([]string{"TOKEN_A", "TOKEN_B"}, mapLookup(env))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	specs := map[string]domain.AgentSpec{
		"a1": {ID: "a1", DiscordTokenRef: "TOKEN_A"},
		"a2": {ID: "a2", DiscordTokenRef: "TOKEN_B"},
	}
	tokens, err := r.BotTokens(specs)
	if err != nil {
		t.Fatalf("BotTokens: %v", err)
	}
	if tokens["a1"] != "ta" || tokens["a2"] != "tb" {
		t.Errorf("tokens = %v", tokens)
	}
}
