package config

import (
	"errors"
	"testing"
	"time"

	"github.com/glindberg2000/superagent/internal/domain"
)

const validDoc = `
global:
  memory_dsn: "postgres://localhost/superagent"
  embedding_dimension: 1536
agents:
  alpha:
    kind: process
    display_name: "Alpha"
    personality: "terse and helpful"
    llm:
      provider: grok
      model: grok-4
    discord_token_ref: TOKEN_ALPHA
    behavior:
      max_turns_per_thread: 3
      ignore_bots: true
  builder:
    kind: container
    discord_token_ref: TOKEN_BUILDER
    resources:
      image: "superagent/claude-dev:latest"
      workspace_host_path: /srv/work/builder
      workspace_mount_path: /workspace
secrets_refs:
  - TOKEN_ALPHA
  - TOKEN_BUILDER
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	alpha, ok := cfg.Agents["alpha"]
	if !ok {
		t.Fatal("agent alpha missing")
	}
	if alpha.ID != "alpha" {
		t.Errorf("ID backfilled from key: got %q", alpha.ID)
	}
	if alpha.Kind != domain.KindProcess {
		t.Errorf("kind = %q", alpha.Kind)
	}
	if alpha.Behavior.MaxTurnsPerThread != 3 {
		t.Errorf("max_turns_per_thread = %d", alpha.Behavior.MaxTurnsPerThread)
	}
	if cfg.Global.ProbeInterval != 60*time.Second {
		t.Errorf("default probe_interval = %v", cfg.Global.ProbeInterval)
	}
	if cfg.Global.EmbeddingDim != 1536 {
		t.Errorf("embedding_dimension = %d", cfg.Global.EmbeddingDim)
	}
}

func TestParseDeterministic(t *testing.T) {
	a, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	b, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if len(a.Agents) != len(b.Agents) {
		t.Fatal("agent sets differ between loads")
	}
	for id, spec := range a.Agents {
		other := b.Agents[id]
		if other.ID != spec.ID || other.DiscordTokenRef != spec.DiscordTokenRef || other.Kind != spec.Kind {
			t.Errorf("agent %q differs between loads", id)
		}
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	doc := validDoc + "\nnot_a_section: true\n"
	if _, err := Parse([]byte(doc)); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("unknown key: got %v, want ErrConfig", err)
	}
}

func TestValidateProcessWithResources(t *testing.T) {
	doc := `
agents:
  bad:
    kind: process
    discord_token_ref: T
    llm:
      provider: openai
    resources:
      image: "x"
`
	if _, err := Parse([]byte(doc)); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("process+resources: got %v, want ErrConfig", err)
	}
}

func TestValidateUnknownProvider(t *testing.T) {
	doc := `
agents:
  bad:
    kind: process
    discord_token_ref: T
    llm:
      provider: cohere
`
	if _, err := Parse([]byte(doc)); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("unknown provider: got %v, want ErrConfig", err)
	}
}

func TestValidateMissingTokenRef(t *testing.T) {
	doc := `
agents:
  bad:
    kind: process
    llm:
      provider: openai
`
	if _, err := Parse([]byte(doc)); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("missing token ref: got %v, want ErrConfig", err)
	}
}

func TestValidateUnlistedSecretRef(t *testing.T) {
	doc := `
agents:
  bad:
    kind: process
    discord_token_ref: TOKEN_X
    llm:
      provider: openai
secrets_refs:
  - TOKEN_OTHER
`
	if _, err := Parse([]byte(doc)); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("unlisted secret ref: got %v, want ErrConfig", err)
	}
}

func TestParseDurations(t *testing.T) {
	doc := `
global:
  probe_interval: 30s
  startup_timeout: 1m
  restart_budget:
    max_restarts: 5
    window: 2m
agents:
  a:
    kind: process
    discord_token_ref: T
    llm:
      provider: openai
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Global.ProbeInterval != 30*time.Second {
		t.Errorf("probe_interval = %v", cfg.Global.ProbeInterval)
	}
	if cfg.Global.StartupTimeout != time.Minute {
		t.Errorf("startup_timeout = %v", cfg.Global.StartupTimeout)
	}
	if cfg.Global.RestartBudget.MaxRestarts != 5 || cfg.Global.RestartBudget.Window != 2*time.Minute {
		t.Errorf("restart_budget = %+v", cfg.Global.RestartBudget)
	}
}

func TestParseBadDuration(t *testing.T) {
	doc := `
global:
  probe_interval: soon
agents:
  a:
    kind: process
    discord_token_ref: T
    llm:
      provider: openai
`
	if _, err := Parse([]byte(doc)); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("bad duration: got %v, want ErrConfig", err)
	}
}
