// Command agentworker hosts one process-kind agent: it subscribes to the
// shared gateway, runs the conversation engine, and writes a heartbeat
// the supervisor's liveness probe reads.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glindberg2000/superagent/internal/adapter/embedding"
	gwclient "github.com/glindberg2000/superagent/internal/adapter/gateway"
	"github.com/glindberg2000/superagent/internal/adapter/llm"
	"github.com/glindberg2000/superagent/internal/adapter/memory"
	"github.com/glindberg2000/superagent/internal/domain"
	"github.com/glindberg2000/superagent/internal/infra/config"
	"github.com/glindberg2000/superagent/internal/infra/logger"
	"github.com/glindberg2000/superagent/internal/infra/tracer"
	"github.com/glindberg2000/superagent/internal/usecase/conversation"
)

// providerKeyEnv names the API-key environment variable per provider.
var providerKeyEnv = map[string]string{
	"grok":      "XAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"google":    "GEMINI_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentworker:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "superagent.yaml", "path to the fleet configuration")
	agentID := flag.String("agent", os.Getenv("SUPERAGENT_AGENT"), "spec id of the agent to host")
	flag.Parse()

	if *agentID == "" {
		return fmt.Errorf("--agent is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	spec, ok := cfg.Agents[*agentID]
	if !ok {
		return fmt.Errorf("agent %q not declared", *agentID)
	}

	log, closeLog, err := logger.ForAgent(cfg.Global.LogRoot, spec.ID, logger.Options{
		Level:  cfg.Global.LogLevel,
		Format: cfg.Global.LogFormat,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, os.Getenv("SUPERAGENT_TRACE"))
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	provider, err := buildProvider(spec, cfg, log)
	if err != nil {
		return err
	}

	var mem domain.MemoryService
	if cfg.Global.MemoryDSN != "" {
		embedOpts := []embedding.OpenAIOption{
			embedding.WithModel(cfg.Global.EmbeddingModel),
			embedding.WithDimensions(cfg.Global.EmbeddingDim),
		}
		if cfg.Global.EmbeddingBaseURL != "" {
			embedOpts = append(embedOpts, embedding.WithBaseURL(cfg.Global.EmbeddingBaseURL))
		}
		embedder := embedding.NewOpenAIProvider(os.Getenv("OPENAI_API_KEY"), embedOpts...)
		store, serr := memory.New(ctx, cfg.Global.MemoryDSN, embedder, log, memory.Options{
			RetentionDays: cfg.Global.RetentionDays,
		})
		if serr != nil {
			return serr
		}
		defer store.Close()
		mem = store
	} else {
		log.Warn("no memory_dsn configured, running without long-term memory")
	}

	gw := gwclient.New(cfg.Global.GatewayBaseURL, gwclient.WithTimeout(cfg.Global.GatewayTimeout))

	botUserID, err := awaitBotReady(ctx, gw, spec.ID, log)
	if err != nil {
		return err
	}

	engine := conversation.New(spec, gw, mem, provider, botUserID, log, conversation.Options{
		SimilarityFloor: cfg.Global.SimilarityFloor,
		StateEviction:   cfg.Global.StateEviction,
		LLMTimeout:      cfg.Global.LLMTimeout,
		GatewayTimeout:  cfg.Global.GatewayTimeout,
		EmbedTimeout:    cfg.Global.EmbeddingTimeout,
	})
	hb := heartbeatWriter(cfg.Global.LogRoot, spec.ID, log)
	engine.SetHeartbeat(hb)

	// Refresh the heartbeat on a timer too: an idle agent is the normal
	// case, and the supervisor must only see a stale file when the loop
	// is actually wedged.
	go func() {
		ticker := time.NewTicker(cfg.Global.ProbeInterval)
		defer ticker.Stop()
		hb()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hb()
			}
		}
	}()

	log.Info("agent worker starting", "provider", spec.LLM.Provider, "model", spec.LLM.Model)
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("agent worker stopped")
	return nil
}

// buildProvider constructs the agent's LLM adapter, wrapped in a circuit
// breaker so a flapping upstream cannot drive a retry storm.
func buildProvider(spec domain.AgentSpec, cfg *config.Config, log *slog.Logger) (domain.LLMProvider, error) {
	name := strings.ToLower(spec.LLM.Provider)
	keyEnv, ok := providerKeyEnv[name]
	if !ok {
		return nil, domain.NewDomainError("agentworker", domain.ErrConfig, "unknown provider "+name)
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, domain.NewDomainError("agentworker", domain.ErrConfig, keyEnv+" is not set")
	}

	inner, err := llm.NewProvider(llm.ProviderConfig{
		Name:        name,
		Model:       spec.LLM.Model,
		APIKey:      apiKey,
		Timeout:     cfg.Global.LLMTimeout,
		ExtraParams: spec.LLM.ExtraParams,
	}, log)
	if err != nil {
		return nil, err
	}
	return llm.NewCircuitBreakerProvider(inner, llm.CircuitBreakerConfig{}, log), nil
}

// awaitBotReady blocks until the gateway reports this agent's identity
// ready and returns its Discord user id for the self-reply cut-off.
func awaitBotReady(ctx context.Context, gw *gwclient.Client, botName string, log *slog.Logger) (string, error) {
	for {
		bots, err := gw.Bots(ctx)
		if err == nil {
			for _, b := range bots {
				if b.ID == botName && b.State == "ready" && b.UserID != "" {
					return b.UserID, nil
				}
			}
		} else {
			log.Warn("gateway not reachable yet", "error", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// heartbeatWriter touches <log_root>/<agent>/heartbeat; the supervisor's
// liveness probe checks its freshness.
func heartbeatWriter(logRoot, agentID string, log *slog.Logger) func() {
	path := filepath.Join(logRoot, agentID, "heartbeat")
	return func() {
		now := time.Now()
		if err := os.Chtimes(path, now, now); err != nil {
			if werr := os.WriteFile(path, []byte(now.Format(time.RFC3339)+"\n"), 0o644); werr != nil {
				log.Debug("heartbeat write failed", "error", werr)
			}
		}
	}
}
