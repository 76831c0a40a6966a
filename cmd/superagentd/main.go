// Command superagentd is the fleet supervisor: it loads the declarative
// configuration, resolves secrets (rejecting duplicate bot tokens before
// anything connects), reconciles the fleet, probes health, and serves
// the operator control surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glindberg2000/superagent/internal/adapter/container"
	"github.com/glindberg2000/superagent/internal/domain"
	"github.com/glindberg2000/superagent/internal/infra/config"
	"github.com/glindberg2000/superagent/internal/infra/logger"
	"github.com/glindberg2000/superagent/internal/infra/secrets"
	"github.com/glindberg2000/superagent/internal/usecase/process"
	"github.com/glindberg2000/superagent/internal/usecase/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "superagentd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "superagent.yaml", "path to the fleet configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(logger.Options{
		Level:  cfg.Global.LogLevel,
		Format: cfg.Global.LogFormat,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	resolver, err := secrets.Resolve(cfg.SecretsRefs, os.LookupEnv)
	if err != nil {
		return err
	}
	// Duplicate tokens are fatal before any instance starts: a fleet
	// where two agents share one Discord identity is unrecoverable at
	// runtime.
	tokens, err := resolver.BotTokens(cfg.Agents)
	if err != nil {
		return err
	}

	procs := process.NewManager(process.ManagerConfig{}, log)

	var runtime domain.ContainerRuntime
	if hasContainerAgents(cfg) {
		runtime, err = container.New(log)
		if err != nil {
			return err
		}
	}

	sup := supervisor.New(cfg, tokens, procs, runtime, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Reconcile(ctx); err != nil {
		log.Warn("initial reconcile", "error", err)
	}
	go sup.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.Global.ControlListen,
		Handler: controlHandler(sup, log),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("superagentd listening", "addr", cfg.Global.ControlListen, "specs", len(cfg.Agents))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	// Graceful shutdown: stop every live instance before exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, st := range sup.ListInstances() {
		if !st.State.Terminal() {
			if err := sup.Stop(shutdownCtx, st.SpecID, 0); err != nil {
				log.Warn("shutdown stop failed", "spec", st.SpecID, "error", err)
			}
		}
	}
	log.Info("superagentd stopped")
	return nil
}

func hasContainerAgents(cfg *config.Config) bool {
	for _, spec := range cfg.Agents {
		if spec.Kind == domain.KindContainer {
			return true
		}
	}
	return false
}
