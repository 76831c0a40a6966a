// Command gatewayd is the stateless multi-bot Discord gateway: it holds
// one live Discord connection per registered bot token and serves the
// HTTP/SSE surface every other component uses.
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

	"github.com/glindberg2000/superagent/internal/infra/config"
	"github.com/glindberg2000/superagent/internal/infra/logger"
	"github.com/glindberg2000/superagent/internal/infra/secrets"
	"github.com/glindberg2000/superagent/internal/usecase/gateway"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gatewayd:", err)
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
	tokens, err := resolver.BotTokens(cfg.Agents)
	if err != nil {
		return err
	}

	hub := gateway.NewHub(log)
	for specID, token := range tokens {
		if err := hub.Register(specID, token); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub.Start(ctx)

	srv := &http.Server{
		Addr:    cfg.Global.GatewayListen,
		Handler: gateway.NewServer(hub, log).Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("gatewayd listening", "addr", cfg.Global.GatewayListen, "bots", len(tokens))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	hub.Wait()
	log.Info("gatewayd stopped")
	return nil
}
