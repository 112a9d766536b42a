// HearthCore - local multi-agent orchestration server
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/hupe1980/hearthcore"
	"github.com/hupe1980/hearthcore/api"
	"github.com/hupe1980/hearthcore/config"
	"github.com/hupe1980/hearthcore/logging"
	"github.com/hupe1980/hearthcore/model/anthropic"
	"github.com/hupe1980/hearthcore/model/openai"
	"github.com/hupe1980/hearthcore/pipeline"
)

func main() {
	logger := logging.NewDefaultSlogLogger()

	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Starting server", "port", cfg.Port)

	for _, p := range []string{cfg.DBPath, cfg.VaultDBPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			logger.Error("Failed to create data directory", "path", p, "error", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	core, err := hearthcore.New(ctx, cfg.DBPath, cfg.VaultDBPath, func(o *hearthcore.Options) {
		o.ContextWindow = cfg.ContextWindow
		o.MaxRetiredKeys = cfg.Vault.MaxRetiredKeys
		o.VaultCacheMaxBytes = cfg.Vault.CacheMaxBytes
		o.FailureThreshold = cfg.Synapse.FailureThreshold
		o.Cooldown = cfg.Synapse.Cooldown
		o.ExecuteTimeout = cfg.Synapse.ExecuteTimeout
		o.PersistRetries = cfg.Pipeline.PersistRetries
		o.RetryBackoff = cfg.Pipeline.RetryBackoff
		o.Reasoner = buildReasoner(cfg, logger)
		o.Logger = logger
	})
	if err != nil {
		logger.Error("Failed to initialize components", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := core.Close(); closeErr != nil {
			logger.Error("Failed to close components", "error", closeErr)
		}
	}()

	if err := core.Repo().Ping(ctx); err != nil {
		logger.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Database connected", "db", cfg.DBPath, "vault", cfg.VaultDBPath)
	logger.Info("Vault ready", "active_key", core.Vault.ActiveKeyID())

	handler := api.NewHandler(core.Repo(), core.Sessions, core.Vault, core.Registry, core.Pipeline, core.Handoffs, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Close sessions that have been idle longer than the TTL.
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go runJanitor(janitorCtx, core, cfg.SessionTTL, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("Server listening", "addr", srv.Addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", "error", err)
		}
	}
}

// buildReasoner selects the pipeline reasoner from configuration. Without
// a provider the deterministic rule reasoner is used.
func buildReasoner(cfg *config.Config, logger logging.Logger) pipeline.Reasoner {
	switch cfg.ModelProvider {
	case "anthropic":
		logger.Info("Using Anthropic reasoner")
		return &pipeline.ModelReasoner{Model: anthropic.NewModel()}
	case "openai":
		logger.Info("Using OpenAI reasoner")
		return &pipeline.ModelReasoner{Model: openai.NewModel()}
	default:
		return &pipeline.RuleReasoner{}
	}
}

// runJanitor periodically closes idle sessions.
func runJanitor(ctx context.Context, core *hearthcore.Core, ttl time.Duration, logger logging.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := core.Sessions.CloseIdle(ctx, ttl); err != nil {
				logger.Warn("Idle session sweep failed", "error", err)
			}
		}
	}
}
