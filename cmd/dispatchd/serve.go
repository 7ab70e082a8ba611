package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/chat-dispatch/internal/ai"
	"github.com/suPer8Hu/chat-dispatch/internal/analysis"
	"github.com/suPer8Hu/chat-dispatch/internal/chat"
	"github.com/suPer8Hu/chat-dispatch/internal/config"
	"github.com/suPer8Hu/chat-dispatch/internal/db"
	"github.com/suPer8Hu/chat-dispatch/internal/dispatch"
	"github.com/suPer8Hu/chat-dispatch/internal/httpapi"
	"github.com/suPer8Hu/chat-dispatch/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-dispatch/internal/store/rabbitmq"
	"github.com/suPer8Hu/chat-dispatch/internal/store/redisstore"
)

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

// newProviderRegistry registers every supported provider in JSON mode.
func newProviderRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		p := ai.NewOllamaProvider(cfg.OllamaBaseURL, m)
		p.JSON = true
		return p, nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		if cfg.OpenRouterAPIKey == "" {
			return nil, errors.New("OPENROUTER_API_KEY is not set")
		}
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		p := ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName)
		p.JSON = true
		return p, nil
	})
	return reg
}

// buildDeps wires the optional collaborators. The returned cleanup closes
// whatever was opened, even when an error is returned.
func buildDeps(ctx context.Context, cfg config.Config, repo *chat.Repo) (dispatch.Deps, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}
	var deps dispatch.Deps
	if repo != nil {
		deps.Archive = repo
	}

	switch p := strings.ToLower(strings.TrimSpace(cfg.AIProvider)); p {
	case "none":
		log.Printf("serve: ai provider disabled, using default analysis results")
	default:
		provider, err := newProviderRegistry(cfg).Get(ctx, p, "")
		if err != nil {
			return deps, cleanup, fmt.Errorf("ai provider: %w", err)
		}
		deps.Thread = analysis.NewThreadAnalyzer(provider)
		deps.Emotion = analysis.NewEmotionAnalyzer(provider)
	}

	if cfg.RedisAddr != "" {
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		closers = append(closers, rds.Close)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rds.Ping(pctx)
		cancel()
		if err != nil {
			return deps, cleanup, fmt.Errorf("redis ping: %w", err)
		}
		deps.Mirror = rds
	}

	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return deps, cleanup, fmt.Errorf("rabbit publisher: %w", err)
		}
		closers = append(closers, pub.Close)
		deps.Results = pub
	}
	return deps, cleanup, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	repo := chat.NewRepo(gdb)

	deps, cleanup, err := buildDeps(ctx, cfg, repo)
	defer cleanup()
	if err != nil {
		return err
	}

	engine := dispatch.New(cfg.EngineOptions(), deps)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg.JWTSecret, handlers.NewHandler(engine, repo)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("serve: listening addr=%s workers=%d", cfg.HTTPAddr, cfg.Dispatch.Workers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("serve: shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf("serve: http shutdown err=%v", err)
	}
	return nil
}
