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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/http/handlers"
	httpapi "server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/infra/credentials"
	"server/internal/jobqueue"
	"server/internal/providers"
	"server/internal/providers/gemini"
	"server/internal/providers/lro"
	"server/internal/providers/luma"
	"server/internal/providers/qwen"
	"server/internal/providers/veo"
	"server/internal/providers/wan"
	"server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}

	registry, err := buildRegistry(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure providers")
	}

	poller := lro.NewPoller(lro.Options{
		MaxAttempts: cfg.PollMaxAttempts,
		Interval:    time.Duration(cfg.PollIntervalSeconds) * time.Second,
		Logger:      &logger,
	})
	queue, err := jobqueue.New(jobqueue.Options{
		Registry:       registry,
		Persistence:    repo.NewTargetRepository(pool),
		Artifacts:      fileStore,
		Poller:         poller,
		Logger:         &logger,
		MaxConcurrency: cfg.QueueMaxConcurrency,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure job queue")
	}

	app := handlers.NewApp(queue, logger)
	router := httpapi.NewRouter(app, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}

	// Dispatched jobs have no cancellation primitive; give in-flight work a
	// chance to settle before the process exits.
	done := make(chan struct{})
	go func() {
		queue.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("shutdown with jobs still in flight")
	}
	logger.Info().Msg("server stopped")
}

// buildRegistry wires every backend into the provider registry. Providers
// with missing credentials are still registered; the queue rejects
// submissions against them synchronously.
func buildRegistry(ctx context.Context, cfg *infra.Config, pool *pgxpool.Pool, logger infra.Logger) (*providers.Registry, error) {
	credStore := credentials.NewStore(pool)
	httpClient := &http.Client{Timeout: 60 * time.Second}

	geminiKey := resolveKey(ctx, credStore, cfg.GeminiAPIKey, credentials.ProviderGemini, logger)
	dashScopeKey := resolveKey(ctx, credStore, cfg.DashScopeAPIKey, credentials.ProviderDashScope, logger)
	lumaKey := resolveKey(ctx, credStore, cfg.LumaAPIKey, credentials.ProviderLuma, logger)

	veoClient, err := veo.NewClient(veo.Options{
		APIKey:     geminiKey,
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.VeoModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}
	wanClient, err := wan.NewClient(wan.Options{
		APIKey:     dashScopeKey,
		BaseURL:    cfg.DashScopeBaseURL,
		Model:      cfg.WanModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}
	lumaClient, err := luma.NewClient(luma.Options{
		APIKey:     lumaKey,
		BaseURL:    cfg.LumaBaseURL,
		Model:      cfg.LumaModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}
	qwenClient, err := qwen.NewClient(qwen.Options{
		APIKey:     dashScopeKey,
		BaseURL:    cfg.DashScopeBaseURL,
		Model:      cfg.QwenModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}
	geminiClient, err := gemini.NewClient(gemini.Options{
		APIKey:     geminiKey,
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}

	registry := providers.NewRegistry()
	for id, provider := range map[string]any{
		"veo":          veoClient,
		"wan":          wanClient,
		"luma":         lumaClient,
		"qwen-image":   qwenClient,
		"gemini-image": geminiClient,
	} {
		if err := registry.Register(id, provider); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func resolveKey(ctx context.Context, store *credentials.Store, envValue, provider string, logger infra.Logger) string {
	key, err := store.Resolve(ctx, envValue, provider)
	if err != nil {
		logger.Warn().Err(err).Str("provider", provider).Msg("failed to load api key from store")
		return envValue
	}
	if key == "" {
		logger.Warn().Str("provider", provider).Msg("api key missing, submissions will be rejected")
	}
	return key
}
