package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"jobengine/internal/adapter/repo"
	"jobengine/internal/event"
	"jobengine/internal/http/handlers"
	"jobengine/internal/http/httpapi"
	"jobengine/internal/hub"
	"jobengine/internal/infra"
	"jobengine/internal/infra/credentials"
	"jobengine/internal/jobs"
	"jobengine/internal/scheduler"
	"jobengine/internal/storage"
	"jobengine/internal/work"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	store := repo.NewJobRepository(dbpool, logger)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	files, err := storage.NewFileStore(cfg.AssetStoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init asset storage")
	}

	bus := event.NewBus(logger)
	registry := jobs.NewRegistry(
		work.NewAssetGenerationHandler(newGenerator(ctx, cfg, dbpool, logger), files, logger),
	)
	jobService := jobs.NewService(store, bus, logger)

	sched := scheduler.New(store, registry, bus, logger, scheduler.Config{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MaxItemsPerBatch:  cfg.MaxItemsPerBatch,
		DelayBetweenItems: cfg.DelayBetweenItems,
		ItemTimeout:       cfg.ItemTimeout,
		PollInterval:      cfg.SchedulerPollEvery,
	})
	go sched.Run(ctx)

	jobHub := hub.New(store, bus, logger)
	go jobHub.Run(ctx)

	app := handlers.NewApp(jobService, files, logger)
	router := httpapi.NewRouter(app, jobHub, logger, httpapi.Options{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimitPerMin,
		RatePer:        time.Minute,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

// newGenerator picks the asset generator. The Gemini key comes from the
// environment, falling back to the credentials store; without one the
// synthetic generator keeps the pipeline usable locally.
func newGenerator(ctx context.Context, cfg *infra.Config, pool *pgxpool.Pool, logger zerolog.Logger) work.Generator {
	key := strings.TrimSpace(cfg.GeminiAPIKey)
	if key == "" {
		credStore := credentials.NewStore(infra.NewSQLRunner(pool, logger))
		stored, err := credStore.GeminiAPIKey(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to load gemini api key from store")
		} else {
			key = stored
		}
	}
	if key == "" {
		logger.Warn().Msg("gemini api key missing, using synthetic asset generation")
		return work.SyntheticGenerator{}
	}
	return work.NewGeminiGenerator(work.GeminiOptions{
		APIKey:  key,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		Logger:  logger,
	})
}
