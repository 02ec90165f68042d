// Command worker runs the job scheduler without the HTTP API. It shares the
// database with api instances; the atomic item claim keeps concurrent
// schedulers from double-processing.
package main

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"jobengine/internal/adapter/repo"
	"jobengine/internal/event"
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
	logger := infra.NewLogger(cfg.AppEnv).With().Str("cmd", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer dbpool.Close()

	store := repo.NewJobRepository(dbpool, logger)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to run migrations")
	}

	files, err := storage.NewFileStore(cfg.AssetStoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	bus := event.NewBus(logger)
	registry := jobs.NewRegistry(
		work.NewAssetGenerationHandler(newGenerator(ctx, cfg, dbpool, logger), files, logger),
	)

	sched := scheduler.New(store, registry, bus, logger, scheduler.Config{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MaxItemsPerBatch:  cfg.MaxItemsPerBatch,
		DelayBetweenItems: cfg.DelayBetweenItems,
		ItemTimeout:       cfg.ItemTimeout,
		PollInterval:      cfg.SchedulerPollEvery,
	})

	logger.Info().Msg("worker: started")
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func newGenerator(ctx context.Context, cfg *infra.Config, pool *pgxpool.Pool, logger zerolog.Logger) work.Generator {
	key := strings.TrimSpace(cfg.GeminiAPIKey)
	if key == "" {
		credStore := credentials.NewStore(infra.NewSQLRunner(pool, logger))
		stored, err := credStore.GeminiAPIKey(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("worker: failed to load gemini api key from store")
		} else {
			key = stored
		}
	}
	if key == "" {
		logger.Warn().Msg("worker: gemini api key missing, using synthetic asset generation")
		return work.SyntheticGenerator{}
	}
	return work.NewGeminiGenerator(work.GeminiOptions{
		APIKey:  key,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		Logger:  logger,
	})
}
