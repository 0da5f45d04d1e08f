// Package main provides the entry point for the ingestion server
package main

import (
	"context"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/ragworks/ingest/domain/chunks"
	"github.com/ragworks/ingest/domain/documents"
	"github.com/ragworks/ingest/domain/ingestion"
	"github.com/ragworks/ingest/internal/config"
	"github.com/ragworks/ingest/internal/database"
	"github.com/ragworks/ingest/internal/migrate"
	"github.com/ragworks/ingest/pkg/ai"
	"github.com/ragworks/ingest/pkg/ai/genai"
	"github.com/ragworks/ingest/pkg/logger"
	"github.com/ragworks/ingest/pkg/progress"
	"github.com/ragworks/ingest/pkg/syshealth"
	"github.com/ragworks/ingest/pkg/tracing"
	"github.com/ragworks/ingest/pkg/vectorstore"
)

func main() {
	// Load .env files if present (for local development)
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		tracing.Module,

		// Providers consumed by the ingestion engine
		fx.Provide(
			progress.NewBus,
			newAIClient,
			newVectorStore,
			newHealthMonitor,
			newConcurrencyScaler,
		),
		fx.Invoke(runMigrations),

		// Domain modules
		documents.Module,
		chunks.Module,
		ingestion.Module,
	).Run()
}

// newAIClient picks the configured provider, falling back to the no-op
// client when no API key is set
func newAIClient(cfg *config.Config, log *slog.Logger) (ai.Client, error) {
	if !cfg.AI.IsEnabled() {
		log.Warn("no AI provider configured, using no-op client")
		return ai.NewNoopClient(cfg.AI.Dimension), nil
	}
	return genai.NewClient(context.Background(), genai.Config{
		APIKey:          cfg.AI.GoogleAPIKey,
		EmbeddingModel:  cfg.AI.EmbeddingModel,
		CompletionModel: cfg.Context.Model,
		Dimension:       cfg.AI.Dimension,
	}, genai.WithLogger(log))
}

func newVectorStore(lc fx.Lifecycle, cfg *config.Config, client ai.Client, log *slog.Logger) (vectorstore.Store, error) {
	store, err := vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		Collection: cfg.Qdrant.Collection,
	}, log)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return store.EnsureCollection(ctx, client.Dimension())
		},
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newHealthMonitor(lc fx.Lifecycle, db bun.IDB, log *slog.Logger) syshealth.Monitor {
	monitor := syshealth.NewMonitor(nil, db, log)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return monitor.Start() },
		OnStop:  func(ctx context.Context) error { return monitor.Stop() },
	})
	return monitor
}

// runMigrations applies pending schema migrations on boot when
// DB_AUTO_MIGRATE is set. Deployments with a separate migrate step
// leave it off.
func runMigrations(lc fx.Lifecycle, db *bun.DB, cfg *config.Config, log *slog.Logger) {
	if !cfg.Database.AutoMigrate {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("running schema migrations")
			return migrate.RunWithDB(ctx, db.DB)
		},
	})
}

func newConcurrencyScaler(monitor syshealth.Monitor, cfg *config.Config) *syshealth.ConcurrencyScaler {
	return syshealth.NewConcurrencyScaler(
		monitor,
		"ingestion",
		cfg.Scaling.Enabled,
		cfg.Scaling.MinConcurrency,
		cfg.Scaling.MaxConcurrency,
	)
}
