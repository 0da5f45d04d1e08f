package ingestion

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/ragworks/ingest/internal/config"
	"github.com/ragworks/ingest/pkg/ai"
)

// Module provides the ingestion engine: durable job queue, dispatcher,
// document pipeline, streaming splitter, and their collaborators
var Module = fx.Module("ingestion",
	fx.Provide(
		func() *Metrics { return NewMetrics(prometheus.DefaultRegisterer) },
		NewJobsService,
		NewSessionTracker,
		NewPersister,
		func(p *Persister) Persistence { return p },
		NewParserRegistry,
		func(log *slog.Logger) *Splitter { return NewSplitter(log) },
		func(cfg *config.Config, log *slog.Logger) *Fetcher {
			return NewFetcher(cfg.Ingest, log)
		},
		func(client ai.Client, cfg *config.Config, log *slog.Logger) *ContextEngine {
			return NewContextEngine(client, cfg.Context, log)
		},
		NewPipeline,
		NewDispatcher,
	),
	fx.Invoke(registerDispatcher),
)

func registerDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return d.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return d.Stop(ctx)
		},
	})
}
