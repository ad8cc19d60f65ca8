package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"etl-engine/internal/httpapi"
	"etl-engine/internal/server"
	"etl-engine/pkg/config"
	"etl-engine/pkg/db"
	"etl-engine/pkg/extractor"
	"etl-engine/pkg/health"
	"etl-engine/pkg/logger"
	"etl-engine/pkg/queue"
	"etl-engine/pkg/redis"
	"etl-engine/services/checkpoint"
	"etl-engine/services/events"
	"etl-engine/services/orchestrator"
	"etl-engine/services/pipeline"
	"etl-engine/services/rawstore"
	"etl-engine/services/recovery"
	"etl-engine/services/registry"
)

// The engine binary runs the scheduler, the recovery controller, and the
// control surface. It publishes to the queues but never consumes them; that
// is the worker binary's job.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		queue.Client,
		queue.Probe,
		health.Module,

		fx.Provide(provideSnowflakeNode),

		registry.Module,
		rawstore.Module,
		checkpoint.Module,
		events.Module,
		recovery.Module,
		pipeline.Module,
		orchestrator.Module,
		httpapi.Module,
		server.Module,

		fx.Invoke(
			runMigrations,
			registerExtractionClients,
		),

		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func runMigrations(reg *registry.Service, raw *rawstore.Store, pipe *pipeline.Service) error {
	if err := reg.Migrate(); err != nil {
		return err
	}
	if err := raw.Migrate(); err != nil {
		return err
	}
	return pipe.Migrate()
}

// registerExtractionClients is where the deployment links its per-source API
// clients. A job type with no registered client fails fatally at launch.
func registerExtractionClients(reg *extractor.Registry) {
}
