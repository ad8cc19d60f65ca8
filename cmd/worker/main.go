package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"etl-engine/pkg/config"
	"etl-engine/pkg/db"
	"etl-engine/pkg/logger"
	"etl-engine/pkg/queue"
	"etl-engine/pkg/redis"
	"etl-engine/services/pipeline"
	"etl-engine/services/rawstore"
)

// The worker binary consumes the transform and load queues. Scaling it out
// is safe: workers only ever touch raw batches by id, never job state.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		queue.Client,
		queue.Server,

		fx.Provide(provideSnowflakeNode),

		rawstore.Module,
		pipeline.Module,
		pipeline.Handlers,

		fx.Invoke(runMigrations),

		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}

func runMigrations(raw *rawstore.Store, pipe *pipeline.Service) error {
	if err := raw.Migrate(); err != nil {
		return err
	}
	return pipe.Migrate()
}
