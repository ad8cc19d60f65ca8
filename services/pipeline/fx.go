package pipeline

import (
	"context"

	"etl-engine/pkg/queue"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("pipeline",
	fx.Provide(NewService),
)

// Handlers wires the pipeline onto the worker mux. Kept separate from Module
// so the engine binary can provide the Service without consuming tasks.
var Handlers = fx.Module("pipeline:handlers",
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(queue.TaskTransformBatch, func(ctx context.Context, task *asynq.Task) error {
		return svc.HandleTransform(ctx, task)
	})
	mux.HandleFunc(queue.TaskLoadBatch, func(ctx context.Context, task *asynq.Task) error {
		return svc.HandleLoad(ctx, task)
	})
}
