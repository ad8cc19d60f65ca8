package queue

import (
	"context"

	"etl-engine/pkg/config"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Probe = fx.Module("queue:probe",
	fx.Provide(NewInspectorProbe),
)

// WorkerProbe reports whether any transform/load worker process is alive.
// The orchestrator consults it before enqueueing so messages are never left
// stranded in a queue with nothing to drain them.
type WorkerProbe interface {
	IsRunning(ctx context.Context) (bool, error)
}

type inspectorProbe struct {
	inspector *asynq.Inspector
}

func NewInspectorProbe(lc fx.Lifecycle, cfg *config.Config) WorkerProbe {
	inspector := asynq.NewInspector(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return inspector.Close()
		},
	})

	return &inspectorProbe{inspector: inspector}
}

func (p *inspectorProbe) IsRunning(ctx context.Context) (bool, error) {
	servers, err := p.inspector.Servers()
	if err != nil {
		return false, err
	}
	return len(servers) > 0, nil
}
