package orchestrator

import (
	"context"
	"time"

	"etl-engine/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scheduler struct {
	service *Service
	cfg     *config.Config
	cancel  context.CancelFunc
}

func NewScheduler(svc *Service, cfg *config.Config) *Scheduler {
	return &Scheduler{service: svc, cfg: cfg}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if s.cancel != nil {
				s.cancel()
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	interval := s.cfg.Engine.TickInterval
	if interval <= 0 {
		interval = time.Hour
	}

	zap.L().Info("[Scheduler] started", zap.Duration("tick_interval", interval))

	// First cycle fires immediately so a restart resumes interrupted work
	// without waiting a full tick.
	s.tick(ctx)

	for {
		select {
		case <-time.After(interval):
			s.tick(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	s.service.RunCycle(ctx)
	zap.L().Debug("[Scheduler] cycle complete",
		zap.Duration("duration", time.Since(start)),
	)
}
