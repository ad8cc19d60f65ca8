// Package orchestrator owns the scheduling cycle: it picks the next due job,
// enforces the single-RUNNING invariant, gates on worker availability, and
// translates run outcomes back into registry state.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"etl-engine/pkg/config"
	"etl-engine/pkg/queue"
	"etl-engine/services/events"
	"etl-engine/services/recovery"
	"etl-engine/services/registry"

	"go.uber.org/zap"
)

var errNoWorkers = errors.New("no extraction workers available")

type Service struct {
	registry   *registry.Service
	controller *recovery.Controller
	probe      queue.WorkerProbe
	stops      *recovery.StopRegistry
	sink       events.Sink
	cfg        *config.Config
}

func NewService(
	reg *registry.Service,
	controller *recovery.Controller,
	probe queue.WorkerProbe,
	stops *recovery.StopRegistry,
	sink events.Sink,
	cfg *config.Config,
) *Service {
	return &Service{
		registry:   reg,
		controller: controller,
		probe:      probe,
		stops:      stops,
		sink:       sink,
		cfg:        cfg,
	}
}

// RunCycle executes one scheduling pass. At most one job runs at a time
// across the whole deployment; the cycle is a no-op whenever any job is
// already RUNNING.
func (s *Service) RunCycle(ctx context.Context) {
	now := time.Now().UTC()

	if reset, err := s.registry.ResetStuck(ctx, s.cfg.Engine.StuckCeiling, now); err != nil {
		zap.L().Error("[Orchestrator] stuck-job sweep failed", zap.Error(err))
	} else if reset > 0 {
		zap.L().Warn("[Orchestrator] reset stuck jobs", zap.Int64("count", reset))
	}

	if err := s.reconcileRunning(ctx); err != nil {
		zap.L().Error("[Orchestrator] reconciliation failed", zap.Error(err))
		return
	}

	running, err := s.registry.RunningJobs(ctx)
	if err != nil {
		zap.L().Error("[Orchestrator] failed to query running jobs", zap.Error(err))
		return
	}
	if len(running) > 0 {
		zap.L().Debug("[Orchestrator] a job is already running, skipping cycle",
			zap.String("job_id", running[0].ID))
		return
	}

	due, err := s.registry.GetEligibleJobs(ctx, now)
	if err != nil {
		zap.L().Error("[Orchestrator] failed to list eligible jobs", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	job := due[0]
	if err := s.launch(ctx, job); err != nil {
		zap.L().Error("[Orchestrator] launch failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

// launch locks and runs a single job. A lost TryLock race aborts silently;
// another instance won the job.
func (s *Service) launch(ctx context.Context, job *registry.Job) error {
	proceed, err := s.gateOnWorkers(ctx, job)
	if err != nil || !proceed {
		return err
	}

	locked, err := s.registry.TryLock(ctx, job.ID)
	if err != nil {
		return err
	}
	if !locked {
		zap.L().Debug("[Orchestrator] lost lock race",
			zap.String("job_id", job.ID))
		return nil
	}

	stop := s.stops.Flag(job.ID)
	stop.Reset()

	result := s.controller.Run(ctx, job, stop)
	return s.applyResult(ctx, job, result)
}

// gateOnWorkers refuses to lock a job when no queue workers are up: starting
// extraction then would fill the raw store with batches nothing drains. The
// job goes FAILED so the condition is loud, not silently retried forever.
// A probe error proceeds with a warning; an unreachable inspector must not
// halt scheduling.
func (s *Service) gateOnWorkers(ctx context.Context, job *registry.Job) (bool, error) {
	if !s.cfg.Engine.WorkerGate {
		return true, nil
	}

	up, err := s.probe.IsRunning(ctx)
	if err != nil {
		zap.L().Warn("[Orchestrator] worker probe failed, proceeding anyway",
			zap.Error(err))
		return true, nil
	}
	if up {
		return true, nil
	}

	zap.L().Error("[Orchestrator] no workers available, refusing to start",
		zap.String("job_id", job.ID))
	if err := s.registry.MarkFailed(ctx, job.ID, errNoWorkers); err != nil {
		return false, err
	}
	s.emit(job.ID, "worker_gate", registry.StatusFailed, errNoWorkers.Error())
	return false, nil
}

// applyResult maps a run outcome onto the registry state machine.
func (s *Service) applyResult(ctx context.Context, job *registry.Job, result recovery.Result) error {
	switch result.Outcome {
	case recovery.OutcomeCompleted:
		zap.L().Info("[Orchestrator] job finished",
			zap.String("job_id", job.ID))
		if err := s.registry.MarkFinished(ctx, job.ID, nil, s.cfg.Engine.MaxRetries); err != nil {
			return err
		}
		s.emit(job.ID, "finished", registry.StatusFinished, "")
		return nil

	case recovery.OutcomeYield:
		zap.L().Info("[Orchestrator] job yielded",
			zap.String("job_id", job.ID),
			zap.String("reason", result.Reason))
		if err := s.registry.MarkPending(ctx, job.ID, result.Reason); err != nil {
			return err
		}
		s.emit(job.ID, "yielded", registry.StatusPending, result.Reason)
		return nil

	case recovery.OutcomeFatal:
		zap.L().Error("[Orchestrator] job failed fatally",
			zap.String("job_id", job.ID),
			zap.Error(result.Err))
		if err := s.registry.MarkFailed(ctx, job.ID, result.Err); err != nil {
			return err
		}
		s.emit(job.ID, "failed", registry.StatusFailed, result.Err.Error())
		return nil

	default: // OutcomeFailed
		zap.L().Warn("[Orchestrator] job run failed",
			zap.String("job_id", job.ID),
			zap.Error(result.Err))
		if err := s.registry.MarkFinished(ctx, job.ID, result.Err, s.cfg.Engine.MaxRetries); err != nil {
			return err
		}
		s.emit(job.ID, "failed", registry.StatusPending, result.Err.Error())
		return nil
	}
}

// reconcileRunning enforces the single-RUNNING invariant after the fact.
// With more than one RUNNING job, the oldest keeps its claim and the rest are
// demoted; their checkpoints mean no work is lost.
func (s *Service) reconcileRunning(ctx context.Context) error {
	running, err := s.registry.RunningJobs(ctx)
	if err != nil {
		return err
	}
	if len(running) <= 1 {
		return nil
	}

	zap.L().Error("[Orchestrator] concurrency violation detected",
		zap.Int("running_jobs", len(running)))

	for _, job := range running[1:] {
		if err := s.registry.ForcePending(ctx, job.ID, "demoted: concurrent run detected"); err != nil {
			return err
		}
		zap.L().Warn("[Orchestrator] demoted concurrent job",
			zap.String("job_id", job.ID))
	}
	return nil
}

// TriggerNow promotes a job to PENDING so the next cycle picks it first. It
// does not run the job inline; execution stays single-file.
func (s *Service) TriggerNow(ctx context.Context, jobID string) error {
	job, err := s.registry.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == registry.StatusRunning {
		return nil
	}
	if err := s.registry.MarkPending(ctx, jobID, "manually triggered"); err != nil {
		return err
	}
	zap.L().Info("[Orchestrator] job triggered manually", zap.String("job_id", jobID))
	return nil
}

// StopJob requests a cooperative stop of a running job. The extraction loop
// observes the flag at its next page boundary, checkpoints, and yields.
func (s *Service) StopJob(jobID string) {
	s.stops.Flag(jobID).Stop()
	zap.L().Info("[Orchestrator] stop requested", zap.String("job_id", jobID))
}

func (s *Service) emit(jobID, phase string, status registry.Status, errMsg string) {
	s.sink.Emit(events.Event{
		JobID:     jobID,
		Phase:     phase,
		Status:    string(status),
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}
