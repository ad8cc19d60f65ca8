// Package recovery classifies how an interrupted job must re-enter
// extraction and drives the extraction loop itself: fresh start, precise
// cursor resume (nested, mid-unit), or full restart over idempotent upserts.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"etl-engine/pkg/config"
	"etl-engine/pkg/extractor"
	"etl-engine/pkg/queue"
	"etl-engine/services/checkpoint"
	"etl-engine/services/events"
	"etl-engine/services/rawstore"
	"etl-engine/services/registry"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Mode is the recovery classification for a job about to start.
type Mode int

const (
	ModeFresh Mode = iota
	ModeCursorResume
	ModeRestart
)

func (m Mode) String() string {
	switch m {
	case ModeCursorResume:
		return "cursor_resume"
	case ModeRestart:
		return "restart"
	default:
		return "fresh_start"
	}
}

type Controller struct {
	checkpoints *checkpoint.Manager
	raw         *rawstore.Store
	broker      *queue.Manager
	clients     *extractor.Registry
	sink        events.Sink
	cfg         *config.Config
}

func NewController(
	checkpoints *checkpoint.Manager,
	raw *rawstore.Store,
	broker *queue.Manager,
	clients *extractor.Registry,
	sink events.Sink,
	cfg *config.Config,
) *Controller {
	return &Controller{
		checkpoints: checkpoints,
		raw:         raw,
		broker:      broker,
		clients:     clients,
		sink:        sink,
		cfg:         cfg,
	}
}

// Classify decides the entry point for a locked job. An invalid or corrupt
// checkpoint is logged and demoted to a fresh start; it is never silently
// resumed.
func (c *Controller) Classify(ctx context.Context, job *registry.Job) (Mode, *checkpoint.CursorDocument, error) {
	doc, err := c.checkpoints.Load(ctx, job.ID)
	if err != nil {
		return ModeFresh, nil, err
	}

	if job.JobType == checkpoint.TypeJira {
		// Restart-style sources always rerun in full; any stored document
		// is informational only and gets discarded.
		if doc != nil {
			return ModeRestart, nil, nil
		}
		return ModeFresh, nil, nil
	}

	if doc == nil {
		return ModeFresh, nil, nil
	}

	if !checkpoint.Validate(doc, job.JobType) {
		zap.L().Warn("[Recovery] invalid checkpoint, falling back to fresh start",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.JobType),
		)
		if err := c.checkpoints.Clear(ctx, job.ID); err != nil {
			return ModeFresh, nil, err
		}
		return ModeFresh, nil, nil
	}

	var cursorDoc checkpoint.CursorDocument
	if err := json.Unmarshal(doc, &cursorDoc); err != nil {
		// Validate passed but decoding failed: corrupt beyond recovery.
		return ModeFresh, nil, fmt.Errorf("decode checkpoint for job %s: %w", job.ID, err)
	}

	return ModeCursorResume, &cursorDoc, nil
}

// Run classifies and executes one extraction run for a locked job. The
// caller (orchestrator) owns the registry transition derived from the
// Result.
func (c *Controller) Run(ctx context.Context, job *registry.Job, stop *StopFlag) Result {
	mode, doc, err := c.Classify(ctx, job)
	if err != nil {
		return fatal(err)
	}

	zap.L().Info("[Recovery] starting extraction",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.String("mode", mode.String()),
		zap.Int("retry_count", job.RetryCount),
	)

	c.sink.Emit(events.Event{
		JobID:  job.ID,
		Phase:  mode.String(),
		Status: string(registry.StatusRunning),
	})

	client, err := c.clients.Get(job.JobType)
	if err != nil {
		return fatal(err)
	}

	switch job.JobType {
	case checkpoint.TypeGitHub:
		return c.runCursor(ctx, job, client, doc, stop)
	case checkpoint.TypeJira:
		return c.runRestart(ctx, job, client, mode, stop)
	default:
		return fatal(fmt.Errorf("unsupported job type %q", job.JobType))
	}
}

// fetchPage fetches one batch with bounded exponential backoff over
// transient errors. Rate limits are permanent from backoff's point of view:
// they surface immediately so the caller checkpoints and yields.
func (c *Controller) fetchPage(ctx context.Context, client extractor.Client, req extractor.BatchRequest) (*extractor.Batch, error) {
	attempts := c.cfg.Engine.TransientAttempts
	if attempts < 1 {
		attempts = 1
	}

	var batch *extractor.Batch
	op := func() error {
		b, err := client.FetchBatch(ctx, req)
		if err != nil {
			if _, ok := extractor.IsRateLimited(err); ok {
				return backoff.Permanent(err)
			}
			zap.L().Warn("[Recovery] transient fetch error, backing off",
				zap.String("entity_type", req.EntityType),
				zap.Int("batch", req.BatchNum),
				zap.Error(err),
			)
			return err
		}
		batch = b
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts-1))
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return batch, nil
}

// persistAndPublish stores the complete batch payload in the raw data store
// and sends only its id through the transform queue.
func (c *Controller) persistAndPublish(ctx context.Context, job *registry.Job, req extractor.BatchRequest, batch *extractor.Batch) (string, error) {
	row := &rawstore.RawExtractionData{
		TenantID:      job.TenantID,
		IntegrationID: job.IntegrationID,
		EntityType:    fmt.Sprintf("%s_%s_batch", job.JobType, req.EntityType),
		RawData:       []byte(batch.RawResponse),
	}

	rawID, err := c.raw.SaveBatch(ctx, row, rawstore.Metadata{
		Query:    req.Query,
		Cursor:   req.Cursor,
		BatchNum: req.BatchNum,
		Unit:     req.Unit,
	})
	if err != nil {
		return "", fmt.Errorf("persist raw batch: %w", err)
	}

	err = c.broker.Publish(ctx, queue.QueueTransform, queue.Message{
		TenantID:      job.TenantID,
		IntegrationID: job.IntegrationID,
		JobType:       job.JobType,
		EntityType:    req.EntityType,
		RawDataID:     rawID,
	})
	if err != nil {
		return "", fmt.Errorf("publish transform message: %w", err)
	}

	return rawID, nil
}

// saveInterrupted checkpoints the current document with an interruption tag.
// It is called from error paths on purpose: a checkpoint that only happens
// on the happy path is a defect.
func (c *Controller) saveInterrupted(ctx context.Context, jobID string, doc any, phase, interruptedBy string) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := c.checkpoints.SaveDocument(saveCtx, jobID, doc, phase); err != nil {
		zap.L().Error("[Recovery] failed to save interruption checkpoint",
			zap.String("job_id", jobID),
			zap.String("interrupted_by", interruptedBy),
			zap.Error(err),
		)
	}
}
