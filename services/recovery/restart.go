package recovery

import (
	"context"
	"encoding/json"
	"time"

	"etl-engine/pkg/extractor"
	"etl-engine/services/checkpoint"
	"etl-engine/services/progress"
	"etl-engine/services/registry"

	"go.uber.org/zap"
)

// runRestart drives a restart-style (Jira-like) extraction. Any previous
// checkpoint is discarded up front and the full dataset is re-fetched;
// idempotent upserts downstream make the rerun safe. The document written
// during the run records progress for observability, not for resumption.
func (c *Controller) runRestart(ctx context.Context, job *registry.Job, client extractor.Client, mode Mode, stop *StopFlag) Result {
	if mode == ModeRestart {
		zap.L().Info("[Recovery] discarding previous checkpoint, restarting from scratch",
			zap.String("job_id", job.ID))
		if err := c.checkpoints.Clear(ctx, job.ID); err != nil {
			return failed(err)
		}
	}

	doc := &checkpoint.RestartDocument{UnitsCompleted: []string{}}
	tracker := progress.NewTracker(job.ID, 2, c.sink)

	// Step 0: project discovery.
	tracker.StartStep(0, "project_discovery")

	var units []string
	cursor := ""
	batchNum := 0
	for {
		if res, ok := c.checkRestartInterrupt(ctx, job, doc, "project_discovery", stop); !ok {
			return res
		}

		req := extractor.BatchRequest{
			JobType:    job.JobType,
			EntityType: "projects",
			Cursor:     cursor,
			BatchNum:   batchNum,
		}
		batch, err := c.fetchPage(ctx, client, req)
		if err != nil {
			return c.restartInterrupt(ctx, job, doc, "project_discovery", err)
		}
		if _, err := c.persistAndPublish(ctx, job, req, batch); err != nil {
			return failed(err)
		}

		for _, item := range batch.Items {
			var project struct {
				Key string `json:"key"`
			}
			if err := json.Unmarshal(item, &project); err != nil || project.Key == "" {
				zap.L().Warn("[Recovery] skipping malformed project record",
					zap.String("job_id", job.ID))
				continue
			}
			units = append(units, project.Key)
		}

		if !batch.HasMore {
			break
		}
		cursor = batch.NextCursor
		batchNum++
	}
	tracker.Advance(nil)

	// Step 1: per-project issue sync.
	tracker.StartStep(1, "issues")
	for i, unit := range units {
		doc.CurrentUnit = unit
		cursor = ""
		batchNum = 0

		for {
			if res, ok := c.checkRestartInterrupt(ctx, job, doc, "issues", stop); !ok {
				return res
			}

			req := extractor.BatchRequest{
				JobType:    job.JobType,
				EntityType: "issues",
				Unit:       unit,
				Cursor:     cursor,
				Query:      "project = " + unit,
				BatchNum:   batchNum,
			}
			batch, err := c.fetchPage(ctx, client, req)
			if err != nil {
				return c.restartInterrupt(ctx, job, doc, "issues", err)
			}
			if _, err := c.persistAndPublish(ctx, job, req, batch); err != nil {
				return failed(err)
			}

			doc.TotalProcessed += len(batch.Items)

			if !batch.HasMore {
				break
			}
			cursor = batch.NextCursor
			batchNum++
		}

		doc.CurrentUnit = ""
		doc.UnitsCompleted = append(doc.UnitsCompleted, unit)
		if err := c.checkpoints.SaveDocument(ctx, job.ID, doc, "issues"); err != nil {
			return failed(err)
		}

		frac := float64(i+1) / float64(len(units))
		tracker.Advance(&frac)
	}

	now := time.Now().UTC()
	doc.LastSyncAt = &now
	if err := c.checkpoints.SaveDocument(ctx, job.ID, doc, "finished"); err != nil {
		return failed(err)
	}

	tracker.Complete()
	return completed()
}

func (c *Controller) checkRestartInterrupt(ctx context.Context, job *registry.Job, doc *checkpoint.RestartDocument, phase string, stop *StopFlag) (Result, bool) {
	if stop != nil && stop.Requested() {
		c.saveInterrupted(ctx, job.ID, doc, phase, checkpoint.InterruptedByManual)
		return yield("manually stopped"), false
	}
	if err := ctx.Err(); err != nil {
		c.saveInterrupted(ctx, job.ID, doc, phase, checkpoint.InterruptedByManual)
		return yield("shutdown requested"), false
	}
	return Result{}, true
}

func (c *Controller) restartInterrupt(ctx context.Context, job *registry.Job, doc *checkpoint.RestartDocument, phase string, err error) Result {
	if rle, ok := extractor.IsRateLimited(err); ok {
		c.saveInterrupted(ctx, job.ID, doc, phase, checkpoint.InterruptedByRateLimit)
		zap.L().Info("[Recovery] rate limited, yielding until reset",
			zap.String("job_id", job.ID),
			zap.String("phase", phase),
			zap.Time("reset_at", rle.ResetAt),
		)
		return yield("rate limited by source API")
	}

	c.saveInterrupted(ctx, job.ID, doc, phase, checkpoint.InterruptedByTransient)
	return failed(err)
}
