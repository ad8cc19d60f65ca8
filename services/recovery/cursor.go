package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"etl-engine/pkg/extractor"
	"etl-engine/services/checkpoint"
	"etl-engine/services/progress"
	"etl-engine/services/registry"

	"go.uber.org/zap"
)

// prSubEntities is the fixed nested pagination order inside one pull
// request. Recovery resumes at the saved entity and never restarts the
// levels before it.
var prSubEntities = []string{"commits", "reviews", "comments", "review_threads"}

func subCursor(doc *checkpoint.CursorDocument, entity string) string {
	switch entity {
	case "commits":
		return doc.CommitsCursor
	case "reviews":
		return doc.ReviewsCursor
	case "comments":
		return doc.CommentsCursor
	case "review_threads":
		return doc.ReviewThreadsCursor
	}
	return ""
}

func setSubCursor(doc *checkpoint.CursorDocument, entity, cursor string) {
	switch entity {
	case "commits":
		doc.CommitsCursor = cursor
	case "reviews":
		doc.ReviewsCursor = cursor
	case "comments":
		doc.CommentsCursor = cursor
	case "review_threads":
		doc.ReviewThreadsCursor = cursor
	}
}

func pageContains(items []json.RawMessage, nodeID string) bool {
	for _, item := range items {
		var pr struct {
			NodeID string `json:"node_id"`
		}
		if err := json.Unmarshal(item, &pr); err == nil && pr.NodeID == nodeID {
			return true
		}
	}
	return false
}

func clearPRState(doc *checkpoint.CursorDocument) {
	doc.CurrentPRNodeID = ""
	doc.CurrentPREntity = ""
	for _, entity := range prSubEntities {
		setSubCursor(doc, entity, "")
	}
}

// runCursor drives a cursor-style (GitHub-like) extraction. Two equally
// weighted steps: repository discovery, then per-repository pull request
// sync with nested sub-entity pagination.
func (c *Controller) runCursor(ctx context.Context, job *registry.Job, client extractor.Client, doc *checkpoint.CursorDocument, stop *StopFlag) Result {
	if doc == nil {
		doc = &checkpoint.CursorDocument{}
	}
	doc.InterruptedBy = ""

	tracker := progress.NewTracker(job.ID, 2, c.sink)

	// Step 0: repository discovery. A run interrupted mid-discovery resumes
	// at discovery_cursor so repositories on later pages are not lost; only
	// a completed discovery (last_repo_sync_checkpoint set) is skipped.
	if doc.LastRepoSyncCheckpoint == nil {
		tracker.StartStep(0, "repository_discovery")

		cursor := doc.DiscoveryCursor
		batchNum := 0
		for {
			doc.DiscoveryCursor = cursor
			if res, ok := c.checkInterrupt(ctx, job, doc, "repository_discovery", stop); !ok {
				return res
			}

			req := extractor.BatchRequest{
				JobType:    job.JobType,
				EntityType: "repositories",
				Cursor:     cursor,
				BatchNum:   batchNum,
			}
			batch, err := c.fetchPage(ctx, client, req)
			if err != nil {
				return c.interrupt(ctx, job, doc, "repository_discovery", err)
			}
			if _, err := c.persistAndPublish(ctx, job, req, batch); err != nil {
				return failed(err)
			}

			for _, item := range batch.Items {
				var repo struct {
					Name string `json:"name"`
				}
				if err := json.Unmarshal(item, &repo); err != nil || repo.Name == "" {
					zap.L().Warn("[Recovery] skipping malformed repository record",
						zap.String("job_id", job.ID))
					continue
				}
				doc.RepoProcessingQueue = append(doc.RepoProcessingQueue, checkpoint.RepoQueueEntry{Name: repo.Name})
			}

			if !batch.HasMore {
				doc.DiscoveryCursor = ""
				break
			}

			// Advance past the processed page before saving, so a resume
			// never re-appends its repositories.
			cursor = batch.NextCursor
			doc.DiscoveryCursor = cursor
			if err := c.checkpoints.SaveDocument(ctx, job.ID, doc, "repository_discovery"); err != nil {
				return failed(err)
			}
			batchNum++
		}

		now := time.Now().UTC()
		doc.LastRepoSyncCheckpoint = &now
		if err := c.checkpoints.SaveDocument(ctx, job.ID, doc, "repository_discovery"); err != nil {
			return failed(err)
		}

		// Discovery page count is unknowable up front: jump to the step's
		// upper boundary.
		tracker.Advance(nil)
	}

	// Step 1: pull request sync. Resume at the first unfinished entry; a
	// saved current_pr_node_id means resuming mid-unit.
	tracker.StartStep(1, "pull_requests")
	total := len(doc.RepoProcessingQueue)
	for i := range doc.RepoProcessingQueue {
		entry := &doc.RepoProcessingQueue[i]
		if entry.Finished {
			continue
		}

		if res, ok := c.syncRepo(ctx, job, client, doc, entry, stop); !ok {
			return res
		}

		entry.Finished = true
		entry.Cursor = ""
		clearPRState(doc)
		if err := c.checkpoints.SaveDocument(ctx, job.ID, doc, "pull_requests"); err != nil {
			return failed(err)
		}

		frac := float64(i+1) / float64(total)
		tracker.Advance(&frac)
	}

	if err := c.checkpoints.Clear(ctx, job.ID); err != nil {
		return failed(err)
	}
	tracker.Complete()
	return completed()
}

// syncRepo pages through one repository's pull requests. entry.Cursor always
// points at the page currently being processed, so an interrupted run
// re-fetches that page, skips the units already completed in it, and picks
// up the in-flight unit's own sub-cursors.
func (c *Controller) syncRepo(ctx context.Context, job *registry.Job, client extractor.Client, doc *checkpoint.CursorDocument, entry *checkpoint.RepoQueueEntry, stop *StopFlag) (Result, bool) {
	cursor := entry.Cursor
	batchNum := 0
	resuming := doc.CurrentPRNodeID != ""

	for {
		if res, ok := c.checkInterrupt(ctx, job, doc, "pull_requests", stop); !ok {
			return res, false
		}

		req := extractor.BatchRequest{
			JobType:    job.JobType,
			EntityType: "pull_requests",
			Unit:       entry.Name,
			Cursor:     cursor,
			BatchNum:   batchNum,
		}
		batch, err := c.fetchPage(ctx, client, req)
		if err != nil {
			entry.Cursor = cursor
			return c.interrupt(ctx, job, doc, "pull_requests", err), false
		}
		entry.Cursor = cursor
		if _, err := c.persistAndPublish(ctx, job, req, batch); err != nil {
			return failed(err), false
		}

		if resuming && !pageContains(batch.Items, doc.CurrentPRNodeID) {
			// The in-flight unit vanished from its re-fetched page (deleted
			// upstream). Reprocess the whole page rather than guess where it
			// sat; downstream upserts are idempotent.
			zap.L().Warn("[Recovery] checkpointed unit not found in page, reprocessing page",
				zap.String("job_id", job.ID),
				zap.String("repo", entry.Name),
				zap.String("pr_node_id", doc.CurrentPRNodeID))
			clearPRState(doc)
			resuming = false
		}

		for _, item := range batch.Items {
			var pr struct {
				NodeID string `json:"node_id"`
			}
			if err := json.Unmarshal(item, &pr); err != nil || pr.NodeID == "" {
				zap.L().Warn("[Recovery] skipping malformed pull request record",
					zap.String("job_id", job.ID),
					zap.String("repo", entry.Name))
				continue
			}

			if resuming {
				if pr.NodeID != doc.CurrentPRNodeID {
					// Earlier unit in the page, completed before the
					// interruption.
					continue
				}
				resuming = false
			} else {
				clearPRState(doc)
				doc.CurrentPRNodeID = pr.NodeID
			}

			if res, ok := c.syncPR(ctx, job, client, doc, pr.NodeID, stop); !ok {
				return res, false
			}

			clearPRState(doc)
			if err := c.checkpoints.SaveDocument(ctx, job.ID, doc, "pull_requests"); err != nil {
				return failed(err), false
			}
		}

		if !batch.HasMore {
			break
		}
		cursor = batch.NextCursor
		entry.Cursor = cursor
		batchNum++

		if err := c.checkpoints.SaveDocument(ctx, job.ID, doc, "pull_requests"); err != nil {
			return failed(err), false
		}
	}

	return Result{}, true
}

// syncPR walks one pull request's nested entity streams in fixed order. On
// resume the streams before current_pr_entity are already complete and are
// not re-fetched; the active stream continues from its saved cursor.
func (c *Controller) syncPR(ctx context.Context, job *registry.Job, client extractor.Client, doc *checkpoint.CursorDocument, nodeID string, stop *StopFlag) (Result, bool) {
	start := 0
	if doc.CurrentPREntity != "" {
		for i, entity := range prSubEntities {
			if entity == doc.CurrentPREntity {
				start = i
				break
			}
		}
	}

	for idx := start; idx < len(prSubEntities); idx++ {
		entity := prSubEntities[idx]
		doc.CurrentPREntity = entity
		phase := fmt.Sprintf("pr_%s", entity)
		cursor := subCursor(doc, entity)
		batchNum := 0

		for {
			if res, ok := c.checkInterrupt(ctx, job, doc, phase, stop); !ok {
				return res, false
			}

			req := extractor.BatchRequest{
				JobType:    job.JobType,
				EntityType: entity,
				Unit:       nodeID,
				Cursor:     cursor,
				BatchNum:   batchNum,
			}
			batch, err := c.fetchPage(ctx, client, req)
			if err != nil {
				setSubCursor(doc, entity, cursor)
				return c.interrupt(ctx, job, doc, phase, err), false
			}
			if _, err := c.persistAndPublish(ctx, job, req, batch); err != nil {
				return failed(err), false
			}

			if !batch.HasMore {
				break
			}
			cursor = batch.NextCursor
			setSubCursor(doc, entity, cursor)
			if err := c.checkpoints.SaveDocument(ctx, job.ID, doc, phase); err != nil {
				return failed(err), false
			}
			batchNum++
		}

		setSubCursor(doc, entity, "")
	}

	return Result{}, true
}

// checkInterrupt observes the cooperative stop flag (and context
// cancellation) at a page boundary. A requested stop checkpoints first,
// tagged as manually interrupted, then yields.
func (c *Controller) checkInterrupt(ctx context.Context, job *registry.Job, doc *checkpoint.CursorDocument, phase string, stop *StopFlag) (Result, bool) {
	if stop != nil && stop.Requested() {
		doc.InterruptedBy = checkpoint.InterruptedByManual
		c.saveInterrupted(ctx, job.ID, doc, phase, checkpoint.InterruptedByManual)
		return yield("manually stopped"), false
	}
	if err := ctx.Err(); err != nil {
		doc.InterruptedBy = checkpoint.InterruptedByManual
		c.saveInterrupted(ctx, job.ID, doc, phase, checkpoint.InterruptedByManual)
		return yield("shutdown requested"), false
	}
	return Result{}, true
}

// interrupt translates a fetch error into the failure taxonomy. Rate limits
// checkpoint synchronously and yield PENDING so the fast-retry cycle resumes
// precisely; exhausted transient retries checkpoint too but count as a
// failure.
func (c *Controller) interrupt(ctx context.Context, job *registry.Job, doc *checkpoint.CursorDocument, phase string, err error) Result {
	if rle, ok := extractor.IsRateLimited(err); ok {
		doc.InterruptedBy = checkpoint.InterruptedByRateLimit
		c.saveInterrupted(ctx, job.ID, doc, phase, checkpoint.InterruptedByRateLimit)
		zap.L().Info("[Recovery] rate limited, checkpointed and yielding",
			zap.String("job_id", job.ID),
			zap.String("phase", phase),
			zap.Time("reset_at", rle.ResetAt),
		)
		return yield("rate limited by source API")
	}

	doc.InterruptedBy = checkpoint.InterruptedByTransient
	c.saveInterrupted(ctx, job.ID, doc, phase, checkpoint.InterruptedByTransient)
	return failed(fmt.Errorf("extraction failed during %s: %w", phase, err))
}
