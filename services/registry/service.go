package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"etl-engine/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// lockableStates are the states TryLock may transition to RUNNING.
var lockableStates = []Status{StatusPending, StatusReady, StatusFinished}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewService(db *gorm.DB, node *snowflake.Node) *Service {
	return &Service{db: db, node: node}
}

// Migrate creates the jobs table.
func (s *Service) Migrate() error {
	return s.db.AutoMigrate(&Job{})
}

// Create provisions a new job in READY state. Jobs are never hard-deleted
// afterwards, only deactivated.
func (s *Service) Create(ctx context.Context, job *Job) error {
	if job.Name == "" || job.JobType == "" {
		return errutil.ValidationFailed("job name and job_type are required")
	}
	if job.RetryIntervalMinutes >= job.ScheduleIntervalMinutes {
		return errutil.ValidationFailed("retry interval must be shorter than schedule interval")
	}
	if job.ID == "" {
		job.ID = s.node.Generate().String()
	}
	if job.Status == "" {
		job.Status = StatusReady
	}
	job.Active = true
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound(fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Service) List(ctx context.Context) ([]*Job, error) {
	var jobs []*Job
	err := s.db.WithContext(ctx).Order("name ASC").Find(&jobs).Error
	return jobs, err
}

// GetEligibleJobs returns active jobs that are due to run, PENDING first,
// then earliest last_run_finished_at (never-ran jobs before all of them).
func (s *Service) GetEligibleJobs(ctx context.Context, now time.Time) ([]*Job, error) {
	var candidates []*Job
	err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Where("status IN ?", lockableStates).
		Order("CASE WHEN status = 'PENDING' THEN 0 ELSE 1 END").
		Order("last_run_finished_at IS NOT NULL").
		Order("last_run_finished_at ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	due := make([]*Job, 0, len(candidates))
	for _, j := range candidates {
		if j.IsDue(now) {
			due = append(due, j)
		}
	}
	return due, nil
}

// TryLock attempts the READY/PENDING/FINISHED -> RUNNING transition in a
// single conditional UPDATE. This compare-and-swap is the sole concurrency
// primitive preventing double execution; it survives process restarts
// because the lock lives in the job row itself.
func (s *Service) TryLock(ctx context.Context, jobID string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND active = ? AND status IN ?", jobID, true, lockableStates).
		Updates(map[string]any{
			"status":              StatusRunning,
			"last_run_started_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkFinished records a terminal run outcome. Success clears the error and
// retry state. Failure increments retry_count and leaves the job PENDING for
// a fast retry, unless maxRetries is exceeded, in which case the job is
// FAILED and requires manual intervention.
func (s *Service) MarkFinished(ctx context.Context, jobID string, runErr error, maxRetries int) error {
	now := time.Now().UTC()

	if runErr == nil {
		return s.db.WithContext(ctx).
			Model(&Job{}).
			Where("id = ?", jobID).
			Updates(map[string]any{
				"status":               StatusFinished,
				"last_run_finished_at": now,
				"retry_count":          0,
				"error_message":        "",
			}).Error
	}

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}

	status := StatusPending
	retries := job.RetryCount + 1
	if retries > maxRetries {
		status = StatusFailed
		zap.L().Error("[Registry] job exceeded retry ceiling",
			zap.String("job_id", jobID),
			zap.Int("retry_count", retries),
		)
	}

	return s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":               status,
			"last_run_finished_at": now,
			"retry_count":          retries,
			"error_message":        runErr.Error(),
		}).Error
}

// MarkFailed moves the job straight to FAILED, bypassing the retry ladder.
// Reserved for unrecoverable conditions (corrupt state, missing client).
func (s *Service) MarkFailed(ctx context.Context, jobID string, runErr error) error {
	now := time.Now().UTC()
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":               StatusFailed,
			"last_run_finished_at": now,
			"error_message":        msg,
		}).Error
}

// MarkPending yields the job back to the scheduler without counting a
// failure. Used for rate limits and manual stops, where the checkpoint has
// already been saved and the next cycle resumes precisely.
func (s *Service) MarkPending(ctx context.Context, jobID, reason string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":               StatusPending,
			"last_run_finished_at": now,
			"error_message":        reason,
		}).Error
}

// Pause sets the manual override. A RUNNING job must be stopped first; the
// conditional update refuses to pause it.
func (s *Service) Pause(ctx context.Context, jobID string) error {
	res := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status <> ?", jobID, StatusRunning).
		Update("status", StatusPaused)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("job is running; stop it before pausing")
	}
	return nil
}

// Resume lifts the manual override. When a sibling job is already PENDING or
// RUNNING, the resumed job goes to FINISHED ("wait for the next natural
// cycle") instead of PENDING, so it cannot starve the sibling.
func (s *Service) Resume(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusPaused {
		return errutil.Conflict("job is not paused")
	}

	var siblings int64
	err = s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id <> ? AND status IN ?", jobID, []Status{StatusPending, StatusRunning}).
		Count(&siblings).Error
	if err != nil {
		return err
	}

	target := StatusPending
	if siblings > 0 {
		target = StatusFinished
	}

	return s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", jobID, StatusPaused).
		Update("status", target).Error
}

// UpdateSchedule mutates the intervals only; it never touches checkpoint_data.
func (s *Service) UpdateSchedule(ctx context.Context, jobID string, scheduleMin, retryMin int) error {
	if retryMin >= scheduleMin {
		return errutil.ValidationFailed("retry interval must be shorter than schedule interval")
	}
	res := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"schedule_interval_minutes": scheduleMin,
			"retry_interval_minutes":    retryMin,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound(fmt.Sprintf("job %s not found", jobID))
	}
	return nil
}

// SetActive toggles the job without deleting history.
func (s *Service) SetActive(ctx context.Context, jobID string, active bool) error {
	return s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ?", jobID).
		Update("active", active).Error
}

// ResetStuck reconciles jobs that have been RUNNING longer than ceiling,
// returning them to PENDING with an annotation. Returns how many were reset.
func (s *Service) ResetStuck(ctx context.Context, ceiling time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-ceiling)
	res := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("status = ? AND last_run_started_at < ?", StatusRunning, cutoff).
		Updates(map[string]any{
			"status":        StatusPending,
			"error_message": "auto-recovered from stuck state",
		})
	return res.RowsAffected, res.Error
}

// RunningJobs returns all RUNNING jobs, oldest start first. More than one is
// a severity-high anomaly the orchestrator reconciles.
func (s *Service) RunningJobs(ctx context.Context) ([]*Job, error) {
	var jobs []*Job
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusRunning).
		Order("last_run_started_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// ForcePending demotes a RUNNING job during concurrency reconciliation.
func (s *Service) ForcePending(ctx context.Context, jobID, reason string) error {
	return s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", jobID, StatusRunning).
		Updates(map[string]any{
			"status":        StatusPending,
			"error_message": reason,
		}).Error
}
