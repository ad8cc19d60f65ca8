package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"etl-engine/pkg/errutil"
	"etl-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db := testutil.NewTestDB(t, &Job{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(db, node)
}

func seedJob(t *testing.T, svc *Service, name string, mutate func(*Job)) *Job {
	t.Helper()
	job := &Job{
		Name:                    name,
		JobType:                 "github",
		TenantID:                "tenant-1",
		ScheduleIntervalMinutes: 1440,
		RetryIntervalMinutes:    30,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, svc.Create(context.Background(), job))
	return job
}

func TestCreateValidatesIntervals(t *testing.T) {
	svc := newTestService(t)

	err := svc.Create(context.Background(), &Job{
		Name:                    "bad-intervals",
		JobType:                 "github",
		ScheduleIntervalMinutes: 30,
		RetryIntervalMinutes:    60,
	})
	require.Error(t, err)
	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
}

func TestTryLockSingleWinner(t *testing.T) {
	svc := newTestService(t)
	job := seedJob(t, svc, "contended", nil)

	var winners atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			locked, err := svc.TryLock(context.Background(), job.ID)
			if err != nil {
				return err
			}
			if locked {
				winners.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), winners.Load())

	got, err := svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.LastRunStartedAt)
}

func TestTryLockRefusesPausedAndFailed(t *testing.T) {
	svc := newTestService(t)

	for _, status := range []Status{StatusPaused, StatusFailed, StatusRunning} {
		job := seedJob(t, svc, "locked-"+string(status), nil)
		require.NoError(t, svc.db.Model(&Job{}).Where("id = ?", job.ID).Update("status", status).Error)

		locked, err := svc.TryLock(context.Background(), job.ID)
		require.NoError(t, err)
		require.False(t, locked, "status %s must not be lockable", status)
	}
}

func TestMarkFinishedSuccessClearsRetryState(t *testing.T) {
	svc := newTestService(t)
	job := seedJob(t, svc, "success", func(j *Job) { j.RetryCount = 3 })

	require.NoError(t, svc.MarkFinished(context.Background(), job.ID, nil, 5))

	got, err := svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFinished, got.Status)
	require.Equal(t, 0, got.RetryCount)
	require.Empty(t, got.ErrorMessage)
	require.NotNil(t, got.LastRunFinishedAt)
}

func TestMarkFinishedFailureIncrementsUntilCeiling(t *testing.T) {
	svc := newTestService(t)
	job := seedJob(t, svc, "flaky", nil)
	runErr := errors.New("extraction blew up")

	for i := 1; i <= 5; i++ {
		require.NoError(t, svc.MarkFinished(context.Background(), job.ID, runErr, 5))
		got, err := svc.Get(context.Background(), job.ID)
		require.NoError(t, err)
		require.Equal(t, StatusPending, got.Status)
		require.Equal(t, i, got.RetryCount)
	}

	require.NoError(t, svc.MarkFinished(context.Background(), job.ID, runErr, 5))
	got, err := svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, 6, got.RetryCount)
	require.Equal(t, "extraction blew up", got.ErrorMessage)
}

func TestMarkPendingDoesNotCountFailure(t *testing.T) {
	svc := newTestService(t)
	job := seedJob(t, svc, "rate-limited", nil)

	require.NoError(t, svc.MarkPending(context.Background(), job.ID, "rate limited by source API"))

	got, err := svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 0, got.RetryCount)
	require.Equal(t, "rate limited by source API", got.ErrorMessage)
}

func TestPauseRefusesRunningJob(t *testing.T) {
	svc := newTestService(t)
	job := seedJob(t, svc, "running", nil)

	locked, err := svc.TryLock(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, locked)

	err = svc.Pause(context.Background(), job.ID)
	require.Error(t, err)
	var be errutil.BaseError
	require.True(t, errors.As(err, &be))

	got, err := svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)
}

func TestResumeYieldsToActiveSibling(t *testing.T) {
	svc := newTestService(t)
	paused := seedJob(t, svc, "paused", nil)
	require.NoError(t, svc.Pause(context.Background(), paused.ID))

	sibling := seedJob(t, svc, "sibling", nil)
	require.NoError(t, svc.MarkPending(context.Background(), sibling.ID, "triggered"))

	require.NoError(t, svc.Resume(context.Background(), paused.ID))

	got, err := svc.Get(context.Background(), paused.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFinished, got.Status)
}

func TestResumeWithoutSiblingGoesPending(t *testing.T) {
	svc := newTestService(t)
	paused := seedJob(t, svc, "paused-alone", nil)
	require.NoError(t, svc.Pause(context.Background(), paused.ID))

	require.NoError(t, svc.Resume(context.Background(), paused.ID))

	got, err := svc.Get(context.Background(), paused.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestResumeNonPausedConflicts(t *testing.T) {
	svc := newTestService(t)
	job := seedJob(t, svc, "not-paused", nil)

	err := svc.Resume(context.Background(), job.ID)
	require.Error(t, err)
}

func TestGetEligibleJobsOrderAndDueness(t *testing.T) {
	svc := newTestService(t)
	now := time.Now().UTC()

	pending := seedJob(t, svc, "pending", nil)
	require.NoError(t, svc.MarkPending(context.Background(), pending.ID, ""))

	seedJob(t, svc, "never-ran", nil)

	recent := seedJob(t, svc, "recently-finished", nil)
	finishedAt := now.Add(-10 * time.Minute)
	require.NoError(t, svc.db.Model(&Job{}).Where("id = ?", recent.ID).Updates(map[string]any{
		"status":               StatusFinished,
		"last_run_finished_at": finishedAt,
	}).Error)

	overdue := seedJob(t, svc, "overdue", nil)
	overdueAt := now.Add(-48 * time.Hour)
	require.NoError(t, svc.db.Model(&Job{}).Where("id = ?", overdue.ID).Updates(map[string]any{
		"status":               StatusFinished,
		"last_run_finished_at": overdueAt,
	}).Error)

	paused := seedJob(t, svc, "paused-out", nil)
	require.NoError(t, svc.Pause(context.Background(), paused.ID))

	due, err := svc.GetEligibleJobs(context.Background(), now)
	require.NoError(t, err)

	names := make([]string, 0, len(due))
	for _, j := range due {
		names = append(names, j.Name)
	}
	require.Equal(t, []string{"pending", "never-ran", "overdue"}, names)
}

func TestFastRetryUsesRetryInterval(t *testing.T) {
	now := time.Now().UTC()
	finishedAt := now.Add(-45 * time.Minute)

	job := &Job{
		Status:                  StatusFinished,
		ScheduleIntervalMinutes: 1440,
		RetryIntervalMinutes:    30,
		LastRunFinishedAt:       &finishedAt,
	}

	require.False(t, job.IsDue(now))

	job.RetryCount = 2
	require.True(t, job.IsDue(now))
}

func TestResetStuck(t *testing.T) {
	svc := newTestService(t)
	now := time.Now().UTC()

	stuck := seedJob(t, svc, "stuck", nil)
	startedAt := now.Add(-3 * time.Hour)
	require.NoError(t, svc.db.Model(&Job{}).Where("id = ?", stuck.ID).Updates(map[string]any{
		"status":              StatusRunning,
		"last_run_started_at": startedAt,
	}).Error)

	healthy := seedJob(t, svc, "healthy", nil)
	locked, err := svc.TryLock(context.Background(), healthy.ID)
	require.NoError(t, err)
	require.True(t, locked)

	count, err := svc.ResetStuck(context.Background(), 2*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	got, err := svc.Get(context.Background(), stuck.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	got, err = svc.Get(context.Background(), healthy.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)
}

func TestUpdateScheduleLeavesCheckpointAlone(t *testing.T) {
	svc := newTestService(t)
	job := seedJob(t, svc, "scheduled", nil)

	require.NoError(t, svc.db.Model(&Job{}).Where("id = ?", job.ID).
		Update("checkpoint_data", []byte(`{"total_processed":7}`)).Error)

	require.NoError(t, svc.UpdateSchedule(context.Background(), job.ID, 720, 15))

	got, err := svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 720, got.ScheduleIntervalMinutes)
	require.Equal(t, 15, got.RetryIntervalMinutes)
	require.JSONEq(t, `{"total_processed":7}`, string(got.CheckpointData))
}
