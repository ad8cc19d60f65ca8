package registry

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the job lifecycle state.
type Status string

const (
	// StatusReady marks a provisioned job that has never run (or has been
	// reset) and is eligible on its schedule.
	StatusReady Status = "READY"
	// StatusPending marks a job waiting for the next cycle, either because
	// it was triggered manually or because it yielded mid-run (rate limit,
	// transient failure, manual stop). PENDING jobs are picked before
	// scheduled ones.
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	// StatusFinished marks a successful run; the job becomes eligible again
	// once its schedule interval elapses.
	StatusFinished Status = "FINISHED"
	// StatusFailed requires manual intervention; the scheduler skips it.
	StatusFailed Status = "FAILED"
	// StatusPaused is a manual override; the scheduler skips it entirely.
	StatusPaused Status = "PAUSED"
)

// Job is one named recurring extraction task. At most one Job globally may
// be RUNNING at any instant; TryLock enforces this in a single atomic
// statement.
type Job struct {
	ID            string `gorm:"column:id;primaryKey;type:varchar(32)"`
	Name          string `gorm:"column:name;uniqueIndex;type:varchar(100);not null"`
	JobType       string `gorm:"column:job_type;type:varchar(40);not null"`
	TenantID      string `gorm:"column:tenant_id;index"`
	IntegrationID string `gorm:"column:integration_id"`
	Active        bool   `gorm:"column:active;default:true"`
	Status        Status `gorm:"column:status;type:varchar(20);default:'READY';index"`

	ScheduleIntervalMinutes int `gorm:"column:schedule_interval_minutes;not null"`
	RetryIntervalMinutes    int `gorm:"column:retry_interval_minutes;not null"`

	LastRunStartedAt  *time.Time `gorm:"column:last_run_started_at"`
	LastRunFinishedAt *time.Time `gorm:"column:last_run_finished_at"`

	RetryCount   int    `gorm:"column:retry_count;default:0"`
	ErrorMessage string `gorm:"column:error_message;type:text"`

	CheckpointData      datatypes.JSON `gorm:"column:checkpoint_data"`
	CheckpointPhase     string         `gorm:"column:checkpoint_phase;type:varchar(60)"`
	CheckpointTimestamp *time.Time     `gorm:"column:checkpoint_timestamp"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Job) TableName() string { return "jobs" }

// IsDue reports whether the job should run at now. PENDING jobs are always
// due. Scheduled jobs wait out the schedule interval, or the shorter retry
// interval while the job has outstanding failures (fast retry).
func (j *Job) IsDue(now time.Time) bool {
	switch j.Status {
	case StatusPending:
		return true
	case StatusReady:
		return true
	case StatusFinished:
		if j.LastRunFinishedAt == nil {
			return true
		}
		interval := time.Duration(j.ScheduleIntervalMinutes) * time.Minute
		if j.RetryCount > 0 {
			interval = time.Duration(j.RetryIntervalMinutes) * time.Minute
		}
		return !now.Before(j.LastRunFinishedAt.Add(interval))
	default:
		return false
	}
}
