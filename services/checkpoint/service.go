package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"etl-engine/services/registry"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Manager reads and writes a job's checkpoint_data. Save is deliberately
// safe to call from error paths: the extraction loop checkpoints before it
// yields on rate limits, manual stops and exhausted retries.
type Manager struct {
	db *gorm.DB
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// Save merges partial into the job's checkpoint document and stamps the
// phase and timestamp, all inside one transaction so a concurrent reader
// never observes a half-written document.
func (m *Manager) Save(ctx context.Context, jobID string, partial map[string]any, phase string) error {
	now := time.Now().UTC()

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job registry.Job
		if err := tx.Select("id", "checkpoint_data").First(&job, "id = ?", jobID).Error; err != nil {
			return fmt.Errorf("load checkpoint for job %s: %w", jobID, err)
		}

		current := make(map[string]any)
		if len(job.CheckpointData) > 0 {
			if err := json.Unmarshal(job.CheckpointData, &current); err != nil {
				// A corrupt stored document must not block saving a fresh
				// one; start over from the partial.
				zap.L().Warn("[Checkpoint] discarding unparseable stored document",
					zap.String("job_id", jobID), zap.Error(err))
				current = make(map[string]any)
			}
		}
		for k, v := range partial {
			current[k] = v
		}

		merged, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("marshal checkpoint for job %s: %w", jobID, err)
		}

		return tx.Model(&registry.Job{}).
			Where("id = ?", jobID).
			Updates(map[string]any{
				"checkpoint_data":      datatypes.JSON(merged),
				"checkpoint_phase":     phase,
				"checkpoint_timestamp": now,
			}).Error
	})
}

// SaveDocument replaces the whole checkpoint document at once.
func (m *Manager) SaveDocument(ctx context.Context, jobID string, doc any, phase string) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal checkpoint for job %s: %w", jobID, err)
	}

	var partial map[string]any
	if err := json.Unmarshal(encoded, &partial); err != nil {
		return fmt.Errorf("checkpoint document for job %s is not an object: %w", jobID, err)
	}

	now := time.Now().UTC()
	return m.db.WithContext(ctx).
		Model(&registry.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"checkpoint_data":      datatypes.JSON(encoded),
			"checkpoint_phase":     phase,
			"checkpoint_timestamp": now,
		}).Error
}

// Load returns the job's raw checkpoint document, nil if none exists.
func (m *Manager) Load(ctx context.Context, jobID string) (json.RawMessage, error) {
	var job registry.Job
	err := m.db.WithContext(ctx).
		Select("id", "checkpoint_data").
		First(&job, "id = ?", jobID).Error
	if err != nil {
		return nil, err
	}
	if len(job.CheckpointData) == 0 {
		return nil, nil
	}
	return json.RawMessage(job.CheckpointData), nil
}

// Clear removes the checkpoint after a successful full run. Restart-style
// sources also clear intentionally on failure, since their recovery is a
// full rerun over idempotent upserts.
func (m *Manager) Clear(ctx context.Context, jobID string) error {
	return m.db.WithContext(ctx).
		Model(&registry.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"checkpoint_data":      nil,
			"checkpoint_phase":     "",
			"checkpoint_timestamp": nil,
		}).Error
}
