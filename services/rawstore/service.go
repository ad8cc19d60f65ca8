package rawstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"etl-engine/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Store struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewStore(db *gorm.DB, node *snowflake.Node) *Store {
	return &Store{db: db, node: node}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&RawExtractionData{})
}

// SaveBatch persists one complete API response batch and returns its id.
// The id is the only thing that travels through the queue afterwards.
func (s *Store) SaveBatch(ctx context.Context, row *RawExtractionData, meta Metadata) (string, error) {
	if row.ID == "" {
		row.ID = s.node.Generate().String()
	}
	if row.ProcessingStatus == "" {
		row.ProcessingStatus = StatusPending
	}
	if row.ExternalID == "" {
		row.ExternalID = fmt.Sprintf("batch_%d", meta.BatchNum)
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal extraction metadata: %w", err)
	}
	row.ExtractionMetadata = datatypes.JSON(encoded)

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", err
	}
	return row.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*RawExtractionData, error) {
	var row RawExtractionData
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound(fmt.Sprintf("raw batch %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// MarkProcessing flags the batch as claimed by a transform worker.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusProcessing, "", nil)
}

// MarkCompleted finalizes the batch after a successful load.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.setStatus(ctx, id, StatusCompleted, "", &now)
}

// MarkFailed leaves the batch for manual or automated reprocessing; the raw
// payload stays intact so reprocessing never re-calls the external API.
func (s *Store) MarkFailed(ctx context.Context, id, errorDetails string) error {
	return s.setStatus(ctx, id, StatusFailed, errorDetails, nil)
}

func (s *Store) setStatus(ctx context.Context, id string, status ProcessingStatus, details string, processedAt *time.Time) error {
	updates := map[string]any{
		"processing_status": status,
		"error_details":     details,
	}
	if processedAt != nil {
		updates["processed_at"] = *processedAt
	}
	res := s.db.WithContext(ctx).
		Model(&RawExtractionData{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound(fmt.Sprintf("raw batch %s not found", id))
	}
	return nil
}

// ListByStatus supports reprocessing sweeps over failed batches.
func (s *Store) ListByStatus(ctx context.Context, status ProcessingStatus) ([]*RawExtractionData, error) {
	var rows []*RawExtractionData
	err := s.db.WithContext(ctx).
		Where("processing_status = ?", status).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}
