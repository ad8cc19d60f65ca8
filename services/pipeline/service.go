// Package pipeline is the queue-consuming half of the engine: transform
// workers parse stored raw batches into normalized entities, load workers
// finalize them. Workers only ever receive a raw batch id; the payload is
// read back from the raw store.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"etl-engine/pkg/queue"
	"etl-engine/services/rawstore"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db     *gorm.DB
	raw    *rawstore.Store
	broker *queue.Manager
	node   *snowflake.Node
}

func NewService(db *gorm.DB, raw *rawstore.Store, broker *queue.Manager, node *snowflake.Node) *Service {
	return &Service{db: db, raw: raw, broker: broker, node: node}
}

func (s *Service) Migrate() error {
	return s.db.AutoMigrate(&SyncedEntity{})
}

// HandleTransform processes one transform task: load the raw batch by id,
// parse its records, upsert them as normalized entities, then hand the batch
// to the load stage. Individual malformed records are skipped and counted,
// never failing the whole batch.
func (s *Service) HandleTransform(ctx context.Context, task *asynq.Task) error {
	var msg queue.Message
	if err := json.Unmarshal(task.Payload(), &msg); err != nil {
		return fmt.Errorf("decode transform message: %w", err)
	}

	row, err := s.raw.Get(ctx, msg.RawDataID)
	if err != nil {
		return err
	}

	if err := s.raw.MarkProcessing(ctx, row.ID); err != nil {
		return err
	}

	items := extractItems(row.RawData)

	upserted, skipped := 0, 0
	for _, item := range items {
		externalID := externalIDFor(msg.JobType, item)
		if externalID == "" {
			skipped++
			continue
		}

		entity := &SyncedEntity{
			ID:         s.node.Generate().String(),
			TenantID:   msg.TenantID,
			EntityType: msg.EntityType,
			ExternalID: externalID,
			JobType:    msg.JobType,
			Attributes: []byte(item),
		}
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "entity_type"}, {Name: "external_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"attributes", "job_type", "updated_at"}),
			}).
			Create(entity).Error
		if err != nil {
			details := fmt.Sprintf("upsert %s/%s: %v", msg.EntityType, externalID, err)
			if markErr := s.raw.MarkFailed(ctx, row.ID, details); markErr != nil {
				zap.L().Error("[Pipeline] failed to mark batch failed",
					zap.String("raw_data_id", row.ID),
					zap.Error(markErr),
				)
			}
			return fmt.Errorf("upsert entity: %w", err)
		}
		upserted++
	}

	if skipped > 0 {
		zap.L().Warn("[Pipeline] skipped malformed records",
			zap.String("raw_data_id", row.ID),
			zap.String("entity_type", msg.EntityType),
			zap.Int("skipped", skipped),
		)
	}

	zap.L().Debug("[Pipeline] batch transformed",
		zap.String("raw_data_id", row.ID),
		zap.Int("upserted", upserted),
	)

	return s.broker.Publish(ctx, queue.QueueLoad, msg)
}

// HandleLoad finalizes a batch after its entities have landed.
func (s *Service) HandleLoad(ctx context.Context, task *asynq.Task) error {
	var msg queue.Message
	if err := json.Unmarshal(task.Payload(), &msg); err != nil {
		return fmt.Errorf("decode load message: %w", err)
	}
	return s.raw.MarkCompleted(ctx, msg.RawDataID)
}

// ReprocessFailed re-enqueues every failed raw batch. The stored payload is
// reused as-is; nothing re-calls the external API.
func (s *Service) ReprocessFailed(ctx context.Context) (int, error) {
	rows, err := s.raw.ListByStatus(ctx, rawstore.StatusFailed)
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		err := s.broker.Publish(ctx, queue.QueueTransform, queue.Message{
			TenantID:      row.TenantID,
			IntegrationID: row.IntegrationID,
			EntityType:    row.EntityType,
			RawDataID:     row.ID,
		})
		if err != nil {
			return 0, err
		}
	}

	if len(rows) > 0 {
		zap.L().Info("[Pipeline] re-enqueued failed batches", zap.Int("count", len(rows)))
	}
	return len(rows), nil
}

// extractItems pulls the record array out of a stored API response. Sources
// differ in envelope shape: some return a bare array, others wrap it in a
// well-known field.
func extractItems(raw []byte) []json.RawMessage {
	var direct []json.RawMessage
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	for _, key := range []string{"items", "nodes", "values", "issues", "repositories"} {
		if field, ok := envelope[key]; ok {
			var list []json.RawMessage
			if err := json.Unmarshal(field, &list); err == nil {
				return list
			}
		}
	}
	return nil
}

// externalIDFor extracts the source-native identity of one record.
func externalIDFor(jobType string, item json.RawMessage) string {
	var fields struct {
		NodeID string `json:"node_id"`
		Key    string `json:"key"`
		ID     any    `json:"id"`
	}
	if err := json.Unmarshal(item, &fields); err != nil {
		return ""
	}
	if fields.NodeID != "" {
		return fields.NodeID
	}
	if fields.Key != "" {
		return fields.Key
	}
	switch id := fields.ID.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	}
	return ""
}
