package pipeline

import (
	"time"

	"gorm.io/datatypes"
)

// SyncedEntity is one normalized record landed from a raw batch. The
// composite unique index makes loads idempotent: a restarted extraction
// re-upserts the same rows instead of duplicating them.
type SyncedEntity struct {
	ID         string `gorm:"column:id;primaryKey;type:varchar(32)"`
	TenantID   string `gorm:"column:tenant_id;type:varchar(32);not null;uniqueIndex:idx_synced_identity"`
	EntityType string `gorm:"column:entity_type;type:varchar(60);not null;uniqueIndex:idx_synced_identity"`
	ExternalID string `gorm:"column:external_id;type:varchar(100);not null;uniqueIndex:idx_synced_identity"`

	JobType    string         `gorm:"column:job_type;type:varchar(20)"`
	Attributes datatypes.JSON `gorm:"column:attributes"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (SyncedEntity) TableName() string { return "synced_entities" }
