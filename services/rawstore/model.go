package rawstore

import (
	"time"

	"gorm.io/datatypes"
)

// ProcessingStatus tracks a raw batch through the transform/load pipeline.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// RawExtractionData is one stored API response batch (not one item). The
// raw_data column is write-once; only processing_status, error_details and
// processed_at mutate after creation. Downstream workers reprocess failed
// batches from this row without re-calling the external API.
type RawExtractionData struct {
	ID            string `gorm:"column:id;primaryKey;type:varchar(32)"`
	TenantID      string `gorm:"column:tenant_id;index;not null"`
	IntegrationID string `gorm:"column:integration_id;index"`
	EntityType    string `gorm:"column:entity_type;type:varchar(60);not null"`
	ExternalID    string `gorm:"column:external_id;type:varchar(100)"`

	RawData            datatypes.JSON `gorm:"column:raw_data"`
	ExtractionMetadata datatypes.JSON `gorm:"column:extraction_metadata"`

	ProcessingStatus ProcessingStatus `gorm:"column:processing_status;type:varchar(20);default:'pending';index"`
	ErrorDetails     string           `gorm:"column:error_details;type:text"`

	CreatedAt   time.Time  `gorm:"autoCreateTime"`
	ProcessedAt *time.Time `gorm:"column:processed_at"`
}

func (RawExtractionData) TableName() string { return "raw_extraction_data" }

// ExtractionMetadata payload persisted alongside each batch: everything
// needed to reproduce the API call.
type Metadata struct {
	Query    string `json:"query,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
	BatchNum int    `json:"batch_number"`
	Unit     string `json:"unit,omitempty"`
}
