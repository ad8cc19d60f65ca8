package queue

// Task type names routed through the broker. The body is always the small
// Message schema below; bulk payloads stay in the raw data store.
const (
	TaskExtractBatch   = "etl:extract:batch"
	TaskTransformBatch = "etl:transform:batch"
	TaskLoadBatch      = "etl:load:batch"
)

// Queue names. Declared durable on the broker side; priority weights are
// part of the topology (see Topology).
const (
	QueueExtract   = "extract"
	QueueTransform = "transform"
	QueueLoad      = "load"
)

// Message is the only payload shape that travels through the broker. It
// carries references (raw data id, cursor), never the raw API response.
type Message struct {
	TenantID      string `json:"tenant_id"`
	IntegrationID string `json:"integration_id,omitempty"`
	JobType       string `json:"job_type"`
	EntityType    string `json:"entity_type"`
	RawDataID     string `json:"raw_data_id,omitempty"`
	Cursor        string `json:"cursor,omitempty"`
	// Priority mirrors the destination queue's topology weight; Publish
	// stamps it so consumers see the weight without querying the broker.
	Priority int `json:"priority"`
}
