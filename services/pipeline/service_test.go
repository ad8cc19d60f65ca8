package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"etl-engine/pkg/queue"
	"etl-engine/services/rawstore"
	"etl-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type harness struct {
	db      *gorm.DB
	raw     *rawstore.Store
	enq     *fakeEnqueuer
	service *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewTestDB(t, &rawstore.RawExtractionData{}, &SyncedEntity{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	enq := &fakeEnqueuer{}
	raw := rawstore.NewStore(db, node)
	return &harness{
		db:      db,
		raw:     raw,
		enq:     enq,
		service: NewService(db, raw, queue.NewManager(enq), node),
	}
}

func (h *harness) seedBatch(t *testing.T, body string) string {
	t.Helper()
	id, err := h.raw.SaveBatch(context.Background(), &rawstore.RawExtractionData{
		TenantID:   "tenant-1",
		EntityType: "jira_issues_batch",
		RawData:    []byte(body),
	}, rawstore.Metadata{BatchNum: 0})
	require.NoError(t, err)
	return id
}

func transformTask(t *testing.T, rawID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(queue.Message{
		TenantID:   "tenant-1",
		JobType:    "jira",
		EntityType: "issues",
		RawDataID:  rawID,
	})
	require.NoError(t, err)
	return asynq.NewTask(queue.TaskTransformBatch, payload)
}

func (h *harness) entityCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&SyncedEntity{}).Count(&count).Error)
	return count
}

func TestTransformUpsertsEntities(t *testing.T) {
	h := newHarness(t)
	rawID := h.seedBatch(t, `{"issues":[{"key":"CORE-1","summary":"first"},{"key":"CORE-2","summary":"second"}]}`)

	require.NoError(t, h.service.HandleTransform(context.Background(), transformTask(t, rawID)))

	require.Equal(t, int64(2), h.entityCount(t))

	row, err := h.raw.Get(context.Background(), rawID)
	require.NoError(t, err)
	require.Equal(t, rawstore.StatusProcessing, row.ProcessingStatus)

	// The batch moved on to the load queue.
	require.Len(t, h.enq.tasks, 1)
	require.Equal(t, queue.TaskLoadBatch, h.enq.tasks[0].Type())
}

func TestTransformIsIdempotent(t *testing.T) {
	h := newHarness(t)
	body := `{"issues":[{"key":"CORE-1","summary":"first"},{"key":"CORE-2","summary":"second"}]}`

	first := h.seedBatch(t, body)
	require.NoError(t, h.service.HandleTransform(context.Background(), transformTask(t, first)))

	// A restarted extraction stores the same data under a new batch id;
	// reprocessing must not duplicate rows.
	second := h.seedBatch(t, body)
	require.NoError(t, h.service.HandleTransform(context.Background(), transformTask(t, second)))

	require.Equal(t, int64(2), h.entityCount(t))
}

func TestTransformUpdatesChangedAttributes(t *testing.T) {
	h := newHarness(t)

	first := h.seedBatch(t, `{"issues":[{"key":"CORE-1","summary":"before"}]}`)
	require.NoError(t, h.service.HandleTransform(context.Background(), transformTask(t, first)))

	second := h.seedBatch(t, `{"issues":[{"key":"CORE-1","summary":"after"}]}`)
	require.NoError(t, h.service.HandleTransform(context.Background(), transformTask(t, second)))

	var entity SyncedEntity
	require.NoError(t, h.db.First(&entity, "external_id = ?", "CORE-1").Error)
	require.Contains(t, string(entity.Attributes), "after")
	require.Equal(t, int64(1), h.entityCount(t))
}

func TestTransformSkipsMalformedRecords(t *testing.T) {
	h := newHarness(t)
	rawID := h.seedBatch(t, `{"issues":[{"key":"CORE-1"},{"summary":"no identity"},{"key":"CORE-3"}]}`)

	require.NoError(t, h.service.HandleTransform(context.Background(), transformTask(t, rawID)))

	// The malformed record is skipped, the rest of the batch lands.
	require.Equal(t, int64(2), h.entityCount(t))
}

func TestLoadCompletesBatch(t *testing.T) {
	h := newHarness(t)
	rawID := h.seedBatch(t, `{"issues":[{"key":"CORE-1"}]}`)

	payload, err := json.Marshal(queue.Message{RawDataID: rawID})
	require.NoError(t, err)

	require.NoError(t, h.service.HandleLoad(context.Background(), asynq.NewTask(queue.TaskLoadBatch, payload)))

	row, err := h.raw.Get(context.Background(), rawID)
	require.NoError(t, err)
	require.Equal(t, rawstore.StatusCompleted, row.ProcessingStatus)
	require.NotNil(t, row.ProcessedAt)
}

func TestReprocessFailedRepublishes(t *testing.T) {
	h := newHarness(t)
	rawID := h.seedBatch(t, `{"issues":[{"key":"CORE-1"}]}`)
	require.NoError(t, h.raw.MarkFailed(context.Background(), rawID, "upsert blew up"))

	count, err := h.service.ReprocessFailed(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, h.enq.tasks, 1)
	require.Equal(t, queue.TaskTransformBatch, h.enq.tasks[0].Type())

	var msg queue.Message
	require.NoError(t, json.Unmarshal(h.enq.tasks[0].Payload(), &msg))
	require.Equal(t, rawID, msg.RawDataID)
}

func TestExtractItemsEnvelopes(t *testing.T) {
	bare := extractItems([]byte(`[{"a":1},{"a":2}]`))
	require.Len(t, bare, 2)

	wrapped := extractItems([]byte(`{"values":[{"a":1}]}`))
	require.Len(t, wrapped, 1)

	require.Nil(t, extractItems([]byte(`{"unrelated":true}`)))
	require.Nil(t, extractItems([]byte(`not json`)))
}
