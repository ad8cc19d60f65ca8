package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"etl-engine/pkg/config"
	"etl-engine/pkg/extractor"
	"etl-engine/pkg/queue"
	"etl-engine/services/checkpoint"
	"etl-engine/services/events"
	"etl-engine/services/rawstore"
	"etl-engine/services/recovery"
	"etl-engine/services/registry"
	"etl-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeProbe struct {
	up  bool
	err error
}

func (p *fakeProbe) IsRunning(ctx context.Context) (bool, error) {
	return p.up, p.err
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

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeClient struct {
	pages map[string]*extractor.Batch
}

func (f *fakeClient) FetchBatch(ctx context.Context, req extractor.BatchRequest) (*extractor.Batch, error) {
	if b, ok := f.pages[req.EntityType+"|"+req.Cursor]; ok {
		return b, nil
	}
	return &extractor.Batch{RawResponse: json.RawMessage(`{"items":[]}`)}, nil
}

type harness struct {
	db       *gorm.DB
	registry *registry.Service
	probe    *fakeProbe
	enq      *fakeEnqueuer
	service  *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewTestDB(t, &registry.Job{}, &rawstore.RawExtractionData{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Engine.MaxRetries = 5
	cfg.Engine.StuckCeiling = 2 * time.Hour
	cfg.Engine.TransientAttempts = 1
	cfg.Engine.WorkerGate = true

	reg := registry.NewService(db, node)
	enq := &fakeEnqueuer{}

	clients := extractor.NewRegistry()
	clients.Register(checkpoint.TypeGitHub, &fakeClient{pages: map[string]*extractor.Batch{
		"repositories|": {
			Items:       []json.RawMessage{json.RawMessage(`{"name":"org/alpha"}`)},
			RawResponse: json.RawMessage(`{"items":[{"name":"org/alpha"}]}`),
		},
	}})

	controller := recovery.NewController(
		checkpoint.NewManager(db),
		rawstore.NewStore(db, node),
		queue.NewManager(enq),
		clients,
		events.NopSink{},
		cfg,
	)

	probe := &fakeProbe{up: true}
	h := &harness{
		db:       db,
		registry: reg,
		probe:    probe,
		enq:      enq,
		service:  NewService(reg, controller, probe, recovery.NewStopRegistry(), events.NopSink{}, cfg),
	}
	return h
}

func (h *harness) seedJob(t *testing.T, name string) *registry.Job {
	t.Helper()
	job := &registry.Job{
		Name:                    name,
		JobType:                 checkpoint.TypeGitHub,
		TenantID:                "tenant-1",
		ScheduleIntervalMinutes: 1440,
		RetryIntervalMinutes:    30,
	}
	require.NoError(t, h.registry.Create(context.Background(), job))
	return job
}

func (h *harness) forceRunning(t *testing.T, jobID string, startedAt time.Time) {
	t.Helper()
	require.NoError(t, h.db.Model(&registry.Job{}).Where("id = ?", jobID).Updates(map[string]any{
		"status":              registry.StatusRunning,
		"last_run_started_at": startedAt,
	}).Error)
}

func TestRunCycleRunsDueJobToCompletion(t *testing.T) {
	h := newHarness(t)
	job := h.seedJob(t, "due")

	h.service.RunCycle(context.Background())

	got, err := h.registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusFinished, got.Status)
	require.Nil(t, got.CheckpointData)
	require.Positive(t, h.enq.count())
}

func TestRunCycleSkipsWhenJobAlreadyRunning(t *testing.T) {
	h := newHarness(t)
	running := h.seedJob(t, "running")

	locked, err := h.registry.TryLock(context.Background(), running.ID)
	require.NoError(t, err)
	require.True(t, locked)

	waiting := h.seedJob(t, "waiting")

	h.service.RunCycle(context.Background())

	got, err := h.registry.Get(context.Background(), waiting.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusReady, got.Status)
	require.Zero(t, h.enq.count())
}

func TestWorkerGateRefusesAndFailsJob(t *testing.T) {
	h := newHarness(t)
	h.probe.up = false
	job := h.seedJob(t, "gated")

	h.service.RunCycle(context.Background())

	got, err := h.registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusFailed, got.Status)
	require.Equal(t, "no extraction workers available", got.ErrorMessage)
	require.Zero(t, h.enq.count())
}

func TestWorkerGateFailClosedOnProbeError(t *testing.T) {
	h := newHarness(t)
	h.probe.err = errors.New("inspector unreachable")
	job := h.seedJob(t, "probe-error")

	h.service.RunCycle(context.Background())

	// A broken probe must not halt scheduling: the job still ran.
	got, err := h.registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusFinished, got.Status)
}

func TestReconcileDemotesConcurrentRuns(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()

	oldest := h.seedJob(t, "oldest")
	newest := h.seedJob(t, "newest")
	h.forceRunning(t, oldest.ID, now.Add(-30*time.Minute))
	h.forceRunning(t, newest.ID, now.Add(-5*time.Minute))

	require.NoError(t, h.service.reconcileRunning(context.Background()))

	got, err := h.registry.Get(context.Background(), oldest.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusRunning, got.Status)

	got, err = h.registry.Get(context.Background(), newest.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusPending, got.Status)
	require.Contains(t, got.ErrorMessage, "demoted")
}

func TestRunCycleResetsStuckJob(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()

	stuck := h.seedJob(t, "stuck")
	h.forceRunning(t, stuck.ID, now.Add(-3*time.Hour))

	// The sweep demotes the stuck job to PENDING and the same cycle picks it
	// up again and runs it to completion.
	h.service.RunCycle(context.Background())

	got, err := h.registry.Get(context.Background(), stuck.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusFinished, got.Status)
}

func TestTriggerNowPromotesJob(t *testing.T) {
	h := newHarness(t)
	job := h.seedJob(t, "triggered")

	require.NoError(t, h.service.TriggerNow(context.Background(), job.ID))

	got, err := h.registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusPending, got.Status)
}
