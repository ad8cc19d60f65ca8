package checkpoint

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"etl-engine/services/registry"
	"etl-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	db := testutil.NewTestDB(t, &registry.Job{})

	job := &registry.Job{
		ID:                      "job-1",
		Name:                    "checkpointed",
		JobType:                 TypeGitHub,
		ScheduleIntervalMinutes: 1440,
		RetryIntervalMinutes:    30,
	}
	require.NoError(t, db.Create(job).Error)

	return NewManager(db), job.ID
}

func TestSaveMergesShallow(t *testing.T) {
	mgr, jobID := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Save(ctx, jobID, map[string]any{
		"current_pr_node_id": "PR_1",
		"commits_cursor":     "c1",
	}, "pr_commits"))

	require.NoError(t, mgr.Save(ctx, jobID, map[string]any{
		"commits_cursor": "c2",
	}, "pr_commits"))

	raw, err := mgr.Load(ctx, jobID)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "PR_1", doc["current_pr_node_id"])
	require.Equal(t, "c2", doc["commits_cursor"])
}

func TestSaveDocumentRoundTrip(t *testing.T) {
	mgr, jobID := newTestManager(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	in := &CursorDocument{
		RepoProcessingQueue: []RepoQueueEntry{
			{Name: "org/alpha", Finished: true},
			{Name: "org/beta", Cursor: "page-4"},
		},
		LastRepoSyncCheckpoint: &now,
		CurrentPRNodeID:        "PR_77",
		CurrentPREntity:        "comments",
		CommentsCursor:         "cm-9",
		InterruptedBy:          InterruptedByRateLimit,
	}
	require.NoError(t, mgr.SaveDocument(ctx, jobID, in, "pr_comments"))

	raw, err := mgr.Load(ctx, jobID)
	require.NoError(t, err)
	require.True(t, Validate(raw, TypeGitHub))

	var out CursorDocument
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, in.RepoProcessingQueue, out.RepoProcessingQueue)
	require.Equal(t, "PR_77", out.CurrentPRNodeID)
	require.Equal(t, "comments", out.CurrentPREntity)
	require.Equal(t, "cm-9", out.CommentsCursor)
	require.Equal(t, InterruptedByRateLimit, out.InterruptedBy)

	var job registry.Job
	require.NoError(t, mgr.db.First(&job, "id = ?", jobID).Error)
	require.Equal(t, "pr_comments", job.CheckpointPhase)
	require.NotNil(t, job.CheckpointTimestamp)
}

func TestRestartDocumentRoundTrip(t *testing.T) {
	mgr, jobID := newTestManager(t)
	ctx := context.Background()

	in := &RestartDocument{
		TotalProcessed: 240,
		CurrentUnit:    "PROJ",
		UnitsCompleted: []string{"CORE", "INFRA"},
	}
	require.NoError(t, mgr.SaveDocument(ctx, jobID, in, "issues"))

	raw, err := mgr.Load(ctx, jobID)
	require.NoError(t, err)
	require.True(t, Validate(raw, TypeJira))

	var out RestartDocument
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, 240, out.TotalProcessed)
	require.Equal(t, []string{"CORE", "INFRA"}, out.UnitsCompleted)
}

func TestLoadNilWhenEmpty(t *testing.T) {
	mgr, jobID := newTestManager(t)

	raw, err := mgr.Load(context.Background(), jobID)
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestClear(t *testing.T) {
	mgr, jobID := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Save(ctx, jobID, map[string]any{"commits_cursor": "c1"}, "pr_commits"))
	require.NoError(t, mgr.Clear(ctx, jobID))

	raw, err := mgr.Load(ctx, jobID)
	require.NoError(t, err)
	require.Nil(t, raw)

	var job registry.Job
	require.NoError(t, mgr.db.First(&job, "id = ?", jobID).Error)
	require.Empty(t, job.CheckpointPhase)
	require.Nil(t, job.CheckpointTimestamp)
}

func TestValidate(t *testing.T) {
	valid := json.RawMessage(`{"repo_processing_queue":[{"name":"org/alpha","finished":false}]}`)
	require.True(t, Validate(valid, TypeGitHub))

	missingQueue := json.RawMessage(`{"current_pr_node_id":"PR_1"}`)
	require.False(t, Validate(missingQueue, TypeGitHub))

	emptyName := json.RawMessage(`{"repo_processing_queue":[{"name":""}]}`)
	require.False(t, Validate(emptyName, TypeGitHub))

	garbage := json.RawMessage(`{"repo_processing_queue":"not-a-list"}`)
	require.False(t, Validate(garbage, TypeGitHub))

	jira := json.RawMessage(`{"total_processed":12,"units_completed":["CORE"]}`)
	require.True(t, Validate(jira, TypeJira))
	require.False(t, Validate(jira, TypeGitHub))
	require.False(t, Validate(json.RawMessage(`{"total_processed":12}`), TypeJira))

	require.False(t, Validate(nil, TypeGitHub))
	require.False(t, Validate(json.RawMessage(`not json`), TypeJira))
	require.False(t, Validate(valid, "bitbucket"))
}
