package checkpoint

import (
	"encoding/json"
	"time"
)

// Job type tags selecting the checkpoint document variant.
const (
	TypeGitHub = "github"
	TypeJira   = "jira"
)

// Interruption origins stamped into a checkpoint when a run yields early.
const (
	InterruptedByRateLimit = "rate_limit"
	InterruptedByManual    = "manual_stop"
	InterruptedByTransient = "transient_failure"
)

// RepoQueueEntry is one repository in the cursor-style processing queue.
// finished=false entries are resumed in order; cursor is the PR-page cursor
// inside that repository.
type RepoQueueEntry struct {
	Name     string `json:"name"`
	Finished bool   `json:"finished"`
	Cursor   string `json:"cursor,omitempty"`
}

// CursorDocument is the cursor-style (GitHub-like) checkpoint. A checkpoint
// taken mid-PR carries the PR node id plus one cursor per nested pagination
// level, so recovery resumes mid-unit instead of re-fetching earlier pages.
// A nil LastRepoSyncCheckpoint means discovery has not finished yet;
// DiscoveryCursor then points at the first repository page still to fetch.
type CursorDocument struct {
	RepoProcessingQueue    []RepoQueueEntry `json:"repo_processing_queue"`
	DiscoveryCursor        string           `json:"discovery_cursor,omitempty"`
	LastRepoSyncCheckpoint *time.Time       `json:"last_repo_sync_checkpoint,omitempty"`
	CurrentPRNodeID        string           `json:"current_pr_node_id,omitempty"`
	CurrentPREntity        string           `json:"current_pr_entity,omitempty"`
	CommitsCursor          string           `json:"commits_cursor,omitempty"`
	ReviewsCursor          string           `json:"reviews_cursor,omitempty"`
	CommentsCursor         string           `json:"comments_cursor,omitempty"`
	ReviewThreadsCursor    string           `json:"review_threads_cursor,omitempty"`
	InterruptedBy          string           `json:"interrupted_by,omitempty"`
}

// RestartDocument is the restart-style (Jira-like) checkpoint. It records
// progress for observability only: on failure the whole document is
// discarded and extraction restarts from scratch, relying on idempotent
// upserts downstream.
type RestartDocument struct {
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	TotalProcessed int        `json:"total_processed"`
	CurrentUnit    string     `json:"current_unit,omitempty"`
	UnitsCompleted []string   `json:"units_completed"`
}

// Validate checks that a raw checkpoint document has the required shape for
// the given job type. An invalid document must never be resumed from; the
// caller logs it and falls back to a fresh start.
func Validate(doc json.RawMessage, jobType string) bool {
	if len(doc) == 0 {
		return false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false
	}

	switch jobType {
	case TypeGitHub:
		raw, ok := fields["repo_processing_queue"]
		if !ok {
			return false
		}
		var queue []RepoQueueEntry
		if err := json.Unmarshal(raw, &queue); err != nil {
			return false
		}
		for _, entry := range queue {
			if entry.Name == "" {
				return false
			}
		}
		return true
	case TypeJira:
		if _, ok := fields["total_processed"]; !ok {
			return false
		}
		if _, ok := fields["units_completed"]; !ok {
			return false
		}
		return true
	default:
		return false
	}
}
