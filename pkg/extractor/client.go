// Package extractor defines the contract between the engine and the
// per-source API clients (issue trackers, source-control hosts). The engine
// never talks HTTP itself; it drives a Client page by page and owns the
// checkpointing around each call.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BatchRequest identifies one page of one entity stream.
type BatchRequest struct {
	JobType    string // "github", "jira"
	EntityType string // "repositories", "pull_requests", "commits", ...
	Unit       string // containing unit, e.g. repo name or PR node id
	Cursor     string // opaque pagination token, empty for the first page
	Query      string // source query (JQL, search expression), if any
	BatchNum   int    // 0-based page counter within the stream
}

// Batch is one API response page.
type Batch struct {
	Items       []json.RawMessage // individual records in the page
	RawResponse json.RawMessage   // the complete response body, stored as-is
	NextCursor  string
	HasMore     bool
	TotalCount  int // total items in the stream if the source reports it, else 0
}

// Client fetches one batch at a time. Implementations must return
// *RateLimitedError when the source throttles, carrying enough context for
// the engine to checkpoint and resume at exactly this page.
type Client interface {
	FetchBatch(ctx context.Context, req BatchRequest) (*Batch, error)
}

// RateLimitedError signals that the source API throttled the call. Cursor is
// the cursor of the page that was NOT fetched, i.e. where extraction must
// resume.
type RateLimitedError struct {
	ResetAt time.Time
	Cursor  string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// IsRateLimited reports whether err is (or wraps) a RateLimitedError.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// Registry maps job types to their extraction clients.
type Registry struct {
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

func (r *Registry) Register(jobType string, c Client) {
	r.clients[jobType] = c
}

func (r *Registry) Get(jobType string) (Client, error) {
	c, ok := r.clients[jobType]
	if !ok {
		return nil, fmt.Errorf("no extraction client registered for job type %q", jobType)
	}
	return c, nil
}
