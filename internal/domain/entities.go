// Package domain defines the core entities and ports of the gateway.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// JobStatus enumerates the lifecycle states of a job.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobDelayed   JobStatus = "delayed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// Job is one downstream API call plus its correlation metadata.
// Invariants: Priority in [1,10]; AttemptsMade <= MaxAttempts; a job in the
// waiting set never overlaps the active set.
type Job struct {
	ID           string         `json:"job_id"`
	Tool         string         `json:"tool"`
	Params       map[string]any `json:"params"`
	RowID        string         `json:"row_id"`
	BatchID      string         `json:"batch_id,omitempty"`
	CallbackURL  string         `json:"callback_url,omitempty"`
	Priority     int            `json:"priority"`
	AttemptsMade int            `json:"attempts_made"`
	MaxAttempts  int            `json:"max_attempts"`
	Status       JobStatus      `json:"status"`
	Error        string         `json:"error,omitempty"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
	StartedAt    time.Time      `json:"started_at,omitzero"`
	FinishedAt   time.Time      `json:"finished_at,omitzero"`
}

// Batch is aggregate accounting for jobs submitted together.
// Invariant: Completed + Failed <= Total, each monotone non-decreasing.
type Batch struct {
	BatchID   string    `json:"batch_id"`
	Tool      string    `json:"tool"`
	CreatedAt time.Time `json:"created_at"`
	Total     int64     `json:"total"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
}

// Pending is the number of jobs in the batch not yet terminal.
func (b Batch) Pending() int64 { return b.Total - b.Completed - b.Failed }

// ResultRecord is written exactly once per job on terminal outcome,
// always before any callback attempt for that job.
type ResultRecord struct {
	JobID      string          `json:"job_id"`
	RowID      string          `json:"row_id"`
	Tool       string          `json:"tool"`
	BatchID    string          `json:"batch_id,omitempty"`
	Status     JobStatus       `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
	StoredAt   time.Time       `json:"stored_at"`
}

// QueueStats is a point-in-time snapshot of the store's job populations.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Store is the durable job store (queue, batch counters, results, stats).
type Store interface {
	PushOne(ctx context.Context, j Job) error
	PushBulk(ctx context.Context, jobs []Job) error
	// ClaimNext moves the head of the waiting queue to the active holding
	// area under a lease. It blocks up to timeout and returns nil when no
	// job became available.
	ClaimNext(ctx context.Context, timeout time.Duration) (*Job, error)
	RenewLease(ctx context.Context, jobID string) error
	// Retry schedules the job for re-execution after delay.
	Retry(ctx context.Context, j Job, delay time.Duration) error
	Complete(ctx context.Context, j Job) error
	Fail(ctx context.Context, j Job) error

	CreateBatch(ctx context.Context, b Batch) error
	IncrBatchCompleted(ctx context.Context, batchID string) error
	IncrBatchFailed(ctx context.Context, batchID string) error
	GetBatch(ctx context.Context, batchID string) (Batch, error)

	WriteResult(ctx context.Context, r ResultRecord) error
	ResultsByBatch(ctx context.Context, batchID string, limit int) ([]ResultRecord, error)

	Stats(ctx context.Context) (QueueStats, error)
	Ping(ctx context.Context) error
}

// DownstreamRequest describes one call to the downstream API.
type DownstreamRequest struct {
	Method  string
	Path    string
	Body    any
	Timeout time.Duration
}

// Downstream issues a single logical call to the downstream API,
// applying transport-level retries internally.
type Downstream interface {
	Do(ctx context.Context, req DownstreamRequest) (json.RawMessage, error)
}

// CallbackDelivery is a per-job result payload bound for a caller URL.
type CallbackDelivery struct {
	URL    string
	Record ResultRecord
}

// CallbackOutcome reports delivery status. It never alters job state.
type CallbackOutcome struct {
	Success  bool
	Skipped  bool
	Attempts int
	Err      error
}

// CallbackDispatcher delivers result payloads with its own retry schedule.
type CallbackDispatcher interface {
	Dispatch(ctx context.Context, d CallbackDelivery) CallbackOutcome
}
