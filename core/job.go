package core

import (
	"context"
	"time"
)

// JobStatus is the lifecycle state of a job in the external store.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobAnalyzing JobStatus = "analyzing"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is the unit of work the runner executes. Jobs are owned by an
// external store; the core reads and mutates them through JobStore.
type Job struct {
	ID          string     `json:"id"`
	Task        string     `json:"task"`
	Project     string     `json:"project"`
	Status      JobStatus  `json:"status"`
	ClientID    string     `json:"client_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CostUSD     float64    `json:"cost_usd"`
	Error       string     `json:"error,omitempty"`
}

// JobUpdate carries the optional fields of a status transition.
type JobUpdate struct {
	CompletedAt *time.Time
	CostUSD     *float64
	Error       string
}

// JobStore is the five-operation interface the core consumes. The store
// itself (database, queue service, flat files) is an external collaborator.
type JobStore interface {
	// GetPending returns all jobs currently in the pending state.
	GetPending(ctx context.Context) ([]*Job, error)

	// Get returns a job by id, or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// UpdateStatus transitions a job and applies any optional fields.
	UpdateStatus(ctx context.Context, id string, status JobStatus, update *JobUpdate) error

	// List returns jobs for diagnostics; the core does not depend on its
	// ordering or filtering semantics.
	List(ctx context.Context, limit int) ([]*Job, error)

	// Create inserts a new pending job. Submitters call this; the core
	// only uses it in tests and recovery tooling.
	Create(ctx context.Context, job *Job) error
}
