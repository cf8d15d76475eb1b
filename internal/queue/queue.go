// Package queue provides abstractions for dispatching routed tasks to
// distributed workers and awaiting their outcomes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fluxline/fluxline/pkg/types"
)

// ErrQueueClosed is returned when submitting to a closed queue.
var ErrQueueClosed = errors.New("work queue closed")

// ErrJobNotFound is returned when awaiting or cancelling an unknown job.
var ErrJobNotFound = errors.New("job not found")

// OutcomeState classifies how a job finished on the worker side.
type OutcomeState string

const (
	OutcomeSuccess OutcomeState = "success"
	OutcomeFailure OutcomeState = "failure"
	OutcomeRevoked OutcomeState = "revoked"
)

// Job is a unit of work dispatched to a worker pool.
type Job struct {
	// ID uniquely identifies the job (execution id).
	ID string `json:"id"`

	// RunID ties the job to its pipeline run.
	RunID string `json:"run_id"`

	// NodeID is the DAG node the job executes.
	NodeID string `json:"node_id"`

	// WorkerClass names the capability tier the job was routed to.
	WorkerClass types.WorkerClass `json:"worker_class"`

	// QueueName overrides the class queue when a task pins a queue.
	QueueName string `json:"queue_name,omitempty"`

	// Payload carries task inputs for the worker.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Queue returns the queue name the job should be published to.
func (j *Job) Queue() string {
	if j.QueueName != "" {
		return j.QueueName
	}
	return string(j.WorkerClass)
}

// Outcome is the worker-side report for a finished job.
type Outcome struct {
	JobID      string          `json:"job_id"`
	State      OutcomeState    `json:"state"`
	Score      float64         `json:"score,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	Cost       float64         `json:"cost,omitempty"`
	TokensUsed int64           `json:"tokens_used,omitempty"`
	Duration   time.Duration   `json:"duration,omitempty"`
}

// WorkQueue dispatches jobs to workers and resolves their outcomes.
// Implementations must be safe for concurrent use.
type WorkQueue interface {
	// Submit publishes a job to its queue.
	Submit(ctx context.Context, job *Job) error

	// Await blocks until the job's outcome arrives or ctx is done.
	Await(ctx context.Context, jobID string) (*Outcome, error)

	// Cancel revokes a submitted job. Workers that already picked the job
	// up observe the revocation cooperatively; Await unblocks with a
	// revoked outcome.
	Cancel(ctx context.Context, jobID string) error

	// Close releases resources. Pending Await calls unblock with an error.
	Close() error
}
