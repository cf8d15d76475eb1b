// Package runstore provides durable state for pipeline runs: DAGs,
// orchestration context snapshots, task executions, results, and the run
// event stream.
package runstore

import (
	"context"
	"errors"

	"github.com/fluxline/fluxline/pkg/types"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Store defines the durable graph store contract. All writes are idempotent
// upserts by natural key (run id; execution id); no cross-entity transaction
// is required. Implementations must be safe for concurrent use.
type Store interface {
	// CreateRun persists a new run with its DAG and an idle context.
	CreateRun(ctx context.Context, pipelineName string, dag *types.ExecutionDAG) (string, error)

	// GetContext returns the latest context snapshot for a run.
	GetContext(ctx context.Context, runID string) (*types.OrchestrationContext, error)

	// SaveContext upserts a context snapshot. Called after every node
	// transition.
	SaveContext(ctx context.Context, octx *types.OrchestrationContext) error

	// GetDAG returns the DAG persisted for a run.
	GetDAG(ctx context.Context, runID string) (*types.ExecutionDAG, error)

	// ListRuns returns all known run ids.
	ListRuns(ctx context.Context) ([]string, error)

	// SaveExecution upserts a task execution by its id.
	SaveExecution(ctx context.Context, exec *types.TaskExecution) error

	// GetExecutions returns all executions recorded for a run.
	GetExecutions(ctx context.Context, runID string) ([]*types.TaskExecution, error)

	// SaveResult appends a task result for a run.
	SaveResult(ctx context.Context, runID string, result *types.TaskResult) error

	// GetResults returns all results recorded for a run.
	GetResults(ctx context.Context, runID string) ([]*types.TaskResult, error)

	// AppendEvent adds an event to the run's stream and returns it.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// An empty lastEventID returns everything retained.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel receiving new events for the run. The
	// cleanup function must be called to release the subscription.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// AdapterInfo reports implementation diagnostics.
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Close releases resources.
	Close() error
}

// Config holds configuration for Store implementations.
type Config struct {
	// EventMaxLen bounds the retained events per run (ring buffer).
	EventMaxLen int64

	// TTLSeconds expires runs in durable backends (0 = no expiry).
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTLSeconds:  7 * 24 * 60 * 60,
	}
}
