package types

import "time"

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal returns true if the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// FailurePolicy controls how a run reacts to a single node failure.
type FailurePolicy string

const (
	// FailFast aborts the whole run on the first node failure.
	FailFast FailurePolicy = "fail_fast"
	// FailRetry re-enqueues the failed node while retries remain.
	FailRetry FailurePolicy = "retry"
	// FailContinue marks the node failed and keeps executing independent branches.
	FailContinue FailurePolicy = "continue"
)

// Valid returns true if the policy is a known value.
func (p FailurePolicy) Valid() bool {
	switch p {
	case FailFast, FailRetry, FailContinue:
		return true
	default:
		return false
	}
}

// NodeFailure describes why a node ended up failed.
type NodeFailure struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

// OrchestrationContext is the persisted state of one pipeline run. It is
// owned exclusively by the orchestration state machine and snapshotted after
// every node transition.
type OrchestrationContext struct {
	RunID          string             `json:"run_id"`
	PipelineName   string             `json:"pipeline_name"`
	Status         RunStatus          `json:"status"`
	CompletedNodes []string           `json:"completed_nodes"`
	FailedNodes    []NodeFailure      `json:"failed_nodes"`
	CurrentNode    string             `json:"current_node,omitempty"`
	TotalNodes     int                `json:"total_nodes"`
	CurrentPhase   int                `json:"current_phase"`
	QualityGates   map[string]float64 `json:"quality_gates,omitempty"`
	AutoRepair     AutoRepairPolicy   `json:"auto_repair"`

	// RepairAttempts counts quality-gate repairs per node. Persisted so a
	// process restart does not reset the budget.
	RepairAttempts map[string]int `json:"repair_attempts,omitempty"`

	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CompletedSet returns the completed node IDs as a set.
func (c *OrchestrationContext) CompletedSet() map[string]bool {
	set := make(map[string]bool, len(c.CompletedNodes))
	for _, id := range c.CompletedNodes {
		set[id] = true
	}
	return set
}

// FailedSet returns the failed node IDs as a set.
func (c *OrchestrationContext) FailedSet() map[string]bool {
	set := make(map[string]bool, len(c.FailedNodes))
	for _, f := range c.FailedNodes {
		set[f.NodeID] = true
	}
	return set
}

// RunSummary is the user-visible final report for a run. Every failed node
// carries a reason string; raw internal errors are never surfaced here.
type RunSummary struct {
	RunID          string        `json:"run_id"`
	PipelineName   string        `json:"pipeline_name"`
	Status         RunStatus     `json:"status"`
	CompletedNodes []string      `json:"completed_nodes"`
	FailedNodes    []NodeFailure `json:"failed_nodes"`
	TotalNodes     int           `json:"total_nodes"`
	Duration       time.Duration `json:"duration"`
}
