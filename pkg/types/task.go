// Package types provides shared types for the fluxline control plane.
package types

import (
	"encoding/json"
	"time"
)

// TaskType categorizes what kind of work a task performs.
type TaskType string

const (
	TaskTypePlanning      TaskType = "planning"
	TaskTypeSpecification TaskType = "specification"
	TaskTypeArchitecture  TaskType = "architecture"
	TaskTypeCoding        TaskType = "coding"
	TaskTypeTesting       TaskType = "testing"
	TaskTypeReview        TaskType = "review"
	TaskTypeDeployment    TaskType = "deployment"
	TaskTypeAnalysis      TaskType = "analysis"
	TaskTypePerformance   TaskType = "performance"
)

// Valid returns true if the task type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypePlanning, TaskTypeSpecification, TaskTypeArchitecture,
		TaskTypeCoding, TaskTypeTesting, TaskTypeReview,
		TaskTypeDeployment, TaskTypeAnalysis, TaskTypePerformance:
		return true
	default:
		return false
	}
}

// TaskStatus represents the lifecycle state of a task execution.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// Terminal returns true if the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// TaskDefinition is the reusable catalog entry for a task. Definitions are
// immutable once registered; re-registering under the same name overwrites.
type TaskDefinition struct {
	// Name uniquely identifies the definition in the registry.
	Name string `json:"name" yaml:"name"`

	// Type categorizes the work (planning, coding, testing, ...).
	Type TaskType `json:"type" yaml:"type"`

	// AgentType names the worker agent role that executes this task.
	AgentType string `json:"agent_type" yaml:"agent_type"`

	// Inputs and Outputs are JSON Schemas describing the I/O contract.
	Inputs  json.RawMessage `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs json.RawMessage `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Dependencies are names of definitions that must complete first.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Timeout is the hard per-task execution limit.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// RetryAttempts is the maximum number of re-executions on failure.
	RetryAttempts int `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`

	// Priority influences routing rule tie-breaks.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Queue names the work queue the task is dispatched to.
	Queue string `json:"queue,omitempty" yaml:"queue,omitempty"`

	// Required marks whether a failure of this task fails the whole run.
	Required bool `json:"required" yaml:"required"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// TaskExecution is a live instance of a TaskDefinition bound to a run.
// Executions are append-only: a retry creates a new execution.
type TaskExecution struct {
	ID         string                 `json:"id"`
	TaskName   string                 `json:"task_name"`
	NodeID     string                 `json:"node_id"`
	ProjectID  string                 `json:"project_id,omitempty"`
	RunID      string                 `json:"run_id"`
	Status     TaskStatus             `json:"status"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	RetryCount int                    `json:"retry_count"`
	Cost       float64                `json:"cost"`
	TokensUsed int64                  `json:"tokens_used"`
	QueuedAt   time.Time              `json:"queued_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// TaskResult is the normalized outcome of one TaskExecution attempt.
// Exactly one result is produced per attempt.
type TaskResult struct {
	TaskID    string                 `json:"task_id"`
	NodeID    string                 `json:"node_id"`
	Status    TaskStatus             `json:"status"`
	Score     float64                `json:"score"`
	Errors    []string               `json:"errors,omitempty"`
	Warnings  []string               `json:"warnings,omitempty"`
	Artifacts map[string]interface{} `json:"artifacts,omitempty"`
	Metrics   map[string]float64     `json:"metrics,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Duration  time.Duration          `json:"duration,omitempty"`
}

// Failed returns true if the result is a failure.
func (r *TaskResult) Failed() bool {
	return r.Status == TaskStatusFailed || r.Status == TaskStatusCancelled
}
