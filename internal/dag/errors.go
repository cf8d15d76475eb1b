package dag

import (
	"fmt"
	"strings"
)

// ValidationError reports a malformed pipeline definition. Runs never start
// while one of these is outstanding.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("pipeline validation: %s", e.Message)
	}
	return fmt.Sprintf("pipeline validation: %s: %s", e.Field, e.Message)
}

// CircularDependencyError reports a dependency cycle detected at load time.
type CircularDependencyError struct {
	NodeID string
	Cycle  []string
}

func (e *CircularDependencyError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("circular dependency at node %q: %s", e.NodeID, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("circular dependency at node %q", e.NodeID)
}

// TaskNotFoundError reports DAG nodes referencing unregistered task
// definitions. All missing names are collected before failing.
type TaskNotFoundError struct {
	Missing []string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("unregistered task definitions: %s", strings.Join(e.Missing, ", "))
}
