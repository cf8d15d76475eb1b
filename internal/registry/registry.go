// Package registry provides the catalog of reusable task definitions.
package registry

import (
	"context"
	"errors"

	"github.com/fluxline/fluxline/pkg/types"
)

// ErrTaskNotFound is returned when no definition exists under a name.
var ErrTaskNotFound = errors.New("task definition not found")

// TaskRegistry defines the catalog contract. Definitions are immutable once
// registered; registering under an existing name overwrites (idempotent
// upsert by natural key). Implementations must be safe for concurrent use.
type TaskRegistry interface {
	// Register stores a definition, overwriting any existing one by name.
	Register(ctx context.Context, def *types.TaskDefinition) error

	// Get retrieves a definition by name. Returns ErrTaskNotFound if absent.
	Get(ctx context.Context, name string) (*types.TaskDefinition, error)

	// List returns all registered definitions.
	List(ctx context.Context) ([]*types.TaskDefinition, error)

	// Exists checks for a definition without retrieving it.
	Exists(ctx context.Context, name string) (bool, error)

	// Delete removes a definition. Returns ErrTaskNotFound if absent.
	Delete(ctx context.Context, name string) error

	// Close releases any resources.
	Close() error
}

// Validate checks that a definition can be registered.
func Validate(def *types.TaskDefinition) error {
	if def == nil {
		return errors.New("task definition is nil")
	}
	if def.Name == "" {
		return errors.New("task definition name is required")
	}
	if def.AgentType == "" {
		return errors.New("task definition agent type is required")
	}
	if !def.Type.Valid() {
		return errors.New("task definition type is unknown")
	}
	return nil
}
