package dag

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/fluxline/fluxline/pkg/types"
)

// TaskResolver is the registry-side contract the loader needs for
// cross-validation. Satisfied by registry.TaskRegistry.
type TaskResolver interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Load parses and validates a declarative pipeline definition into an
// ExecutionDAG. Structural problems surface as ValidationError; dependency
// cycles as CircularDependencyError.
func Load(data []byte) (*types.ExecutionDAG, error) {
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	return Build(def)
}

// Build converts a parsed definition into a validated ExecutionDAG. Nodes are
// built 1:1 from stages; edges run from each declared dependency to the stage
// that declares it.
func Build(def *PipelineDefinition) (*types.ExecutionDAG, error) {
	if def.Name == "" {
		return nil, &ValidationError{Field: "name", Message: "pipeline name must not be empty"}
	}
	if len(def.Stages) == 0 {
		return nil, &ValidationError{Field: "stages", Message: "pipeline must declare at least one stage"}
	}

	seen := make(map[string]bool, len(def.Stages))
	for _, stage := range def.Stages {
		if stage.Name == "" {
			return nil, &ValidationError{Field: "stages", Message: "stage name must not be empty"}
		}
		if seen[stage.Name] {
			return nil, &ValidationError{Field: "stages", Message: fmt.Sprintf("duplicate stage name %q", stage.Name)}
		}
		seen[stage.Name] = true
	}

	d := &types.ExecutionDAG{
		ID:           uuid.New().String(),
		Name:         def.Name,
		Description:  def.Description,
		Nodes:        make([]types.DAGNode, 0, len(def.Stages)),
		QualityGates: def.QualityGates,
		AutoRepair:   def.AutoRepair,
	}

	for _, stage := range def.Stages {
		for _, dep := range stage.Dependencies {
			if !seen[dep] {
				return nil, &ValidationError{
					Field:   fmt.Sprintf("stages.%s.dependencies", stage.Name),
					Message: fmt.Sprintf("unresolved dependency %q", dep),
				}
			}
			d.Edges = append(d.Edges, types.DAGEdge{From: dep, To: stage.Name})
		}
		d.Nodes = append(d.Nodes, types.DAGNode{
			ID:           stage.Name,
			Name:         stage.Name,
			Agent:        stage.Agent,
			TaskType:     types.TaskType(stage.TaskType),
			Dependencies: append([]string(nil), stage.Dependencies...),
			Config:       stage.Config,
		})
	}

	if err := detectCycles(d); err != nil {
		return nil, err
	}
	return d, nil
}

// detectCycles runs a depth-first traversal over the DAG maintaining a
// recursion stack. A node revisited while still on the stack signals a cycle.
func detectCycles(d *types.ExecutionDAG) error {
	deps := make(map[string][]string, len(d.Nodes))
	for _, n := range d.Nodes {
		deps[n.ID] = n.Dependencies
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(d.Nodes))
	var stack []string

	var visit func(id string) *CircularDependencyError
	visit = func(id string) *CircularDependencyError {
		state[id] = inStack
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch state[dep] {
			case inStack:
				// Trim the stack to the cycle itself for the error message.
				cycle := []string{dep}
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == dep {
						break
					}
				}
				// Reverse into dependency order.
				for l, r := 0, len(cycle)-1; l < r; l, r = l+1, r-1 {
					cycle[l], cycle[r] = cycle[r], cycle[l]
				}
				return &CircularDependencyError{NodeID: dep, Cycle: cycle}
			case unvisited:
				if cerr := visit(dep); cerr != nil {
					return cerr
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	// Deterministic traversal order keeps error messages stable.
	ids := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if state[id] == unvisited {
			if cerr := visit(id); cerr != nil {
				return cerr
			}
		}
	}
	return nil
}

// CrossValidate checks that every node name resolves to a registered task
// definition. Missing entries are collected exhaustively and returned as one
// TaskNotFoundError rather than failing on the first miss.
func CrossValidate(ctx context.Context, d *types.ExecutionDAG, resolver TaskResolver) error {
	var missing []string
	for _, n := range d.Nodes {
		ok, err := resolver.Exists(ctx, n.Name)
		if err != nil {
			return fmt.Errorf("resolve task %q: %w", n.Name, err)
		}
		if !ok {
			missing = append(missing, n.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &TaskNotFoundError{Missing: missing}
	}
	return nil
}
