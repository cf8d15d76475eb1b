package planner

import (
	"errors"
	"testing"

	"github.com/fluxline/fluxline/internal/dag"
	"github.com/fluxline/fluxline/pkg/types"
)

func makeDAG(nodes map[string][]string) *types.ExecutionDAG {
	d := &types.ExecutionDAG{ID: "test", Name: "test"}
	for id, deps := range nodes {
		d.Nodes = append(d.Nodes, types.DAGNode{
			ID:           id,
			Name:         id,
			Agent:        "agent",
			TaskType:     types.TaskTypeCoding,
			Dependencies: deps,
		})
	}
	return d
}

func phaseOf(t *testing.T, plans []types.TaskExecutionPlan, id string) int {
	t.Helper()
	for _, p := range plans {
		if p.Node.ID == id {
			return p.ExecutionPhase
		}
	}
	t.Fatalf("node %q not in plan", id)
	return -1
}

func TestPlan(t *testing.T) {
	t.Run("diamond phases", func(t *testing.T) {
		// a -> b, a -> c, {b,c} -> d
		d := makeDAG(map[string][]string{
			"a": nil,
			"b": {"a"},
			"c": {"a"},
			"d": {"b", "c"},
		})
		plans, err := Plan(d, nil)
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		want := map[string]int{"a": 0, "b": 1, "c": 1, "d": 2}
		for id, phase := range want {
			if got := phaseOf(t, plans, id); got != phase {
				t.Errorf("node %s: expected phase %d, got %d", id, phase, got)
			}
		}
	})

	t.Run("longest path wins over shortest", func(t *testing.T) {
		// d depends on both a (phase 0) and c (phase 2); d must land at 3.
		d := makeDAG(map[string][]string{
			"a": nil,
			"b": {"a"},
			"c": {"b"},
			"d": {"a", "c"},
		})
		plans, err := Plan(d, nil)
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if got := phaseOf(t, plans, "d"); got != 3 {
			t.Errorf("expected phase 3 for d, got %d", got)
		}
	})

	t.Run("phase monotonicity", func(t *testing.T) {
		d := makeDAG(map[string][]string{
			"a": nil,
			"b": {"a"},
			"c": {"a", "b"},
			"d": {"c"},
			"e": nil,
			"f": {"e", "d"},
		})
		plans, err := Plan(d, nil)
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		phases := make(map[string]int)
		for _, p := range plans {
			phases[p.Node.ID] = p.ExecutionPhase
		}
		for _, p := range plans {
			if len(p.Dependencies) == 0 && p.ExecutionPhase != 0 {
				t.Errorf("sourceless node %s has phase %d", p.Node.ID, p.ExecutionPhase)
			}
			for _, dep := range p.Dependencies {
				if phases[dep] >= p.ExecutionPhase {
					t.Errorf("dependency %s (phase %d) not strictly before %s (phase %d)",
						dep, phases[dep], p.Node.ID, p.ExecutionPhase)
				}
			}
		}
	})

	t.Run("plans sorted by phase", func(t *testing.T) {
		d := makeDAG(map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}})
		plans, err := Plan(d, nil)
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		for i := 1; i < len(plans); i++ {
			if plans[i].ExecutionPhase < plans[i-1].ExecutionPhase {
				t.Fatalf("plans not sorted by phase: %v then %v",
					plans[i-1].ExecutionPhase, plans[i].ExecutionPhase)
			}
		}
	})

	t.Run("cycle is a hard failure", func(t *testing.T) {
		d := makeDAG(map[string][]string{"a": {"b"}, "b": {"a"}})
		_, err := Plan(d, nil)
		var cerr *dag.CircularDependencyError
		if !errors.As(err, &cerr) {
			t.Fatalf("expected CircularDependencyError, got %v", err)
		}
	})

	t.Run("unknown dependency is a hard failure", func(t *testing.T) {
		// Planning an unvalidated DAG must not level the dependent at
		// phase 0 as if the missing node had run.
		d := makeDAG(map[string][]string{"a": nil, "b": {"ghost"}})
		_, err := Plan(d, nil)
		var verr *dag.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError for unknown dependency, got %v", err)
		}
		if verr.Field != "ghost" {
			t.Errorf("expected offending id in error, got %+v", verr)
		}
	})

	t.Run("definitions contribute retries and queue", func(t *testing.T) {
		d := makeDAG(map[string][]string{"a": nil})
		defs := map[string]*types.TaskDefinition{
			"a": {Name: "a", RetryAttempts: 3, Queue: "heavy"},
		}
		plans, err := Plan(d, defs)
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if plans[0].RetryAttempts != 3 || plans[0].Queue != "heavy" {
			t.Errorf("definition fields not applied: %+v", plans[0])
		}
	})
}

func TestPhases(t *testing.T) {
	d := makeDAG(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	})
	plans, err := Plan(d, nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	groups := Phases(plans)
	if len(groups) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(groups))
	}
	if len(groups[0]) != 1 || len(groups[1]) != 2 || len(groups[2]) != 1 {
		t.Errorf("unexpected group sizes: %d/%d/%d", len(groups[0]), len(groups[1]), len(groups[2]))
	}
}
