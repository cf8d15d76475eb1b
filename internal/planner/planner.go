// Package planner computes dependency-respecting execution phases from a
// validated DAG.
package planner

import (
	"sort"

	"github.com/fluxline/fluxline/internal/dag"
	"github.com/fluxline/fluxline/pkg/types"
)

// Plan annotates every DAG node with its execution phase using
// longest-path-from-source leveling: phase(n) = 1 + max(phase(d)) over the
// node's dependencies, and 0 for nodes with none. Definitions, when supplied,
// contribute retry budgets and queue names to the plan entries.
//
// A cycle is a hard failure here even though the loader already checks; the
// planner must never silently level a cyclic node at phase 0.
func Plan(d *types.ExecutionDAG, defs map[string]*types.TaskDefinition) ([]types.TaskExecutionPlan, error) {
	deps := make(map[string][]string, len(d.Nodes))
	for _, n := range d.Nodes {
		deps[n.ID] = n.Dependencies
	}

	const inProgress = -2
	phases := make(map[string]int, len(d.Nodes))
	for _, n := range d.Nodes {
		phases[n.ID] = -1
	}

	var level func(id string) (int, error)
	level = func(id string) (int, error) {
		phase, known := phases[id]
		if !known {
			// A dependency id with no node must not level at phase 0.
			return 0, &dag.ValidationError{Field: id, Message: "dependency references unknown node"}
		}
		switch phase {
		case inProgress:
			return 0, &dag.CircularDependencyError{NodeID: id}
		case -1:
			// fallthrough to compute
		default:
			return phase, nil
		}

		phases[id] = inProgress
		phase = 0
		for _, dep := range deps[id] {
			dp, err := level(dep)
			if err != nil {
				return 0, err
			}
			if dp+1 > phase {
				phase = dp + 1
			}
		}
		phases[id] = phase
		return phase, nil
	}

	plans := make([]types.TaskExecutionPlan, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		phase, err := level(n.ID)
		if err != nil {
			return nil, err
		}
		plan := types.TaskExecutionPlan{
			Node:           n,
			ExecutionPhase: phase,
			Dependencies:   append([]string(nil), n.Dependencies...),
		}
		if def, ok := defs[n.Name]; ok {
			plan.RetryAttempts = def.RetryAttempts
			plan.Queue = def.Queue
		}
		plans = append(plans, plan)
	}

	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].ExecutionPhase < plans[j].ExecutionPhase
	})
	return plans, nil
}

// Phases groups plan entries by execution phase, ascending. Nodes within a
// group have no ordering constraint between them and may run concurrently.
func Phases(plans []types.TaskExecutionPlan) [][]types.TaskExecutionPlan {
	if len(plans) == 0 {
		return nil
	}
	byPhase := make(map[int][]types.TaskExecutionPlan)
	max := 0
	for _, p := range plans {
		byPhase[p.ExecutionPhase] = append(byPhase[p.ExecutionPhase], p)
		if p.ExecutionPhase > max {
			max = p.ExecutionPhase
		}
	}
	out := make([][]types.TaskExecutionPlan, max+1)
	for i := 0; i <= max; i++ {
		out[i] = byPhase[i]
	}
	return out
}
