// Package gates evaluates quality gates against task results and proposes
// repair plans when a gate fails.
package gates

import (
	"context"
	"fmt"

	"github.com/fluxline/fluxline/pkg/types"
)

// Config holds the gate parameters for one node.
type Config struct {
	// Threshold is the minimum acceptable score in [0,1].
	Threshold float64
}

// RepairPlan describes one remediation a repair attempt should apply.
type RepairPlan struct {
	NodeID      string `json:"node_id"`
	Description string `json:"description"`
	Target      string `json:"target,omitempty"`
}

// Evaluation is the outcome of a gate check.
type Evaluation struct {
	Passed       bool         `json:"passed"`
	OverallScore float64      `json:"overall_score"`
	RepairPlans  []RepairPlan `json:"repair_plans,omitempty"`
}

// Evaluator checks a node's artifact and result against a gate config.
// Callers treat any error as a gate failure (fail closed).
type Evaluator interface {
	Evaluate(ctx context.Context, artifact map[string]interface{}, result *types.TaskResult, cfg Config) (*Evaluation, error)
}

// ThresholdEvaluator passes a result when its score meets the configured
// threshold. The default gate implementation.
type ThresholdEvaluator struct{}

// NewThresholdEvaluator creates the default score-threshold evaluator.
func NewThresholdEvaluator() *ThresholdEvaluator {
	return &ThresholdEvaluator{}
}

func (e *ThresholdEvaluator) Evaluate(ctx context.Context, artifact map[string]interface{}, result *types.TaskResult, cfg Config) (*Evaluation, error) {
	if result == nil {
		return nil, fmt.Errorf("no result to evaluate")
	}

	eval := &Evaluation{OverallScore: result.Score}
	if result.Score >= cfg.Threshold {
		eval.Passed = true
		return eval, nil
	}

	eval.RepairPlans = []RepairPlan{{
		NodeID: result.NodeID,
		Description: fmt.Sprintf("score %.2f below threshold %.2f, re-execute with prior errors as context",
			result.Score, cfg.Threshold),
	}}
	for _, msg := range result.Errors {
		eval.RepairPlans = append(eval.RepairPlans, RepairPlan{
			NodeID:      result.NodeID,
			Description: "address reported error",
			Target:      msg,
		})
	}
	return eval, nil
}

var _ Evaluator = (*ThresholdEvaluator)(nil)
