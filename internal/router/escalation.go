package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxline/fluxline/internal/budget"
	"github.com/fluxline/fluxline/internal/metrics"
	"github.com/fluxline/fluxline/pkg/types"
)

// Escalation thresholds. A decision escalates when confidence is below
// escalateConfidence, when complexity above escalateComplexity is routed
// below the capable tier, or when risk above escalateRisk is routed to the
// lowest tier.
const (
	escalateConfidence = 0.7
	escalateComplexity = 0.7
	escalateRisk       = 0.6
)

// capableTier is the minimum class considered adequate for high-complexity
// work.
const capableTier = types.WorkerClassAdvanced

// maybeEscalate applies the escalation check once, after the initial
// decision. It walks the ladder a single step, never skips tiers, and is
// vetoed when the next tier's estimated cost exceeds the run's remaining
// budget; the veto is recorded on the original decision's metadata.
func (r *Router) maybeEscalate(ctx context.Context, runID string, d *types.RoutingDecision, sig Signals, limits budget.Limits) *types.RoutingDecision {
	reason, needed := escalationReason(d, sig)
	if !needed {
		return d
	}

	next, ok := d.WorkerClass.Next()
	if !ok {
		annotate(d, map[string]interface{}{
			"escalation_blocked": "already at top tier",
			"escalation_reason":  reason,
		})
		return d
	}

	nextCost := r.classCosts[next]
	if !limits.Unconstrained() && nextCost > limits.MaxCostPerTask {
		annotate(d, map[string]interface{}{
			"escalation_vetoed": true,
			"escalation_reason": reason,
			"veto_reason": fmt.Sprintf("tier %s estimated cost %.2f exceeds remaining budget %.2f",
				next, nextCost, limits.MaxCostPerTask),
		})
		metrics.BudgetVetoes.Inc()
		r.logger.Info("escalation vetoed by budget",
			slog.String("task_id", d.TaskID),
			slog.String("run_id", runID),
			slog.String("from", string(d.WorkerClass)),
			slog.String("to", string(next)),
		)
		return d
	}

	escalated := &types.RoutingDecision{
		TaskID:        d.TaskID,
		WorkerClass:   next,
		Rule:          d.Rule,
		Confidence:    clamp01(d.Confidence + 0.15),
		Reasoning:     fmt.Sprintf("escalated from %s: %s", d.WorkerClass, reason),
		Alternatives:  d.Alternatives,
		EscalatedFrom: d.WorkerClass,
		Metadata: map[string]interface{}{
			"escalation_reason": reason,
			"prior_confidence":  d.Confidence,
			"prior_rule":        d.Rule,
		},
		DecidedAt: time.Now().UTC(),
	}

	r.logger.Info("routing escalation",
		slog.String("task_id", d.TaskID),
		slog.String("run_id", runID),
		slog.String("from", string(d.WorkerClass)),
		slog.String("to", string(next)),
		slog.String("reason", reason),
	)
	return escalated
}

// escalationReason reports whether the decision must escalate and why.
func escalationReason(d *types.RoutingDecision, sig Signals) (string, bool) {
	if d.Confidence < escalateConfidence {
		return fmt.Sprintf("confidence %.2f below %.2f", d.Confidence, escalateConfidence), true
	}
	if sig.Complexity > escalateComplexity && d.WorkerClass.Rank() < capableTier.Rank() {
		return fmt.Sprintf("complexity %.2f routed below %s tier", sig.Complexity, capableTier), true
	}
	if sig.Risk > escalateRisk && d.WorkerClass.Rank() == 0 {
		return fmt.Sprintf("risk %.2f routed to lowest tier", sig.Risk), true
	}
	return "", false
}

func annotate(d *types.RoutingDecision, fields map[string]interface{}) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]interface{}, len(fields))
	}
	for k, v := range fields {
		d.Metadata[k] = v
	}
}
