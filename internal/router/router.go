// Package router decides an execution strategy and worker class for each
// task, with confidence scoring and a bounded escalation ladder.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxline/fluxline/internal/budget"
	"github.com/fluxline/fluxline/pkg/types"
)

// ComplexityBand buckets the complexity signal for rule matching.
type ComplexityBand string

const (
	BandLow    ComplexityBand = "low"    // complexity <= 0.3
	BandMedium ComplexityBand = "medium" // 0.3 < complexity <= 0.7
	BandHigh   ComplexityBand = "high"   // complexity > 0.7
)

// BandFor maps a complexity value to its band.
func BandFor(complexity float64) ComplexityBand {
	switch {
	case complexity <= 0.3:
		return BandLow
	case complexity <= 0.7:
		return BandMedium
	default:
		return BandHigh
	}
}

// Rule declares which worker class handles tasks matching an agent role,
// task type, and complexity band. Empty fields match anything.
type Rule struct {
	Name             string
	AgentType        string
	TaskType         types.TaskType
	Bands            []ComplexityBand
	WorkerClass      types.WorkerClass
	Priority         int
	EstimatedCost    float64
	EstimatedLatency time.Duration
}

func (r *Rule) matches(agentType string, taskType types.TaskType, band ComplexityBand) bool {
	if r.AgentType != "" && r.AgentType != agentType {
		return false
	}
	if r.TaskType != "" && r.TaskType != taskType {
		return false
	}
	if len(r.Bands) > 0 {
		found := false
		for _, b := range r.Bands {
			if b == band {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Signals is the per-task context vector the router scores against.
type Signals struct {
	Complexity float64
	Risk       float64
}

// Config holds router configuration.
type Config struct {
	Rules []Rule

	// ClassCosts estimates the per-task cost of each worker class, used for
	// the escalation budget veto.
	ClassCosts map[types.WorkerClass]float64

	// MaxAuditEntries bounds the in-memory decision audit (0 = default).
	MaxAuditEntries int
}

const defaultMaxAudit = 1024

// DefaultClassCosts returns the built-in per-class cost estimates.
func DefaultClassCosts() map[types.WorkerClass]float64 {
	return map[types.WorkerClass]float64{
		types.WorkerClassLight:    0.01,
		types.WorkerClassStandard: 0.05,
		types.WorkerClassAdvanced: 0.25,
		types.WorkerClassPremium:  1.00,
	}
}

// DefaultRules returns the built-in routing table: simple work routes light,
// standard work routes standard, complex work routes advanced, and
// architecture or planning at high complexity routes premium.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "simple-light",
			Bands:       []ComplexityBand{BandLow},
			WorkerClass: types.WorkerClassLight,
			Priority:    4,
		},
		{
			Name:        "standard-default",
			Bands:       []ComplexityBand{BandMedium},
			WorkerClass: types.WorkerClassStandard,
			Priority:    5,
		},
		{
			Name:        "complex-advanced",
			Bands:       []ComplexityBand{BandHigh},
			WorkerClass: types.WorkerClassAdvanced,
			Priority:    6,
		},
		{
			Name:        "architecture-premium",
			TaskType:    types.TaskTypeArchitecture,
			Bands:       []ComplexityBand{BandHigh},
			WorkerClass: types.WorkerClassPremium,
			Priority:    8,
		},
		{
			Name:        "planning-premium",
			TaskType:    types.TaskTypePlanning,
			Bands:       []ComplexityBand{BandHigh},
			WorkerClass: types.WorkerClassPremium,
			Priority:    8,
		},
	}
}

// Router produces RoutingDecisions. A Router never fails to route: with no
// matching rule it degrades to a default low-tier decision and records why.
type Router struct {
	rules      []Rule
	classCosts map[types.WorkerClass]float64
	maxAudit   int
	priors     *PriorsStore
	budget     budget.Service
	logger     *slog.Logger

	mu    sync.Mutex
	audit []*types.RoutingDecision
}

// New creates a router. priors may not be nil; b may be nil (unconstrained).
func New(cfg *Config, priors *PriorsStore, b budget.Service, logger *slog.Logger) *Router {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	costs := cfg.ClassCosts
	if len(costs) == 0 {
		costs = DefaultClassCosts()
	}
	maxAudit := cfg.MaxAuditEntries
	if maxAudit <= 0 {
		maxAudit = defaultMaxAudit
	}
	return &Router{
		rules:      rules,
		classCosts: costs,
		maxAudit:   maxAudit,
		priors:     priors,
		budget:     b,
		logger:     logger,
	}
}

// Route decides a worker class for the node. The escalation check is
// applied once after the initial decision; the returned decision is either
// the initial one (possibly annotated with a veto) or a new decision one
// tier up the class ladder.
func (r *Router) Route(ctx context.Context, runID string, node *types.DAGNode, sig Signals) *types.RoutingDecision {
	limits := r.remainingLimits(ctx, runID)
	decision := r.initialDecision(node, sig, limits)
	decision = r.maybeEscalate(ctx, runID, decision, sig, limits)
	r.record(decision)
	return decision
}

// initialDecision runs rule filtering, priority/prior tie-breaks, and
// confidence scoring.
func (r *Router) initialDecision(node *types.DAGNode, sig Signals, limits budget.Limits) *types.RoutingDecision {
	band := BandFor(sig.Complexity)

	var candidates []Rule
	for _, rule := range r.rules {
		if rule.matches(node.Agent, node.TaskType, band) {
			candidates = append(candidates, rule)
		}
	}

	taskID := node.ID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	if len(candidates) == 0 {
		return &types.RoutingDecision{
			TaskID:      taskID,
			WorkerClass: types.WorkerClassLight,
			Rule:        "default",
			Confidence:  0.5,
			Reasoning:   fmt.Sprintf("no rule matches agent=%s type=%s band=%s; default low tier", node.Agent, node.TaskType, band),
			DecidedAt:   time.Now().UTC(),
		}
	}

	// Highest declared priority wins; ties break on historical priors.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return r.priorScore(candidates[i].WorkerClass, limits) > r.priorScore(candidates[j].WorkerClass, limits)
	})
	chosen := candidates[0]

	var alternatives []types.WorkerClass
	for _, c := range candidates[1:] {
		alternatives = append(alternatives, c.WorkerClass)
	}

	return &types.RoutingDecision{
		TaskID:       taskID,
		WorkerClass:  chosen.WorkerClass,
		Rule:         chosen.Name,
		Confidence:   r.confidence(chosen, sig),
		Reasoning:    fmt.Sprintf("rule %q matched band=%s priority=%d", chosen.Name, band, chosen.Priority),
		Alternatives: alternatives,
		DecidedAt:    time.Now().UTC(),
	}
}

// priorScore is the tie-break weight: 0.6·successRate + 0.25·costScore +
// 0.15·latencyScore, each normalized against the maximum acceptable
// cost/latency. No history scores a neutral 0.5.
func (r *Router) priorScore(class types.WorkerClass, limits budget.Limits) float64 {
	p, ok := r.priors.Get(class)
	if !ok {
		return 0.5
	}
	sr, _ := p.SuccessRate()

	costScore := 0.5
	if limits.MaxCostPerTask > 0 {
		frac := p.AvgCost() / limits.MaxCostPerTask
		if frac > 1 {
			frac = 1
		}
		costScore = 1 - frac
	}

	latencyScore := 0.5
	if limits.MaxLatency > 0 {
		frac := float64(p.AvgLatency()) / float64(limits.MaxLatency)
		if frac > 1 {
			frac = 1
		}
		latencyScore = 1 - frac
	}

	return 0.6*sr + 0.25*costScore + 0.15*latencyScore
}

// confidence = base 0.7 + min(priority/20, 0.2) + 0.2·successRate −
// 0.1·complexity, clamped to [0,1].
func (r *Router) confidence(rule Rule, sig Signals) float64 {
	conf := 0.7

	priorityBonus := float64(rule.Priority) / 20
	if priorityBonus > 0.2 {
		priorityBonus = 0.2
	}
	conf += priorityBonus

	if p, ok := r.priors.Get(rule.WorkerClass); ok {
		if sr, ok := p.SuccessRate(); ok {
			conf += 0.2 * sr
		}
	}

	conf -= 0.1 * sig.Complexity
	return clamp01(conf)
}

func (r *Router) remainingLimits(ctx context.Context, runID string) budget.Limits {
	if r.budget == nil {
		return budget.Limits{}
	}
	limits, err := r.budget.Remaining(ctx, runID)
	if err != nil {
		// Advisory collaborator only: absence means unconstrained.
		r.logger.Warn("budget collaborator unavailable", "run_id", runID, "error", err)
		return budget.Limits{}
	}
	return limits
}

// RecordOutcome updates priors with one completed task and charges the
// run's budget ledger so later escalation checks see the reduced headroom.
// Persist errors are logged, never propagated into the execution path.
func (r *Router) RecordOutcome(runID string, class types.WorkerClass, success bool, cost float64, latency time.Duration) {
	if c, ok := r.budget.(budget.Charger); ok && cost > 0 {
		c.Charge(runID, cost)
	}
	if err := r.priors.Record(class, success, cost, latency); err != nil {
		r.logger.Warn("persist routing priors", "worker_class", class, "error", err)
	}
}

// record appends the decision to the bounded audit log.
func (r *Router) record(d *types.RoutingDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.audit) >= r.maxAudit {
		r.audit = r.audit[1:]
	}
	r.audit = append(r.audit, d)

	r.logger.Debug("routing decision",
		slog.String("task_id", d.TaskID),
		slog.String("worker_class", string(d.WorkerClass)),
		slog.String("rule", d.Rule),
		slog.Float64("confidence", d.Confidence),
		slog.Bool("escalated", d.Escalated()),
	)
}

// Decisions returns a snapshot of the audit log, oldest first.
func (r *Router) Decisions() []*types.RoutingDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.RoutingDecision, len(r.audit))
	copy(out, r.audit)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
