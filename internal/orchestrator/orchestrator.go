// Package orchestrator owns pipeline runs end-to-end: planning, phased
// dispatch, failure policies, quality gates, and run state persistence.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxline/fluxline/internal/dag"
	"github.com/fluxline/fluxline/internal/engine"
	"github.com/fluxline/fluxline/internal/gates"
	"github.com/fluxline/fluxline/internal/metrics"
	"github.com/fluxline/fluxline/internal/planner"
	"github.com/fluxline/fluxline/internal/registry"
	"github.com/fluxline/fluxline/internal/runstore"
	"github.com/fluxline/fluxline/pkg/types"
)

// DeadlockError is raised when pending nodes can never become executable.
type DeadlockError struct {
	StuckNodes []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock: nodes %s have unfinished dependencies and nothing is running",
		strings.Join(e.StuckNodes, ", "))
}

// Config holds orchestrator settings.
type Config struct {
	// FailurePolicy controls the reaction to node failures.
	FailurePolicy types.FailurePolicy

	// DefaultMaxRetries applies under the retry policy when a task
	// definition declares no retry budget.
	DefaultMaxRetries int

	// BackoffBase is the initial retry backoff.
	BackoffBase time.Duration

	// BackoffCap bounds the exponential backoff.
	BackoffCap time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FailurePolicy:     types.FailContinue,
		DefaultMaxRetries: 0,
		BackoffBase:       2 * time.Second,
		BackoffCap:        60 * time.Second,
	}
}

// runState is the in-process handle for an active run.
type runState struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func (rs *runState) pause() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.paused {
		rs.paused = true
		rs.resume = make(chan struct{})
	}
}

func (rs *runState) unpause() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.paused {
		rs.paused = false
		close(rs.resume)
	}
}

// gate returns a channel to wait on when paused, nil otherwise.
func (rs *runState) gate() <-chan struct{} {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.paused {
		return rs.resume
	}
	return nil
}

// Orchestrator is the state machine driving pipeline runs. All run state is
// persisted through the Store; the orchestrator itself holds only live
// cancellation handles.
type Orchestrator struct {
	store    runstore.Store
	registry registry.TaskRegistry
	engine   *engine.Engine
	gates    gates.Evaluator
	cfg      *Config
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// New creates an orchestrator.
func New(store runstore.Store, reg registry.TaskRegistry, eng *engine.Engine, gate gates.Evaluator, cfg *Config, logger *slog.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.FailurePolicy.Valid() {
		cfg.FailurePolicy = types.FailContinue
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if gate == nil {
		gate = gates.NewThresholdEvaluator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		registry: reg,
		engine:   eng,
		gates:    gate,
		cfg:      cfg,
		logger:   logger,
		runs:     make(map[string]*runState),
	}
}

// CreateRun validates a pipeline definition, builds and cross-validates its
// DAG, and persists a new idle run. Structural errors abort before any task
// runs.
func (o *Orchestrator) CreateRun(ctx context.Context, def *dag.PipelineDefinition) (string, error) {
	d, err := dag.Build(def)
	if err != nil {
		return "", err
	}
	if err := dag.CrossValidate(ctx, d, registryResolver{o.registry}); err != nil {
		return "", err
	}
	return o.store.CreateRun(ctx, def.Name, d)
}

// registryResolver adapts the task registry to the loader's resolver.
type registryResolver struct {
	reg registry.TaskRegistry
}

func (r registryResolver) Exists(ctx context.Context, name string) (bool, error) {
	return r.reg.Exists(ctx, name)
}

// Start transitions an idle run to RUNNING and executes it asynchronously.
func (o *Orchestrator) Start(ctx context.Context, runID string) error {
	octx, err := o.store.GetContext(ctx, runID)
	if err != nil {
		return err
	}
	if octx.Status != types.RunStatusIdle {
		return fmt.Errorf("run %s is %s, not %s", runID, octx.Status, types.RunStatusIdle)
	}

	o.mu.Lock()
	if _, exists := o.runs[runID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("run %s already started", runID)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rs := &runState{cancel: cancel, done: make(chan struct{})}
	o.runs[runID] = rs
	o.mu.Unlock()

	started := time.Now().UTC()
	octx.Status = types.RunStatusRunning
	octx.StartedAt = &started
	if err := o.store.SaveContext(ctx, octx); err != nil {
		cancel()
		o.dropRun(runID)
		return fmt.Errorf("persist run start: %w", err)
	}
	o.emitRunStatus(ctx, runID, types.RunStatusRunning, "")
	metrics.RunsActive.Inc()

	go func() {
		defer close(rs.done)
		defer o.dropRun(runID)
		o.execute(runCtx, runID, rs)
	}()

	return nil
}

// Pause suspends phase progression. Nodes already dispatched keep running.
func (o *Orchestrator) Pause(ctx context.Context, runID string) error {
	rs, ok := o.runState(runID)
	if !ok {
		return fmt.Errorf("run %s is not active", runID)
	}

	octx, err := o.store.GetContext(ctx, runID)
	if err != nil {
		return err
	}
	if octx.Status != types.RunStatusRunning {
		return fmt.Errorf("run %s is %s, cannot pause", runID, octx.Status)
	}

	rs.pause()
	octx.Status = types.RunStatusPaused
	if err := o.store.SaveContext(ctx, octx); err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}
	o.emitRunStatus(ctx, runID, types.RunStatusPaused, "")
	return nil
}

// Resume returns a paused run to RUNNING.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	rs, ok := o.runState(runID)
	if !ok {
		return fmt.Errorf("run %s is not active", runID)
	}

	octx, err := o.store.GetContext(ctx, runID)
	if err != nil {
		return err
	}
	if octx.Status != types.RunStatusPaused {
		return fmt.Errorf("run %s is %s, cannot resume", runID, octx.Status)
	}

	octx.Status = types.RunStatusRunning
	if err := o.store.SaveContext(ctx, octx); err != nil {
		return fmt.Errorf("persist resume: %w", err)
	}
	o.emitRunStatus(ctx, runID, types.RunStatusRunning, "")
	rs.unpause()
	return nil
}

// Cancel revokes every in-flight job and transitions the run to CANCELLED.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	rs, ok := o.runState(runID)
	if !ok {
		return fmt.Errorf("run %s is not active", runID)
	}

	o.engine.CancelAll(ctx, runID)
	rs.unpause()
	rs.cancel()
	return nil
}

// Wait blocks until the run's execution goroutine finishes.
func (o *Orchestrator) Wait(runID string) {
	o.mu.Lock()
	rs, ok := o.runs[runID]
	o.mu.Unlock()
	if ok {
		<-rs.done
	}
}

// Summary builds the user-visible final report for a run.
func (o *Orchestrator) Summary(ctx context.Context, runID string) (*types.RunSummary, error) {
	octx, err := o.store.GetContext(ctx, runID)
	if err != nil {
		return nil, err
	}

	summary := &types.RunSummary{
		RunID:          octx.RunID,
		PipelineName:   octx.PipelineName,
		Status:         octx.Status,
		CompletedNodes: octx.CompletedNodes,
		FailedNodes:    octx.FailedNodes,
		TotalNodes:     octx.TotalNodes,
	}
	if octx.StartedAt != nil && octx.FinishedAt != nil {
		summary.Duration = octx.FinishedAt.Sub(*octx.StartedAt)
	}
	return summary, nil
}

func (o *Orchestrator) runState(runID string) (*runState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rs, ok := o.runs[runID]
	return rs, ok
}

func (o *Orchestrator) dropRun(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, runID)
}

// execute drives a run through its phases.
func (o *Orchestrator) execute(ctx context.Context, runID string, rs *runState) {
	d, err := o.store.GetDAG(ctx, runID)
	if err != nil {
		o.finishRun(ctx, runID, types.RunStatusFailed, fmt.Sprintf("load dag: %v", err))
		return
	}

	defs := make(map[string]*types.TaskDefinition, len(d.Nodes))
	for i := range d.Nodes {
		node := &d.Nodes[i]
		def, err := o.registry.Get(ctx, node.Name)
		if err != nil {
			o.finishRun(ctx, runID, types.RunStatusFailed,
				fmt.Sprintf("task definition %q: %v", node.Name, err))
			return
		}
		defs[node.Name] = def
	}

	plans, err := planner.Plan(d, defs)
	if err != nil {
		o.finishRun(ctx, runID, types.RunStatusFailed, fmt.Sprintf("plan: %v", err))
		return
	}
	phases := planner.Phases(plans)

	tracker := newRunTracker(o, runID, d, plans, defs)

	for phaseIdx, phase := range phases {
		if !o.awaitResumable(ctx, rs) {
			o.finishCancelled(ctx, runID)
			return
		}

		tracker.setPhase(ctx, phaseIdx)

		executable, stuck := tracker.classify(phase)
		if len(executable) == 0 {
			if len(stuck) > 0 && o.engine.InFlight(runID) == 0 {
				derr := &DeadlockError{StuckNodes: stuck}
				o.finishRun(ctx, runID, types.RunStatusFailed, derr.Error())
				return
			}
			// Every pending node in this phase is downstream of a
			// failure; it stays unscheduled.
			continue
		}

		phaseCtx, phaseCancel := context.WithCancel(ctx)
		var g errgroup.Group
		for _, plan := range executable {
			plan := plan
			g.Go(func() error {
				result := o.runNode(phaseCtx, runID, rs, tracker, &plan)
				if result.failed() && o.cfg.FailurePolicy == types.FailFast {
					phaseCancel()
					return fmt.Errorf("node %s failed under fail_fast", plan.Node.ID)
				}
				return nil
			})
		}
		err := g.Wait()
		phaseCancel()

		if ctx.Err() != nil {
			o.finishCancelled(ctx, runID)
			return
		}
		if err != nil {
			// fail_fast abort
			o.finishRun(ctx, runID, types.RunStatusFailed, tracker.failureReason())
			return
		}

		// A full-phase wipeout means no downstream phase can proceed.
		if tracker.phaseWipedOut(executable) {
			o.finishRun(ctx, runID, types.RunStatusFailed,
				fmt.Sprintf("phase %d failed entirely", phaseIdx))
			return
		}
	}

	status, reason := tracker.finalStatus()
	o.finishRun(ctx, runID, status, reason)
}

// awaitResumable blocks while the run is paused. Returns false when the run
// context is cancelled.
func (o *Orchestrator) awaitResumable(ctx context.Context, rs *runState) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		gate := rs.gate()
		if gate == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-gate:
		}
	}
}

// nodeOutcome is the orchestrator-level classification of one node.
type nodeOutcome struct {
	status types.TaskStatus
	reason string
}

func (n nodeOutcome) failed() bool {
	return n.status == types.TaskStatusFailed || n.status == types.TaskStatusCancelled
}

// runNode executes one node applying the retry policy and quality gates.
func (o *Orchestrator) runNode(ctx context.Context, runID string, rs *runState, tracker *runTracker, plan *types.TaskExecutionPlan) nodeOutcome {
	node := &plan.Node
	tracker.setCurrent(ctx, node.ID)
	o.emitNodeStatus(ctx, runID, node.ID, types.TaskStatusRunning, "")

	maxRetries := 0
	if o.cfg.FailurePolicy == types.FailRetry {
		maxRetries = plan.RetryAttempts
		if maxRetries == 0 {
			maxRetries = o.cfg.DefaultMaxRetries
		}
	}

	attempt := 0
	backoffStep := 0
	for {
		result, err := o.engine.ExecuteNode(ctx, runID, plan, attempt)
		if err != nil {
			// Fatal for this node only (missing definition or dispatch
			// failure); policy still applies.
			outcome := nodeOutcome{status: types.TaskStatusFailed, reason: err.Error()}
			tracker.recordFailure(ctx, node.ID, outcome.reason)
			o.emitNodeStatus(ctx, runID, node.ID, types.TaskStatusFailed, outcome.reason)
			return outcome
		}

		switch result.Status {
		case types.TaskStatusSuccess:
			gated, reason := o.applyQualityGate(ctx, runID, tracker, plan, result, attempt)
			if gated {
				tracker.recordSuccess(ctx, node.ID)
				o.emitNodeStatus(ctx, runID, node.ID, types.TaskStatusSuccess, "")
				metrics.NodeRetries.WithLabelValues(string(types.TaskStatusSuccess)).Observe(float64(attempt))
				return nodeOutcome{status: types.TaskStatusSuccess}
			}
			outcome := nodeOutcome{status: types.TaskStatusFailed, reason: reason}
			tracker.recordFailure(ctx, node.ID, outcome.reason)
			o.emitNodeStatus(ctx, runID, node.ID, types.TaskStatusFailed, outcome.reason)
			return outcome

		case types.TaskStatusCancelled:
			return nodeOutcome{status: types.TaskStatusCancelled, reason: "cancelled"}
		}

		// Failure: timeouts and worker-reported failures share the same
		// retry budget, so a permanently slow task cannot loop forever.
		timedOut := engine.TimedOut(result)
		canRetry := o.cfg.FailurePolicy == types.FailRetry && attempt < maxRetries
		if !canRetry {
			reason := failureReason(result, timedOut)
			tracker.recordFailure(ctx, node.ID, reason)
			o.emitNodeStatus(ctx, runID, node.ID, types.TaskStatusFailed, reason)
			metrics.NodeRetries.WithLabelValues(string(types.TaskStatusFailed)).Observe(float64(attempt))
			return nodeOutcome{status: types.TaskStatusFailed, reason: reason}
		}

		attempt++
		delay := o.backoff(backoffStep)
		backoffStep++
		o.logger.Info("retrying node",
			slog.String("run_id", runID), slog.String("node_id", node.ID),
			slog.Int("attempt", attempt), slog.Duration("backoff", delay))

		select {
		case <-ctx.Done():
			return nodeOutcome{status: types.TaskStatusCancelled, reason: "cancelled"}
		case <-time.After(delay):
		}
		if !o.awaitResumable(ctx, rs) {
			return nodeOutcome{status: types.TaskStatusCancelled, reason: "cancelled"}
		}
	}
}

// backoff computes the exponential retry delay, capped.
func (o *Orchestrator) backoff(step int) time.Duration {
	d := time.Duration(float64(o.cfg.BackoffBase) * math.Pow(2, float64(step)))
	if d > o.cfg.BackoffCap || d <= 0 {
		d = o.cfg.BackoffCap
	}
	return d
}

func failureReason(result *types.TaskResult, timedOut bool) string {
	if timedOut {
		return "timeout"
	}
	if len(result.Errors) > 0 {
		return result.Errors[0]
	}
	return "task failed"
}

// applyQualityGate evaluates the gate for a succeeded node and drives
// bounded auto-repair. Returns (true, "") on pass or (false, reason) when
// the node must be failed.
func (o *Orchestrator) applyQualityGate(ctx context.Context, runID string, tracker *runTracker, plan *types.TaskExecutionPlan, result *types.TaskResult, attempt int) (bool, string) {
	node := &plan.Node
	threshold, hasGate := tracker.gateThreshold(node)
	if !hasGate {
		return true, ""
	}

	for {
		eval, err := o.gates.Evaluate(ctx, result.Artifacts, result, gates.Config{Threshold: threshold})
		passed := err == nil && eval.Passed // any evaluator error fails closed
		score := 0.0
		if eval != nil {
			score = eval.OverallScore
		}
		if passed {
			metrics.GateEvaluations.WithLabelValues("passed").Inc()
		} else {
			metrics.GateEvaluations.WithLabelValues("failed").Inc()
		}
		o.emitEvent(ctx, runID, node.ID, types.EventTypeGate, map[string]interface{}{
			"passed":    passed,
			"score":     score,
			"threshold": threshold,
		})
		if err != nil {
			o.logger.Warn("quality gate evaluator error",
				slog.String("run_id", runID), slog.String("node_id", node.ID), slog.Any("error", err))
		}
		if passed {
			return true, ""
		}

		if !tracker.consumeRepairAttempt(ctx, node.ID) {
			return false, "quality_gate"
		}
		metrics.RepairAttempts.Inc()
		o.emitEvent(ctx, runID, node.ID, types.EventTypeRepair, map[string]interface{}{
			"attempt":   tracker.repairCount(node.ID),
			"threshold": threshold,
		})

		attempt++
		repaired, err := o.engine.ExecuteNode(ctx, runID, plan, attempt)
		if err != nil || repaired.Status != types.TaskStatusSuccess {
			return false, "quality_gate"
		}
		result = repaired
	}
}

// finishRun persists the terminal context and emits the final status event.
func (o *Orchestrator) finishRun(ctx context.Context, runID string, status types.RunStatus, reason string) {
	persistCtx := context.WithoutCancel(ctx)
	octx, err := o.store.GetContext(persistCtx, runID)
	if err != nil {
		o.logger.Error("load context for finish failed",
			slog.String("run_id", runID), slog.Any("error", err))
		return
	}

	finished := time.Now().UTC()
	octx.Status = status
	octx.CurrentNode = ""
	octx.FinishedAt = &finished
	if status == types.RunStatusFailed && reason != "" {
		octx.Error = reason
	}
	if err := o.store.SaveContext(persistCtx, octx); err != nil {
		o.logger.Error("persist final context failed",
			slog.String("run_id", runID), slog.Any("error", err))
	}
	o.emitRunStatus(persistCtx, runID, status, reason)

	metrics.RunsActive.Dec()
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	if octx.StartedAt != nil {
		metrics.RunDuration.WithLabelValues(string(status)).Observe(finished.Sub(*octx.StartedAt).Seconds())
	}

	o.logger.Info("run finished",
		slog.String("run_id", runID),
		slog.String("status", string(status)),
		slog.Int("completed", len(octx.CompletedNodes)),
		slog.Int("failed", len(octx.FailedNodes)))
}

func (o *Orchestrator) finishCancelled(ctx context.Context, runID string) {
	o.finishRun(ctx, runID, types.RunStatusCancelled, "")
}

// Event emission helpers

func (o *Orchestrator) emitRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) {
	o.emitEvent(ctx, runID, "", types.EventTypeRunStatus, types.RunStatusEvent{Status: status, Error: errMsg})
}

func (o *Orchestrator) emitNodeStatus(ctx context.Context, runID, nodeID string, status types.TaskStatus, reason string) {
	o.emitEvent(ctx, runID, nodeID, types.EventTypeNodeStatus, types.NodeStatusEvent{Status: status, Reason: reason})
}

func (o *Orchestrator) emitEvent(ctx context.Context, runID, nodeID string, eventType types.EventType, data interface{}) {
	input := &types.EventInput{Type: eventType, NodeID: nodeID, Data: data}
	metrics.EventsTotal.WithLabelValues(string(eventType)).Inc()
	if _, err := o.store.AppendEvent(context.WithoutCancel(ctx), runID, input); err != nil {
		o.logger.Warn("emit event failed",
			slog.String("run_id", runID), slog.String("type", string(eventType)), slog.Any("error", err))
	}
}

// runTracker guards the shared orchestration context during a run. Every
// mutation is persisted before the lock is released so the stored snapshot
// is always current.
type runTracker struct {
	o     *Orchestrator
	runID string
	defs  map[string]*types.TaskDefinition

	gatesConfig map[string]float64
	nodeNames   map[string]string // node id -> definition name
	phaseOf     map[string]int    // node id -> planned phase

	mu           sync.Mutex
	currentPhase int
	completed    map[string]bool
	failed       map[string]string // node id -> reason
	repairCounts map[string]int
}

func newRunTracker(o *Orchestrator, runID string, d *types.ExecutionDAG, plans []types.TaskExecutionPlan, defs map[string]*types.TaskDefinition) *runTracker {
	nodeNames := make(map[string]string, len(d.Nodes))
	for i := range d.Nodes {
		nodeNames[d.Nodes[i].ID] = d.Nodes[i].Name
	}
	phaseOf := make(map[string]int, len(plans))
	for _, plan := range plans {
		phaseOf[plan.Node.ID] = plan.ExecutionPhase
	}
	return &runTracker{
		o:            o,
		runID:        runID,
		defs:         defs,
		gatesConfig:  d.QualityGates,
		nodeNames:    nodeNames,
		phaseOf:      phaseOf,
		completed:    make(map[string]bool),
		failed:       make(map[string]string),
		repairCounts: make(map[string]int),
	}
}

func (t *runTracker) mutateContext(ctx context.Context, fn func(*types.OrchestrationContext)) {
	persistCtx := context.WithoutCancel(ctx)
	octx, err := t.o.store.GetContext(persistCtx, t.runID)
	if err != nil {
		t.o.logger.Warn("load context failed", slog.String("run_id", t.runID), slog.Any("error", err))
		return
	}
	fn(octx)
	if err := t.o.store.SaveContext(persistCtx, octx); err != nil {
		t.o.logger.Warn("persist context failed", slog.String("run_id", t.runID), slog.Any("error", err))
	}
}

func (t *runTracker) setPhase(ctx context.Context, phase int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentPhase = phase
	t.mutateContext(ctx, func(octx *types.OrchestrationContext) {
		octx.CurrentPhase = phase
	})
}

func (t *runTracker) setCurrent(ctx context.Context, nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mutateContext(ctx, func(octx *types.OrchestrationContext) {
		octx.CurrentNode = nodeID
	})
}

func (t *runTracker) recordSuccess(ctx context.Context, nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed[nodeID] = true
	t.mutateContext(ctx, func(octx *types.OrchestrationContext) {
		octx.CompletedNodes = append(octx.CompletedNodes, nodeID)
	})
}

func (t *runTracker) recordFailure(ctx context.Context, nodeID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[nodeID] = reason
	t.mutateContext(ctx, func(octx *types.OrchestrationContext) {
		octx.FailedNodes = append(octx.FailedNodes, types.NodeFailure{NodeID: nodeID, Reason: reason})
	})
}

// gateThreshold looks up the configured gate for a node, by node id first
// and stage name second.
func (t *runTracker) gateThreshold(node *types.DAGNode) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gatesConfig == nil {
		return 0, false
	}
	if v, ok := t.gatesConfig[node.ID]; ok {
		return v, true
	}
	v, ok := t.gatesConfig[node.Name]
	return v, ok
}

// classify splits a phase into executable plans (all dependencies
// succeeded) and stuck node ids (blocked on an unfinished, non-failed
// dependency). Nodes downstream of a failure are neither: they simply stay
// unscheduled.
func (t *runTracker) classify(phase []types.TaskExecutionPlan) ([]types.TaskExecutionPlan, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var executable []types.TaskExecutionPlan
	var stuck []string
	for _, plan := range phase {
		ready := true
		doomed := false
		for _, dep := range plan.Node.Dependencies {
			if t.completed[dep] {
				continue
			}
			ready = false
			if t.doomedLocked(dep) {
				doomed = true
			}
		}
		switch {
		case ready:
			executable = append(executable, plan)
		case doomed:
			// unschedulable, stays pending
		default:
			stuck = append(stuck, plan.Node.ID)
		}
	}
	sort.Strings(stuck)
	return executable, stuck
}

// doomedLocked reports whether an unfinished dependency is failed or was
// never scheduled because of an earlier failure. Dependencies outside the
// plan, or not yet reached by phase order, are genuinely stuck instead.
func (t *runTracker) doomedLocked(depID string) bool {
	if _, failed := t.failed[depID]; failed {
		return true
	}
	phase, known := t.phaseOf[depID]
	return known && phase < t.currentPhase
}

// phaseWipedOut reports whether every dispatched node of the phase failed.
func (t *runTracker) phaseWipedOut(dispatched []types.TaskExecutionPlan) bool {
	if len(dispatched) == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, plan := range dispatched {
		if _, failed := t.failed[plan.Node.ID]; !failed {
			return false
		}
	}
	return true
}

// consumeRepairAttempt reserves one auto-repair attempt for a node,
// persisting the counter. Returns false when repair is disabled or the
// budget is exhausted.
func (t *runTracker) consumeRepairAttempt(ctx context.Context, nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := false
	t.mutateContext(ctx, func(octx *types.OrchestrationContext) {
		if !octx.AutoRepair.Enabled {
			return
		}
		if octx.RepairAttempts == nil {
			octx.RepairAttempts = make(map[string]int)
		}
		if octx.RepairAttempts[nodeID] >= octx.AutoRepair.MaxRepairAttempts {
			return
		}
		octx.RepairAttempts[nodeID]++
		t.repairCounts[nodeID] = octx.RepairAttempts[nodeID]
		allowed = true
	})
	return allowed
}

func (t *runTracker) repairCount(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.repairCounts[nodeID]
}

// failureReason summarizes the first recorded failure for fail_fast aborts.
func (t *runTracker) failureReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for nodeID, reason := range t.failed {
		return fmt.Sprintf("node %s: %s", nodeID, reason)
	}
	return "run failed"
}

// finalStatus applies the completion rules: COMPLETED with zero failures,
// COMPLETED when every failed node is optional and something completed,
// FAILED otherwise.
func (t *runTracker) finalStatus() (types.RunStatus, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.failed) == 0 {
		return types.RunStatusCompleted, ""
	}
	if len(t.completed) > 0 {
		allOptional := true
		for nodeID := range t.failed {
			if t.requiredLocked(nodeID) {
				allOptional = false
				break
			}
		}
		if allOptional {
			return types.RunStatusCompleted, ""
		}
	}
	return types.RunStatusFailed, fmt.Sprintf("%d node(s) failed", len(t.failed))
}

// requiredLocked reports whether a node's definition marks it required.
// Unknown definitions count as required.
func (t *runTracker) requiredLocked(nodeID string) bool {
	def, ok := t.defs[t.nodeNames[nodeID]]
	if !ok {
		return true
	}
	return def.Required
}
