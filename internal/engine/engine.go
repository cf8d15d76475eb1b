// Package engine executes routed DAG nodes against a distributed work queue
// and records their lifecycle in the run store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxline/fluxline/internal/metrics"
	"github.com/fluxline/fluxline/internal/queue"
	"github.com/fluxline/fluxline/internal/registry"
	"github.com/fluxline/fluxline/internal/router"
	"github.com/fluxline/fluxline/internal/runstore"
	"github.com/fluxline/fluxline/pkg/types"
)

const timeoutReason = "timeout"

type inflightTask struct {
	runID  string
	jobID  string
	cancel context.CancelFunc
}

// Engine dispatches single node attempts. Retry policy lives with the
// caller; every ExecuteNode call is exactly one attempt producing exactly
// one TaskResult.
type Engine struct {
	registry registry.TaskRegistry
	router   *router.Router
	queue    queue.WorkQueue
	store    runstore.Store
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]*inflightTask // execution id -> task
}

// New creates an execution engine.
func New(reg registry.TaskRegistry, rtr *router.Router, q queue.WorkQueue, store runstore.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: reg,
		router:   rtr,
		queue:    q,
		store:    store,
		logger:   logger,
		inflight: make(map[string]*inflightTask),
	}
}

// ExecuteNode runs one attempt of a DAG node: resolve its definition, route
// it, dispatch to the work queue, await the outcome, and persist the
// normalized result. A missing definition is fatal for the node and returns
// an error; a worker-side failure returns a FAILED result and a nil error.
func (e *Engine) ExecuteNode(ctx context.Context, runID string, plan *types.TaskExecutionPlan, retryCount int) (*types.TaskResult, error) {
	node := &plan.Node

	def, err := e.registry.Get(ctx, node.Name)
	if err != nil {
		if errors.Is(err, registry.ErrTaskNotFound) {
			return nil, fmt.Errorf("node %s: no task definition %q: %w", node.ID, node.Name, err)
		}
		return nil, fmt.Errorf("node %s: resolve definition: %w", node.ID, err)
	}

	decision := e.router.Route(ctx, runID, node, signalsFor(node))
	metrics.RoutingDecisions.WithLabelValues(string(decision.WorkerClass)).Inc()
	e.emitEvent(ctx, runID, node.ID, types.EventTypeRouting, decision)
	if decision.Escalated() {
		metrics.Escalations.WithLabelValues(string(decision.EscalatedFrom), string(decision.WorkerClass)).Inc()
		e.emitEvent(ctx, runID, node.ID, types.EventTypeEscalation, map[string]interface{}{
			"from":   decision.EscalatedFrom,
			"to":     decision.WorkerClass,
			"reason": decision.Metadata["escalation_reason"],
		})
	}

	exec := &types.TaskExecution{
		ID:         uuid.New().String(),
		TaskName:   node.Name,
		NodeID:     node.ID,
		RunID:      runID,
		Status:     types.TaskStatusPending,
		RetryCount: retryCount,
		QueuedAt:   time.Now().UTC(),
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("node %s: persist execution: %w", node.ID, err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"task_name": node.Name,
		"agent":     node.Agent,
		"task_type": node.TaskType,
		"config":    node.Config,
		"inputs":    def.Inputs,
		"attempt":   retryCount + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("node %s: marshal payload: %w", node.ID, err)
	}

	queueName := plan.Queue
	if queueName == "" {
		queueName = def.Queue
	}
	job := &queue.Job{
		ID:          exec.ID,
		RunID:       runID,
		NodeID:      node.ID,
		WorkerClass: decision.WorkerClass,
		QueueName:   queueName,
		Payload:     payload,
	}
	if err := e.queue.Submit(ctx, job); err != nil {
		return nil, fmt.Errorf("node %s: submit job: %w", node.ID, err)
	}
	metrics.QueueJobs.WithLabelValues(job.Queue()).Inc()

	awaitCtx, cancel := context.WithCancel(ctx)
	e.track(exec.ID, &inflightTask{runID: runID, jobID: job.ID, cancel: cancel})
	defer e.untrack(exec.ID)

	started := time.Now().UTC()
	exec.Status = types.TaskStatusRunning
	exec.StartedAt = &started
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		e.logger.Warn("persist running execution failed",
			slog.String("run_id", runID), slog.String("node_id", node.ID), slog.Any("error", err))
	}

	if def.Timeout > 0 {
		var tcancel context.CancelFunc
		awaitCtx, tcancel = context.WithTimeout(awaitCtx, def.Timeout)
		defer tcancel()
	}

	outcome, awaitErr := e.queue.Await(awaitCtx, job.ID)
	finished := time.Now().UTC()

	var result *types.TaskResult
	switch {
	case awaitErr == nil:
		result = normalize(exec, node.ID, outcome)
	case errors.Is(awaitErr, context.DeadlineExceeded) && ctx.Err() == nil:
		// Per-node timeout: revoke the job and fail the attempt. Queues
		// that already reaped the abandoned job report ErrJobNotFound.
		if cerr := e.queue.Cancel(context.WithoutCancel(ctx), job.ID); cerr != nil && !errors.Is(cerr, queue.ErrJobNotFound) {
			e.logger.Warn("cancel timed-out job failed",
				slog.String("job_id", job.ID), slog.Any("error", cerr))
		}
		result = &types.TaskResult{
			TaskID:   exec.ID,
			NodeID:   node.ID,
			Status:   types.TaskStatusFailed,
			Errors:   []string{fmt.Sprintf("task %q timed out after %s", node.Name, def.Timeout)},
			Metadata: map[string]interface{}{"reason": timeoutReason},
			Duration: finished.Sub(started),
		}
	case errors.Is(awaitErr, context.Canceled) || ctx.Err() != nil:
		// Run-level cancellation, either via parent context or CancelAll.
		result = &types.TaskResult{
			TaskID:   exec.ID,
			NodeID:   node.ID,
			Status:   types.TaskStatusCancelled,
			Errors:   []string{awaitErr.Error()},
			Duration: finished.Sub(started),
		}
	default:
		result = &types.TaskResult{
			TaskID:   exec.ID,
			NodeID:   node.ID,
			Status:   types.TaskStatusFailed,
			Errors:   []string{awaitErr.Error()},
			Duration: finished.Sub(started),
		}
	}

	exec.Status = result.Status
	exec.FinishedAt = &finished
	if outcome != nil {
		exec.Cost = outcome.Cost
		exec.TokensUsed = outcome.TokensUsed
	}
	persistCtx := context.WithoutCancel(ctx)
	if err := e.store.SaveExecution(persistCtx, exec); err != nil {
		e.logger.Warn("persist terminal execution failed",
			slog.String("run_id", runID), slog.String("node_id", node.ID), slog.Any("error", err))
	}
	if err := e.store.SaveResult(persistCtx, runID, result); err != nil {
		e.logger.Warn("persist result failed",
			slog.String("run_id", runID), slog.String("node_id", node.ID), slog.Any("error", err))
	}

	metrics.NodesTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.NodeDuration.WithLabelValues(string(result.Status)).Observe(finished.Sub(started).Seconds())

	// Feed routing priors so future decisions learn from this class.
	if result.Status != types.TaskStatusCancelled {
		e.router.RecordOutcome(runID, decision.WorkerClass, result.Status == types.TaskStatusSuccess, exec.Cost, result.Duration)
	}

	return result, nil
}

// TimedOut reports whether a result failed due to a per-task timeout.
// The engine never re-dispatches a timed-out attempt on its own; retries
// are the state machine's call.
func TimedOut(result *types.TaskResult) bool {
	if result == nil || result.Metadata == nil {
		return false
	}
	reason, _ := result.Metadata["reason"].(string)
	return result.Status == types.TaskStatusFailed && reason == timeoutReason
}

// CancelAll revokes every in-flight job belonging to a run.
func (e *Engine) CancelAll(ctx context.Context, runID string) {
	e.mu.Lock()
	var tasks []*inflightTask
	for _, t := range e.inflight {
		if t.runID == runID {
			tasks = append(tasks, t)
		}
	}
	e.mu.Unlock()

	for _, t := range tasks {
		if err := e.queue.Cancel(ctx, t.jobID); err != nil {
			e.logger.Warn("revoke job failed", slog.String("job_id", t.jobID), slog.Any("error", err))
		}
		t.cancel()
	}
}

// InFlight returns the number of currently executing attempts for a run.
func (e *Engine) InFlight(runID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, t := range e.inflight {
		if t.runID == runID {
			n++
		}
	}
	return n
}

func (e *Engine) track(execID string, t *inflightTask) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[execID] = t
}

func (e *Engine) untrack(execID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, execID)
}

// normalize converts a worker outcome into a TaskResult.
func normalize(exec *types.TaskExecution, nodeID string, outcome *queue.Outcome) *types.TaskResult {
	result := &types.TaskResult{
		TaskID:   exec.ID,
		NodeID:   nodeID,
		Score:    outcome.Score,
		Errors:   outcome.Errors,
		Warnings: outcome.Warnings,
		Duration: outcome.Duration,
	}

	switch outcome.State {
	case queue.OutcomeSuccess:
		result.Status = types.TaskStatusSuccess
	case queue.OutcomeRevoked:
		result.Status = types.TaskStatusCancelled
	default:
		result.Status = types.TaskStatusFailed
	}

	if len(outcome.Output) > 0 {
		var artifacts map[string]interface{}
		if err := json.Unmarshal(outcome.Output, &artifacts); err == nil {
			result.Artifacts = artifacts
		} else {
			result.Artifacts = map[string]interface{}{"raw": string(outcome.Output)}
		}
	}

	return result
}

// signalsFor extracts routing signals from node configuration.
func signalsFor(node *types.DAGNode) router.Signals {
	var sig router.Signals
	if v, ok := node.Config["complexity"].(float64); ok {
		sig.Complexity = v
	}
	if v, ok := node.Config["risk"].(float64); ok {
		sig.Risk = v
	}
	return sig
}

func (e *Engine) emitEvent(ctx context.Context, runID, nodeID string, eventType types.EventType, data interface{}) {
	input := &types.EventInput{Type: eventType, NodeID: nodeID, Data: data}
	if _, err := e.store.AppendEvent(ctx, runID, input); err != nil {
		e.logger.Warn("emit event failed",
			slog.String("run_id", runID), slog.String("type", string(eventType)), slog.Any("error", err))
	}
}
