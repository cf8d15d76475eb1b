package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fluxline/fluxline/internal/queue"
	"github.com/fluxline/fluxline/internal/registry"
	"github.com/fluxline/fluxline/internal/router"
	"github.com/fluxline/fluxline/internal/runstore"
	"github.com/fluxline/fluxline/pkg/types"
)

type testEnv struct {
	engine *Engine
	store  *runstore.MemoryStore
	queue  *queue.MemoryQueue
	runID  string
}

func newTestEnv(t *testing.T, handler queue.Handler, defs ...*types.TaskDefinition) *testEnv {
	t.Helper()
	ctx := context.Background()

	reg := registry.NewMemoryRegistry()
	for _, def := range defs {
		if err := reg.Register(ctx, def); err != nil {
			t.Fatalf("register %q: %v", def.Name, err)
		}
	}

	store := runstore.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })

	q := queue.NewMemoryQueue(handler)
	t.Cleanup(func() { q.Close() })

	rtr := router.New(nil, router.LoadPriors(""), nil, nil)
	eng := New(reg, rtr, q, store, nil)

	dag := &types.ExecutionDAG{
		ID:    "dag",
		Name:  "p",
		Nodes: []types.DAGNode{{ID: "n1", Name: "task-a", Agent: "coder", TaskType: types.TaskTypeCoding}},
	}
	runID, err := store.CreateRun(ctx, "p", dag)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	return &testEnv{engine: eng, store: store, queue: q, runID: runID}
}

func planFor(name string) *types.TaskExecutionPlan {
	return &types.TaskExecutionPlan{
		Node: types.DAGNode{ID: "n1", Name: name, Agent: "coder", TaskType: types.TaskTypeCoding},
	}
}

func TestExecuteNode_Success(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, job *queue.Job) (*queue.Outcome, error) {
		return &queue.Outcome{
			State:      queue.OutcomeSuccess,
			Score:      0.95,
			Output:     json.RawMessage(`{"report":"done"}`),
			Cost:       0.12,
			TokensUsed: 840,
		}, nil
	}, &types.TaskDefinition{Name: "task-a", Type: types.TaskTypeCoding, AgentType: "coder"})
	ctx := context.Background()

	result, err := env.engine.ExecuteNode(ctx, env.runID, planFor("task-a"), 0)
	if err != nil {
		t.Fatalf("ExecuteNode failed: %v", err)
	}
	if result.Status != types.TaskStatusSuccess {
		t.Errorf("expected success, got %q", result.Status)
	}
	if result.Score != 0.95 {
		t.Errorf("expected score 0.95, got %v", result.Score)
	}
	if result.Artifacts["report"] != "done" {
		t.Errorf("expected artifact, got %v", result.Artifacts)
	}

	execs, _ := env.store.GetExecutions(ctx, env.runID)
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
	if execs[0].Status != types.TaskStatusSuccess {
		t.Errorf("expected persisted success, got %q", execs[0].Status)
	}
	if execs[0].Cost != 0.12 || execs[0].TokensUsed != 840 {
		t.Errorf("cost accounting missing: %+v", execs[0])
	}
	if execs[0].StartedAt == nil || execs[0].FinishedAt == nil {
		t.Error("expected start/finish timestamps")
	}

	results, _ := env.store.GetResults(ctx, env.runID)
	if len(results) != 1 {
		t.Errorf("expected 1 persisted result, got %d", len(results))
	}
}

func TestExecuteNode_WorkerFailure(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, job *queue.Job) (*queue.Outcome, error) {
		return &queue.Outcome{State: queue.OutcomeFailure, Errors: []string{"compile error"}}, nil
	}, &types.TaskDefinition{Name: "task-a", Type: types.TaskTypeCoding, AgentType: "coder"})

	result, err := env.engine.ExecuteNode(context.Background(), env.runID, planFor("task-a"), 0)
	if err != nil {
		t.Fatalf("ExecuteNode failed: %v", err)
	}
	if result.Status != types.TaskStatusFailed {
		t.Errorf("expected failed, got %q", result.Status)
	}
	if len(result.Errors) != 1 || result.Errors[0] != "compile error" {
		t.Errorf("expected worker errors, got %v", result.Errors)
	}
	if TimedOut(result) {
		t.Error("worker failure must not count as timeout")
	}
}

func TestExecuteNode_MissingDefinition(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, job *queue.Job) (*queue.Outcome, error) {
		return &queue.Outcome{State: queue.OutcomeSuccess}, nil
	})

	_, err := env.engine.ExecuteNode(context.Background(), env.runID, planFor("ghost"), 0)
	if err == nil {
		t.Fatal("expected error for missing definition")
	}
}

func TestExecuteNode_Timeout(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, job *queue.Job) (*queue.Outcome, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &queue.Outcome{State: queue.OutcomeSuccess}, nil
		}
	}, &types.TaskDefinition{
		Name:      "task-a",
		Type:      types.TaskTypeCoding,
		AgentType: "coder",
		Timeout:   50 * time.Millisecond,
	})
	ctx := context.Background()

	result, err := env.engine.ExecuteNode(ctx, env.runID, planFor("task-a"), 0)
	if err != nil {
		t.Fatalf("ExecuteNode failed: %v", err)
	}
	if result.Status != types.TaskStatusFailed {
		t.Errorf("expected failed, got %q", result.Status)
	}
	if !TimedOut(result) {
		t.Errorf("expected timeout marker, got metadata %v", result.Metadata)
	}

	if env.engine.InFlight(env.runID) != 0 {
		t.Error("in-flight entry leaked after timeout")
	}
}

func TestExecuteNode_CancelAll(t *testing.T) {
	started := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, job *queue.Job) (*queue.Outcome, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, &types.TaskDefinition{Name: "task-a", Type: types.TaskTypeCoding, AgentType: "coder"})
	ctx := context.Background()

	done := make(chan *types.TaskResult, 1)
	go func() {
		result, err := env.engine.ExecuteNode(ctx, env.runID, planFor("task-a"), 0)
		if err != nil {
			t.Errorf("ExecuteNode failed: %v", err)
		}
		done <- result
	}()

	<-started
	env.engine.CancelAll(ctx, env.runID)

	select {
	case result := <-done:
		if result == nil {
			t.Fatal("expected a result after cancellation")
		}
		if result.Status != types.TaskStatusCancelled {
			t.Errorf("expected cancelled, got %q", result.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled node")
	}

	if env.engine.InFlight(env.runID) != 0 {
		t.Error("in-flight entry leaked after cancel")
	}
}

func TestExecuteNode_EmitsRoutingEvent(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, job *queue.Job) (*queue.Outcome, error) {
		return &queue.Outcome{State: queue.OutcomeSuccess}, nil
	}, &types.TaskDefinition{Name: "task-a", Type: types.TaskTypeCoding, AgentType: "coder"})
	ctx := context.Background()

	if _, err := env.engine.ExecuteNode(ctx, env.runID, planFor("task-a"), 0); err != nil {
		t.Fatalf("ExecuteNode failed: %v", err)
	}

	events, _ := env.store.GetEventsSince(ctx, env.runID, "")
	var sawRouting bool
	for _, evt := range events {
		if evt.Type == types.EventTypeRouting {
			sawRouting = true
		}
	}
	if !sawRouting {
		t.Error("expected a routing_decision event")
	}
}
