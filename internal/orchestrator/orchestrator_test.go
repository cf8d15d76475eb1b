package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fluxline/fluxline/internal/dag"
	"github.com/fluxline/fluxline/internal/engine"
	"github.com/fluxline/fluxline/internal/queue"
	"github.com/fluxline/fluxline/internal/registry"
	"github.com/fluxline/fluxline/internal/router"
	"github.com/fluxline/fluxline/internal/runstore"
	"github.com/fluxline/fluxline/pkg/types"
)

// scriptedWorker replays per-node outcome scripts and records dispatch order.
type scriptedWorker struct {
	mu       sync.Mutex
	scripts  map[string][]*queue.Outcome // node id -> outcome per attempt
	attempts map[string]int
	order    []string
}

func newScriptedWorker() *scriptedWorker {
	return &scriptedWorker{
		scripts:  make(map[string][]*queue.Outcome),
		attempts: make(map[string]int),
	}
}

func (w *scriptedWorker) script(nodeID string, outcomes ...*queue.Outcome) {
	w.scripts[nodeID] = outcomes
}

func (w *scriptedWorker) handle(ctx context.Context, job *queue.Job) (*queue.Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.order = append(w.order, job.NodeID)
	n := w.attempts[job.NodeID]
	w.attempts[job.NodeID] = n + 1

	script, ok := w.scripts[job.NodeID]
	if !ok {
		return &queue.Outcome{State: queue.OutcomeSuccess, Score: 1.0}, nil
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n], nil
}

func (w *scriptedWorker) attemptCount(nodeID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts[nodeID]
}

func (w *scriptedWorker) dispatchOrder() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out
}

type orchEnv struct {
	orch   *Orchestrator
	store  *runstore.MemoryStore
	worker *scriptedWorker
}

func newOrchEnv(t *testing.T, cfg *Config, defs ...*types.TaskDefinition) *orchEnv {
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

	worker := newScriptedWorker()
	q := queue.NewMemoryQueue(worker.handle)
	t.Cleanup(func() { q.Close() })

	rtr := router.New(nil, router.LoadPriors(""), nil, nil)
	eng := engine.New(reg, rtr, q, store, nil)

	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 4 * time.Millisecond

	return &orchEnv{
		orch:   New(store, reg, eng, nil, cfg, nil),
		store:  store,
		worker: worker,
	}
}

func coderDef(name string, required bool) *types.TaskDefinition {
	return &types.TaskDefinition{
		Name:      name,
		Type:      types.TaskTypeCoding,
		AgentType: "coder",
		Required:  required,
	}
}

// diamondDefinition builds a -> {b, c} -> d.
func diamondDefinition() *dag.PipelineDefinition {
	return &dag.PipelineDefinition{
		Name: "diamond",
		Stages: []dag.StageDefinition{
			{Name: "a", Agent: "coder", TaskType: "coding"},
			{Name: "b", Agent: "coder", TaskType: "coding", Dependencies: []string{"a"}},
			{Name: "c", Agent: "coder", TaskType: "coding", Dependencies: []string{"a"}},
			{Name: "d", Agent: "coder", TaskType: "coding", Dependencies: []string{"b", "c"}},
		},
	}
}

func (env *orchEnv) runToCompletion(t *testing.T, def *dag.PipelineDefinition) string {
	t.Helper()
	ctx := context.Background()

	runID, err := env.orch.CreateRun(ctx, def)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := env.orch.Start(ctx, runID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	env.orch.Wait(runID)
	return runID
}

func TestRun_Diamond(t *testing.T) {
	env := newOrchEnv(t, nil,
		coderDef("a", true), coderDef("b", true), coderDef("c", true), coderDef("d", true))
	ctx := context.Background()

	runID := env.runToCompletion(t, diamondDefinition())

	octx, err := env.store.GetContext(ctx, runID)
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if octx.Status != types.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", octx.Status, octx.Error)
	}
	if len(octx.CompletedNodes) != 4 {
		t.Errorf("expected 4 completed nodes, got %v", octx.CompletedNodes)
	}
	if len(octx.FailedNodes) != 0 {
		t.Errorf("expected no failures, got %v", octx.FailedNodes)
	}
	if octx.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}

	// Phase ordering: a first, d last, b and c in between.
	order := env.worker.dispatchOrder()
	if len(order) != 4 {
		t.Fatalf("expected 4 dispatches, got %v", order)
	}
	if order[0] != "a" || order[3] != "d" {
		t.Errorf("phase order violated: %v", order)
	}
}

func TestRun_FailFast(t *testing.T) {
	env := newOrchEnv(t, &Config{FailurePolicy: types.FailFast},
		coderDef("a", true), coderDef("b", true), coderDef("c", true), coderDef("d", true))
	ctx := context.Background()

	// b fails in phase 1
	env.worker.script("b", &queue.Outcome{State: queue.OutcomeFailure, Errors: []string{"broken"}})

	runID := env.runToCompletion(t, diamondDefinition())

	octx, _ := env.store.GetContext(ctx, runID)
	if octx.Status != types.RunStatusFailed {
		t.Fatalf("expected failed, got %s", octx.Status)
	}

	failed := octx.FailedSet()
	if !failed["b"] || len(failed) != 1 {
		t.Errorf("expected failedNodes=[b], got %v", octx.FailedNodes)
	}

	// d depends on b and must never have been dispatched.
	if env.worker.attemptCount("d") != 0 {
		t.Error("downstream node was dispatched under fail_fast")
	}
}

func TestRun_ContinuePolicy(t *testing.T) {
	// a -> {b, c, e} -> none; all of phase 1 fails.
	def := &dag.PipelineDefinition{
		Name: "wipeout",
		Stages: []dag.StageDefinition{
			{Name: "a", Agent: "coder", TaskType: "coding"},
			{Name: "b", Agent: "coder", TaskType: "coding", Dependencies: []string{"a"}},
			{Name: "c", Agent: "coder", TaskType: "coding", Dependencies: []string{"a"}},
			{Name: "e", Agent: "coder", TaskType: "coding", Dependencies: []string{"a"}},
		},
	}
	env := newOrchEnv(t, &Config{FailurePolicy: types.FailContinue},
		coderDef("a", true), coderDef("b", true), coderDef("c", true), coderDef("e", true))
	ctx := context.Background()

	fail := &queue.Outcome{State: queue.OutcomeFailure, Errors: []string{"boom"}}
	env.worker.script("b", fail)
	env.worker.script("c", fail)
	env.worker.script("e", fail)

	runID := env.runToCompletion(t, def)

	octx, _ := env.store.GetContext(ctx, runID)
	if octx.Status != types.RunStatusFailed {
		t.Fatalf("expected failed, got %s", octx.Status)
	}
	if len(octx.CompletedNodes) != 1 || octx.CompletedNodes[0] != "a" {
		t.Errorf("expected phase-0 success preserved, got %v", octx.CompletedNodes)
	}
	if len(octx.FailedNodes) != 3 {
		t.Errorf("expected 3 failed nodes, got %v", octx.FailedNodes)
	}
	for _, f := range octx.FailedNodes {
		if f.Reason == "" {
			t.Errorf("failed node %s missing reason", f.NodeID)
		}
	}
}

func TestRun_ContinuePolicyPartialPhase(t *testing.T) {
	// Phase 1: b fails, c succeeds; d depends on both -> unscheduled.
	env := newOrchEnv(t, &Config{FailurePolicy: types.FailContinue},
		coderDef("a", true), coderDef("b", true), coderDef("c", true), coderDef("d", true))
	ctx := context.Background()

	env.worker.script("b", &queue.Outcome{State: queue.OutcomeFailure, Errors: []string{"boom"}})

	runID := env.runToCompletion(t, diamondDefinition())

	octx, _ := env.store.GetContext(ctx, runID)
	if octx.Status != types.RunStatusFailed {
		t.Fatalf("expected failed, got %s", octx.Status)
	}
	completed := octx.CompletedSet()
	if !completed["a"] || !completed["c"] {
		t.Errorf("independent branch did not run: %v", octx.CompletedNodes)
	}
	if env.worker.attemptCount("d") != 0 {
		t.Error("node with failed dependency was dispatched")
	}
}

func TestRun_RetryPolicy(t *testing.T) {
	def := &dag.PipelineDefinition{
		Name:   "retry",
		Stages: []dag.StageDefinition{{Name: "flaky", Agent: "coder", TaskType: "coding"}},
	}

	t.Run("eventually succeeds", func(t *testing.T) {
		flaky := coderDef("flaky", true)
		flaky.RetryAttempts = 2
		env := newOrchEnv(t, &Config{FailurePolicy: types.FailRetry}, flaky)
		ctx := context.Background()

		env.worker.script("flaky",
			&queue.Outcome{State: queue.OutcomeFailure, Errors: []string{"flake"}},
			&queue.Outcome{State: queue.OutcomeFailure, Errors: []string{"flake"}},
			&queue.Outcome{State: queue.OutcomeSuccess, Score: 1.0})

		runID := env.runToCompletion(t, def)

		octx, _ := env.store.GetContext(ctx, runID)
		if octx.Status != types.RunStatusCompleted {
			t.Fatalf("expected completed after retries, got %s", octx.Status)
		}
		if got := env.worker.attemptCount("flaky"); got != 3 {
			t.Errorf("expected 3 attempts, got %d", got)
		}
	})

	t.Run("bounded by retry budget", func(t *testing.T) {
		flaky := coderDef("flaky", true)
		flaky.RetryAttempts = 2
		env := newOrchEnv(t, &Config{FailurePolicy: types.FailRetry}, flaky)
		ctx := context.Background()

		env.worker.script("flaky", &queue.Outcome{State: queue.OutcomeFailure, Errors: []string{"always"}})

		runID := env.runToCompletion(t, def)

		octx, _ := env.store.GetContext(ctx, runID)
		if octx.Status != types.RunStatusFailed {
			t.Fatalf("expected failed, got %s", octx.Status)
		}
		// maxRetries + 1 total attempts
		if got := env.worker.attemptCount("flaky"); got != 3 {
			t.Errorf("expected 3 attempts, got %d", got)
		}
	})
}

// A permanently slow task must exhaust the same retry budget as a failing
// one; timeouts retried without bound would livelock the run at the
// backoff cap.
func TestRun_RetryPolicyTimeoutBound(t *testing.T) {
	ctx := context.Background()

	slow := coderDef("slow", true)
	slow.Timeout = 10 * time.Millisecond
	slow.RetryAttempts = 1

	reg := registry.NewMemoryRegistry()
	if err := reg.Register(ctx, slow); err != nil {
		t.Fatalf("register slow: %v", err)
	}

	store := runstore.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })

	var mu sync.Mutex
	attempts := 0
	stuck := func(jctx context.Context, job *queue.Job) (*queue.Outcome, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		<-jctx.Done()
		return nil, jctx.Err()
	}
	q := queue.NewMemoryQueue(stuck)
	t.Cleanup(func() { q.Close() })

	rtr := router.New(nil, router.LoadPriors(""), nil, nil)
	eng := engine.New(reg, rtr, q, store, nil)
	orch := New(store, reg, eng, nil, &Config{
		FailurePolicy: types.FailRetry,
		BackoffBase:   time.Millisecond,
		BackoffCap:    2 * time.Millisecond,
	}, nil)

	def := &dag.PipelineDefinition{
		Name:   "slow-pipe",
		Stages: []dag.StageDefinition{{Name: "slow", Agent: "coder", TaskType: "coding"}},
	}
	runID, err := orch.CreateRun(ctx, def)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := orch.Start(ctx, runID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	orch.Wait(runID)

	octx, err := store.GetContext(ctx, runID)
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if octx.Status != types.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", octx.Status)
	}
	if len(octx.FailedNodes) != 1 || octx.FailedNodes[0].Reason != "timeout" {
		t.Errorf("expected failure reason timeout, got %+v", octx.FailedNodes)
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 2 {
		t.Errorf("expected maxRetries+1 = 2 attempts, got %d", got)
	}
}

func TestRun_OptionalNodeFailure(t *testing.T) {
	def := &dag.PipelineDefinition{
		Name: "optional",
		Stages: []dag.StageDefinition{
			{Name: "core", Agent: "coder", TaskType: "coding"},
			{Name: "extra", Agent: "coder", TaskType: "coding"},
		},
	}
	env := newOrchEnv(t, &Config{FailurePolicy: types.FailContinue},
		coderDef("core", true), coderDef("extra", false))
	ctx := context.Background()

	env.worker.script("extra", &queue.Outcome{State: queue.OutcomeFailure, Errors: []string{"meh"}})

	runID := env.runToCompletion(t, def)

	octx, _ := env.store.GetContext(ctx, runID)
	if octx.Status != types.RunStatusCompleted {
		t.Fatalf("expected completed (optional failure), got %s", octx.Status)
	}
	if len(octx.FailedNodes) != 1 || octx.FailedNodes[0].NodeID != "extra" {
		t.Errorf("expected failed-node list populated, got %v", octx.FailedNodes)
	}
}

func TestRun_QualityGateRepair(t *testing.T) {
	def := &dag.PipelineDefinition{
		Name: "gated",
		Stages: []dag.StageDefinition{
			{Name: "build", Agent: "coder", TaskType: "coding"},
		},
		QualityGates: map[string]float64{"build": 0.8},
		AutoRepair:   types.AutoRepairPolicy{Enabled: true, MaxRepairAttempts: 2},
	}

	t.Run("repair recovers", func(t *testing.T) {
		env := newOrchEnv(t, nil, coderDef("build", true))
		ctx := context.Background()

		env.worker.script("build",
			&queue.Outcome{State: queue.OutcomeSuccess, Score: 0.5},
			&queue.Outcome{State: queue.OutcomeSuccess, Score: 0.9})

		runID := env.runToCompletion(t, def)

		octx, _ := env.store.GetContext(ctx, runID)
		if octx.Status != types.RunStatusCompleted {
			t.Fatalf("expected completed after repair, got %s (%s)", octx.Status, octx.Error)
		}
		if octx.RepairAttempts["build"] != 1 {
			t.Errorf("expected 1 persisted repair attempt, got %v", octx.RepairAttempts)
		}
	})

	t.Run("repair budget exhausted", func(t *testing.T) {
		env := newOrchEnv(t, nil, coderDef("build", true))
		ctx := context.Background()

		env.worker.script("build", &queue.Outcome{State: queue.OutcomeSuccess, Score: 0.5})

		runID := env.runToCompletion(t, def)

		octx, _ := env.store.GetContext(ctx, runID)
		if octx.Status != types.RunStatusFailed {
			t.Fatalf("expected failed, got %s", octx.Status)
		}
		if len(octx.FailedNodes) != 1 || octx.FailedNodes[0].Reason != "quality_gate" {
			t.Errorf("expected quality_gate reason, got %v", octx.FailedNodes)
		}
		if octx.RepairAttempts["build"] != 2 {
			t.Errorf("expected exhausted repair budget, got %v", octx.RepairAttempts)
		}
		// initial + 2 repairs
		if got := env.worker.attemptCount("build"); got != 3 {
			t.Errorf("expected 3 attempts, got %d", got)
		}
	})
}

func TestRun_InvalidDefinitions(t *testing.T) {
	env := newOrchEnv(t, nil, coderDef("a", true))
	ctx := context.Background()

	t.Run("unregistered task fails closed", func(t *testing.T) {
		def := &dag.PipelineDefinition{
			Name: "missing",
			Stages: []dag.StageDefinition{
				{Name: "a", Agent: "coder", TaskType: "coding"},
				{Name: "ghost", Agent: "coder", TaskType: "coding"},
			},
		}
		_, err := env.orch.CreateRun(ctx, def)
		if err == nil {
			t.Fatal("expected cross-validation error")
		}
	})

	t.Run("cycle rejected", func(t *testing.T) {
		def := &dag.PipelineDefinition{
			Name: "cyclic",
			Stages: []dag.StageDefinition{
				{Name: "a", Agent: "coder", TaskType: "coding", Dependencies: []string{"b"}},
				{Name: "b", Agent: "coder", TaskType: "coding", Dependencies: []string{"a"}},
			},
		}
		_, err := env.orch.CreateRun(ctx, def)
		if err == nil {
			t.Fatal("expected cycle error")
		}
	})
}

func TestRun_Cancel(t *testing.T) {
	def := &dag.PipelineDefinition{
		Name:   "slow",
		Stages: []dag.StageDefinition{{Name: "slow", Agent: "coder", TaskType: "coding"}},
	}

	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	if err := reg.Register(ctx, coderDef("slow", true)); err != nil {
		t.Fatal(err)
	}

	store := runstore.NewMemoryStore(nil)
	defer store.Close()

	started := make(chan struct{})
	q := queue.NewMemoryQueue(func(jctx context.Context, job *queue.Job) (*queue.Outcome, error) {
		close(started)
		<-jctx.Done()
		return nil, jctx.Err()
	})
	defer q.Close()

	rtr := router.New(nil, router.LoadPriors(""), nil, nil)
	eng := engine.New(reg, rtr, q, store, nil)
	orch := New(store, reg, eng, nil, nil, nil)

	runID, err := orch.CreateRun(ctx, def)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := orch.Start(ctx, runID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	<-started
	if err := orch.Cancel(ctx, runID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	orch.Wait(runID)

	octx, _ := store.GetContext(ctx, runID)
	if octx.Status != types.RunStatusCancelled {
		t.Errorf("expected cancelled, got %s", octx.Status)
	}
}

func TestRun_PauseResume(t *testing.T) {
	ctx := context.Background()

	reg := registry.NewMemoryRegistry()
	for _, def := range []*types.TaskDefinition{coderDef("a", true), coderDef("b", true)} {
		if err := reg.Register(ctx, def); err != nil {
			t.Fatal(err)
		}
	}

	store := runstore.NewMemoryStore(nil)
	defer store.Close()

	aStarted := make(chan struct{})
	aRelease := make(chan struct{})
	var bDispatched sync.Map
	q := queue.NewMemoryQueue(func(jctx context.Context, job *queue.Job) (*queue.Outcome, error) {
		if job.NodeID == "a" {
			close(aStarted)
			<-aRelease
		} else {
			bDispatched.Store(job.NodeID, true)
		}
		return &queue.Outcome{State: queue.OutcomeSuccess, Score: 1.0}, nil
	})
	defer q.Close()

	rtr := router.New(nil, router.LoadPriors(""), nil, nil)
	eng := engine.New(reg, rtr, q, store, nil)
	orch := New(store, reg, eng, nil, nil, nil)

	def := &dag.PipelineDefinition{
		Name: "pausable",
		Stages: []dag.StageDefinition{
			{Name: "a", Agent: "coder", TaskType: "coding"},
			{Name: "b", Agent: "coder", TaskType: "coding", Dependencies: []string{"a"}},
		},
	}
	runID, err := orch.CreateRun(ctx, def)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := orch.Start(ctx, runID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Pause while node a is running, then let a finish: the run must hold
	// before dispatching phase 1.
	<-aStarted
	if err := orch.Pause(ctx, runID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	close(aRelease)

	time.Sleep(50 * time.Millisecond)
	octx, _ := store.GetContext(ctx, runID)
	if octx.Status != types.RunStatusPaused {
		t.Fatalf("expected paused, got %s", octx.Status)
	}
	if _, ok := bDispatched.Load("b"); ok {
		t.Fatal("phase 1 dispatched while paused")
	}

	if err := orch.Resume(ctx, runID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	orch.Wait(runID)

	octx, _ = store.GetContext(ctx, runID)
	if octx.Status != types.RunStatusCompleted {
		t.Errorf("expected completed after resume, got %s", octx.Status)
	}
	if _, ok := bDispatched.Load("b"); !ok {
		t.Error("phase 1 never dispatched after resume")
	}
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	env := newOrchEnv(t, nil, coderDef("a", true))
	ctx := context.Background()

	def := &dag.PipelineDefinition{
		Name:   "events",
		Stages: []dag.StageDefinition{{Name: "a", Agent: "coder", TaskType: "coding"}},
	}
	runID := env.runToCompletion(t, def)

	events, err := env.store.GetEventsSince(ctx, runID, "")
	if err != nil {
		t.Fatalf("GetEventsSince failed: %v", err)
	}

	var runStatus, nodeStatus int
	for _, evt := range events {
		switch evt.Type {
		case types.EventTypeRunStatus:
			runStatus++
		case types.EventTypeNodeStatus:
			nodeStatus++
		}
	}
	if runStatus < 2 {
		t.Errorf("expected running+terminal run events, got %d", runStatus)
	}
	if nodeStatus < 2 {
		t.Errorf("expected running+success node events, got %d", nodeStatus)
	}
}

func TestClassifyDeadlock(t *testing.T) {
	env := newOrchEnv(t, nil, coderDef("a", true))

	d := &types.ExecutionDAG{
		Nodes: []types.DAGNode{{ID: "a", Name: "a", Dependencies: []string{"phantom"}}},
	}
	plans := []types.TaskExecutionPlan{
		{Node: d.Nodes[0], ExecutionPhase: 0, Dependencies: []string{"phantom"}},
	}
	tracker := newRunTracker(env.orch, "r", d, plans, nil)

	executable, stuck := tracker.classify(plans)
	if len(executable) != 0 {
		t.Errorf("node with unknown dependency must not be executable")
	}
	if len(stuck) != 1 || stuck[0] != "a" {
		t.Errorf("expected stuck=[a], got %v", stuck)
	}

	derr := &DeadlockError{StuckNodes: stuck}
	if derr.Error() == "" {
		t.Error("expected descriptive deadlock error")
	}
}
