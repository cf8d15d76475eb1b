package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxline/fluxline/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	id          string
	dag         *types.ExecutionDAG
	octx        *types.OrchestrationContext
	executions  map[string]*types.TaskExecution
	results     []*types.TaskResult
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory Store. Suitable for tests and local mode; data
// is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, pipelineName string, dag *types.ExecutionDAG) (string, error) {
	runID := uuid.New().String()
	now := time.Now().UTC()

	octx := &types.OrchestrationContext{
		RunID:          runID,
		PipelineName:   pipelineName,
		Status:         types.RunStatusIdle,
		TotalNodes:     len(dag.Nodes),
		QualityGates:   dag.QualityGates,
		AutoRepair:     dag.AutoRepair,
		RepairAttempts: make(map[string]int),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = &memoryRun{
		id:          runID,
		dag:         dag,
		octx:        octx,
		executions:  make(map[string]*types.TaskExecution),
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	return runID, nil
}

func (s *MemoryStore) run(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) GetContext(ctx context.Context, runID string) (*types.OrchestrationContext, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	copied := *run.octx
	return &copied, nil
}

func (s *MemoryStore) SaveContext(ctx context.Context, octx *types.OrchestrationContext) error {
	run, err := s.run(octx.RunID)
	if err != nil {
		return err
	}

	copied := *octx
	copied.UpdatedAt = time.Now().UTC()

	run.mu.Lock()
	defer run.mu.Unlock()
	run.octx = &copied
	return nil
}

func (s *MemoryStore) GetDAG(ctx context.Context, runID string) (*types.ExecutionDAG, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	return run.dag, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) SaveExecution(ctx context.Context, exec *types.TaskExecution) error {
	run, err := s.run(exec.RunID)
	if err != nil {
		return err
	}

	copied := *exec
	run.mu.Lock()
	defer run.mu.Unlock()
	run.executions[exec.ID] = &copied
	return nil
}

func (s *MemoryStore) GetExecutions(ctx context.Context, runID string) ([]*types.TaskExecution, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	out := make([]*types.TaskExecution, 0, len(run.executions))
	for _, exec := range run.executions {
		copied := *exec
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) SaveResult(ctx context.Context, runID string, result *types.TaskResult) error {
	run, err := s.run(runID)
	if err != nil {
		return err
	}

	copied := *result
	run.mu.Lock()
	defer run.mu.Unlock()
	run.results = append(run.results, &copied)
	return nil
}

func (s *MemoryStore) GetResults(ctx context.Context, runID string) ([]*types.TaskResult, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	out := make([]*types.TaskResult, len(run.results))
	copy(out, run.results)
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		run.mu.Unlock()
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        fmt.Sprintf("%d", run.nextSeq),
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	run.nextSeq++

	// Ring buffer: drop the oldest when full.
	if int64(len(run.events)) >= run.maxEvents {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)

	subs := make([]chan *types.Event, 0, len(run.subscribers))
	for ch := range run.subscribers {
		subs = append(subs, ch)
	}
	run.mu.Unlock()

	// Notify outside the lock; slow subscribers are skipped.
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	if lastEventID == "" {
		out := make([]*types.Event, len(run.events))
		copy(out, run.events)
		return out, nil
	}

	var out []*types.Event
	found := false
	for _, evt := range run.events {
		if found {
			out = append(out, evt)
		}
		if evt.ID == lastEventID {
			found = true
		}
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)
	run.mu.Lock()
	run.subscribers[ch] = struct{}{}
	run.mu.Unlock()

	cleanup := func() {
		run.mu.Lock()
		delete(run.subscribers, ch)
		run.mu.Unlock()
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
		run.mu.Unlock()
	}
	return nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
