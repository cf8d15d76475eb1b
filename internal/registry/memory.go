package registry

import (
	"context"
	"sync"
	"time"

	"github.com/fluxline/fluxline/pkg/types"
)

// MemoryRegistry is an in-memory TaskRegistry. Suitable for tests and local
// mode; data is lost on restart.
type MemoryRegistry struct {
	mu   sync.RWMutex
	defs map[string]*types.TaskDefinition
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		defs: make(map[string]*types.TaskDefinition),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, def *types.TaskDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}

	now := time.Now().UTC()
	stored := *def
	stored.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.defs[def.Name]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	r.defs[def.Name] = &stored
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, name string) (*types.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, ErrTaskNotFound
	}
	copied := *def
	return &copied, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*types.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.TaskDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		copied := *def
		out = append(out, &copied)
	}
	return out, nil
}

func (r *MemoryRegistry) Exists(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.defs[name]
	return ok, nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defs[name]; !ok {
		return ErrTaskNotFound
	}
	delete(r.defs, name)
	return nil
}

func (r *MemoryRegistry) Close() error {
	return nil
}

// Verify interface compliance
var _ TaskRegistry = (*MemoryRegistry)(nil)
