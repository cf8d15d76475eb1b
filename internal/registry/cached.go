package registry

import (
	"context"
	"sync"

	"github.com/fluxline/fluxline/pkg/types"
)

// CachedRegistry layers a write-through in-memory cache over a durable
// backend. Reads of already-resolved entries take only the read lock;
// mutation is single-writer. A cache fill racing another fill for the same
// name is harmless: both write the same durable value.
type CachedRegistry struct {
	backend TaskRegistry

	mu    sync.RWMutex
	cache map[string]*types.TaskDefinition
	// negative tracks names known to be absent so repeated misses
	// don't keep hitting the backend.
	negative map[string]bool
}

// NewCachedRegistry wraps a durable backend with an in-memory cache.
func NewCachedRegistry(backend TaskRegistry) *CachedRegistry {
	return &CachedRegistry{
		backend:  backend,
		cache:    make(map[string]*types.TaskDefinition),
		negative: make(map[string]bool),
	}
}

// Hydrate pre-loads the cache from the backend. Called once at startup.
func (r *CachedRegistry) Hydrate(ctx context.Context) error {
	defs, err := r.backend.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		r.cache[def.Name] = def
	}
	return nil
}

func (r *CachedRegistry) Register(ctx context.Context, def *types.TaskDefinition) error {
	if err := r.backend.Register(ctx, def); err != nil {
		return err
	}

	stored, err := r.backend.Get(ctx, def.Name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[def.Name] = stored
	delete(r.negative, def.Name)
	return nil
}

func (r *CachedRegistry) Get(ctx context.Context, name string) (*types.TaskDefinition, error) {
	r.mu.RLock()
	def, hit := r.cache[name]
	miss := r.negative[name]
	r.mu.RUnlock()

	if hit {
		copied := *def
		return &copied, nil
	}
	if miss {
		return nil, ErrTaskNotFound
	}

	def, err := r.backend.Get(ctx, name)
	if err == ErrTaskNotFound {
		r.mu.Lock()
		r.negative[name] = true
		r.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[name] = def
	r.mu.Unlock()

	copied := *def
	return &copied, nil
}

func (r *CachedRegistry) List(ctx context.Context) ([]*types.TaskDefinition, error) {
	return r.backend.List(ctx)
}

func (r *CachedRegistry) Exists(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	_, hit := r.cache[name]
	miss := r.negative[name]
	r.mu.RUnlock()

	if hit {
		return true, nil
	}
	if miss {
		return false, nil
	}
	return r.backend.Exists(ctx, name)
}

func (r *CachedRegistry) Delete(ctx context.Context, name string) error {
	if err := r.backend.Delete(ctx, name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
	r.negative[name] = true
	return nil
}

func (r *CachedRegistry) Close() error {
	return r.backend.Close()
}

// Verify interface compliance
var _ TaskRegistry = (*CachedRegistry)(nil)
