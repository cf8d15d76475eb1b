// Package container provides the service container used by the composition
// root to wire collaborators without process-global state.
package container

import (
	"fmt"
	"sync"
)

// Factory constructs a service instance on demand.
type Factory func() (interface{}, error)

// NotFoundError is returned when no registration exists for a service name.
type NotFoundError struct {
	Service string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("service %q not registered", e.Service)
}

// Container is a registry of named services. Three registration kinds are
// supported: eager instances, singleton factories (invoked once, result
// cached), and transient factories (invoked per resolution).
type Container struct {
	mu         sync.RWMutex
	instances  map[string]interface{}
	singletons map[string]Factory
	cache      map[string]interface{}
	transients map[string]Factory
}

// New creates an empty container.
func New() *Container {
	return &Container{
		instances:  make(map[string]interface{}),
		singletons: make(map[string]Factory),
		cache:      make(map[string]interface{}),
		transients: make(map[string]Factory),
	}
}

// RegisterInstance binds an already-constructed value to a name.
func (c *Container) RegisterInstance(name string, instance interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[name] = instance
}

// RegisterSingleton binds a factory invoked at most once; the result is
// cached for subsequent resolutions.
func (c *Container) RegisterSingleton(name string, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.singletons[name] = factory
	delete(c.cache, name)
}

// RegisterTransient binds a factory invoked on every resolution.
func (c *Container) RegisterTransient(name string, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transients[name] = factory
}

// Resolve returns the service bound to name. Resolution order: instance,
// cached singleton, singleton factory, transient factory. Concurrent
// resolutions of an uncached singleton may both invoke the factory; the
// first write wins and every caller receives the cached instance.
func (c *Container) Resolve(name string) (interface{}, error) {
	c.mu.RLock()
	if inst, ok := c.instances[name]; ok {
		c.mu.RUnlock()
		return inst, nil
	}
	if cached, ok := c.cache[name]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	singleton, isSingleton := c.singletons[name]
	transient, isTransient := c.transients[name]
	c.mu.RUnlock()

	if isSingleton {
		inst, err := singleton()
		if err != nil {
			return nil, fmt.Errorf("construct %q: %w", name, err)
		}

		c.mu.Lock()
		if winner, ok := c.cache[name]; ok {
			c.mu.Unlock()
			return winner, nil
		}
		c.cache[name] = inst
		c.mu.Unlock()
		return inst, nil
	}

	if isTransient {
		inst, err := transient()
		if err != nil {
			return nil, fmt.Errorf("construct %q: %w", name, err)
		}
		return inst, nil
	}

	return nil, &NotFoundError{Service: name}
}

// MustResolve resolves or panics. For use at the composition root only.
func (c *Container) MustResolve(name string) interface{} {
	inst, err := c.Resolve(name)
	if err != nil {
		panic(err)
	}
	return inst
}

// Has reports whether a registration exists under name. It never constructs.
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.instances[name]; ok {
		return true
	}
	if _, ok := c.cache[name]; ok {
		return true
	}
	if _, ok := c.singletons[name]; ok {
		return true
	}
	_, ok := c.transients[name]
	return ok
}

// Names returns all registered service names.
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	for name := range c.instances {
		seen[name] = struct{}{}
	}
	for name := range c.singletons {
		seen[name] = struct{}{}
	}
	for name := range c.transients {
		seen[name] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}
