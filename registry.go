package requeue

import (
	"sort"
	"sync"
)

// DefaultRegistry holds the names of every Queue in the process that was not
// given its own Registry.
var DefaultRegistry = NewRegistry()

// Registry is a set of queue names in use. A name can only be held by one
// Queue at a time.
type Registry struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register claims name. It returns ErrDuplicateQueueName when the name is
// already taken.
func (r *Registry) Register(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; ok {
		return ErrDuplicateQueueName
	}
	r.names[name] = struct{}{}
	return nil
}

// Release frees name so it can be registered again.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	delete(r.names, name)
	r.mu.Unlock()
}

func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.names[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset forgets every name. Queues that are still open keep working but
// their names can be registered again; meant for test teardown.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.names = make(map[string]struct{})
	r.mu.Unlock()
}
