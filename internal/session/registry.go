// ABOUTME: Concurrent map of session id to controller with per-id locking
// ABOUTME: Create is idempotent per id; lookups never take a global lock

package session

import (
	"sort"
	"sync"
)

// Registry holds at most one live controller per session id.
type Registry struct {
	entries sync.Map // sessionID -> *Controller
	locks   keyedMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: keyedMutex{held: make(map[string]*refMutex)}}
}

// Create returns the live controller for id, or runs build under id's lock
// and registers the result. A terminal entry is replaced. The bool reports
// whether build ran and succeeded.
func (r *Registry) Create(id string, build func() (*Controller, error)) (*Controller, bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	if v, ok := r.entries.Load(id); ok {
		c := v.(*Controller)
		if !c.State().Terminal() {
			return c, false, nil
		}
	}

	c, err := build()
	if err != nil {
		return nil, false, err
	}
	r.entries.Store(id, c)
	return c, true, nil
}

// Get returns the controller registered for id.
func (r *Registry) Get(id string) (*Controller, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Controller), true
}

// List returns a sorted snapshot of registered ids.
func (r *Registry) List() []string {
	var ids []string
	r.entries.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// Controllers returns a snapshot of registered controllers ordered by id.
func (r *Registry) Controllers() []*Controller {
	var out []*Controller
	r.entries.Range(func(_, v any) bool {
		out = append(out, v.(*Controller))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Remove detaches c if it is still the entry for id. It never touches
// stored credentials.
func (r *Registry) Remove(id string, c *Controller) bool {
	return r.entries.CompareAndDelete(id, c)
}

// keyedMutex hands out one mutex per key, dropping it when no goroutine
// holds or waits on it.
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires key's mutex and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.held[key]
	if !ok {
		m = &refMutex{}
		k.held[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}
