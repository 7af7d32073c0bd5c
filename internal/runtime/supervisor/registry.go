package supervisor

import (
	"sort"
	"sync"
)

// Registry names the running subsystem supervisors for /status.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]*Supervisor{}}
}

// Set registers or replaces sup under name; nil deletes.
func (r *Registry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

// Snapshots returns the current snapshot of every registered supervisor,
// sorted by name.
func (r *Registry) Snapshots() []NamedSnapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]NamedSnapshot, 0, len(r.m))
	for name, sup := range r.m {
		out = append(out, NamedSnapshot{Name: name, Snapshot: sup.Snapshot()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type NamedSnapshot struct {
	Name string
	Snapshot
}
