package task

import (
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Registry is the single shared store of live tasks. The outer lock only
// guards the map structure; each entry carries its own mutex so updates to
// unrelated tasks never serialize.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*regEntry
}

type regEntry struct {
	mu sync.Mutex
	t  Task
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*regEntry{}}
}

// Spec describes a task to be created.
type Spec struct {
	Kind        Kind
	Owner       string
	Source      string
	Destination string
	Listeners   []string
}

// Create allocates an id, inserts the task in Queued state and returns a
// snapshot of it.
func (r *Registry) Create(spec Spec) Task {
	now := time.Now()
	t := Task{
		ID:            shortuuid.New(),
		Kind:          spec.Kind,
		Owner:         spec.Owner,
		Source:        spec.Source,
		Destination:   spec.Destination,
		State:         StateQueued,
		Listeners:     append([]string(nil), spec.Listeners...),
		CreatedAt:     now,
		LastUpdatedAt: now,
	}

	r.mu.Lock()
	r.entries[t.ID] = &regEntry{t: t}
	r.mu.Unlock()
	return t.clone()
}

// Get returns a snapshot of the task, never a live view.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Task{}, false
	}

	e.mu.Lock()
	t := e.t.clone()
	e.mu.Unlock()
	return t, true
}

// Update applies fn under exclusive access to this entry only and stamps
// LastUpdatedAt. It reports whether the id was present.
func (r *Registry) Update(id string, fn func(*Task)) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	fn(&e.t)
	e.t.LastUpdatedAt = time.Now()
	e.mu.Unlock()
	return true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// ListAll returns point-in-time copies of every task.
func (r *Registry) ListAll() []Task {
	r.mu.RLock()
	entries := make([]*regEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.t.clone())
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) ListByOwner(owner string) []Task {
	all := r.ListAll()
	out := all[:0]
	for _, t := range all {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	return out
}
