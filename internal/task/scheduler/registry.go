package scheduler

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// registry maps live task IDs to tasks. The lock covers only the map
// operation itself.
type registry struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task
}

func newRegistry() *registry {
	return &registry{tasks: make(map[uuid.UUID]*Task)}
}

func (r *registry) add(t *Task) {
	r.mu.Lock()
	r.tasks[t.id] = t
	r.mu.Unlock()
}

func (r *registry) remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

func (r *registry) get(id uuid.UUID) (*Task, bool) {
	r.mu.RLock()
	t, ok := r.tasks[id]
	r.mu.RUnlock()
	return t, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// list returns the live tasks sorted by name, then ID.
func (r *registry) list() []*Task {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		return out[i].id.String() < out[j].id.String()
	})
	return out
}
