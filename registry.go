package memgate

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// registry tracks the set of currently running tasks and their memory
// handles. It knows nothing about scheduling policy; the Controller layers
// sample and stop state on top of it.
type registry struct {
	mu    sync.RWMutex
	tasks map[TaskID]*taskRecord
}

func newRegistry() *registry {
	return &registry{tasks: make(map[TaskID]*taskRecord)}
}

// register inserts a record for a newly started task. Registering an id
// that is already running indicates a caller bug in the execution engine,
// so it is reported rather than silently accepted.
func (r *registry) register(id TaskID, kind TaskKind, mem MemoryHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[id]; exists {
		err := fmt.Errorf("task %d is already registered", id)
		log.Error(err)
		return err
	}
	r.tasks[id] = &taskRecord{id: id, kind: kind, mem: mem}
	return nil
}

func (r *registry) deregister(id TaskID) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

func (r *registry) isRunning(id TaskID) bool {
	r.mu.RLock()
	_, ok := r.tasks[id]
	r.mu.RUnlock()
	return ok
}

func (r *registry) lookup(id TaskID) (*taskRecord, bool) {
	r.mu.RLock()
	rec, ok := r.tasks[id]
	r.mu.RUnlock()
	return rec, ok
}

// running returns a sorted snapshot of the live task ids. The snapshot is
// stable for one pass; tasks finishing concurrently simply drop out of
// later snapshots.
func (r *registry) running() []TaskID {
	r.mu.RLock()
	ids := make([]TaskID, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
