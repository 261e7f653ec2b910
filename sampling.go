package memgate

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Sampler implements the cooperative sampling handshake between the
// controller and running tasks. The controller raises a per-task flag when
// it wants a fresh memory measurement; the task polls the flag at its own
// checkpoints and reports back when convenient. A task may observe a stale
// true flag across several checkpoints before it reports; nothing here
// enforces a deadline.
type Sampler struct {
	mu    sync.Mutex
	flags map[TaskID]bool
}

func newSampler() *Sampler {
	return &Sampler{flags: make(map[TaskID]bool)}
}

// add installs a false-initialized flag for a newly registered task.
func (s *Sampler) add(id TaskID) {
	s.mu.Lock()
	s.flags[id] = false
	s.mu.Unlock()
}

func (s *Sampler) remove(id TaskID) {
	s.mu.Lock()
	delete(s.flags, id)
	s.mu.Unlock()
}

// RequestSampleFromAll asks every running task to take and report a fresh
// memory sample. The request is advisory: no task is blocked or forced to
// answer.
func (s *Sampler) RequestSampleFromAll() {
	s.mu.Lock()
	for id := range s.flags {
		s.flags[id] = true
	}
	n := len(s.flags)
	s.mu.Unlock()

	sampleRequestsTotal.Add(float64(n))
	log.Debugf("requested fresh memory samples from %d running tasks", n)
}

// ShouldSampleNow reports whether the task should pay the cost of
// measuring its memory consumption at this checkpoint.
func (s *Sampler) ShouldSampleNow(id TaskID) bool {
	s.mu.Lock()
	v := s.flags[id]
	s.mu.Unlock()
	return v
}

// AcknowledgeSampled clears the task's flag. The sample store calls this
// implicitly when a sample is recorded; a task that declines to report a
// value may call it directly.
func (s *Sampler) AcknowledgeSampled(id TaskID) {
	s.mu.Lock()
	if _, ok := s.flags[id]; ok {
		s.flags[id] = false
	}
	s.mu.Unlock()
}
