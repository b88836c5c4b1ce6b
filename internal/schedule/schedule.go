// Package schedule runs keyed one-shot tasks after a delay. Scheduling a key
// that is already pending replaces the earlier task.
package schedule

import (
	"sync"
	"time"
)

type entry struct {
	timer *time.Timer
	gen   uint64
}

type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]entry
	gen     uint64
	stopped bool
}

func New() *Scheduler {
	return &Scheduler{tasks: make(map[string]entry)}
}

// Schedule runs fn once after delay on its own goroutine. It reports false
// if the scheduler has been stopped.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if old, ok := s.tasks[key]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	t := time.AfterFunc(delay, func() {
		if !s.claim(key, gen) {
			return
		}
		fn()
	})
	s.tasks[key] = entry{timer: t, gen: gen}
	return true
}

// claim removes the entry if it still belongs to the firing timer; a
// replaced or cancelled task must not run.
func (s *Scheduler) claim(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(s.tasks, key)
	return true
}

func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.tasks, key)
	return true
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task and rejects new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for k, e := range s.tasks {
		e.timer.Stop()
		delete(s.tasks, k)
	}
}
