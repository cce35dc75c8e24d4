// Package debounce runs delayed tasks keyed by name. Scheduling a key that
// already has a pending task replaces it, so a burst of edits to the same
// record produces one save.
package debounce

import (
	"sync"
	"time"
)

type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*task
	wg      sync.WaitGroup
}

type task struct {
	timer *time.Timer
	fn    func()
}

func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[string]*task)}
}

// Schedule runs fn after delay. A pending task under the same key is
// replaced; its function never runs.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.pending[key]; ok {
		if prev.timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, key)
	}

	t := &task{fn: fn}
	s.wg.Add(1)
	t.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.pending[key] == t {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		fn()
		s.wg.Done()
	})
	s.pending[key] = t
}

// Cancel drops the pending task for key, if any. It reports whether a task
// was cancelled before firing.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.pending[key]
	if !ok {
		return false
	}
	delete(s.pending, key)
	if t.timer.Stop() {
		s.wg.Done()
		return true
	}
	return false
}

// Flush runs every pending task immediately and waits for all started tasks
// to finish. Used on shutdown so buffered edits are not lost.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.pending))
	for key, t := range s.pending {
		if t.timer.Stop() {
			tasks = append(tasks, t)
		}
		delete(s.pending, key)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.fn()
		s.wg.Done()
	}
	s.wg.Wait()
}

// Pending reports the number of scheduled tasks that have not fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
