package task

import "sync"

// Semaphore is a counting semaphore.
type Semaphore struct {
	mu    sync.Mutex
	cond  sync.Cond
	value int32
}

// NewSemaphore returns a semaphore with the given initial value.
func NewSemaphore(value int32) *Semaphore {
	s := &Semaphore{value: value}
	s.cond.L = &s.mu
	return s
}

// Post (unlock) the semaphore, incrementing the value in the semaphore.
func (s *Semaphore) Post() {
	s.mu.Lock()
	s.value++
	s.mu.Unlock()
	s.cond.Signal()
}

// Wait (lock) the semaphore, decrementing the value in the semaphore.
func (s *Semaphore) Wait() {
	s.mu.Lock()
	for s.value <= 0 {
		s.cond.Wait()
	}
	s.value--
	s.mu.Unlock()
}

// TryWait decrements the semaphore if that can be done without blocking.
func (s *Semaphore) TryWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value <= 0 {
		return false
	}
	s.value--
	return true
}
