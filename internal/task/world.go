package task

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrExited is returned when operating on a task that has already exited.
var ErrExited = errors.New("task: task already exited")

// List is the set of tasks sharing one heap, plus the lock that implements
// stop-the-world for them.
//
// Mutators hold the read side of the world lock while they touch the heap
// (allocation, stores, stack pushes). The collector takes the write side, so
// once StopTheWorld returns no mutator is running and the task list, stack
// bounds and heap contents form a consistent snapshot.
type List struct {
	// world is the stop-the-world lock. See above.
	world sync.RWMutex

	// Lock for the queue of active tasks. Held during the stop-the-world
	// phase so tasks can neither start nor exit while being scanned.
	activeTaskLock sync.Mutex
	activeTasks    Queue
	taskID         uintptr

	stopped atomic.Bool
}

// Start creates a new task whose stack grows in segments of segSize bytes.
func (l *List) Start(mem Memory, segSize uintptr) *Task {
	if segSize < 4*wordSize || segSize%wordSize != 0 {
		panic("task: invalid stack segment size")
	}
	l.activeTaskLock.Lock()
	l.taskID++
	t := &Task{
		id:      l.taskID,
		mem:     mem,
		segSize: segSize,
		list:    l,
	}
	l.activeTasks.Push(t)
	l.activeTaskLock.Unlock()
	if verbose {
		println("*** start:  ", t.id)
	}
	return t
}

// Exit removes t from the list and releases its stack.
func (t *Task) Exit() error {
	l := t.list
	if verbose {
		println("*** exit:", t.id)
	}
	l.world.RLock()
	defer l.world.RUnlock()
	l.activeTaskLock.Lock()
	found := l.activeTasks.Remove(t)
	l.activeTaskLock.Unlock()
	if !found {
		return ErrExited
	}
	t.release()
	return nil
}

// Len returns the number of active tasks.
func (l *List) Len() int {
	l.activeTaskLock.Lock()
	defer l.activeTaskLock.Unlock()
	return l.activeTasks.Len()
}

// EnterMutator must be called before a mutator touches the heap. It blocks
// while the world is stopped.
func (l *List) EnterMutator() {
	l.world.RLock()
}

// ExitMutator undoes EnterMutator.
func (l *List) ExitMutator() {
	l.world.RUnlock()
}

// StopTheWorld waits until no mutator is running and prevents any from
// starting. After calling this function, StartTheWorld needs to be called
// once to resume all tasks again.
func (l *List) StopTheWorld() {
	l.world.Lock()
	l.activeTaskLock.Lock()
	l.stopped.Store(true)
}

// StartTheWorld resumes the world after StopTheWorld.
func (l *List) StartTheWorld() {
	if !l.stopped.Load() {
		// This is already resumed.
		return
	}
	l.stopped.Store(false)
	l.activeTaskLock.Unlock()
	l.world.Unlock()
}

// Stopped reports whether the world is currently stopped.
func (l *List) Stopped() bool {
	return l.stopped.Load()
}

// Each calls fn for every active task. The world must be stopped.
func (l *List) Each(fn func(*Task)) {
	if !l.stopped.Load() {
		panic("task: Each called while the world is running")
	}
	l.activeTasks.Each(fn)
}
