// Package task tracks the execution contexts (tasks) that mutate a managed
// heap, together with their stacks, and implements the stop-the-world
// protocol the collector relies on.
//
// Task stacks live in managed memory so that the collector can scan them
// like any other root range. A stack is a chain of segments: when the
// current segment is full a new one is allocated and linked to the previous
// one, as with segmented stacks.
package task

import (
	"errors"
	"fmt"
	"unsafe"
)

const wordSize = unsafe.Sizeof(uintptr(0))

// If true, print verbose debug logs.
const verbose = false

// Memory is the word-addressed memory task stacks are allocated in.
type Memory interface {
	Load(addr uintptr) uintptr
	Store(addr, val uintptr)

	// AllocStack allocates size bytes of word-aligned memory outside of the
	// collected heap.
	AllocStack(size uintptr) (lo uintptr, err error)
	FreeStack(lo, size uintptr)
}

// ErrStackUnderflow is returned by Pop when the stack is empty.
var ErrStackUnderflow = errors.New("task: stack underflow")

// Segment is one contiguous part of a task stack. The stack grows down from
// Hi towards Lo.
type Segment struct {
	Lo, Hi uintptr

	// Stack pointer of this segment when the next segment was pushed.
	savedSP uintptr
	prev    *Segment
}

// Task is one execution context of the mutator.
type Task struct {
	// Task ID. The number here is not really significant, but it is useful
	// for debugging.
	id uintptr

	// Next task in the queue of active tasks.
	QueueNext *Task

	mem     Memory
	segSize uintptr
	stack   *Segment // current (innermost) segment
	sp      uintptr  // lowest live address in the current segment
	depth   uintptr  // number of live words over all segments
	list    *List
}

// ID returns the task ID.
func (t *Task) ID() uintptr {
	return t.id
}

// Depth returns the number of words on the stack.
func (t *Task) Depth() uintptr {
	return t.depth
}

func (t *Task) String() string {
	return fmt.Sprintf("task %d", t.id)
}

// Push pushes val on the stack and returns the address of the new slot.
func (t *Task) Push(val uintptr) (uintptr, error) {
	t.list.world.RLock()
	defer t.list.world.RUnlock()
	return t.PushLocked(val)
}

// PushLocked is Push for a caller that is already inside
// List.EnterMutator.
func (t *Task) PushLocked(val uintptr) (uintptr, error) {
	if t.stack == nil || t.sp-wordSize < t.stack.Lo {
		if err := t.grow(); err != nil {
			return 0, err
		}
	}
	t.sp -= wordSize
	t.depth++
	t.mem.Store(t.sp, val)
	return t.sp, nil
}

// Pop removes the top word of the stack and returns it.
func (t *Task) Pop() (uintptr, error) {
	t.list.world.RLock()
	defer t.list.world.RUnlock()
	if t.stack != nil && t.sp == t.stack.Hi {
		t.shrink()
	}
	if t.stack == nil || t.sp == t.stack.Hi {
		return 0, ErrStackUnderflow
	}
	val := t.mem.Load(t.sp)
	// Clear the slot so that a stale value does not keep an object alive
	// once the segment is rescanned.
	t.mem.Store(t.sp, 0)
	t.sp += wordSize
	t.depth--
	return val, nil
}

// Load reads a word, typically a stack slot returned by Push.
func (t *Task) Load(addr uintptr) uintptr {
	return t.mem.Load(addr)
}

// Store writes a word, typically a stack slot returned by Push.
func (t *Task) Store(addr, val uintptr) {
	t.list.world.RLock()
	t.mem.Store(addr, val)
	t.list.world.RUnlock()
}

func (t *Task) grow() error {
	lo, err := t.mem.AllocStack(t.segSize)
	if err != nil {
		return fmt.Errorf("%v: grow stack: %w", t, err)
	}
	seg := &Segment{Lo: lo, Hi: lo + t.segSize, prev: t.stack}
	if t.stack != nil {
		t.stack.savedSP = t.sp
	}
	t.stack = seg
	t.sp = seg.Hi
	if verbose {
		println("*** grow stack:", t.id, lo)
	}
	return nil
}

// shrink releases an empty innermost segment, returning to the previous one.
func (t *Task) shrink() {
	seg := t.stack
	if seg.prev == nil {
		return
	}
	t.stack = seg.prev
	t.sp = t.stack.savedSP
	t.mem.FreeStack(seg.Lo, seg.Hi-seg.Lo)
}

// ScanStack calls fn for every live range of the stack, innermost first.
// The world must be stopped, or the caller must own the task.
func (t *Task) ScanStack(fn func(lo, hi uintptr)) {
	if t.stack == nil {
		return
	}
	if t.sp < t.stack.Hi {
		fn(t.sp, t.stack.Hi)
	}
	for seg := t.stack.prev; seg != nil; seg = seg.prev {
		if seg.savedSP < seg.Hi {
			fn(seg.savedSP, seg.Hi)
		}
	}
}

// Segments returns the number of stack segments.
func (t *Task) Segments() int {
	n := 0
	for seg := t.stack; seg != nil; seg = seg.prev {
		n++
	}
	return n
}

// release frees every stack segment.
func (t *Task) release() {
	for seg := t.stack; seg != nil; {
		prev := seg.prev
		t.mem.FreeStack(seg.Lo, seg.Hi-seg.Lo)
		seg = prev
	}
	t.stack = nil
	t.sp = 0
	t.depth = 0
}
