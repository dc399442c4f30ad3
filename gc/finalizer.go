package gc

import (
	"fmt"
	"reflect"
	"sync"
)

// Number of finalizers in a finBlock.
const finBlockCap = 64

// A finalizer ready to run: fn(arg), where arg is converted to ft's
// parameter type. The argument itself is stored in static memory, in the
// args array of the block, so that the collector sees it as a root.
type finalizer struct {
	fn reflect.Value
	ft reflect.Type
}

// finBlock is a block of queued finalizers.
type finBlock struct {
	next *finBlock
	cnt  int
	args uintptr // static address of finBlockCap argument words
	fins [finBlockCap]finalizer
}

type finalizers struct {
	lock sync.Mutex
	idle sync.Cond // broadcast when the worker runs out of work

	tab map[uintptr]finalizer // registered finalizers by object

	queue, tail *finBlock // queued finalizers, FIFO
	running     *finBlock // finalizers taken by the worker
	finc        *finBlock // recycled blocks

	started bool
	wake    chan struct{}
	done    chan struct{}

	nrun uint64
}

var uintptrType = reflect.TypeOf(uintptr(0))

// SetFinalizer registers fn to run once the object p is found unreachable.
// fn must be a function with a single parameter whose type has the
// underlying type uintptr; it is called with p. Before fn runs, the object
// and everything it refers to stay allocated. A nil fn removes the
// finalizer. After a finalizer ran the object is freed by the next
// collection in which it is unreachable, unless a new finalizer is set.
func (c *Collector) SetFinalizer(p uintptr, fn any) error {
	if err := c.usable(); err != nil {
		return err
	}
	var f finalizer
	if fn != nil {
		f.fn = reflect.ValueOf(fn)
		f.ft = f.fn.Type()
		if f.ft.Kind() != reflect.Func || f.ft.NumIn() != 1 || f.ft.IsVariadic() {
			return fmt.Errorf("gc: SetFinalizer: finalizer must be a function of one argument, got %v", f.ft)
		}
		if in := f.ft.In(0); in.Kind() != reflect.Uintptr || !uintptrType.ConvertibleTo(in) {
			return fmt.Errorf("gc: SetFinalizer: cannot pass uintptr to finalizer %v", f.ft)
		}
		if f.fn.IsNil() {
			return fmt.Errorf("gc: SetFinalizer: nil %v finalizer", f.ft)
		}
	}

	c.tasks.EnterMutator()
	defer c.tasks.ExitMutator()
	c.fin.lock.Lock()
	defer c.fin.lock.Unlock()
	// The allocator updates bitmap words under the heap lock without
	// atomics when there is a single mutator.
	c.heap.lock.Lock()
	defer c.heap.lock.Unlock()
	obj, bits, s := c.findObject(p)
	if s == nil || obj != p || bits&bitAllocated == 0 || p == c.zerobase {
		return fmt.Errorf("gc: SetFinalizer(%#x): %w", p, ErrNotHeapObject)
	}

	if fn == nil {
		delete(c.fin.tab, p)
		c.setSpecial(p, false)
		return nil
	}
	c.fin.tab[p] = f
	c.setSpecial(p, true)
	return nil
}

// handleSpecial is called by the sweeper for an unreachable object with the
// special bit set. It queues the object's finalizer and reports whether the
// object must stay allocated.
func (c *Collector) handleSpecial(p uintptr) bool {
	c.fin.lock.Lock()
	defer c.fin.lock.Unlock()
	f, ok := c.fin.tab[p]
	c.setSpecial(p, false)
	if !ok {
		return false
	}
	delete(c.fin.tab, p)
	if err := c.queueFinalizerLocked(f, p); err != nil {
		throwAt(err.Error(), p)
	}
	return true
}

func (c *Collector) queueFinalizerLocked(f finalizer, p uintptr) error {
	fin := &c.fin
	fb := fin.tail
	if fb == nil || fb.cnt == finBlockCap {
		fb = fin.finc
		if fb != nil {
			fin.finc = fb.next
			fb.next = nil
		} else {
			args, err := c.sysAlloc(finBlockCap * wordSize)
			if err != nil {
				return fmt.Errorf("cannot queue finalizer: %w", err)
			}
			fb = &finBlock{args: args}
		}
		if fin.tail == nil {
			fin.queue = fb
		} else {
			fin.tail.next = fb
		}
		fin.tail = fb
	}
	fb.fins[fb.cnt] = f
	c.store(fb.args+uintptr(fb.cnt)*wordSize, p)
	fb.cnt++
	return nil
}

// wakeFinalizers makes sure the finalizer worker runs if there are queued
// finalizers.
func (c *Collector) wakeFinalizers() {
	fin := &c.fin
	fin.lock.Lock()
	defer fin.lock.Unlock()
	if fin.queue == nil {
		return
	}
	if !fin.started {
		fin.started = true
		go c.runFinalizers()
		return
	}
	select {
	case fin.wake <- struct{}{}:
	default:
	}
}

// runFinalizers is the finalizer worker. It runs queued finalizers in the
// order they were queued and parks when there are none.
func (c *Collector) runFinalizers() {
	fin := &c.fin
	for {
		fin.lock.Lock()
		fb := fin.queue
		fin.queue, fin.tail = nil, nil
		fin.running = fb
		if fb == nil {
			fin.idle.Broadcast()
			fin.lock.Unlock()
			select {
			case <-fin.wake:
				continue
			case <-fin.done:
				return
			}
		}
		fin.lock.Unlock()

		for ; fb != nil; fb = fb.next {
			for i := 0; i < fb.cnt; i++ {
				f := fb.fins[i]
				arg := reflect.ValueOf(c.load(fb.args + uintptr(i)*wordSize)).Convert(f.ft.In(0))
				f.fn.Call([]reflect.Value{arg})
			}
		}

		// Recycle the blocks.
		fin.lock.Lock()
		for fb := fin.running; fb != nil; {
			next := fb.next
			clear(c.words(fb.args, finBlockCap))
			fin.nrun += uint64(fb.cnt)
			*fb = finBlock{args: fb.args, next: fin.finc}
			fin.finc = fb
			fb = next
		}
		fin.running = nil
		fin.lock.Unlock()
	}
}

// FlushFinalizers blocks until every queued finalizer has run.
func (c *Collector) FlushFinalizers() {
	fin := &c.fin
	fin.lock.Lock()
	defer fin.lock.Unlock()
	for fin.queue != nil || fin.running != nil {
		fin.idle.Wait()
	}
}
