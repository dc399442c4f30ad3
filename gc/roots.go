package gc

import (
	"fmt"

	"github.com/tinygo-org/parallelgc/internal/gclayout"
	"github.com/tinygo-org/parallelgc/internal/parfor"
	"github.com/tinygo-org/parallelgc/internal/task"
)

// Root is a range of memory outside of the heap that may hold pointers
// into it, like the globals of a program.
type Root struct {
	P  uintptr
	N  uintptr
	Ti gclayout.Desc
}

func (r Root) obj() Obj {
	return Obj{P: r.P, N: r.N, Ti: r.Ti}
}

// RootTable is a list of roots registered together.
type RootTable []Root

// RegisterRoots adds a table of roots that is scanned in every collection.
// The ranges must be word aligned and lie in the static region (see
// AllocStatic). Tables cannot be unregistered.
func (c *Collector) RegisterRoots(table RootTable) error {
	for _, r := range table {
		if r.P%wordSize != 0 || r.N%wordSize != 0 {
			return fmt.Errorf("gc: root %#x+%d is not word aligned", r.P, r.N)
		}
		if !c.inStatic(r.P, r.N) {
			return fmt.Errorf("gc: root %#x+%d is outside of the static region", r.P, r.N)
		}
		if p := r.Ti.Program(); p != nil {
			if _, err := c.registerType(p); err != nil {
				return err
			}
			if r.N < p.Size {
				return fmt.Errorf("gc: root %#x+%d is smaller than its type %s", r.P, r.N, p)
			}
		}
	}
	c.rootLock.Lock()
	c.rootTables = append(c.rootTables, table)
	c.rootLock.Unlock()
	return nil
}

// addroots collects the roots of this cycle in c.work.roots. The world must
// be stopped.
func (c *Collector) addroots() {
	w := &c.work
	roots := w.roots[:0]
	add := func(r Root) {
		if r.N != 0 {
			roots = append(roots, r)
		}
	}

	// Registered root tables.
	c.rootLock.Lock()
	for _, table := range c.rootTables {
		for _, r := range table {
			add(r)
		}
	}
	c.rootLock.Unlock()

	// Task stacks.
	c.tasks.Each(func(t *task.Task) {
		t.ScanStack(func(lo, hi uintptr) {
			add(Root{P: lo, N: hi - lo})
		})
	})

	// The contents of objects with a finalizer: the finalizer may use
	// anything they refer to. The objects themselves are not marked, so
	// their finalizer runs once they become unreachable.
	c.fin.lock.Lock()
	for p := range c.fin.tab {
		if c.bits(p)&bitNoPointers != 0 {
			continue
		}
		s := c.spanOf(p)
		add(Root{P: p, N: s.elemsize, Ti: c.typeOf(s, p)})
	}

	// Arguments of queued and running finalizers.
	for _, list := range [...]*finBlock{c.fin.queue, c.fin.running} {
		for fb := list; fb != nil; fb = fb.next {
			add(Root{P: fb.args, N: uintptr(fb.cnt) * wordSize})
		}
	}
	c.fin.lock.Unlock()

	// Type blocks of spans.
	for _, s := range c.heap.allspans {
		if s.state == spanInUse && s.types.kind == typesWords {
			add(Root{P: s.types.slot, N: wordSize})
		}
	}

	w.roots = roots
}

// markroot scans root i. It is the body of the root marking parallel for.
func (c *Collector) markroot(desc *parfor.ParFor, i uint32) {
	st := c.getScanState()
	st.enqueue(c.work.roots[i].obj())
	st.scanblock(false)
	c.putScanState(st)
}
