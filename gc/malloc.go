package gc

import (
	"errors"
	"fmt"

	"github.com/tinygo-org/parallelgc/internal/gclayout"
	"github.com/tinygo-org/parallelgc/internal/task"
)

// Objects up to MaxSmallSize bytes are allocated from spans of one page
// holding objects of a single size class. Larger objects get a span of
// their own.
const MaxSmallSize = 2048

var classToSize = [...]uintptr{
	0, 8, 16, 32, 48, 64, 80, 96, 112, 128, 160, 192, 256,
	320, 384, 512, 640, 768, 1024, 1360, 2048,
}

const numSizeClasses = len(classToSize)

// sizeToClass returns the smallest size class holding size bytes.
func sizeToClass(size uintptr) uint8 {
	for i := 1; i < numSizeClasses; i++ {
		if classToSize[i] >= size {
			return uint8(i)
		}
	}
	throw("sizeToClass: size too large")
	return 0
}

// Alloc allocates a zeroed object of size bytes. typ describes where the
// object holds pointers; nil means the object is scanned conservatively.
// Allocating may run a collection when the heap has grown past its goal.
//
// The object is not reachable from anywhere when Alloc returns, so a
// collection started by another goroutine may free it before the caller
// stores its address. Concurrent mutators use AllocOn instead.
func (c *Collector) Alloc(size uintptr, typ *gclayout.Program) (uintptr, error) {
	return c.alloc(size, typ, nil)
}

// AllocOn is like Alloc, but also pushes the address of the new object on
// the stack of t before any collection can run.
func (c *Collector) AllocOn(t *task.Task, size uintptr, typ *gclayout.Program) (uintptr, error) {
	return c.alloc(size, typ, t)
}

func (c *Collector) alloc(size uintptr, typ *gclayout.Program, t *task.Task) (uintptr, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	if size == 0 {
		if t != nil {
			if _, err := t.Push(c.zerobase); err != nil {
				return 0, err
			}
		}
		return c.zerobase, nil
	}
	var id typeID
	if typ != nil {
		if !typ.PointerFree() && typ.Size > size {
			return 0, fmt.Errorf("gc: allocating %d bytes of type %s (%d bytes)", size, typ, typ.Size)
		}
		var err error
		if id, err = c.registerType(typ); err != nil {
			return 0, err
		}
	}

	p, err := c.tryAlloc(size, typ, id, t)
	if errors.Is(err, ErrOutOfMemory) {
		// Run the collector and try again.
		c.collect(true, true)
		p, err = c.tryAlloc(size, typ, id, t)
	}
	if err != nil {
		return 0, fmt.Errorf("allocating %d bytes: %w", size, err)
	}

	if c.percent.Load() >= 0 && c.heapAlloc.Load() >= c.nextGC.Load() {
		c.Collect(false)
	}
	return p, nil
}

// AllocNoScan allocates an object that never holds pointers.
func (c *Collector) AllocNoScan(size uintptr) (uintptr, error) {
	return c.Alloc(size, gclayout.NoPtrs)
}

func (c *Collector) tryAlloc(size uintptr, typ *gclayout.Program, id typeID, t *task.Task) (uintptr, error) {
	c.tasks.EnterMutator()
	defer c.tasks.ExitMutator()

	noptr := typ != nil && typ.PointerFree()
	c.heap.lock.Lock()
	p, s, err := c.mallocLocked(size, noptr)
	if err == nil && !noptr {
		err = c.setTypeLocked(s, p, id)
	}
	c.heap.lock.Unlock()
	if err != nil {
		return 0, err
	}
	if t != nil {
		// The object becomes garbage if the push fails.
		if _, err := t.PushLocked(p); err != nil {
			return 0, err
		}
	}
	return p, nil
}

// mallocLocked allocates a zeroed block and marks it allocated in the
// bitmap. The heap lock must be held.
func (c *Collector) mallocLocked(size uintptr, noptr bool) (uintptr, *mspan, error) {
	h := &c.heap
	var p uintptr
	var s *mspan
	if size <= MaxSmallSize {
		sizeclass := sizeToClass(size)
		s = h.central[sizeclass]
		if s == nil {
			s = c.allocSpanLocked(1)
			if s == nil {
				return 0, nil, ErrOutOfMemory
			}
			c.initSmallSpan(s, sizeclass)
			h.central[sizeclass] = s
		}
		p = s.freelist
		s.freelist = c.load(p)
		s.ref++
		if s.freelist == 0 {
			h.central[sizeclass] = s.next
			s.next = nil
		}
	} else {
		npages := alignUp(size, PageSize) >> PageShift
		if npages == 0 {
			return 0, nil, ErrOutOfMemory
		}
		s = c.allocSpanLocked(npages)
		if s == nil {
			return 0, nil, ErrOutOfMemory
		}
		s.sizeclass = 0
		s.elemsize = npages << PageShift
		s.nelems = 1
		s.ref = 1
		p = c.spanBase(s)
		c.markSpan(p, s.elemsize, 1, false)
	}

	clear(c.words(p, s.elemsize/wordSize))
	c.markAllocated(p, noptr, c.concurrent())

	c.heapAlloc.Add(uint64(s.elemsize))
	c.nmalloc.Add(1)
	c.totalAlloc.Add(uint64(s.elemsize))
	c.bySize[s.sizeclass].nmalloc.Add(1)
	return p, s, nil
}

// initSmallSpan carves s into objects of the given size class and threads
// them on the span's free list.
func (c *Collector) initSmallSpan(s *mspan, sizeclass uint8) {
	size := classToSize[sizeclass]
	base := c.spanBase(s)
	spanBytes := s.npages << PageShift
	n := spanBytes / size
	s.sizeclass = sizeclass
	s.elemsize = size
	s.nelems = n
	c.markSpan(base, size, n, n*size < spanBytes)
	var head uintptr
	for i := n; i > 0; i-- {
		p := base + (i-1)*size
		c.store(p, head)
		head = p
	}
	s.freelist = head
}

// concurrent reports whether bitmap updates outside of a collection may
// race with each other.
func (c *Collector) concurrent() bool {
	return c.ntasks.Load() > 1 || c.cfg.Workers > 1
}

// setTypeLocked records that the object p of span s has type id. The heap
// lock must be held.
func (c *Collector) setTypeLocked(s *mspan, p uintptr, id typeID) error {
	if id == 0 && s.types.kind != typesWords {
		return nil
	}
	if s.sizeclass == 0 {
		s.types.kind = typesSingle
		s.types.single = id
		return nil
	}
	if s.types.kind == typesEmpty {
		if s.types.slot == 0 {
			slot, err := c.sysAlloc(wordSize)
			if err != nil {
				return err
			}
			s.types.slot = slot
		}
		block, _, err := c.mallocLocked(s.nelems*wordSize, true)
		if err != nil {
			return err
		}
		c.store(s.types.slot, block)
		s.types.kind = typesWords
	}
	block := c.load(s.types.slot)
	c.store(block+(p-c.spanBase(s))/s.elemsize*wordSize, uintptr(id))
	return nil
}

// typeOf returns the scan descriptor recorded for the object p of span s.
func (c *Collector) typeOf(s *mspan, p uintptr) gclayout.Desc {
	var id typeID
	switch s.types.kind {
	case typesSingle:
		id = s.types.single
	case typesWords:
		block := c.load(s.types.slot)
		id = typeID(c.load(block + (p-c.spanBase(s))/s.elemsize*wordSize))
	}
	if id == 0 {
		return gclayout.Conservative
	}
	return gclayout.Precise(c.typeByID(id))
}
