package gc

import "sync"

type spanState uint8

const (
	spanFree  spanState = iota // on the page heap's free list
	spanInUse                  // holds objects
	spanDead                   // merged into a neighbour, kept for reuse
)

func (s spanState) String() string {
	switch s {
	case spanFree:
		return "free"
	case spanInUse:
		return "in use"
	case spanDead:
		return "dead"
	default:
		return "!err"
	}
}

// Type information recorded for the objects of a span.
type typesKind uint8

const (
	typesEmpty  typesKind = iota // no type information, scan conservatively
	typesSingle                  // one object, type in mtypes.single
	typesWords                   // one type id word per object in the types block
)

type mtypes struct {
	kind   typesKind
	single typeID
	// Address of the static word that holds the address of the types
	// block. The block itself is a pointer-free heap object, kept alive by
	// scanning the slot as a root.
	slot uintptr
}

// A span is a run of pages holding either objects of one size class or a
// single large object.
type mspan struct {
	start     uintptr // first page, relative to arenaStart
	npages    uintptr
	next      *mspan // free list or central list
	state     spanState
	sizeclass uint8 // 0 for a large object
	elemsize  uintptr
	nelems    uintptr
	freelist  uintptr // first free slot; the first word of a free slot links to the next
	ref       uintptr // number of allocated objects
	types     mtypes
}

// mheap is the page heap: it hands out runs of pages of the arena to spans.
type mheap struct {
	lock sync.Mutex

	// The span owning each page of the arena, up to arenaUsed.
	spans []*mspan

	// Every span ever created, including dead ones, in creation order.
	allspans []*mspan

	free     *mspan // free spans, unordered
	dead     *mspan // span structs available for reuse
	central  [numSizeClasses]*mspan
	pagesUse uintptr
}

func (h *mheap) init(a *arena) {
	h.spans = make([]*mspan, (a.arenaEnd-a.arenaStart)>>PageShift)
}

func (a *arena) spanBase(s *mspan) uintptr {
	return a.arenaStart + s.start<<PageShift
}

// spanOf returns the span containing p, or nil.
func (c *Collector) spanOf(p uintptr) *mspan {
	if !c.inArena(p) {
		return nil
	}
	return c.heap.spans[(p-c.arenaStart)>>PageShift]
}

func (h *mheap) newSpanLocked() *mspan {
	s := h.dead
	if s != nil {
		h.dead = s.next
		*s = mspan{}
		return s
	}
	s = &mspan{}
	h.allspans = append(h.allspans, s)
	return s
}

func (h *mheap) setSpans(s *mspan) {
	for i := uintptr(0); i < s.npages; i++ {
		h.spans[s.start+i] = s
	}
}

// allocSpanLocked returns an in-use span of npages pages, or nil when the
// arena is exhausted. The heap lock must be held.
func (c *Collector) allocSpanLocked(npages uintptr) *mspan {
	h := &c.heap

	// Best fit from the free list.
	var best, bestPrev, prev *mspan
	for s := h.free; s != nil; prev, s = s, s.next {
		if s.npages >= npages && (best == nil || s.npages < best.npages) {
			best, bestPrev = s, prev
			if s.npages == npages {
				break
			}
		}
	}
	if best != nil {
		if bestPrev == nil {
			h.free = best.next
		} else {
			bestPrev.next = best.next
		}
		best.next = nil
		if best.npages > npages {
			// Split off the remainder.
			t := h.newSpanLocked()
			t.start = best.start + npages
			t.npages = best.npages - npages
			t.state = spanFree
			h.setSpans(t)
			t.next = h.free
			h.free = t
			best.npages = npages
		}
	} else {
		// Grow the arena.
		if (c.arenaEnd-c.arenaUsed)>>PageShift < npages {
			return nil
		}
		best = h.newSpanLocked()
		best.start = (c.arenaUsed - c.arenaStart) >> PageShift
		best.npages = npages
		c.arenaUsed += npages << PageShift
		c.mapBits()
	}
	best.state = spanInUse
	h.setSpans(best)
	h.pagesUse += npages
	return best
}

// freeSpanLocked returns s to the page heap, merging it with free
// neighbours. The heap lock must be held.
func (c *Collector) freeSpanLocked(s *mspan) {
	h := &c.heap
	if s.state != spanInUse || s.ref != 0 {
		throwAt("freeSpan: span is not free", c.spanBase(s))
	}
	if s.types.slot != 0 {
		c.store(s.types.slot, 0)
		c.sysFree(s.types.slot, wordSize)
	}
	c.unmarkSpan(c.spanBase(s), s.npages<<PageShift)
	h.pagesUse -= s.npages
	start, npages := s.start, s.npages
	*s = mspan{start: start, npages: npages, state: spanFree}

	// Coalesce with the neighbours.
	if s.start > 0 {
		if t := h.spans[s.start-1]; t != nil && t.state == spanFree {
			h.removeFree(t)
			s.start = t.start
			s.npages += t.npages
			h.killSpan(t)
		}
	}
	if end := s.start + s.npages; end < uintptr(len(h.spans)) {
		if t := h.spans[end]; t != nil && t.state == spanFree {
			h.removeFree(t)
			s.npages += t.npages
			h.killSpan(t)
		}
	}
	h.setSpans(s)
	s.next = h.free
	h.free = s
}

func (h *mheap) removeFree(t *mspan) {
	for p := &h.free; *p != nil; p = &(*p).next {
		if *p == t {
			*p = t.next
			t.next = nil
			return
		}
	}
	throw("span missing from the free list")
}

func (h *mheap) killSpan(t *mspan) {
	t.state = spanDead
	t.next = h.dead
	h.dead = t
}

// freePages returns the number of pages on the free list.
func (h *mheap) freePages() uintptr {
	var n uintptr
	for s := h.free; s != nil; s = s.next {
		n += s.npages
	}
	return n
}

// rebuildCentral rebuilds the lists of spans with free slots after a sweep.
func (c *Collector) rebuildCentral() {
	h := &c.heap
	h.lock.Lock()
	defer h.lock.Unlock()
	for i := range h.central {
		h.central[i] = nil
	}
	for i := len(h.allspans) - 1; i >= 0; i-- {
		s := h.allspans[i]
		if s.state != spanInUse || s.sizeclass == 0 || s.freelist == 0 {
			continue
		}
		s.next = h.central[s.sizeclass]
		h.central[s.sizeclass] = s
	}
}

// scavenge returns the memory of free spans to the OS and returns the
// number of bytes released.
func (c *Collector) scavenge() (uint64, error) {
	h := &c.heap
	h.lock.Lock()
	defer h.lock.Unlock()
	var n uint64
	for s := h.free; s != nil; s = s.next {
		bytes := s.npages << PageShift
		if err := sysUnused(c.words(c.spanBase(s), bytes/wordSize)); err != nil {
			return n, err
		}
		n += uint64(bytes)
	}
	return n, nil
}
